// Package models holds the plain data records shared across the monitoring core.
package models

import "time"

// Host identifies a monitored machine reachable over SSH.
type Host struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	SSHPort     int        `json:"ssh_port"`
	SSHUser     string     `json:"ssh_user"`
	KeyDeployed bool       `json:"key_deployed"`
	KeyDeployedAt *time.Time `json:"key_deployed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MonitoringConfig is the per-host operator configuration (1:1 with Host).
type MonitoringConfig struct {
	HostID                   int64    `json:"host_id"`
	Enabled                  bool     `json:"enabled"`
	Suspended                bool     `json:"suspended"`
	AlertsSuppressed         bool     `json:"alerts_suppressed"`
	CollectionIntervalSecs   int      `json:"collection_interval_seconds"`
	AnomalyIntervalSecs      int      `json:"anomaly_detection_interval_seconds"`
	AdaptiveCollection       bool     `json:"adaptive_collection_enabled"`
	CPUThreshold             float64  `json:"cpu_threshold"`
	MemoryThreshold          float64  `json:"memory_threshold"`
	DiskThreshold            float64  `json:"disk_threshold"`
	DiskIOThresholdMBs       float64  `json:"disk_io_threshold_mbs"`
	NetIOThresholdMBs        float64  `json:"net_io_threshold_mbs"`
	DetectionWindow          int      `json:"detection_window"`
	RetentionDays            int      `json:"retention_days"`
	MonitoredDisks           []string `json:"monitored_disks"`
	MonitoredServices        []string `json:"monitored_services"`
	AlertRecipients          []string `json:"alert_recipients"`
}

// Normalize applies defaults and the structural invariants: "/" is always
// monitored, intervals have a 5s floor, percent thresholds stay in [0,100].
func (c *MonitoringConfig) Normalize() {
	if c.CollectionIntervalSecs < 5 {
		if c.CollectionIntervalSecs <= 0 {
			c.CollectionIntervalSecs = 30
		} else {
			c.CollectionIntervalSecs = 5
		}
	}
	if c.AnomalyIntervalSecs < 5 {
		if c.AnomalyIntervalSecs <= 0 {
			c.AnomalyIntervalSecs = 60
		} else {
			c.AnomalyIntervalSecs = 5
		}
	}
	if c.DetectionWindow <= 0 {
		c.DetectionWindow = 30
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	c.CPUThreshold = clampPercent(c.CPUThreshold, 80)
	c.MemoryThreshold = clampPercent(c.MemoryThreshold, 80)
	c.DiskThreshold = clampPercent(c.DiskThreshold, 90)
	if c.DiskIOThresholdMBs <= 0 {
		c.DiskIOThresholdMBs = 100
	}
	if c.NetIOThresholdMBs <= 0 {
		c.NetIOThresholdMBs = 100
	}
	hasRoot := false
	for _, m := range c.MonitoredDisks {
		if m == "/" {
			hasRoot = true
			break
		}
	}
	if !hasRoot {
		c.MonitoredDisks = append([]string{"/"}, c.MonitoredDisks...)
	}
}

func clampPercent(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	if v > 100 {
		return 100
	}
	return v
}

// DiskUsage describes one mounted filesystem in a sample.
type DiskUsage struct {
	TotalBytes   uint64  `json:"total"`
	UsedBytes    uint64  `json:"used"`
	FreeBytes    uint64  `json:"free"`
	Percent      float64 `json:"percent"`
	Device       string  `json:"device,omitempty"`
	FSType       string  `json:"fstype,omitempty"`
	DiskType     string  `json:"disk_type,omitempty"`
	RAID         string  `json:"raid,omitempty"`
	PhysicalDisk string  `json:"physical_disk,omitempty"`
}

// NetIOCounters holds per-interface counters from a sample.
type NetIOCounters struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// ProcessInfo is one entry of the optional top-processes listing.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"memory_percent"`
}

// Sample is one timestamped snapshot of host metrics. Immutable after insert.
type Sample struct {
	ID               int64                    `json:"id"`
	HostID           int64                    `json:"host_id"`
	Timestamp        time.Time                `json:"timestamp"`
	CPUPercent       float64                  `json:"cpu_percent"`
	MemoryPercent    float64                  `json:"memory_percent"`
	SwapPercent      *float64                 `json:"swap_percent,omitempty"`
	DiskUsage        map[string]DiskUsage     `json:"disk_usage"`
	NetworkIO        map[string]NetIOCounters `json:"network_io"`
	DiskIOReadBps    float64                  `json:"disk_io_read_bps"`
	DiskIOWriteBps   float64                  `json:"disk_io_write_bps"`
	NetIOSentBps     float64                  `json:"net_io_sent_bps"`
	NetIORecvBps     float64                  `json:"net_io_recv_bps"`
	Load1            float64                  `json:"load_1"`
	Load5            float64                  `json:"load_5"`
	Load15           float64                  `json:"load_15"`
	NetConnections   int                      `json:"network_connections"`
	UptimeSeconds    int64                    `json:"system_uptime_seconds"`
	TopProcesses     []ProcessInfo            `json:"top_processes,omitempty"`
}

// MaxDiskPercent returns the highest mountpoint usage, 0 when none.
func (s *Sample) MaxDiskPercent() float64 {
	max := 0.0
	for _, du := range s.DiskUsage {
		if du.Percent > max {
			max = du.Percent
		}
	}
	return max
}

// Severity orders anomaly impact. The zero value is not valid.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering weight of the severity, 0 for unknown.
func (s Severity) Rank() int { return severityRank[s] }

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// MetricType groups anomalies by subsystem.
type MetricType string

const (
	MetricCPU     MetricType = "cpu"
	MetricMemory  MetricType = "memory"
	MetricDisk    MetricType = "disk"
	MetricNetwork MetricType = "network"
)

// CorrelationContext records the cross-metric z-scores attached when the
// correlation engine lifts an anomaly.
type CorrelationContext struct {
	Score    float64            `json:"score"`
	ZScores  map[string]float64 `json:"z_scores"`
	Weights  map[string]float64 `json:"weights"`
	Window   int                `json:"window"`
}

// Anomaly is a persisted detector finding against one sample.
type Anomaly struct {
	ID           string              `json:"id"`
	HostID       int64               `json:"host_id"`
	SampleID     int64               `json:"sample_id"`
	Timestamp    time.Time           `json:"timestamp"`
	MetricType   MetricType          `json:"metric_type"`
	MetricName   string              `json:"metric_name"`
	MetricValue  float64             `json:"metric_value"`
	Severity     Severity            `json:"severity"`
	AnomalyScore float64             `json:"anomaly_score"`
	Acknowledged bool                `json:"acknowledged"`
	Resolved     bool                `json:"resolved"`
	ResolvedAt   *time.Time          `json:"resolved_at,omitempty"`
	Explanation  string              `json:"explanation,omitempty"`
	LLMGenerated bool                `json:"llm_generated"`
	Correlation  *CorrelationContext `json:"correlation,omitempty"`
}

// AlertType identifies the channel an alert fired on.
type AlertType string

const (
	AlertCPU        AlertType = "CPU"
	AlertMemory     AlertType = "Memory"
	AlertDisk       AlertType = "Disk"
	AlertDiskIO     AlertType = "DiskIO"
	AlertNetworkIO  AlertType = "NetworkIO"
	AlertConnection AlertType = "CONNECTION"
	AlertService    AlertType = "SERVICE"
)

// AlertStatus is the state transition an AlertRecord captures.
type AlertStatus string

const (
	AlertTriggered AlertStatus = "triggered"
	AlertResolved  AlertStatus = "resolved"
)

// AlertRecord is one persisted notification event (append-only history).
type AlertRecord struct {
	ID         string      `json:"id"`
	HostID     int64       `json:"host_id"`
	Type       AlertType   `json:"alert_type"`
	Status     AlertStatus `json:"status"`
	Value      float64     `json:"value"`
	Threshold  float64     `json:"threshold"`
	Message    string      `json:"message"`
	Recipients []string    `json:"recipients"`
	SentAt     time.Time   `json:"sent_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// Heartbeat tracks host liveness (1:1 with Host).
type Heartbeat struct {
	HostID        int64     `json:"host_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	AgentVersion  string    `json:"agent_version,omitempty"`
}

// ServiceStatus is the observed state of a monitored service unit.
type ServiceStatus string

const (
	ServiceRunning ServiceStatus = "running"
	ServiceStopped ServiceStatus = "stopped"
	ServiceFailed  ServiceStatus = "failed"
	ServiceUnknown ServiceStatus = "unknown"
)

// Service is one discovered service on a host. Monitoring is enabled per
// (host, name); identically-named services on other hosts are independent.
type Service struct {
	ID                int64         `json:"id"`
	HostID            int64         `json:"host_id"`
	Name              string        `json:"name"`
	Status            ServiceStatus `json:"status"`
	ServiceType       string        `json:"service_type"`
	LastChecked       time.Time     `json:"last_checked"`
	MonitoringEnabled bool          `json:"monitoring_enabled"`
}

// HostStatus is the tri-state liveness answer.
type HostStatus string

const (
	StatusOnline  HostStatus = "online"
	StatusWarning HostStatus = "warning"
	StatusOffline HostStatus = "offline"
)

// AlertState is the hysteresis snapshot kept in the cache per host.
type AlertState struct {
	CPU       bool            `json:"cpu"`
	Memory    bool            `json:"memory"`
	Disk      map[string]bool `json:"disk"`
	DiskIO    bool            `json:"disk_io"`
	NetworkIO bool            `json:"network_io"`
}

// Clone returns a deep copy so the state can be mutated safely.
func (s AlertState) Clone() AlertState {
	out := s
	out.Disk = make(map[string]bool, len(s.Disk))
	for k, v := range s.Disk {
		out.Disk[k] = v
	}
	return out
}

// AnomalySummary is the cached per-host anomaly rollup served to dashboards.
type AnomalySummary struct {
	Active          int               `json:"active"`
	HighestSeverity string            `json:"highest_severity"`
	Timestamp       time.Time         `json:"timestamp"`
	Details         map[string]string `json:"details"`
}

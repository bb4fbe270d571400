package collector

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// virtualFilesystems is the fixed denylist applied to probe output. The probe
// filters these itself, but output from older probe versions is normalized
// here too.
var virtualFilesystems = map[string]struct{}{
	"squashfs": {}, "tmpfs": {}, "devtmpfs": {}, "proc": {}, "sysfs": {},
	"cgroup": {}, "cgroup2": {}, "ramfs": {}, "overlay": {}, "udev": {},
}

type probeOutput struct {
	CPUPercent     *float64                        `json:"cpu_percent"`
	MemoryPercent  *float64                        `json:"memory_percent"`
	SwapPercent    *float64                        `json:"swap_percent"`
	DiskUsage      map[string]models.DiskUsage     `json:"disk_usage"`
	NetworkIO      map[string]probeNetCounters     `json:"network_io"`
	DiskIOReadBps  float64                         `json:"disk_io_read_bps"`
	DiskIOWriteBps float64                         `json:"disk_io_write_bps"`
	NetIOSentBps   float64                         `json:"net_io_sent_bps"`
	NetIORecvBps   float64                         `json:"net_io_recv_bps"`
	Load1          float64                         `json:"load_1"`
	Load5          float64                         `json:"load_5"`
	Load15         float64                         `json:"load_15"`
	NetConnections int                             `json:"network_connections"`
	UptimeSeconds  int64                           `json:"system_uptime_seconds"`
	TopProcesses   []models.ProcessInfo            `json:"top_processes"`
}

// signed counters so negative garbage can be rejected instead of wrapping
type probeNetCounters struct {
	BytesSent   int64 `json:"bytes_sent"`
	BytesRecv   int64 `json:"bytes_recv"`
	PacketsSent int64 `json:"packets_sent"`
	PacketsRecv int64 `json:"packets_recv"`
}

// parseProbeOutput validates and normalizes the probe's JSON into a Sample.
func parseProbeOutput(hostID int64, raw string, now time.Time) (*models.Sample, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, verrors.New(verrors.KindParseError, "parse_probe", "", errEmptyOutput)
	}

	var out probeOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, verrors.New(verrors.KindParseError, "parse_probe", "", err)
	}

	cpu, err := requirePercent("cpu_percent", out.CPUPercent)
	if err != nil {
		return nil, err
	}
	mem, err := requirePercent("memory_percent", out.MemoryPercent)
	if err != nil {
		return nil, err
	}
	var swap *float64
	if out.SwapPercent != nil {
		v, err := requirePercent("swap_percent", out.SwapPercent)
		if err != nil {
			return nil, err
		}
		swap = &v
	}

	disks := make(map[string]models.DiskUsage, len(out.DiskUsage))
	for mount, du := range out.DiskUsage {
		if _, virtual := virtualFilesystems[du.FSType]; virtual {
			continue
		}
		if du.Percent < 0 || du.Percent > 100 {
			return nil, verrors.New(verrors.KindParseError, "parse_probe", "",
				percentError("disk_usage."+mount, du.Percent))
		}
		disks[mount] = du
	}

	nets := make(map[string]models.NetIOCounters, len(out.NetworkIO))
	for iface, c := range out.NetworkIO {
		if c.BytesSent < 0 || c.BytesRecv < 0 || c.PacketsSent < 0 || c.PacketsRecv < 0 {
			return nil, verrors.New(verrors.KindParseError, "parse_probe", "",
				counterError(iface))
		}
		nets[iface] = models.NetIOCounters{
			BytesSent:   uint64(c.BytesSent),
			BytesRecv:   uint64(c.BytesRecv),
			PacketsSent: uint64(c.PacketsSent),
			PacketsRecv: uint64(c.PacketsRecv),
		}
	}

	return &models.Sample{
		HostID:         hostID,
		Timestamp:      now.UTC(),
		CPUPercent:     cpu,
		MemoryPercent:  mem,
		SwapPercent:    swap,
		DiskUsage:      disks,
		NetworkIO:      nets,
		DiskIOReadBps:  nonNegative(out.DiskIOReadBps),
		DiskIOWriteBps: nonNegative(out.DiskIOWriteBps),
		NetIOSentBps:   nonNegative(out.NetIOSentBps),
		NetIORecvBps:   nonNegative(out.NetIORecvBps),
		Load1:          out.Load1,
		Load5:          out.Load5,
		Load15:         out.Load15,
		NetConnections: out.NetConnections,
		UptimeSeconds:  out.UptimeSeconds,
		TopProcesses:   out.TopProcesses,
	}, nil
}

func requirePercent(field string, v *float64) (float64, error) {
	if v == nil {
		return 0, verrors.New(verrors.KindParseError, "parse_probe", "", missingError(field))
	}
	if *v < 0 || *v > 100 {
		return 0, verrors.New(verrors.KindParseError, "parse_probe", "", percentError(field, *v))
	}
	return *v, nil
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/vigil/internal/verrors"
)

const validProbeJSON = `{
	"cpu_percent": 42.5,
	"memory_percent": 61.2,
	"swap_percent": 3.0,
	"disk_usage": {
		"/":     {"total": 100, "used": 40, "free": 60, "percent": 40.0, "fstype": "ext4"},
		"/run":  {"total": 10, "used": 1, "free": 9, "percent": 10.0, "fstype": "tmpfs"},
		"/snap": {"total": 5, "used": 5, "free": 0, "percent": 100.0, "fstype": "squashfs"}
	},
	"network_io": {
		"eth0": {"bytes_sent": 1000, "bytes_recv": 2000, "packets_sent": 10, "packets_recv": 20}
	},
	"disk_io_read_bps": 1024,
	"disk_io_write_bps": 2048,
	"net_io_sent_bps": 512,
	"net_io_recv_bps": 4096,
	"load_1": 0.5, "load_5": 0.4, "load_15": 0.3,
	"network_connections": 12,
	"system_uptime_seconds": 86400,
	"top_processes": [{"pid": 1, "name": "systemd", "cpu_percent": 0.1, "memory_percent": 0.2}]
}`

func TestParseProbeOutput(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	sample, err := parseProbeOutput(7, validProbeJSON, now)
	require.NoError(t, err)

	assert.Equal(t, int64(7), sample.HostID)
	assert.Equal(t, now, sample.Timestamp)
	assert.Equal(t, 42.5, sample.CPUPercent)
	assert.Equal(t, 61.2, sample.MemoryPercent)
	require.NotNil(t, sample.SwapPercent)
	assert.Equal(t, 3.0, *sample.SwapPercent)
	assert.Equal(t, 12, sample.NetConnections)
	assert.Equal(t, int64(86400), sample.UptimeSeconds)
	require.Len(t, sample.TopProcesses, 1)
	assert.Equal(t, "systemd", sample.TopProcesses[0].Name)
}

func TestParseFiltersVirtualFilesystems(t *testing.T) {
	sample, err := parseProbeOutput(1, validProbeJSON, time.Now())
	require.NoError(t, err)

	assert.Contains(t, sample.DiskUsage, "/")
	assert.NotContains(t, sample.DiskUsage, "/run", "tmpfs is virtual")
	assert.NotContains(t, sample.DiskUsage, "/snap", "squashfs is virtual")
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   \n"},
		{"not json", "psutil traceback"},
		{"missing cpu", `{"memory_percent": 50}`},
		{"missing memory", `{"cpu_percent": 50}`},
		{"cpu out of range", `{"cpu_percent": 120, "memory_percent": 50}`},
		{"negative memory", `{"cpu_percent": 50, "memory_percent": -1}`},
		{"swap out of range", `{"cpu_percent": 50, "memory_percent": 50, "swap_percent": 400}`},
		{"disk percent out of range", `{"cpu_percent": 50, "memory_percent": 50,
			"disk_usage": {"/": {"percent": 140, "fstype": "ext4"}}}`},
		{"negative net counters", `{"cpu_percent": 50, "memory_percent": 50,
			"network_io": {"eth0": {"bytes_sent": -5}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseProbeOutput(1, tc.raw, time.Now())
			require.Error(t, err)
			assert.True(t, verrors.IsKind(err, verrors.KindParseError), "got %v", err)
		})
	}
}

func TestParseClampsNegativeRates(t *testing.T) {
	raw := `{"cpu_percent": 50, "memory_percent": 50, "disk_io_read_bps": -100, "net_io_sent_bps": -1}`
	sample, err := parseProbeOutput(1, raw, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, sample.DiskIOReadBps)
	assert.Equal(t, 0.0, sample.NetIOSentBps)
}

func TestProbeScriptIsSelfContained(t *testing.T) {
	// The probe must be dependency-light: python3 + psutil only, and it must
	// announce a missing psutil in a way the collector can classify.
	assert.Contains(t, probeScript, "import psutil")
	assert.Contains(t, probeScript, "psutil missing")
	assert.Contains(t, probeScript, "json.dump")
}

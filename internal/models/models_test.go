package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := &MonitoringConfig{}
	cfg.Normalize()

	assert.Equal(t, 30, cfg.CollectionIntervalSecs)
	assert.Equal(t, 60, cfg.AnomalyIntervalSecs)
	assert.Equal(t, 30, cfg.DetectionWindow)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 80.0, cfg.CPUThreshold)
	assert.Equal(t, 80.0, cfg.MemoryThreshold)
	assert.Equal(t, 90.0, cfg.DiskThreshold)
	assert.Equal(t, 100.0, cfg.DiskIOThresholdMBs)
	assert.Equal(t, []string{"/"}, cfg.MonitoredDisks)
}

func TestNormalizeClampsAndFloors(t *testing.T) {
	cfg := &MonitoringConfig{
		CollectionIntervalSecs: 1,
		AnomalyIntervalSecs:    2,
		CPUThreshold:           150,
		MemoryThreshold:        -3,
		DiskThreshold:          55,
		MonitoredDisks:         []string{"/data"},
	}
	cfg.Normalize()

	assert.Equal(t, 5, cfg.CollectionIntervalSecs, "interval floor is 5s, not the default")
	assert.Equal(t, 5, cfg.AnomalyIntervalSecs)
	assert.Equal(t, 100.0, cfg.CPUThreshold)
	assert.Equal(t, 80.0, cfg.MemoryThreshold, "non-positive falls back to the default")
	assert.Equal(t, 55.0, cfg.DiskThreshold)
	assert.Equal(t, []string{"/", "/data"}, cfg.MonitoredDisks, `"/" is always monitored`)
}

func TestNormalizeKeepsExistingRoot(t *testing.T) {
	cfg := &MonitoringConfig{MonitoredDisks: []string{"/var", "/"}}
	cfg.Normalize()
	assert.Equal(t, []string{"/var", "/"}, cfg.MonitoredDisks)
}

func TestMaxDiskPercent(t *testing.T) {
	s := &Sample{DiskUsage: map[string]DiskUsage{
		"/":     {Percent: 40},
		"/data": {Percent: 91.5},
		"/var":  {Percent: 12},
	}}
	assert.Equal(t, 91.5, s.MaxDiskPercent())

	assert.Equal(t, 0.0, (&Sample{}).MaxDiskPercent())
}

func TestSeverityOrdering(t *testing.T) {
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityLow, SeverityCritical))
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityCritical, SeverityMedium))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityHigh))
	assert.Equal(t, SeverityLow, MaxSeverity(Severity(""), SeverityLow), "unknown ranks below everything")
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())
}

func TestAlertStateClone(t *testing.T) {
	orig := AlertState{CPU: true, Disk: map[string]bool{"/": true}}
	clone := orig.Clone()

	clone.Disk["/data"] = true
	clone.CPU = false

	assert.True(t, orig.CPU)
	assert.NotContains(t, orig.Disk, "/data", "clone must not share the disk map")
}

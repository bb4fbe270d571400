package detector

import (
	"github.com/vigilops/vigil/internal/models"
)

// correlationWindowCap bounds how many samples feed the correlation frame.
const correlationWindowCap = 120

var correlationWeights = map[string]float64{
	"cpu":     0.35,
	"memory":  0.30,
	"disk":    0.20,
	"network": 0.15,
}

// correlationResult is the outcome of the cross-metric engine.
type correlationResult struct {
	fired   bool
	score   float64
	zScores map[string]float64
	window  int
}

// correlate builds a 4-wide frame (cpu, memory, max disk percent, network
// MB/s) over the newest samples, z-scores each column clipped to [-5, 5], and
// scores the latest row as the weighted sum of absolute z-scores.
func correlate(samples []models.Sample, thresholdFactor float64) correlationResult {
	if len(samples) > correlationWindowCap {
		samples = samples[len(samples)-correlationWindowCap:]
	}
	if len(samples) < minSamples {
		return correlationResult{}
	}

	frame := map[string][]float64{
		"cpu":     make([]float64, len(samples)),
		"memory":  make([]float64, len(samples)),
		"disk":    make([]float64, len(samples)),
		"network": make([]float64, len(samples)),
	}
	for i := range samples {
		s := &samples[i]
		frame["cpu"][i] = s.CPUPercent
		frame["memory"][i] = s.MemoryPercent
		frame["disk"][i] = s.MaxDiskPercent()
		frame["network"][i] = (s.NetIOSentBps + s.NetIORecvBps) / (1024 * 1024)
	}

	latestZ := make(map[string]float64, len(frame))
	score := 0.0
	for metric, column := range frame {
		m := mean(column)
		sd := stddev(column)
		if sd < 1e-9 {
			latestZ[metric] = 0
			continue
		}
		z := clip((column[len(column)-1]-m)/sd, -5, 5)
		latestZ[metric] = z
		score += correlationWeights[metric] * abs(z)
	}

	return correlationResult{
		fired:   score > thresholdFactor,
		score:   score,
		zScores: latestZ,
		window:  len(samples),
	}
}

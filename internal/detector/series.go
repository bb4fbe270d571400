package detector

import (
	"math"
	"time"

	"github.com/vigilops/vigil/internal/models"
)

// point is one value on the regular grid.
type point struct {
	ts    time.Time
	value float64
}

// resample projects samples onto a regular grid with the given period,
// anchored at the newest timestamp. Missing points are forward-filled, then
// back-filled; anything still missing becomes the series mean (or 0 for an
// all-empty series). Timestamps are UTC.
func resample(samples []models.Sample, extract func(*models.Sample) float64, period time.Duration) []point {
	if len(samples) == 0 {
		return nil
	}
	if period <= 0 {
		period = 30 * time.Second
	}

	first := samples[0].Timestamp.UTC()
	last := samples[len(samples)-1].Timestamp.UTC()
	n := int(last.Sub(first)/period) + 1
	if n < 1 {
		n = 1
	}
	// Cap the grid so a long gap cannot blow up memory; newest points win.
	const maxGrid = 1024
	if n > maxGrid {
		first = last.Add(-time.Duration(maxGrid-1) * period)
		n = maxGrid
	}

	grid := make([]float64, n)
	filled := make([]bool, n)
	for i := range samples {
		ts := samples[i].Timestamp.UTC()
		if ts.Before(first) {
			continue
		}
		idx := int(ts.Sub(first) / period)
		if idx >= n {
			idx = n - 1
		}
		grid[idx] = extract(&samples[i])
		filled[idx] = true
	}

	// forward fill
	for i := 1; i < n; i++ {
		if !filled[i] && filled[i-1] {
			grid[i] = grid[i-1]
			filled[i] = true
		}
	}
	// back fill
	for i := n - 2; i >= 0; i-- {
		if !filled[i] && filled[i+1] {
			grid[i] = grid[i+1]
			filled[i] = true
		}
	}
	// mean fill for whatever remains
	sum, count := 0.0, 0
	for i := range grid {
		if filled[i] {
			sum += grid[i]
			count++
		}
	}
	mean := 0.0
	if count > 0 {
		mean = sum / float64(count)
	}

	out := make([]point, n)
	for i := range grid {
		v := grid[i]
		if !filled[i] {
			v = mean
		}
		out[i] = point{ts: first.Add(time.Duration(i) * period), value: v}
	}
	return out
}

func values(points []point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.value
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}

func stddev(xs []float64) float64 { return math.Sqrt(variance(xs)) }

// robustSigma estimates spread via the median absolute deviation scaled to
// match a normal distribution's sigma. Resistant to the spikes being hunted.
func robustSigma(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	med := median(xs)
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - med)
	}
	return 1.4826 * median(devs)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	insertionSort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// windows here are tiny (≤120), insertion sort keeps this dependency-free
func insertionSort(xs []float64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

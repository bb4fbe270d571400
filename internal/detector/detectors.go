package detector

// The individual detectors each answer one question about the latest point of
// a resampled series. They are deliberately dependency-free float slices in,
// verdict out.

// thresholdFire reports whether the latest value crosses the detection-grade
// threshold (operator threshold scaled by the detector factor).
func thresholdFire(series []float64, operatorThreshold, factor float64) (fired bool, excess float64) {
	if len(series) == 0 {
		return false, 0
	}
	effective := operatorThreshold * factor
	if effective > 100 {
		// Percent metrics saturate; past 100 the operator threshold itself is
		// the only meaningful detection line.
		effective = operatorThreshold
	}
	latest := series[len(series)-1]
	if latest >= effective && effective > 0 {
		return true, (latest - effective) / effective
	}
	return false, 0
}

// persistenceFire reports whether the tail of the series deviates from the
// rolling reference by more than c robust sigmas, sustained over the window.
func persistenceFire(series []float64, window int, c float64) bool {
	if window < 1 || len(series) < window*2 {
		return false
	}
	reference := series[:len(series)-window]
	tail := series[len(series)-window:]

	sigma := robustSigma(reference)
	if sigma == 0 {
		sigma = 1e-9
	}
	ref := median(reference)
	for _, v := range tail {
		if abs(v-ref)/sigma <= c {
			return false
		}
	}
	return true
}

// levelShiftFire reports a change-point: the means of two adjacent windows at
// the end of the series differ by more than threshold sigmas.
func levelShiftFire(series []float64, window int, threshold float64) bool {
	if window < 2 || len(series) < window*2 {
		return false
	}
	left := series[len(series)-2*window : len(series)-window]
	right := series[len(series)-window:]

	pooled := stddev(series[:len(series)-window])
	if pooled == 0 {
		pooled = 1e-9
	}
	return abs(mean(right)-mean(left))/pooled > threshold
}

// volatilityFire reports a variance regime change: the ratio of the rolling
// variances of two adjacent windows exceeds c.
func volatilityFire(series []float64, window int, c float64) bool {
	if window < 2 || len(series) < window*2 {
		return false
	}
	left := variance(series[len(series)-2*window : len(series)-window])
	right := variance(series[len(series)-window:])
	if left < 1e-9 {
		// From flat to anything: only fire if the new variance is material.
		return right > 1.0
	}
	return right/left > c
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

package analysis

import "math"

// #region detect-anomalies
// DetectAnomalies flags transitions whose duration lies more than two
// population standard deviations from the mean. Non-positive durations are
// left out of the sample; fewer than five samples yields no anomalies.
func DetectAnomalies(transitions []StateTransition) []Anomaly {
	sample := make([]StateTransition, 0, len(transitions))
	for _, tr := range transitions {
		if tr.Duration > 0 {
			sample = append(sample, tr)
		}
	}
	if len(sample) < minAnomalySamples {
		return nil
	}

	mean, stddev := meanStdDev(sample)
	if stddev == 0 {
		return nil
	}

	var anomalies []Anomaly
	for _, tr := range sample {
		dev := float64(tr.Duration) - mean
		if math.Abs(dev) > anomalyStdDevs*stddev {
			anomalies = append(anomalies, Anomaly{
				Transition: tr,
				ZScore:     dev / stddev,
			})
		}
	}
	return anomalies
}

// #endregion detect-anomalies

// #region helpers
// meanStdDev returns the mean and population standard deviation of the
// durations in nanoseconds.
func meanStdDev(sample []StateTransition) (float64, float64) {
	var sum float64
	for _, tr := range sample {
		sum += float64(tr.Duration)
	}
	mean := sum / float64(len(sample))

	var sq float64
	for _, tr := range sample {
		d := float64(tr.Duration) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(sample)))
}

// #endregion helpers

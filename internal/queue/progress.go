package queue

import "math"

// Estimator turns segment end times into a non-decreasing percentage.
// With an unknown total it stays at 0 until the job completes.
type Estimator struct {
	total float64
	last  int
}

// NewEstimator creates an estimator for audio of total seconds.
func NewEstimator(total float64) *Estimator {
	return &Estimator{total: total}
}

// Known reports whether a positive total duration is set.
func (e *Estimator) Known() bool {
	return e.total > 0
}

// SetTotal fills in the duration if it was unknown.
func (e *Estimator) SetTotal(total float64) {
	if e.total <= 0 && total > 0 {
		e.total = total
	}
}

// Observe records the end of the latest segment and reports the current
// percentage and whether it moved since the previous call.
func (e *Estimator) Observe(end float64) (int, bool) {
	pct := Percent(end, e.total)
	if pct <= e.last {
		return e.last, false
	}
	e.last = pct
	return pct, true
}

// Current returns the last reported percentage.
func (e *Estimator) Current() int {
	return e.last
}

// Percent computes clamp(floor(100*end/total), 0, 100); 0 when total is
// unknown.
func Percent(end, total float64) int {
	if total <= 0 || math.IsNaN(end) || end <= 0 {
		return 0
	}
	pct := math.Floor(100 * end / total)
	if pct > 100 {
		return 100
	}
	return int(pct)
}

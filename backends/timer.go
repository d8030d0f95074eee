package backends

import "time"

// Timer measures laps of wall time, used to benchmark implementations.
type Timer struct {
	start time.Time
	laps  []time.Duration
}

// Start a lap.
func (t *Timer) Start() {
	t.start = time.Now()
}

// Stop the current lap and records it.
func (t *Timer) Stop() {
	t.laps = append(t.laps, time.Since(t.start))
}

// Clear all recorded laps.
func (t *Timer) Clear() {
	t.laps = t.laps[:0]
}

// Laps returns the recorded laps.
func (t *Timer) Laps() []time.Duration { return t.laps }

// Average returns the average of the recorded laps, or 0 if there are none.
func (t *Timer) Average() time.Duration {
	if len(t.laps) == 0 {
		return 0
	}
	var total time.Duration
	for _, lap := range t.laps {
		total += lap
	}
	return total / time.Duration(len(t.laps))
}

// AverageMs returns Average in milliseconds.
func (t *Timer) AverageMs() float64 {
	return float64(t.Average()) / float64(time.Millisecond)
}

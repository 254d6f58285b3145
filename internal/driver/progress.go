package driver

import (
	"strconv"
	"sync"
	"time"
)

// progressSample is one point of the throughput measurement window.
type progressSample struct {
	at      time.Time
	emitted int64
}

// Tracker computes smoothed throughput and ETA from periodic emission-count
// observations. Thread-safe.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []progressSample
	started time.Time
}

// NewTracker creates a tracker smoothing over the given window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window:  window,
		started: time.Now(),
	}
}

// Observe records the cumulative emission count at the current time and
// prunes samples older than the window.
func (t *Tracker) Observe(emitted int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.samples = append(t.samples, progressSample{at: now, emitted: emitted})

	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples)-1 && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = t.samples[i:]
	}
}

// Rate returns the smoothed throughput in partitions per second over the
// measurement window, falling back to the overall average when the window
// holds fewer than two samples.
func (t *Tracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) >= 2 {
		first := t.samples[0]
		last := t.samples[len(t.samples)-1]
		dt := last.at.Sub(first.at).Seconds()
		if dt > 0 {
			return float64(last.emitted-first.emitted) / dt
		}
	}
	if len(t.samples) > 0 {
		elapsed := time.Since(t.started).Seconds()
		if elapsed > 0 {
			return float64(t.samples[len(t.samples)-1].emitted) / elapsed
		}
	}
	return 0
}

// ETA estimates the remaining time to reach total emissions at the current
// smoothed rate. ok is false when the rate is zero or total is unknown.
func (t *Tracker) ETA(emitted, total int64) (time.Duration, bool) {
	if total <= 0 || emitted >= total {
		return 0, false
	}
	rate := t.Rate()
	if rate <= 0 {
		return 0, false
	}
	seconds := float64(total-emitted) / rate
	return time.Duration(seconds * float64(time.Second)), true
}

// Elapsed returns the time since the tracker was created.
func (t *Tracker) Elapsed() time.Duration {
	return time.Since(t.started)
}

// formatCount renders n with thousands separators, e.g. 15796476 ->
// "15,796,476", matching the progress lines of the historical runs.
func formatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

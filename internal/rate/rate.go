// Package rate computes frame-delivery rate statistics from a sliding
// window of delivery timestamps.
//
// The session records a timestamp per delivered video frame; Stats turns
// the window into mean/min/max FPS, standard deviation, and jitter, plus a
// stability verdict against the configured target rate.
package rate

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation
	// as a fraction of mean FPS. Example: 30 FPS mean is stable while
	// stddev < 4.5 FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a
	// fraction of the expected inter-frame interval. Example: 30 FPS
	// (33ms interval) is stable while mean jitter < 6.6ms.
	jitterStabilityThreshold = 0.20
)

// Stats summarizes the delivery rate observed over a timestamp window.
type Stats struct {
	// Frames is the number of timestamps in the window.
	Frames int
	// Window is the time spanned by the window (first to last frame).
	Window time.Duration

	// FPSMean is the overall rate across the window.
	FPSMean float64
	// FPSStdDev is the standard deviation of instantaneous FPS.
	FPSStdDev float64
	// FPSMin and FPSMax bound the instantaneous FPS.
	FPSMin float64
	FPSMax float64

	// JitterMean is the mean absolute deviation of inter-frame intervals
	// from the expected interval, in seconds.
	JitterMean float64
	// JitterMax is the worst single-interval deviation, in seconds.
	JitterMax float64

	// Stable reports whether the rate is steady: FPS stddev under 15% of
	// the mean and mean jitter under 20% of the expected interval. When a
	// target rate is given, the mean must also reach 90% of it.
	Stable bool
}

// Calculate computes rate statistics from ordered frame timestamps.
// targetFPS is the configured rate the stability verdict is checked
// against; pass 0 to judge steadiness alone.
func Calculate(frameTimes []time.Time, targetFPS float64) Stats {
	n := len(frameTimes)
	if n < 2 {
		return Stats{Frames: n}
	}

	window := frameTimes[n-1].Sub(frameTimes[0])
	if window <= 0 {
		return Stats{Frames: n}
	}
	// n frames span n-1 intervals.
	fpsMean := float64(n-1) / window.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return Stats{Frames: n, Window: window, FPSMean: fpsMean}
	}

	fpsMin := instantaneous[0]
	fpsMax := instantaneous[0]
	for _, fps := range instantaneous {
		if fps < fpsMin {
			fpsMin = fps
		}
		if fps > fpsMax {
			fpsMax = fps
		}
	}

	var sumSquares float64
	for _, fps := range instantaneous {
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	// Jitter: deviation of each interval from the expected interval.
	expectedInterval := 1.0 / fpsMean
	var jitterSum, jitterMax float64
	intervals := 0
	for i := 1; i < n; i++ {
		actual := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		j := math.Abs(actual - expectedInterval)
		jitterSum += j
		if j > jitterMax {
			jitterMax = j
		}
		intervals++
	}
	jitterMean := jitterSum / float64(intervals)

	stable := fpsStdDev < fpsMean*fpsStabilityThreshold &&
		jitterMean < expectedInterval*jitterStabilityThreshold
	if targetFPS > 0 {
		stable = stable && fpsMean >= targetFPS*0.9
	}

	return Stats{
		Frames:     n,
		Window:     window,
		FPSMean:    fpsMean,
		FPSStdDev:  fpsStdDev,
		FPSMin:     fpsMin,
		FPSMax:     fpsMax,
		JitterMean: jitterMean,
		JitterMax:  jitterMax,
		Stable:     stable,
	}
}

// Recorder keeps the most recent frame timestamps in a fixed-size ring.
// Safe for one writer (the delivery callback) and concurrent readers.
type Recorder struct {
	mu    sync.Mutex
	buf   []time.Time
	next  int
	count int
}

// NewRecorder creates a recorder holding up to capacity timestamps.
func NewRecorder(capacity int) *Recorder {
	if capacity < 2 {
		capacity = 2
	}
	return &Recorder{buf: make([]time.Time, capacity)}
}

// Record appends one delivery timestamp, evicting the oldest when full.
func (r *Recorder) Record(t time.Time) {
	r.mu.Lock()
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns the recorded timestamps in delivery order.
func (r *Recorder) Snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]time.Time, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Stats computes rate statistics over the current window.
func (r *Recorder) Stats(targetFPS float64) Stats {
	return Calculate(r.Snapshot(), targetFPS)
}

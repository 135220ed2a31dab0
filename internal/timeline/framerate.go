package timeline

import (
	"math"
	"sort"

	"github.com/zsiec/reel/internal/media"
)

// windowSize is the number of recent frame durations kept by the estimator.
const windowSize = 32

// FramerateEstimator accumulates the intervals between consecutive
// timestamps of a video track and reports the most likely frame rate.
// Estimates are diagnostic and never gate playback.
type FramerateEstimator struct {
	last   media.Time
	hist   map[int64]int // interval in microseconds -> occurrences
	window []float64
	frames int
}

// NewFramerateEstimator returns an empty estimator.
func NewFramerateEstimator() *FramerateEstimator {
	return &FramerateEstimator{hist: make(map[int64]int)}
}

// Push records a timestamp. Timestamps must arrive in presentation order;
// repeated or backward timestamps only reset the reference point.
func (e *FramerateEstimator) Push(t media.Time) {
	e.frames++
	if !e.last.Valid() || !e.last.Less(t) {
		e.last = t
		return
	}
	dt := t.Sub(e.last).Sec()
	e.last = t
	if dt > 1 {
		return
	}
	e.hist[int64(math.Round(dt*1e6))]++
	e.window = append(e.window, dt)
	if len(e.window) > windowSize {
		e.window = e.window[1:]
	}
}

// Frames returns the number of timestamps pushed.
func (e *FramerateEstimator) Frames() int { return e.frames }

// BestGuess returns the frame rate implied by the most frequent interval,
// snapped to a standard rate when within 0.1%. It returns 0 before any
// interval was seen.
func (e *FramerateEstimator) BestGuess() float64 {
	var best int64
	count := 0
	for us, n := range e.hist {
		if n > count || n == count && us < best {
			best, count = us, n
		}
	}
	if best <= 0 {
		return 0
	}
	return snapRate(1e6 / float64(best))
}

// Window returns the frame rate implied by the mean of the recent
// intervals.
func (e *FramerateEstimator) Window() float64 {
	if len(e.window) == 0 {
		return 0
	}
	sum := 0.0
	for _, dt := range e.window {
		sum += dt
	}
	return snapRate(float64(len(e.window)) / sum)
}

// Durations returns the distinct observed intervals in seconds, most
// frequent first.
func (e *FramerateEstimator) Durations() []float64 {
	keys := make([]int64, 0, len(e.hist))
	for us := range e.hist {
		keys = append(keys, us)
	}
	sort.Slice(keys, func(i, j int) bool {
		if e.hist[keys[i]] != e.hist[keys[j]] {
			return e.hist[keys[i]] > e.hist[keys[j]]
		}
		return keys[i] < keys[j]
	})
	out := make([]float64, len(keys))
	for i, us := range keys {
		out[i] = float64(us) / 1e6
	}
	return out
}

var standardRates = []float64{
	24000.0 / 1001, 24, 25, 30000.0 / 1001, 30, 48, 50, 60000.0 / 1001, 60, 100, 120000.0 / 1001, 120,
}

func snapRate(fps float64) float64 {
	for _, r := range standardRates {
		if math.Abs(fps-r)/r < 0.001 {
			return r
		}
	}
	return fps
}

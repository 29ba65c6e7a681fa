package detector

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// sampleSize is fixed across versions.
const sampleSize = 1000

// boundedDeque is a FIFO ring of the last N inter-arrival intervals with a
// running sum for O(1) means.
type boundedDeque struct {
	values []int64
	head   int
	length int
	sum    int64
}

func newBoundedDeque(size int) *boundedDeque {
	return &boundedDeque{values: make([]int64, size)}
}

func (d *boundedDeque) add(v int64) {
	if d.length == len(d.values) {
		d.sum -= d.values[d.head]
		d.values[d.head] = v
		d.head = (d.head + 1) % len(d.values)
	} else {
		d.values[(d.head+d.length)%len(d.values)] = v
		d.length++
	}
	d.sum += v
}

func (d *boundedDeque) size() int {
	return d.length
}

func (d *boundedDeque) mean() float64 {
	if d.length == 0 {
		return 0
	}
	return float64(d.sum) / float64(d.length)
}

// arrivalWindow tracks heartbeat inter-arrival intervals for one endpoint.
// Intervals longer than maxIntervalNanos are discarded so a long partition
// does not poison the mean; the first arrival is seeded with initialNanos
// because the right average depends on cluster size and erring high only
// delays a conviction instead of flapping.
type arrivalWindow struct {
	mu sync.Mutex

	last      int64
	intervals *boundedDeque

	initialNanos     int64
	maxIntervalNanos int64
}

func newArrivalWindow(initialNanos, maxIntervalNanos int64) *arrivalWindow {
	return &arrivalWindow{
		intervals:        newBoundedDeque(sampleSize),
		initialNanos:     initialNanos,
		maxIntervalNanos: maxIntervalNanos,
	}
}

func (w *arrivalWindow) add(nowNanos int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last > 0 {
		interval := nowNanos - w.last
		if interval <= w.maxIntervalNanos {
			w.intervals.add(interval)
		} else {
			log.Debug().Msgf("ignoring interval time of %dns", interval)
		}
	} else {
		w.intervals.add(w.initialNanos)
	}
	w.last = nowNanos
}

// phi is (now - last) / mean(intervals); the 1/ln10 factor is applied by the
// caller against the convict threshold.
func (w *arrivalWindow) phi(nowNanos int64) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.intervals.size() == 0 || w.last <= 0 {
		return 0, false
	}
	return float64(nowNanos-w.last) / w.intervals.mean(), true
}

func (w *arrivalWindow) mean() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.intervals.mean()
}

func (w *arrivalWindow) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var sb strings.Builder
	for i := 0; i < w.intervals.length; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", w.intervals.values[(w.intervals.head+i)%len(w.intervals.values)])
	}
	return sb.String()
}

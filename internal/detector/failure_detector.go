package detector

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/models"
)

// phiFactor keeps the familiar convict-threshold scale: operators accustomed
// to the default of 8 need not retune.
const phiFactor = 1.0 / math.Ln10

const DefaultPhiConvictThreshold = 8.0

// ConvictListener receives forced convictions; interpretation during the
// gossip tick goes through Interpret's return value instead, so the tick
// never reenters itself.
type ConvictListener interface {
	Convict(ep models.Endpoint, phi float64)
}

// FailureDetector is a phi-accrual liveness estimator over heartbeat
// inter-arrival times, after Hayashibara's paper.
type FailureDetector struct {
	clock models.Clock

	initialNanos     int64
	maxIntervalNanos int64

	mu        sync.RWMutex
	windows   map[models.Endpoint]*arrivalWindow
	threshold float64
	listeners []ConvictListener
}

type Config struct {
	InitialValueNanos   int64
	MaxIntervalNanos    int64
	PhiConvictThreshold float64
}

func New(clock models.Clock, cfg Config) *FailureDetector {
	threshold := cfg.PhiConvictThreshold
	if threshold == 0 {
		threshold = DefaultPhiConvictThreshold
	}
	maxInterval := cfg.MaxIntervalNanos
	if maxInterval == 0 {
		maxInterval = cfg.InitialValueNanos
	}
	return &FailureDetector{
		clock:            clock,
		initialNanos:     cfg.InitialValueNanos,
		maxIntervalNanos: maxInterval,
		windows:          make(map[models.Endpoint]*arrivalWindow),
		threshold:        threshold,
	}
}

func (fd *FailureDetector) RegisterConvictListener(listener ConvictListener) {
	fd.mu.Lock()
	fd.listeners = append(fd.listeners, listener)
	fd.mu.Unlock()
}

// Report records a heartbeat arrival for ep, creating its window on first
// contact.
func (fd *FailureDetector) Report(ep models.Endpoint) {
	now := fd.clock.Nanos()
	fd.mu.Lock()
	window, ok := fd.windows[ep]
	if !ok {
		window = newArrivalWindow(fd.initialNanos, fd.maxIntervalNanos)
		fd.windows[ep] = window
	}
	fd.mu.Unlock()
	window.add(now)
}

// Interpret recomputes the suspicion level for ep and reports whether the
// scaled value crossed the convict threshold. Unknown endpoints never
// convict.
func (fd *FailureDetector) Interpret(ep models.Endpoint) (float64, bool) {
	fd.mu.RLock()
	window := fd.windows[ep]
	threshold := fd.threshold
	fd.mu.RUnlock()
	if window == nil {
		return 0, false
	}
	phi, ok := window.phi(fd.clock.Nanos())
	if !ok {
		return 0, false
	}
	if phiFactor*phi > threshold {
		log.Debug().Msgf("phi %f for %s crossed threshold (mean %fns)", phi, ep, window.mean())
		return phi, true
	}
	return phi, false
}

// ForceConviction convicts ep regardless of its arrival history.
func (fd *FailureDetector) ForceConviction(ep models.Endpoint) {
	log.Debug().Msgf("forcing conviction of %s", ep)
	fd.mu.RLock()
	threshold := fd.threshold
	listeners := make([]ConvictListener, len(fd.listeners))
	copy(listeners, fd.listeners)
	fd.mu.RUnlock()
	for _, listener := range listeners {
		listener.Convict(ep, threshold)
	}
}

// Remove drops the arrival window; a generation change relearns intervals
// from scratch.
func (fd *FailureDetector) Remove(ep models.Endpoint) {
	fd.mu.Lock()
	delete(fd.windows, ep)
	fd.mu.Unlock()
}

func (fd *FailureDetector) SetPhiConvictThreshold(threshold float64) {
	fd.mu.Lock()
	fd.threshold = threshold
	fd.mu.Unlock()
}

func (fd *FailureDetector) PhiConvictThreshold() float64 {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	return fd.threshold
}

// DumpIntervals renders the inter-arrival intervals of every window, for the
// management surface.
func (fd *FailureDetector) DumpIntervals() map[string]string {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	out := make(map[string]string, len(fd.windows))
	for ep, window := range fd.windows {
		out[ep.String()] = window.String()
	}
	return out
}

package metrics

import "time"

// Metrics is the small surface the cluster core emits through; the
// composition root picks the backend.
type Metrics interface {
	Increment(metric string)
	Duration(metric string, duration time.Duration)
	Gauge(metric string, value int)
}

// Nop drops everything; used in tests and when no statsd address is
// configured.
type Nop struct{}

func (Nop) Increment(string)               {}
func (Nop) Duration(string, time.Duration) {}
func (Nop) Gauge(string, int)              {}

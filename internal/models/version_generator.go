package models

import "sync/atomic"

// VersionGenerator hands out the process-wide state versions. The counter is
// monotonic and never reused; heartbeat bumps and application-state updates
// draw from the same sequence.
type VersionGenerator struct {
	counter atomic.Int32
}

func NewVersionGenerator() *VersionGenerator {
	return &VersionGenerator{}
}

func (g *VersionGenerator) NextVersion() int32 {
	return g.counter.Add(1)
}

// Current returns the last version handed out without consuming one.
func (g *VersionGenerator) Current() int32 {
	return g.counter.Load()
}

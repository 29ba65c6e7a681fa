package models

import "time"

// Clock is the single time source of the membership core. Nanos is monotonic
// and feeds arrival windows, unreachable-since stamps and update timestamps;
// UnixMillis is wall time, used only for generation seeding and expire-time
// horizons that must survive restarts.
type Clock interface {
	Nanos() int64
	UnixMillis() int64
}

type SystemClock struct {
	origin time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

func (c *SystemClock) Nanos() int64 {
	return time.Since(c.origin).Nanoseconds()
}

func (c *SystemClock) UnixMillis() int64 {
	return time.Now().UnixMilli()
}

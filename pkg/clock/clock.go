package clock

import (
	"sync/atomic"
	"time"
)

// Clock is the time source for lease expiry decisions.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Manual is a clock moved only by the test that owns it.
type Manual struct {
	nanos atomic.Int64
}

func NewManual(init time.Time) *Manual {
	var m Manual
	m.Set(init)
	return &m
}

func (m *Manual) Now() time.Time {
	return time.Unix(0, m.nanos.Load())
}

func (m *Manual) Advance(d time.Duration) time.Time {
	return time.Unix(0, m.nanos.Add(int64(d)))
}

func (m *Manual) Set(t time.Time) {
	m.nanos.Store(t.UnixNano())
}

// Package clock provides a replaceable time source so that
// timestamp-window checks are deterministic in tests.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
	Unix() int64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
func (systemClock) Unix() int64    { return time.Now().Unix() }

// System returns a Clock backed by the wall clock.
func System() Clock { return systemClock{} }

// Fixed is a Clock pinned to a settable instant.
type Fixed struct {
	T time.Time
}

// NewFixed returns a Fixed clock set to t.
func NewFixed(t time.Time) *Fixed { return &Fixed{T: t} }

func (f *Fixed) Now() time.Time { return f.T }
func (f *Fixed) Unix() int64    { return f.T.Unix() }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }

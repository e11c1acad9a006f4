// Package system provides the wall clock used to stamp runs, checkpoints and artifacts.
package system

import "time"

// Clock implements lyrics.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a lyrics.Clock frozen at one instant, for deterministic runs.
type Fixed struct {
	At time.Time
}

// Now returns the frozen instant.
func (f Fixed) Now() time.Time {
	return f.At
}

// Package lifecycle defines the states a transport session moves through.
package lifecycle

import (
	"fmt"
	"sync/atomic"
)

// State of a session. States only move forward: Initializing, Active, Draining, Closed.
type State int32

const (
	Initializing State = iota
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Tracker holds a State and refuses backward transitions. The zero value is Initializing.
type Tracker struct {
	v atomic.Int32
}

// Load returns the current state.
func (t *Tracker) Load() State {
	return State(t.v.Load())
}

// Advance moves to next if next comes after the current state and returns the state it
// left. It returns an error and changes nothing otherwise.
func (t *Tracker) Advance(next State) (State, error) {
	for {
		cur := t.v.Load()
		if State(cur) >= next {
			return State(cur), fmt.Errorf("invalid transition %s -> %s", State(cur), next)
		}
		if t.v.CompareAndSwap(cur, int32(next)) {
			return State(cur), nil
		}
	}
}

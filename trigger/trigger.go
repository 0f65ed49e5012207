// Package trigger provides a one-shot, idempotent broadcast cancellation
// signal shared across goroutines.
package trigger

import (
	"sync"
	"time"
)

// Trigger is a latched cancellation signal. The zero value is not usable;
// create one with New. A Trigger is copied by value but all copies share
// the same underlying latch, so passing it around (e.g. into a Session or
// a spawned stream) lets every holder observe the same fire.
type Trigger struct {
	state *state
}

type state struct {
	once sync.Once
	ch   chan struct{}
}

// New returns an untriggered Trigger.
func New() Trigger {
	return Trigger{state: &state{ch: make(chan struct{})}}
}

// Fire latches the signal. Safe to call multiple times and from multiple
// goroutines; only the first call has an effect.
func (t Trigger) Fire() {
	t.state.once.Do(func() { close(t.state.ch) })
}

// IsTriggered reports whether Fire has been called, without blocking.
func (t Trigger) IsTriggered() bool {
	select {
	case <-t.state.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the trigger fires. Intended
// for use in a select statement alongside other work.
func (t Trigger) Done() <-chan struct{} {
	return t.state.ch
}

// WaitTimeout blocks until the trigger fires or d elapses, returning true
// iff it fired within the window.
func (t Trigger) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.state.ch:
		return true
	case <-timer.C:
		return false
	}
}

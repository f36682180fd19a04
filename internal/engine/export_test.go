package engine

import "time"

// WaitIdle blocks until every dispatched run has been completed.
func (e *Engine) WaitIdle() { e.inflight.Wait() }

// NextAttempt returns the earliest time the loop ticks again after a
// failed tick.
func (e *Engine) NextAttempt() time.Time {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.nextAttempt
}

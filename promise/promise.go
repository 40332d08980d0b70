// Package promise provides a single-completion awaitable used to turn
// one-shot messages into synchronously awaitable results, grounded on
// troup/distributed.py's Promise/DistributedException.
package promise

import (
	"sync"

	"go.uber.org/atomic"
)

// DistributedException is the error a Promise resolves with when it is
// completed with a non-nil error value.
type DistributedException struct {
	Message string
	Data    interface{}
}

func (e *DistributedException) Error() string { return e.Message }

// Promise resolves at most once, with either a value or an error.
// Concurrent Result() calls all observe the same outcome.
type Promise struct {
	mu     sync.Mutex
	cond   *sync.Cond
	done   atomic.Bool
	result interface{}
	err    error
}

// New returns an unresolved Promise.
func New() *Promise {
	p := &Promise{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Complete resolves the promise with result, or with err if err is
// non-nil. Only the first call has any effect.
func (p *Promise) Complete(result interface{}, err error) {
	p.mu.Lock()
	if !p.done.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return
	}
	p.result = result
	p.err = err
	p.mu.Unlock()
	p.cond.Broadcast()
}

// IsDone reports whether Complete has already been called.
func (p *Promise) IsDone() bool { return p.done.Load() }

// Result blocks until the promise is resolved, then returns the value or
// the error it was completed with.
func (p *Promise) Result() (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.done.Load() {
		p.cond.Wait()
	}
	return p.result, p.err
}

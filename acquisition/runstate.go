package acquisition

import (
	"context"
	"sync"
)

// Stop reasons recorded by the session
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
	ReasonViewClosed  = "live view closed"
)

// RunState holds the two one-way latches of a session: running, which only
// goes true to false, and saved, which only goes false to true
type RunState struct {
	mu      sync.Mutex
	running bool
	saved   bool
	reason  string
	done    chan struct{}
}

// NewRunState returns a running, unsaved state
func NewRunState() *RunState {
	return &RunState{running: true, done: make(chan struct{})}
}

// RequestStop clears running.  It returns true only for the call which
// performed the flip; the first reason is kept.
func (r *RunState) RequestStop(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	r.running = false
	r.reason = reason
	close(r.done)
	return true
}

// Running reports whether no stop was requested yet
func (r *RunState) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// MarkSaved sets saved.  It returns true only for the call which performed
// the flip.
func (r *RunState) MarkSaved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved {
		return false
	}
	r.saved = true
	return true
}

// Saved reports whether the record was exported
func (r *RunState) Saved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}

// Reason is the reason given to the first RequestStop, or ""
func (r *RunState) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Done is closed when a stop is requested
func (r *RunState) Done() <-chan struct{} {
	return r.done
}

// Context returns a child of parent which is cancelled when a stop is
// requested
func (r *RunState) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

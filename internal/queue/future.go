package queue

import (
	"context"
	"sync"

	"github.com/roach88/tandem/internal/ir"
)

// Future is the eventual result of a queued operation.
//
// A future for an operation stalled by a transport failure stays pending
// until the operation is retried after reconnect; it is never rejected with
// a transport error.
type Future struct {
	done   chan struct{}
	once   sync.Once
	tempID string

	resp *ir.Response
	err  error
}

func newFuture(tempID string) *Future {
	return &Future{done: make(chan struct{}), tempID: tempID}
}

// Resolved returns a future already resolved with resp, for operations that
// need no round trip.
func Resolved(resp *ir.Response) *Future {
	f := newFuture("")
	f.settle(resp, nil)
	return f
}

func (f *Future) settle(resp *ir.Response, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}

// Done is closed once the operation is resolved or rejected.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (*ir.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the future has resolved or been rejected.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking; (nil, nil) while pending.
func (f *Future) Result() (*ir.Response, error) {
	if !f.Settled() {
		return nil, nil
	}
	return f.resp, f.err
}

// TempID returns the temporary id the operation created locally, if any.
func (f *Future) TempID() string {
	return f.tempID
}

// ID returns the permanent id once the server assigned one, else the
// temporary id.
func (f *Future) ID() string {
	if resp, err := f.Result(); err == nil && resp != nil && resp.ID != "" {
		return resp.ID
	}
	return f.tempID
}

package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/tandem/internal/ir"
)

// Handler executes requests on behalf of a FakeRemote.
// Implemented by *service.Service.
type Handler interface {
	Handle(ctx context.Context, clientID string, req *ir.Request) (*ir.Response, error)
}

// FakeRemote is an in-memory remote for queue tests.
//
// Offline, every Call fails with a TRANSPORT error. Online, calls go to
// Handler when one is set; otherwise create and insertBefore are answered
// with the next id from IDs and everything else with an empty response.
// Every call that reached the remote while online is recorded.
type FakeRemote struct {
	Handler  Handler
	ClientID string

	mu     sync.Mutex
	online bool
	ids    []string
	calls  []ir.Request
	fail   map[ir.Command]error
	hook   func(req ir.Request)
}

// NewFakeRemote creates an online remote that assigns ids in order.
func NewFakeRemote(ids ...string) *FakeRemote {
	return &FakeRemote{online: true, ids: ids, fail: map[ir.Command]error{}}
}

// SetOnline toggles reachability.
func (r *FakeRemote) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = online
}

// FailNext makes the next call of cmd fail with err.
func (r *FakeRemote) FailNext(cmd ir.Command, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[cmd] = err
}

// OnCall registers fn to observe each recorded request before it is
// answered. fn runs without the remote's lock held.
func (r *FakeRemote) OnCall(fn func(req ir.Request)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Calls returns the requests that reached the remote, in order.
func (r *FakeRemote) Calls() []ir.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.Request, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Clone()
	}
	return out
}

// Call implements queue.Remote.
func (r *FakeRemote) Call(ctx context.Context, req *ir.Request) (*ir.Response, error) {
	r.mu.Lock()
	if !r.online {
		r.mu.Unlock()
		return nil, ir.NewTransportError(errors.New("fake remote offline"))
	}
	r.calls = append(r.calls, req.Clone())
	hook := r.hook
	failErr, failing := r.fail[req.Cmd]
	if failing {
		delete(r.fail, req.Cmd)
	}
	var assigned string
	if r.Handler == nil && (req.Cmd == ir.CmdCreate || req.Cmd == ir.CmdInsertBefore) && len(r.ids) > 0 {
		assigned = r.ids[0]
		r.ids = r.ids[1:]
	}
	r.mu.Unlock()

	if hook != nil {
		hook(req.Clone())
	}
	if failing {
		return nil, failErr
	}
	if r.Handler != nil {
		return r.Handler.Handle(ctx, r.ClientID, req)
	}

	resp := &ir.Response{ID: assigned}
	if req.Cmd == ir.CmdCreate {
		resp.Item = &ir.Item{ID: assigned, Rev: 1, Persisted: true, Doc: req.Doc.Clone()}
	}
	return resp, nil
}

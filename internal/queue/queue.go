// Package queue implements the client's single-flight FIFO operation log.
//
// Every operation is written through to the local cache, appended to the
// log and sent to the remote one at a time by Run. A transport failure
// leaves the operation at the head and pauses the queue until Online(true).
// Mutating operations are persisted after every change so a restarted
// client resumes where it stopped.
//
// Operations that create a resource carry a temporary id. When the remote
// reply names the permanent id, every queued operation that references the
// temporary id is rewritten before it is sent, the cache is re-keyed and
// OnIDChange listeners are told.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/tandem/internal/ir"
)

// metaKey is the cache meta key the pending log is persisted under.
const metaKey = "queue"

// ErrClosed is returned for operations issued after Close.
var ErrClosed = errors.New("queue closed")

// Remote executes one request against the server.
//
// A failure to reach the server must be reported as an ir.SyncError with
// code TRANSPORT; any other error rejects the operation.
type Remote interface {
	Call(ctx context.Context, req *ir.Request) (*ir.Response, error)
}

// pending is one queued operation. Only Seq and Request are persisted.
type pending struct {
	Seq     uint64     `json:"seq"`
	Request ir.Request `json:"request"`

	future *Future
}

// Queue is the client operation log. One queue serves one sync context.
//
// Thread-safety model:
//   - operation methods, Online, Len: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Queue struct {
	remote Remote
	local  *local
	ids    IDGenerator
	logger *slog.Logger

	mu       sync.Mutex
	ops      []*pending
	inflight *pending
	seq      uint64
	online   bool
	epoch    uint64 // bumped on every connectivity change
	closed   bool
	temps    map[string]struct{}
	resolved map[string]string // temporary id -> permanent id
	signal   chan struct{} // buffered, size 1

	hooksMu   sync.Mutex
	hookSeq   int
	synced    map[int]func()
	idChanged map[int]func(from, to string)
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator sets the temporary id generator. Defaults to UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithOnline sets the initial connectivity state. Defaults to offline.
func WithOnline(online bool) Option {
	return func(q *Queue) { q.online = online }
}

// New creates a queue over remote and cache and restores any operations
// persisted by a previous queue on the same cache. Restored operations get
// fresh futures.
func New(ctx context.Context, remote Remote, cache Cache, opts ...Option) (*Queue, error) {
	q := &Queue{
		remote:    remote,
		ids:       UUIDv7Generator{},
		logger:    slog.Default(),
		temps:     make(map[string]struct{}),
		resolved:  make(map[string]string),
		signal:    make(chan struct{}, 1),
		synced:    make(map[int]func()),
		idChanged: make(map[int]func(from, to string)),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.local = &local{cache: cache, logger: q.logger}

	if err := q.restore(ctx, cache); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) restore(ctx context.Context, cache Cache) error {
	data, ok, err := cache.Meta(ctx, metaKey)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	if !ok {
		return nil
	}
	var ops []*pending
	if err := json.Unmarshal(data, &ops); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	for _, p := range ops {
		p.future = newFuture(p.Request.TempID)
		if p.Request.TempID != "" {
			q.temps[p.Request.TempID] = struct{}{}
		}
		q.seq = max(q.seq, p.Seq)
	}
	q.ops = ops
	if len(ops) > 0 {
		q.logger.Info("queue restored", "pending", len(ops))
		q.wake()
	}
	return nil
}

// Create stores doc as a new item of the group at kp under a temporary id.
// The future resolves with the permanent id in Response.ID.
func (q *Queue) Create(ctx context.Context, kp ir.KeyPath, doc ir.Doc) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdCreate, KeyPath: kp, Doc: doc, TempID: q.ids.Generate()})
}

// Put replaces the document at kp.
func (q *Queue) Put(ctx context.Context, kp ir.KeyPath, doc ir.Doc) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdPut, KeyPath: kp, Doc: doc})
}

// Fetch reads the document at kp.
func (q *Queue) Fetch(ctx context.Context, kp ir.KeyPath) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdFetch, KeyPath: kp})
}

// Del deletes the document at kp.
func (q *Queue) Del(ctx context.Context, kp ir.KeyPath) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdDel, KeyPath: kp})
}

// Add adds item ids to the collection at kp.
func (q *Queue) Add(ctx context.Context, kp ir.KeyPath, ids ...string) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdAdd, KeyPath: kp, IDs: ids})
}

// Remove removes item ids from the collection at kp.
func (q *Queue) Remove(ctx context.Context, kp ir.KeyPath, ids ...string) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdRemove, KeyPath: kp, IDs: ids})
}

// Find lists members of the collection at kp whose fields equal query.
func (q *Queue) Find(ctx context.Context, kp ir.KeyPath, query ir.Doc) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdFind, KeyPath: kp, Query: query})
}

// All lists the members of the group at kp.
func (q *Queue) All(ctx context.Context, kp ir.KeyPath) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdAll, KeyPath: kp})
}

// First reads the first entry of the sequence at kp.
func (q *Queue) First(ctx context.Context, kp ir.KeyPath) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdFirst, KeyPath: kp})
}

// Last reads the last entry of the sequence at kp.
func (q *Queue) Last(ctx context.Context, kp ir.KeyPath) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdLast, KeyPath: kp})
}

// Next reads the entry after id in the sequence at kp.
func (q *Queue) Next(ctx context.Context, kp ir.KeyPath, id string) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdNext, KeyPath: kp, ID: id})
}

// Prev reads the entry before id in the sequence at kp.
func (q *Queue) Prev(ctx context.Context, kp ir.KeyPath, id string) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdPrev, KeyPath: kp, ID: id})
}

// InsertBefore places itemID before refID (a node or item id; "" appends)
// in the sequence at kp. The new list node gets a temporary id; the future
// resolves with the permanent node id in Response.ID.
func (q *Queue) InsertBefore(ctx context.Context, kp ir.KeyPath, refID, itemID string) *Future {
	return q.enqueue(ctx, ir.Request{
		Cmd:     ir.CmdInsertBefore,
		KeyPath: kp,
		RefID:   refID,
		ItemID:  itemID,
		TempID:  q.ids.Generate(),
	})
}

// DeleteItem tombstones the node id (or item id) in the sequence at kp.
func (q *Queue) DeleteItem(ctx context.Context, kp ir.KeyPath, id string) *Future {
	return q.enqueue(ctx, ir.Request{Cmd: ir.CmdDeleteItem, KeyPath: kp, ID: id})
}

// Submit enqueues an arbitrary request. Create and insertBefore requests
// without a TempID get one.
func (q *Queue) Submit(ctx context.Context, req ir.Request) *Future {
	if req.TempID == "" && (req.Cmd == ir.CmdCreate || req.Cmd == ir.CmdInsertBefore) {
		req.TempID = q.ids.Generate()
	}
	return q.enqueue(ctx, req.Clone())
}

func (q *Queue) enqueue(ctx context.Context, req ir.Request) *Future {
	f := newFuture(req.TempID)

	if err := ctx.Err(); err != nil {
		f.settle(nil, err)
		return f
	}
	if err := req.Validate(); err != nil {
		f.settle(nil, err)
		return f
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.settle(nil, ErrClosed)
		return f
	}

	if !req.Cmd.Mutating() && !q.online {
		q.mu.Unlock()
		f.settle(q.local.read(req))
		return f
	}

	q.resolveLocked(&req)
	if req.Cmd.Mutating() {
		q.local.apply(req)
	}
	if req.TempID != "" {
		q.temps[req.TempID] = struct{}{}
	}
	q.seq++
	q.ops = append(q.ops, &pending{Seq: q.seq, Request: req, future: f})
	if req.Cmd.Mutating() {
		q.persistLocked(ctx)
	}
	q.mu.Unlock()

	q.wake()
	return f
}

// Online reports a connectivity change. Going online wakes Run to retry the
// head operation. Going offline answers every queued read from the cache.
func (q *Queue) Online(online bool) {
	q.mu.Lock()
	if q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	q.epoch++
	var swept []*pending
	if !online {
		swept = q.sweepReadsLocked()
	}
	q.mu.Unlock()

	q.logger.Debug("queue connectivity", "online", online, "swept_reads", len(swept))
	q.resolveLocally(swept)
	if len(swept) > 0 {
		q.drainedCheck()
	}
	if online {
		q.wake()
	}
}

// IsOnline reports the last connectivity state.
func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Len returns the number of queued operations, including the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns copies of the queued requests in order.
func (q *Queue) Pending() []ir.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ir.Request, len(q.ops))
	for i, p := range q.ops {
		out[i] = p.Request.Clone()
	}
	return out
}

// Unresolved reports whether id is a temporary id still waiting for its
// permanent id.
func (q *Queue) Unresolved(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.temps[id]
	return ok
}

// OnSynced registers fn to run each time the queue drains to empty.
// The returned func unregisters it.
func (q *Queue) OnSynced(fn func()) func() {
	q.hooksMu.Lock()
	defer q.hooksMu.Unlock()
	q.hookSeq++
	id := q.hookSeq
	q.synced[id] = fn
	return func() {
		q.hooksMu.Lock()
		defer q.hooksMu.Unlock()
		delete(q.synced, id)
	}
}

// OnIDChange registers fn to run when a temporary id is replaced by its
// permanent id. The returned func unregisters it.
func (q *Queue) OnIDChange(fn func(from, to string)) func() {
	q.hooksMu.Lock()
	defer q.hooksMu.Unlock()
	q.hookSeq++
	id := q.hookSeq
	q.idChanged[id] = fn
	return func() {
		q.hooksMu.Lock()
		defer q.hooksMu.Unlock()
		delete(q.idChanged, id)
	}
}

// Close stops Run and rejects operations issued afterwards. Queued
// operations stay persisted.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Run drains the log until ctx is done or Close is called.
func (q *Queue) Run(ctx context.Context) error {
	for {
		p, epoch, ok, closed := q.head()
		if closed {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.signal:
			}
			continue
		}
		q.process(ctx, p, epoch)
	}
}

// head marks the first operation in flight if the queue is online.
func (q *Queue) head() (p *pending, epoch uint64, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, 0, false, true
	}
	if !q.online || len(q.ops) == 0 {
		return nil, 0, false, false
	}
	q.inflight = q.ops[0]
	return q.inflight, q.epoch, true, false
}

func (q *Queue) process(ctx context.Context, p *pending, epoch uint64) {
	wire := p.Request.Clone()
	// the server never needs the temporary id; only the reply's permanent id
	// matters
	wire.TempID = ""

	resp, err := q.remote.Call(ctx, &wire)
	if err == nil && resp != nil && resp.Error != nil {
		err = resp.Error
	}

	if ctx.Err() != nil {
		q.mu.Lock()
		q.inflight = nil
		q.mu.Unlock()
		return
	}

	if ir.IsTransport(err) {
		q.transportFailed(p, epoch, err)
		return
	}

	q.mu.Lock()
	q.inflight = nil
	q.popLocked(p)
	var renamed [2]string
	if err == nil {
		if t := p.Request.TempID; t != "" {
			delete(q.temps, t)
			if resp != nil && resp.ID != "" && resp.ID != t {
				q.rewriteLocked(t, resp.ID)
				q.resolved[t] = resp.ID
				renamed = [2]string{t, resp.ID}
			}
		}
		q.local.record(p.Request, resp)
	}
	if p.Request.Cmd.Mutating() {
		q.persistLocked(ctx)
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("queued operation rejected",
			"cmd", p.Request.Cmd, "keyPath", p.Request.KeyPath.String(), "error", err)
	}
	if renamed[0] != "" {
		q.fireIDChange(renamed[0], renamed[1])
	}
	p.future.settle(resp, err)
	q.drainedCheck()
}

// transportFailed keeps the operation at the head. Unless connectivity
// changed during the call, the queue goes offline and waits for Online(true).
func (q *Queue) transportFailed(p *pending, epoch uint64, err error) {
	q.mu.Lock()
	q.inflight = nil
	var swept []*pending
	if q.epoch == epoch && q.online {
		q.online = false
		q.epoch++
		swept = q.sweepReadsLocked()
	}
	if !p.Request.Cmd.Mutating() && !q.online && slices.Contains(q.ops, p) {
		q.popLocked(p)
		swept = append(swept, p)
	}
	q.mu.Unlock()

	q.logger.Info("remote unreachable, queue paused",
		"cmd", p.Request.Cmd, "keyPath", p.Request.KeyPath.String(), "error", err)
	q.resolveLocally(swept)
	if len(swept) > 0 {
		q.drainedCheck()
	}
}

// sweepReadsLocked removes queued reads other than the one in flight.
func (q *Queue) sweepReadsLocked() []*pending {
	var swept []*pending
	q.ops = slices.DeleteFunc(q.ops, func(p *pending) bool {
		if p == q.inflight || p.Request.Cmd.Mutating() {
			return false
		}
		swept = append(swept, p)
		return true
	})
	return swept
}

func (q *Queue) resolveLocally(ops []*pending) {
	for _, p := range ops {
		p.future.settle(q.local.read(p.Request))
	}
}

func (q *Queue) popLocked(p *pending) {
	if i := slices.Index(q.ops, p); i >= 0 {
		q.ops = slices.Delete(q.ops, i, i+1)
	}
}

// rewriteLocked replaces the temporary id from with to in every queued
// request and in the cache.
func (q *Queue) rewriteLocked(from, to string) {
	n := 0
	for _, op := range q.ops {
		if op.Request.Rewrite(from, to) {
			n++
		}
	}
	q.local.rename(from, to)
	q.logger.Debug("temporary id replaced", "from", from, "to", to, "rewritten_ops", n)
}

// resolveLocked rewrites temporary ids that were replaced before req was
// issued. Callers may still hold a temporary id while the rename is being
// announced.
func (q *Queue) resolveLocked(req *ir.Request) {
	ids := append([]string{req.ID, req.RefID, req.ItemID}, req.IDs...)
	ids = append(ids, req.KeyPath...)
	for _, id := range ids {
		if to, ok := q.resolved[id]; ok {
			req.Rewrite(id, to)
		}
	}
}

func (q *Queue) persistLocked(ctx context.Context) {
	var ops []*pending
	for _, p := range q.ops {
		if p.Request.Cmd.Mutating() {
			ops = append(ops, p)
		}
	}
	if ops == nil {
		ops = []*pending{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		q.logger.Warn("queue encode failed", "error", err)
		return
	}
	if err := q.local.cache.PutMeta(context.WithoutCancel(ctx), metaKey, data); err != nil {
		q.logger.Warn("queue persist failed", "error", err)
	}
}

func (q *Queue) wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drainedCheck fires synced listeners when nothing is queued.
func (q *Queue) drainedCheck() {
	q.mu.Lock()
	empty := len(q.ops) == 0
	q.mu.Unlock()
	if !empty {
		return
	}

	q.hooksMu.Lock()
	fns := make([]func(), 0, len(q.synced))
	for _, fn := range q.synced {
		fns = append(fns, fn)
	}
	q.hooksMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (q *Queue) fireIDChange(from, to string) {
	q.hooksMu.Lock()
	fns := make([]func(string, string), 0, len(q.idChanged))
	for _, fn := range q.idChanged {
		fns = append(fns, fn)
	}
	q.hooksMu.Unlock()
	for _, fn := range fns {
		fn(from, to)
	}
}

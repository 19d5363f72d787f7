package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/queue"
	"github.com/roach88/tandem/internal/registry"
)

// Container is the behavior shared by Collection and Sequence.
type Container interface {
	registry.Observer
	KeyPath() ir.KeyPath
	Model() string
	Ordered() bool
	Items() []ir.Item
	Resync(ctx context.Context) error
	On(name string, fn func(Event)) func()
	Release()
}

// member is what the Context needs from a container it manages.
type member interface {
	Container
	holder
	rename(from, to string)
	setKeyPath(kp ir.KeyPath)
	releaseItems()
}

type handle struct {
	c        member
	refs     int
	autosync bool
}

// Context is the per-client sync context: one queue, one registry and the
// containers opened on them.
type Context struct {
	queue    *queue.Queue
	registry *registry.Registry
	items    *itemTable
	logger   *slog.Logger

	base   context.Context // background resyncs and op tracking
	cancel context.CancelFunc
	offIDs func()

	mu      sync.Mutex
	handles map[string]*handle
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.logger = l }
}

// NewContext creates a context over q and reg. reg's hooks decide whether
// observing a key path subscribes over the network.
func NewContext(q *queue.Queue, reg *registry.Registry, opts ...Option) *Context {
	base, cancel := context.WithCancel(context.Background())
	c := &Context{
		queue:    q,
		registry: reg,
		items:    newItemTable(reg),
		logger:   slog.Default(),
		base:     base,
		cancel:   cancel,
		handles:  make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.offIDs = q.OnIDChange(c.rename)
	return c
}

// Queue returns the shared operation queue.
func (c *Context) Queue() *queue.Queue { return c.queue }

// Registry returns the client observer registry.
func (c *Context) Registry() *registry.Registry { return c.registry }

// Close stops background work. Open containers stay usable for reads.
func (c *Context) Close() {
	c.offIDs()
	c.cancel()
}

// ContainerOption configures a container on first open.
type ContainerOption func(*settings)

type settings struct {
	parent   ir.KeyPath
	autosync bool
}

// WithParent records the key path of the owning document. The container
// keeps the key path only; it never holds the parent.
func WithParent(kp ir.KeyPath) ContainerOption {
	return func(s *settings) { s.parent = ir.NewKeyPath(kp...) }
}

// WithAutosync controls whether the container observes its key path and
// resyncs on open. Defaults to true.
func WithAutosync(on bool) ContainerOption {
	return func(s *settings) { s.autosync = on }
}

func newSettings(kp ir.KeyPath, opts []ContainerOption) settings {
	s := settings{parent: kp.Parent(), autosync: true}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Collection returns the collection at kp, creating it on first use. Every
// call retains it; callers Release it when done.
func (c *Context) Collection(ctx context.Context, kp ir.KeyPath, opts ...ContainerOption) (*Collection, error) {
	m, err := c.acquire(ctx, kp, false, func(s settings) member { return newCollection(c, kp, s) }, opts)
	if err != nil {
		return nil, err
	}
	return m.(*Collection), nil
}

// Sequence returns the sequence at kp, creating it on first use. Every call
// retains it; callers Release it when done.
func (c *Context) Sequence(ctx context.Context, kp ir.KeyPath, opts ...ContainerOption) (*Sequence, error) {
	m, err := c.acquire(ctx, kp, true, func(s settings) member { return newSequence(c, kp, s) }, opts)
	if err != nil {
		return nil, err
	}
	return m.(*Sequence), nil
}

func (c *Context) acquire(ctx context.Context, kp ir.KeyPath, ordered bool, build func(settings) member, opts []ContainerOption) (member, error) {
	if err := kp.Validate(); err != nil {
		return nil, err
	}
	if !kp.IsGroup() {
		return nil, ir.NewValidationError("containers need a group key path", kp)
	}

	c.mu.Lock()
	if h, ok := c.handles[kp.String()]; ok {
		if h.c.Ordered() != ordered {
			c.mu.Unlock()
			return nil, ir.NewValidationError(fmt.Sprintf("key path already open as %s", kindName(h.c.Ordered())), kp)
		}
		h.refs++
		c.mu.Unlock()
		return h.c, nil
	}
	s := newSettings(kp, opts)
	m := build(s)
	c.handles[kp.String()] = &handle{c: m, refs: 1, autosync: s.autosync}
	c.mu.Unlock()

	c.logger.Debug("container opened", "keyPath", kp.String(), "kind", kindName(ordered))
	if !s.autosync {
		return m, nil
	}
	c.registry.Observe(kp, m)
	if c.resolvable(kp) {
		if err := m.Resync(ctx); err != nil && !ir.IsNotFound(err) {
			c.logger.Warn("initial resync failed", "keyPath", kp.String(), "error", err)
		}
	}
	return m, nil
}

func kindName(ordered bool) string {
	if ordered {
		return "sequence"
	}
	return "collection"
}

// resolvable reports whether kp names only server-known ids.
func (c *Context) resolvable(kp ir.KeyPath) bool {
	for _, seg := range kp {
		if c.queue.Unresolved(seg) {
			return false
		}
	}
	return true
}

// release drops one reference; the last one unobserves the key path and
// releases the container's items.
func (c *Context) release(m member) {
	key := m.KeyPath().String()
	c.mu.Lock()
	h, ok := c.handles[key]
	if !ok || h.c != m {
		c.mu.Unlock()
		return
	}
	h.refs--
	if h.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.handles, key)
	c.mu.Unlock()

	c.registry.Unobserve(m.KeyPath(), m)
	m.releaseItems()
	c.logger.Debug("container destroyed", "keyPath", key)
}

// ResyncAll resyncs every autosynced container whose key path is
// resolvable. Notifications sent while a client was offline are lost, so
// this runs after every reconnect.
func (c *Context) ResyncAll() int {
	c.mu.Lock()
	var members []member
	for _, h := range c.handles {
		if h.autosync {
			members = append(members, h.c)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, m := range members {
		if c.resolvable(m.KeyPath()) {
			c.resyncLater(m)
			n++
		}
	}
	return n
}

// Open returns the number of open containers.
func (c *Context) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// rename follows a temporary id to its permanent id: items, container
// contents and container key paths.
func (c *Context) rename(from, to string) {
	c.items.rename(from, to)

	type move struct {
		m       member
		old, kp ir.KeyPath
	}
	c.mu.Lock()
	var moved []move
	rekeyed := make(map[string]*handle)
	for key, h := range c.handles {
		h.c.rename(from, to)
		old := h.c.KeyPath()
		kp, ok := old.Rewrite(from, to)
		if !ok {
			continue
		}
		h.c.setKeyPath(kp)
		delete(c.handles, key)
		rekeyed[kp.String()] = h
		moved = append(moved, move{m: h.c, old: old, kp: kp})
	}
	for key, h := range rekeyed {
		c.handles[key] = h
	}
	c.mu.Unlock()

	for _, mv := range moved {
		if !c.registry.Unobserve(mv.old, mv.m) {
			continue
		}
		c.registry.Observe(mv.kp, mv.m)
		if c.resolvable(mv.kp) {
			c.resyncLater(mv.m)
		}
	}
}

// resyncLater runs a resync in the background.
func (c *Context) resyncLater(m Container) {
	go func() {
		if err := m.Resync(c.base); err != nil && c.base.Err() == nil && !ir.IsNotFound(err) {
			c.logger.Warn("resync failed", "keyPath", m.KeyPath().String(), "error", err)
		}
	}()
}

// track waits for f in the background and calls done with its outcome.
func (c *Context) track(f *queue.Future, done func(*ir.Response, error)) {
	go func() {
		select {
		case <-f.Done():
			done(f.Result())
		case <-c.base.Done():
		}
	}()
}

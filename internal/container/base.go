package container

import (
	"slices"
	"sync"

	"github.com/roach88/tandem/internal/ir"
)

// base carries what every container has: identity, events and the resync
// mutex.
type base struct {
	emitter

	ctx    *Context
	model  string
	parent ir.KeyPath

	// resyncMu serializes resync passes; a second request waits behind
	// the active one.
	resyncMu sync.Mutex

	mu sync.Mutex
	kp ir.KeyPath

	// pending holds local membership edits the server has not answered,
	// oldest first. Guarded by mu.
	pending []*pendingEdit
}

// pendingEdit is a queued add (keep) or removal (drop) of ids. A resync
// must not undo it: the server list it fetched may predate the edit.
type pendingEdit struct {
	keep bool
	ids  []string
}

func newBase(c *Context, kp ir.KeyPath, s settings) base {
	return base{ctx: c, model: kp.Model(), parent: s.parent, kp: ir.NewKeyPath(kp...)}
}

// KeyPath returns the container's key path. It changes once when a
// temporary id in it is replaced.
func (b *base) KeyPath() ir.KeyPath {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ir.NewKeyPath(b.kp...)
}

// Model returns the bucket the members belong to.
func (b *base) Model() string { return b.model }

// Parent returns the key path of the owning document, if any.
func (b *base) Parent() ir.KeyPath {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ir.NewKeyPath(b.parent...)
}

func (b *base) setKeyPath(kp ir.KeyPath) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kp = ir.NewKeyPath(kp...)
}

// renameParentLocked follows a replaced id in the parent key path.
func (b *base) renameParentLocked(from, to string) {
	if p, ok := b.parent.Rewrite(from, to); ok {
		b.parent = p
	}
}

// eventLocked starts an event for the current key path.
func (b *base) eventLocked(name string) Event {
	return Event{Name: name, KeyPath: ir.NewKeyPath(b.kp...), Index: -1}
}

// trackLocked records an edit until untrack is called for it.
func (b *base) trackLocked(keep bool, ids []string) *pendingEdit {
	e := &pendingEdit{keep: keep, ids: slices.Clone(ids)}
	b.pending = append(b.pending, e)
	return e
}

func (b *base) untrack(e *pendingEdit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = slices.DeleteFunc(b.pending, func(p *pendingEdit) bool { return p == e })
}

// intentLocked maps every id with a pending edit to whether the latest one
// keeps it.
func (b *base) intentLocked() map[string]bool {
	intent := make(map[string]bool)
	for _, e := range b.pending {
		for _, id := range e.ids {
			intent[id] = e.keep
		}
	}
	return intent
}

func (b *base) renamePendingLocked(from, to string) {
	for _, e := range b.pending {
		for i, id := range e.ids {
			if id == from {
				e.ids[i] = to
			}
		}
	}
}

package container

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/queue"
)

// Sequence is an ordered group backed by the server's linked list. Every
// edit is an insertBefore or a deleteItem; positional helpers translate to
// those two.
type Sequence struct {
	base

	entries []SequenceItem
}

func newSequence(c *Context, kp ir.KeyPath, s settings) *Sequence {
	return &Sequence{base: newBase(c, kp, s)}
}

// Ordered is true for sequences.
func (s *Sequence) Ordered() bool { return true }

// Release drops one reference taken by Context.Sequence.
func (s *Sequence) Release() { s.ctx.release(s) }

// Len returns the number of positions.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns the positions with the latest known documents.
func (s *Sequence) Entries() []SequenceItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SequenceItem, len(s.entries))
	for i, e := range s.entries {
		e.Item = s.ctx.items.get(s.model, e.Item.ID)
		out[i] = e
	}
	return out
}

// Items returns the documents in list order.
func (s *Sequence) Items() []ir.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsLocked()
}

func (s *Sequence) itemsLocked() []ir.Item {
	out := make([]ir.Item, len(s.entries))
	for i, e := range s.entries {
		out[i] = s.ctx.items.get(s.model, e.Item.ID)
	}
	return out
}

// IndexOf returns the position of the node id, or of the first node
// referencing the item id, or -1.
func (s *Sequence) IndexOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(id)
}

func (s *Sequence) indexLocked(id string) int {
	if i := slices.IndexFunc(s.entries, func(e SequenceItem) bool { return e.ID == id }); i >= 0 {
		return i
	}
	return slices.IndexFunc(s.entries, func(e SequenceItem) bool { return e.Item.ID == id })
}

// InsertBefore places item before the node refID, or at the end when refID
// is "". The new node is visible at once under a temporary id and marked in
// sync when the server confirms it.
func (s *Sequence) InsertBefore(ctx context.Context, refID string, item ir.Item) (*queue.Future, error) {
	if item.ID == "" {
		return nil, ir.NewValidationError("insertBefore requires an item id", s.KeyPath())
	}

	s.mu.Lock()
	at := len(s.entries)
	if refID != "" {
		at = s.indexLocked(refID)
		if at < 0 {
			kp := ir.NewKeyPath(s.kp...)
			s.mu.Unlock()
			return nil, ir.NewConsistencyError("insertBefore reference not found", kp, refID)
		}
		refID = s.entries[at].ID
	}
	f := s.ctx.queue.InsertBefore(ctx, s.kp, refID, item.ID)
	if f.Settled() {
		s.mu.Unlock()
		_, err := f.Result()
		return f, err
	}
	node := SequenceItem{ID: f.TempID(), Item: item}
	s.entries = slices.Insert(s.entries, at, node)
	s.ctx.items.retain(s, s.model, item)
	ev := s.eventLocked(EventInserted)
	ev.IDs = []string{node.ID}
	ev.Items = []ir.Item{item}
	ev.Index = at
	s.mu.Unlock()

	s.emit(ev)
	s.ctx.track(f, func(resp *ir.Response, err error) { s.confirmed(f, resp, err) })
	return f, nil
}

// confirmed settles a local insert. The id change has already renamed the
// node by the time the future settles.
func (s *Sequence) confirmed(f *queue.Future, resp *ir.Response, err error) {
	if err == nil {
		id := f.TempID()
		if resp != nil && resp.ID != "" {
			id = resp.ID
		}
		s.mu.Lock()
		if i := slices.IndexFunc(s.entries, func(e SequenceItem) bool { return e.ID == id }); i >= 0 {
			s.entries[i].InSync = true
		}
		s.mu.Unlock()
		return
	}

	s.ctx.logger.Info("insert rejected, resyncing", "keyPath", s.KeyPath().String(), "error", err)
	s.mu.Lock()
	ev, ok := s.removeLocked(f.TempID())
	s.mu.Unlock()
	if ok {
		s.emit(ev)
	}
	s.ctx.resyncLater(s)
}

// Push appends item.
func (s *Sequence) Push(ctx context.Context, item ir.Item) (*queue.Future, error) {
	return s.InsertBefore(ctx, "", item)
}

// Unshift prepends item.
func (s *Sequence) Unshift(ctx context.Context, item ir.Item) (*queue.Future, error) {
	s.mu.Lock()
	ref := ""
	if len(s.entries) > 0 {
		ref = s.entries[0].ID
	}
	s.mu.Unlock()
	return s.InsertBefore(ctx, ref, item)
}

// Insert places item at position at; at == Len() appends.
func (s *Sequence) Insert(ctx context.Context, at int, item ir.Item) (*queue.Future, error) {
	s.mu.Lock()
	n := len(s.entries)
	ref := ""
	if at >= 0 && at < n {
		ref = s.entries[at].ID
	}
	s.mu.Unlock()
	if at < 0 || at > n {
		return nil, ir.NewValidationError(fmt.Sprintf("index %d out of range [0,%d]", at, n), s.KeyPath())
	}
	return s.InsertBefore(ctx, ref, item)
}

// Create stores doc as a new document of the sequence's model and inserts
// it before refID. It returns the insert's future.
func (s *Sequence) Create(ctx context.Context, doc ir.Doc, refID string) (*queue.Future, error) {
	f := s.ctx.queue.Create(ctx, ir.NewKeyPath(s.model), doc)
	if f.Settled() {
		if _, err := f.Result(); err != nil {
			return f, err
		}
	}
	return s.InsertBefore(ctx, refID, ir.Item{ID: f.ID(), Doc: doc.Clone()})
}

// DeleteItem removes the node id (or the first node holding item id).
func (s *Sequence) DeleteItem(ctx context.Context, id string) (*queue.Future, error) {
	s.mu.Lock()
	at := s.indexLocked(id)
	if at < 0 {
		kp := ir.NewKeyPath(s.kp...)
		s.mu.Unlock()
		return nil, ir.NewConsistencyError("deleteItem node not found", kp, id)
	}
	node := s.entries[at].ID
	f := s.ctx.queue.DeleteItem(ctx, s.kp, node)
	ev, _ := s.removeLocked(node)
	edit := s.trackLocked(false, []string{node})
	s.mu.Unlock()

	s.emit(ev)
	s.ctx.track(f, func(_ *ir.Response, err error) {
		s.untrack(edit)
		if err != nil {
			s.ctx.logger.Info("delete rejected, resyncing", "keyPath", s.KeyPath().String(), "error", err)
			s.ctx.resyncLater(s)
		}
	})
	return f, nil
}

// Remove deletes the node at position at.
func (s *Sequence) Remove(ctx context.Context, at int) (*queue.Future, error) {
	s.mu.Lock()
	n := len(s.entries)
	id := ""
	if at >= 0 && at < n {
		id = s.entries[at].ID
	}
	s.mu.Unlock()
	if id == "" {
		return nil, ir.NewValidationError(fmt.Sprintf("index %d out of range [0,%d)", at, n), s.KeyPath())
	}
	return s.DeleteItem(ctx, id)
}

// Move relocates the item at from so it ends up at position to. The old
// node is deleted and a new node inserted; the returned future is the
// insert. Moving onto the same position sends nothing and returns an
// already resolved future.
func (s *Sequence) Move(ctx context.Context, from, to int) (*queue.Future, error) {
	s.mu.Lock()
	n := len(s.entries)
	var item ir.Item
	if from >= 0 && from < n {
		item = s.ctx.items.get(s.model, s.entries[from].Item.ID)
	}
	s.mu.Unlock()
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, ir.NewValidationError(fmt.Sprintf("move %d -> %d out of range [0,%d)", from, to, n), s.KeyPath())
	}
	if from == to {
		return queue.Resolved(&ir.Response{}), nil
	}

	// Hold the item across the delete so it stays observed.
	s.ctx.items.retain(s, s.model, item)
	defer s.ctx.items.release(s, s.model, item.ID)

	if _, err := s.Remove(ctx, from); err != nil {
		return nil, err
	}
	return s.Insert(ctx, to, item)
}

// removeLocked drops the node id and releases its item.
func (s *Sequence) removeLocked(id string) (Event, bool) {
	at := slices.IndexFunc(s.entries, func(e SequenceItem) bool { return e.ID == id })
	if at < 0 {
		return Event{}, false
	}
	e := s.entries[at]
	s.entries = slices.Delete(s.entries, at, at+1)
	ev := s.eventLocked(EventRemoved)
	ev.IDs = []string{e.ID}
	ev.Items = []ir.Item{s.ctx.items.get(s.model, e.Item.ID)}
	ev.Index = at
	s.ctx.items.release(s, s.model, e.Item.ID)
	return ev, true
}

// Notify applies insertBefore and deleteItem notifications from other
// clients. An insert anchored on an unknown node means this copy is stale.
func (s *Sequence) Notify(n ir.Notification) {
	switch n.Kind {
	case ir.KindInsertBefore:
		if n.Item == nil || n.ID == "" {
			s.ctx.resyncLater(s)
			return
		}
		s.mu.Lock()
		if slices.IndexFunc(s.entries, func(e SequenceItem) bool { return e.ID == n.ID }) >= 0 {
			s.mu.Unlock()
			return
		}
		at := len(s.entries)
		if n.RefID != "" {
			at = slices.IndexFunc(s.entries, func(e SequenceItem) bool { return e.ID == n.RefID })
		}
		if at < 0 {
			s.mu.Unlock()
			s.ctx.logger.Debug("insert anchor unknown, resyncing", "keyPath", n.KeyPath.String(), "ref", n.RefID)
			s.ctx.resyncLater(s)
			return
		}
		item := *n.Item
		s.entries = slices.Insert(s.entries, at, SequenceItem{ID: n.ID, Item: item, InSync: true})
		s.ctx.items.retain(s, s.model, item)
		ev := s.eventLocked(EventInserted)
		ev.IDs = []string{n.ID}
		ev.Items = []ir.Item{item}
		ev.Index = at
		s.mu.Unlock()
		s.emit(ev)

	case ir.KindDeleteItem:
		s.mu.Lock()
		ev, ok := s.removeLocked(n.ID)
		s.mu.Unlock()
		if ok {
			s.emit(ev)
		}
	}
}

// Resync fetches the server's list and merges it into the local one.
// Nodes still waiting for their insert to be confirmed keep their place and
// nodes with an unanswered local delete stay deleted.
func (s *Sequence) Resync(ctx context.Context) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	resp, err := s.ctx.queue.All(ctx, s.KeyPath()).Wait(ctx)
	if err != nil {
		return err
	}
	if !resp.Sequence && len(resp.Items) > 0 {
		return ir.NewValidationError("key path holds a collection", s.KeyPath())
	}

	s.mu.Lock()
	intent := s.intentLocked()
	source := make([]SequenceItem, 0, len(resp.Entries))
	inSource := make(map[string]struct{}, len(resp.Entries))
	for _, e := range resp.Entries {
		if keep, ok := intent[e.ID]; ok && !keep {
			continue
		}
		source = append(source, SequenceItem{ID: e.ID, Item: e.Item, InSync: true})
		inSource[e.ID] = struct{}{}
	}
	for i, e := range s.entries {
		if _, ok := inSource[e.ID]; ok {
			s.entries[i].InSync = true
		}
	}
	cmds := Merge(source, s.entries)
	next := Apply(s.entries, cmds)

	// One hold per position. Retain the new list before releasing the old
	// one so items present in both stay observed.
	for _, e := range next {
		if _, ok := inSource[e.ID]; ok {
			s.ctx.items.retain(s, s.model, e.Item)
			continue
		}
		s.ctx.items.retain(s, s.model, ir.Item{ID: e.Item.ID})
	}
	for _, e := range s.entries {
		s.ctx.items.release(s, s.model, e.Item.ID)
	}

	var events []Event
	removed := s.eventLocked(EventRemoved)
	for _, c := range cmds {
		if c.Op != OpRemoveItem || slices.ContainsFunc(next, func(e SequenceItem) bool { return e.ID == c.ID }) {
			continue
		}
		removed.IDs = append(removed.IDs, c.ID)
	}
	if len(removed.IDs) > 0 {
		events = append(events, removed)
	}
	s.entries = next
	for _, c := range cmds {
		if c.Op != OpInsertBefore {
			continue
		}
		ev := s.eventLocked(EventInserted)
		ev.IDs = []string{c.ID}
		ev.Items = []ir.Item{c.Item.Item}
		ev.Index = s.indexLocked(c.ID)
		events = append(events, ev)
	}
	done := s.eventLocked(EventResynced)
	for _, e := range next {
		done.IDs = append(done.IDs, e.ID)
	}
	done.Items = s.itemsLocked()
	s.mu.Unlock()

	s.emit(append(events, done)...)
	return nil
}

func (s *Sequence) itemChanged(bucket string, item ir.Item) {
	if bucket != s.model {
		return
	}
	s.mu.Lock()
	ev := s.eventLocked(EventUpdated)
	for i, e := range s.entries {
		if e.Item.ID == item.ID {
			s.entries[i].Item = item
			ev.IDs = append(ev.IDs, e.ID)
			ev.Items = append(ev.Items, item)
		}
	}
	s.mu.Unlock()
	if len(ev.IDs) > 0 {
		s.emit(ev)
	}
}

// itemDeleted keeps the positions; the nodes still exist on the server
// and now reference a missing document.
func (s *Sequence) itemDeleted(bucket, id string) {
	s.itemChanged(bucket, ir.Item{ID: id, Persisted: true})
}

func (s *Sequence) rename(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renameParentLocked(from, to)
	s.renamePendingLocked(from, to)
	for i := range s.entries {
		if s.entries[i].ID == from {
			s.entries[i].ID = to
		}
		if s.entries[i].Item.ID == from {
			s.entries[i].Item.ID = to
			s.entries[i].Item.Persisted = true
		}
	}
}

func (s *Sequence) releaseItems() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		s.ctx.items.release(s, s.model, e.Item.ID)
	}
	s.entries = nil
}

package container

import (
	"context"
	"slices"

	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/queue"
)

// Order is the direction of a collection sort.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Collection is an unordered group: a set of member ids kept in the order
// the server reports them. Filter and sort are projections applied by Items.
type Collection struct {
	base

	ids    []string
	filter func(ir.Item) bool
	less   func(a, b ir.Item) int
	order  Order
}

func newCollection(c *Context, kp ir.KeyPath, s settings) *Collection {
	return &Collection{base: newBase(c, kp, s)}
}

// Ordered is false for collections.
func (c *Collection) Ordered() bool { return false }

// Release drops one reference taken by Context.Collection.
func (c *Collection) Release() { c.ctx.release(c) }

// Len returns the number of members, ignoring the filter.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Members returns the member ids in membership order, ignoring projections.
func (c *Collection) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ids)
}

// Has reports whether id is a member.
func (c *Collection) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.ids, id)
}

// Items returns the members with filter and sort applied.
func (c *Collection) Items() []ir.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemsLocked()
}

func (c *Collection) itemsLocked() []ir.Item {
	items := make([]ir.Item, 0, len(c.ids))
	for _, id := range c.ids {
		item := c.ctx.items.get(c.model, id)
		if c.filter != nil && !c.filter(item) {
			continue
		}
		items = append(items, item)
	}
	if c.less != nil {
		slices.SortStableFunc(items, func(a, b ir.Item) int {
			if c.order == Descending {
				return c.less(b, a)
			}
			return c.less(a, b)
		})
	}
	return items
}

// SetFilter sets the projection filter. nil shows every member.
func (c *Collection) SetFilter(fn func(ir.Item) bool) {
	c.mu.Lock()
	c.filter = fn
	ev := c.eventLocked(EventSorted)
	ev.Items = c.itemsLocked()
	c.mu.Unlock()
	c.emit(ev)
}

// SetSort sets the projection order. cmp follows slices.SortFunc; nil
// restores membership order.
func (c *Collection) SetSort(cmp func(a, b ir.Item) int, order Order) {
	c.mu.Lock()
	c.less = cmp
	c.order = order
	ev := c.eventLocked(EventSorted)
	ev.Items = c.itemsLocked()
	c.mu.Unlock()
	c.emit(ev)
}

// Create stores doc as a new document of the collection's model and adds
// it. The returned future is the create; its TempID is the member id until
// the permanent id arrives.
func (c *Collection) Create(ctx context.Context, doc ir.Doc) *queue.Future {
	f := c.ctx.queue.Create(ctx, ir.NewKeyPath(c.model), doc)
	if f.Settled() {
		return f
	}
	c.Add(ctx, ir.Item{ID: f.TempID(), Doc: doc.Clone()})
	return f
}

// Add makes items members. Items already present are left in place.
func (c *Collection) Add(ctx context.Context, items ...ir.Item) *queue.Future {
	ids := make([]string, len(items))
	c.mu.Lock()
	ev := c.eventLocked(EventAdded)
	for i, item := range items {
		ids[i] = item.ID
		if item.ID == "" || slices.Contains(c.ids, item.ID) {
			continue
		}
		c.ids = append(c.ids, item.ID)
		c.ctx.items.retain(c, c.model, item)
		ev.IDs = append(ev.IDs, item.ID)
		ev.Items = append(ev.Items, item)
	}
	f := c.ctx.queue.Add(ctx, c.kp, ids...)
	edit := c.trackLocked(true, ids)
	c.mu.Unlock()

	if len(ev.IDs) > 0 {
		c.emit(ev)
	}
	c.ctx.track(f, func(resp *ir.Response, err error) { c.settled(edit, resp, err) })
	return f
}

// Remove drops ids from the members.
func (c *Collection) Remove(ctx context.Context, ids ...string) *queue.Future {
	c.mu.Lock()
	ev := c.removeLocked(ids)
	f := c.ctx.queue.Remove(ctx, c.kp, ids...)
	edit := c.trackLocked(false, ids)
	c.mu.Unlock()

	if len(ev.IDs) > 0 {
		c.emit(ev)
	}
	c.ctx.track(f, func(resp *ir.Response, err error) { c.settled(edit, resp, err) })
	return f
}

func (c *Collection) removeLocked(ids []string) Event {
	ev := c.eventLocked(EventRemoved)
	c.ids = slices.DeleteFunc(c.ids, func(id string) bool {
		if !slices.Contains(ids, id) {
			return false
		}
		ev.IDs = append(ev.IDs, id)
		ev.Items = append(ev.Items, c.ctx.items.get(c.model, id))
		c.ctx.items.release(c, c.model, id)
		return true
	})
	return ev
}

// settled forgets an answered membership change and resyncs if the server
// refused it.
func (c *Collection) settled(edit *pendingEdit, _ *ir.Response, err error) {
	c.untrack(edit)
	if err == nil {
		return
	}
	c.ctx.logger.Info("membership change rejected, resyncing", "keyPath", c.KeyPath().String(), "error", err)
	c.ctx.resyncLater(c)
}

// Notify applies add and remove notifications from other clients.
func (c *Collection) Notify(n ir.Notification) {
	switch n.Kind {
	case ir.KindAdd:
		items := n.Items
		if len(items) == 0 {
			for _, id := range n.IDs {
				items = append(items, ir.Item{ID: id})
			}
		}
		c.mu.Lock()
		ev := c.eventLocked(EventAdded)
		for _, item := range items {
			if slices.Contains(c.ids, item.ID) {
				continue
			}
			c.ids = append(c.ids, item.ID)
			c.ctx.items.retain(c, c.model, item)
			ev.IDs = append(ev.IDs, item.ID)
			ev.Items = append(ev.Items, item)
		}
		c.mu.Unlock()
		if len(ev.IDs) > 0 {
			c.emit(ev)
		}

	case ir.KindRemove:
		c.mu.Lock()
		ev := c.removeLocked(n.IDs)
		c.mu.Unlock()
		if len(ev.IDs) > 0 {
			c.emit(ev)
		}
	}
}

// Resync replaces the members with the server's list and reports the
// difference as added: and removed: events followed by resynced:.
// Members with an unanswered local add stay, in their local order after the
// server's; ids with an unanswered local remove stay out.
func (c *Collection) Resync(ctx context.Context) error {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()

	resp, err := c.ctx.queue.All(ctx, c.KeyPath()).Wait(ctx)
	if err != nil {
		return err
	}
	if resp.Sequence {
		return ir.NewValidationError("key path holds a sequence", c.KeyPath())
	}

	c.mu.Lock()
	intent := c.intentLocked()
	server := make([]string, 0, len(resp.Items))
	added := c.eventLocked(EventAdded)
	for _, item := range resp.Items {
		if keep, ok := intent[item.ID]; ok && !keep {
			continue
		}
		server = append(server, item.ID)
		if slices.Contains(c.ids, item.ID) {
			c.ctx.items.update(c.model, item)
			continue
		}
		c.ctx.items.retain(c, c.model, item)
		added.IDs = append(added.IDs, item.ID)
		added.Items = append(added.Items, item)
	}
	removed := c.eventLocked(EventRemoved)
	var local []string
	for _, id := range c.ids {
		if slices.Contains(server, id) {
			continue
		}
		if intent[id] || c.ctx.queue.Unresolved(id) {
			local = append(local, id)
			continue
		}
		removed.IDs = append(removed.IDs, id)
		removed.Items = append(removed.Items, c.ctx.items.get(c.model, id))
		c.ctx.items.release(c, c.model, id)
	}
	c.ids = append(server, local...)
	done := c.eventLocked(EventResynced)
	done.IDs = slices.Clone(c.ids)
	done.Items = c.itemsLocked()
	c.mu.Unlock()

	var events []Event
	if len(added.IDs) > 0 {
		events = append(events, added)
	}
	if len(removed.IDs) > 0 {
		events = append(events, removed)
	}
	c.emit(append(events, done)...)
	return nil
}

func (c *Collection) itemChanged(bucket string, item ir.Item) {
	if bucket != c.model || !c.Has(item.ID) {
		return
	}
	c.mu.Lock()
	ev := c.eventLocked(EventUpdated)
	c.mu.Unlock()
	ev.IDs = []string{item.ID}
	ev.Items = []ir.Item{item}
	c.emit(ev)
}

// itemDeleted drops a member whose document was deleted; the server no
// longer lists it either.
func (c *Collection) itemDeleted(bucket, id string) {
	if bucket != c.model {
		return
	}
	c.mu.Lock()
	ev := c.removeLocked([]string{id})
	c.mu.Unlock()
	if len(ev.IDs) > 0 {
		c.emit(ev)
	}
}

func (c *Collection) rename(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renameParentLocked(from, to)
	c.renamePendingLocked(from, to)
	if i := slices.Index(c.ids, from); i >= 0 {
		c.ids[i] = to
	}
}

func (c *Collection) releaseItems() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.ids {
		c.ctx.items.release(c, c.model, id)
	}
	c.ids = nil
}

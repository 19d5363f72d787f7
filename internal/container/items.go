package container

import (
	"sync"

	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/registry"
)

// holder is a container that retains items.
type holder interface {
	itemChanged(bucket string, item ir.Item)
	itemDeleted(bucket, id string)
}

type itemEntry struct {
	bucket  string
	item    ir.Item
	holders map[holder]int
}

// itemTable is the shared item store of a Context. A document is observed
// at its own key path while at least one container retains it.
type itemTable struct {
	registry *registry.Registry

	mu      sync.Mutex
	entries map[string]*itemEntry
}

func newItemTable(reg *registry.Registry) *itemTable {
	return &itemTable{registry: reg, entries: make(map[string]*itemEntry)}
}

func itemKey(bucket, id string) string {
	return ir.NewKeyPath(bucket, id).String()
}

// retain records that h holds item. A non-nil Doc replaces the stored copy.
func (t *itemTable) retain(h holder, bucket string, item ir.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := itemKey(bucket, item.ID)
	e, ok := t.entries[key]
	if !ok {
		e = &itemEntry{bucket: bucket, item: ir.Item{ID: item.ID}, holders: make(map[holder]int)}
		t.entries[key] = e
		t.registry.Observe(ir.NewKeyPath(bucket, item.ID), t)
	}
	if item.Doc != nil || item.Rev > e.item.Rev {
		e.item = item
	}
	e.holders[h]++
}

// release drops one hold of h on the item.
func (t *itemTable) release(h holder, bucket, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := itemKey(bucket, id)
	e, ok := t.entries[key]
	if !ok {
		return
	}
	if e.holders[h]--; e.holders[h] <= 0 {
		delete(e.holders, h)
	}
	if len(e.holders) == 0 {
		delete(t.entries, key)
		t.registry.Unobserve(ir.NewKeyPath(bucket, id), t)
	}
}

// update stores a newer copy of an item without changing holds.
func (t *itemTable) update(bucket string, item ir.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[itemKey(bucket, item.ID)]; ok {
		e.item = item
	}
}

// get returns the stored item, or an id-only item when none is retained.
func (t *itemTable) get(bucket, id string) ir.Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[itemKey(bucket, id)]; ok {
		return e.item
	}
	return ir.Item{ID: id}
}

// held reports how many holds exist on the item.
func (t *itemTable) held(bucket, id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[itemKey(bucket, id)]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range e.holders {
		n += c
	}
	return n
}

// rename moves every entry with id from to id to.
func (t *itemTable) rename(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if e.item.ID != from {
			continue
		}
		delete(t.entries, key)
		t.registry.Unobserve(ir.NewKeyPath(e.bucket, from), t)

		e.item.ID = to
		e.item.Persisted = true
		newKey := itemKey(e.bucket, to)
		if existing, ok := t.entries[newKey]; ok {
			for h, n := range e.holders {
				existing.holders[h] += n
			}
			continue
		}
		t.entries[newKey] = e
		t.registry.Observe(ir.NewKeyPath(e.bucket, to), t)
	}
}

// Notify implements registry.Observer for document key paths.
func (t *itemTable) Notify(n ir.Notification) {
	if !n.KeyPath.IsDocument() {
		return
	}
	bucket, id := n.KeyPath.Model(), n.KeyPath.Last()

	t.mu.Lock()
	e, ok := t.entries[itemKey(bucket, id)]
	if !ok {
		t.mu.Unlock()
		return
	}
	switch n.Kind {
	case ir.KindUpdate:
		if n.Item != nil {
			e.item = *n.Item
		}
	case ir.KindDelete:
		e.item = ir.Item{ID: id, Persisted: true}
	}
	item := e.item
	holders := make([]holder, 0, len(e.holders))
	for h := range e.holders {
		holders = append(holders, h)
	}
	t.mu.Unlock()

	for _, h := range holders {
		switch n.Kind {
		case ir.KindUpdate:
			h.itemChanged(bucket, item)
		case ir.KindDelete:
			h.itemDeleted(bucket, id)
		}
	}
}

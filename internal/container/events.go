package container

import (
	"sync"

	"github.com/roach88/tandem/internal/ir"
)

// Event names. The trailing colon is part of the name.
const (
	EventAdded    = "added:"
	EventRemoved  = "removed:"
	EventUpdated  = "updated:"
	EventInserted = "inserted:"
	EventResynced = "resynced:"
	EventSorted   = "sorted:"
)

// Event describes one change of a container.
type Event struct {
	Name    string
	KeyPath ir.KeyPath
	// IDs are the affected item ids (removed:) or list node ids.
	IDs   []string
	Items []ir.Item
	// Index is the position of an inserted: item, -1 otherwise.
	Index int
}

// emitter dispatches events to listeners synchronously, in registration
// order. Listeners run without any container lock held.
type emitter struct {
	mu        sync.Mutex
	seq       int
	listeners []listener
}

type listener struct {
	id   int
	name string
	fn   func(Event)
}

// On registers fn for events named name, or for every event when name is
// "". The returned func unregisters it.
func (e *emitter) On(name string, fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	id := e.seq
	e.listeners = append(e.listeners, listener{id: id, name: name, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	ls := append([]listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, ev := range events {
		for _, l := range ls {
			if l.name == "" || l.name == ev.Name {
				l.fn(ev)
			}
		}
	}
}

// Package registry maps key paths to the local objects observing them.
//
// The same table serves both ends of a connection. On the client the
// observers are containers and the hooks subscribe and unsubscribe over the
// websocket. On the server the observers are sockets and the hooks feed
// metrics and logs.
//
// The observer list of a key path doubles as its reference count: the first
// Observe fires OnFirst, the Unobserve that empties the list fires OnLast and
// drops the entry.
package registry

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/tandem/internal/ir"
)

// Observer receives notifications for the key paths it observes.
// Implementations must be comparable (typically pointers).
type Observer interface {
	Notify(n ir.Notification)
}

// Hooks run when a key path gains its first or loses its last observer.
// Hooks run in state-change order without the registry lock held, but must
// not call Observe or Unobserve themselves.
type Hooks struct {
	OnFirst func(kp ir.KeyPath)
	OnLast  func(kp ir.KeyPath)
}

type entry struct {
	kp        ir.KeyPath
	observers []Observer
}

// Registry is a KeyPath-indexed fan-out table. Safe for concurrent use.
type Registry struct {
	hookMu  sync.Mutex // serializes membership changes with their hooks
	mu      sync.RWMutex
	entries map[string]*entry
	hooks   Hooks
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(hooks Hooks, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		hooks:   hooks,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe registers obs for kp. Registering the same observer twice counts
// twice.
func (r *Registry) Observe(kp ir.KeyPath, obs Observer) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	key := kp.String()
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{kp: ir.NewKeyPath(kp...)}
		r.entries[key] = e
	}
	e.observers = append(e.observers, obs)
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("first observer", "keyPath", key)
		if r.hooks.OnFirst != nil {
			r.hooks.OnFirst(e.kp)
		}
	}
}

// Unobserve removes one registration of obs for kp and reports whether one
// existed.
func (r *Registry) Unobserve(kp ir.KeyPath, obs Observer) bool {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	removed, emptied := r.unobserveLocked(kp.String(), obs)
	if emptied {
		r.lastGone(kp)
	}
	return removed
}

func (r *Registry) unobserveLocked(key string, obs Observer) (removed, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false, false
	}
	i := slices.Index(e.observers, obs)
	if i < 0 {
		return false, false
	}
	e.observers = slices.Delete(e.observers, i, i+1)
	if len(e.observers) > 0 {
		return true, false
	}
	delete(r.entries, key)
	return true, true
}

func (r *Registry) lastGone(kp ir.KeyPath) {
	r.logger.Debug("last observer gone", "keyPath", kp.String())
	if r.hooks.OnLast != nil {
		r.hooks.OnLast(kp)
	}
}

// UnobserveAll removes every registration of obs and returns the key paths
// it was removed from, sorted.
func (r *Registry) UnobserveAll(obs Observer) []ir.KeyPath {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	var (
		removed []ir.KeyPath
		emptied []ir.KeyPath
	)
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := r.entries[k]
		before := len(e.observers)
		e.observers = slices.DeleteFunc(e.observers, func(o Observer) bool { return o == obs })
		if len(e.observers) == before {
			continue
		}
		removed = append(removed, e.kp)
		if len(e.observers) == 0 {
			delete(r.entries, k)
			emptied = append(emptied, e.kp)
		}
	}
	r.mu.Unlock()

	for _, kp := range emptied {
		r.lastGone(kp)
	}
	return removed
}

// Observers returns a snapshot of the observers of kp.
func (r *Registry) Observers(kp ir.KeyPath) []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kp.String()]
	if !ok {
		return nil
	}
	return slices.Clone(e.observers)
}

// Count returns the number of registrations for kp.
func (r *Registry) Count(kp ir.KeyPath) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[kp.String()]; ok {
		return len(e.observers)
	}
	return 0
}

// Keys returns the observed key paths in canonical form, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Notify delivers n to every observer of n.KeyPath and returns how many
// received it.
func (r *Registry) Notify(n ir.Notification) int {
	return r.NotifyExcept(n, nil)
}

// NotifyExcept is Notify skipping observers for which skip returns true.
// Observers run without the registry lock held.
func (r *Registry) NotifyExcept(n ir.Notification, skip func(Observer) bool) int {
	delivered := 0
	for _, obs := range r.Observers(n.KeyPath) {
		if skip != nil && skip(obs) {
			continue
		}
		obs.Notify(n)
		delivered++
	}
	return delivered
}

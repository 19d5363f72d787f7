// Package hub relays mutation notifications between server processes.
//
// A mutation handled by one process is published on a broker channel named
// after its kind. Every process subscribes to all kind channels and hands
// each notification to its local sockets observing the notification's key
// path, skipping the socket that authored the mutation.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/tandem/internal/hub/broker"
	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/metrics"
	"github.com/roach88/tandem/internal/registry"
)

// DefaultNamespace prefixes broker channel names.
const DefaultNamespace = "tandem"

// ErrSubscriptionClosed is returned by Run when the broker ends the
// subscription before ctx is done.
var ErrSubscriptionClosed = errors.New("hub: broker subscription closed")

// Socket is a connected client as seen by the hub.
type Socket interface {
	registry.Observer
	ID() string
}

// Hub joins sockets to key path groups and relays notifications.
type Hub struct {
	broker    broker.Broker
	registry  *registry.Registry
	namespace string
	metrics   *metrics.Metrics
	logger    *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithNamespace sets the channel prefix. Defaults to DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(h *Hub) { h.namespace = ns }
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// New creates a hub over b.
func New(b broker.Broker, opts ...Option) *Hub {
	h := &Hub{
		broker:    b,
		namespace: DefaultNamespace,
		logger:    slog.Default(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registry = registry.New(registry.Hooks{
		OnFirst: func(kp ir.KeyPath) { h.metrics.KeyPathObserved() },
		OnLast:  func(kp ir.KeyPath) { h.metrics.KeyPathReleased() },
	}, registry.WithLogger(h.logger))
	return h
}

// Channel returns the broker channel for kind.
func (h *Hub) Channel(kind ir.Kind) string {
	return h.namespace + ":" + string(kind)
}

// Join adds s to the group of kp.
func (h *Hub) Join(s Socket, kp ir.KeyPath) {
	h.registry.Observe(kp, s)
	h.logger.Debug("socket joined", "socket", s.ID(), "keyPath", kp.String())
}

// Leave removes s from the group of kp.
func (h *Hub) Leave(s Socket, kp ir.KeyPath) bool {
	ok := h.registry.Unobserve(kp, s)
	h.logger.Debug("socket left", "socket", s.ID(), "keyPath", kp.String(), "was_member", ok)
	return ok
}

// LeaveAll removes s from every group. Called when a socket disconnects.
func (h *Hub) LeaveAll(s Socket) []ir.KeyPath {
	return h.registry.UnobserveAll(s)
}

// Groups lists the key paths with local members.
func (h *Hub) Groups() []string {
	return h.registry.Keys()
}

// Members returns the number of sockets joined to kp.
func (h *Hub) Members(kp ir.KeyPath) int {
	return h.registry.Count(kp)
}

// Publish broadcasts n on the channel of its kind.
func (h *Hub) Publish(ctx context.Context, n ir.Notification) error {
	if !validKind(n.Kind) {
		return fmt.Errorf("publish: unknown notification kind %q", n.Kind)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := h.broker.Publish(ctx, h.Channel(n.Kind), payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	h.metrics.RecordPublished(string(n.Kind))
	return nil
}

// Ready is closed once Run's subscription is active.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Run subscribes to every kind channel and relays received notifications
// to local sockets until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	channels := make([]string, len(ir.Kinds))
	for i, k := range ir.Kinds {
		channels[i] = h.Channel(k)
	}
	msgs, err := h.broker.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("hub subscribe: %w", err)
	}
	h.readyOnce.Do(func() { close(h.ready) })
	h.logger.Info("hub relaying", "namespace", h.namespace, "channels", len(channels))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrSubscriptionClosed
			}
			h.relay(m)
		}
	}
}

func (h *Hub) relay(m broker.Message) {
	var n ir.Notification
	if err := json.Unmarshal(m.Payload, &n); err != nil {
		h.logger.Warn("dropping malformed notification", "channel", m.Channel, "error", err)
		return
	}
	if want := strings.TrimPrefix(m.Channel, h.namespace+":"); string(n.Kind) != want {
		h.logger.Warn("notification kind does not match channel", "channel", m.Channel, "kind", n.Kind)
		return
	}
	h.Deliver(n)
}

// Deliver hands n to the local sockets observing n.KeyPath, except the one
// whose id equals n.ClientID. It returns the number of sockets reached.
func (h *Hub) Deliver(n ir.Notification) int {
	kind := string(n.Kind)
	delivered := h.registry.NotifyExcept(n, func(o registry.Observer) bool {
		s, ok := o.(Socket)
		if ok && n.ClientID != "" && s.ID() == n.ClientID {
			h.metrics.RecordSuppressed(kind)
			return true
		}
		return false
	})
	h.metrics.RecordDelivered(kind, delivered)
	return delivered
}

func validKind(k ir.Kind) bool {
	for _, known := range ir.Kinds {
		if k == known {
			return true
		}
	}
	return false
}

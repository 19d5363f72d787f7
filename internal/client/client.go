// Package client assembles one syncing client: the local cache, the
// operation queue, the websocket connection, the observer registry and the
// container context on top of them.
//
// Observing a key path in the registry subscribes over the socket, socket
// notifications are fanned out through the registry, and connectivity
// changes pause and resume the queue. After a reconnect every open
// container resyncs.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tandem/internal/container"
	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/localstore"
	"github.com/roach88/tandem/internal/queue"
	"github.com/roach88/tandem/internal/registry"
	"github.com/roach88/tandem/internal/transport"
)

// Client is one syncing client.
type Client struct {
	cache    *localstore.Store
	conn     *transport.Client
	queue    *queue.Queue
	registry *registry.Registry
	ctx      *container.Context
	logger   *slog.Logger
}

type options struct {
	cachePath string
	capacity  int
	delay     time.Duration
	dialer    *websocket.Dialer
	ids       queue.IDGenerator
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithCache persists the cache and the pending queue at path. Defaults to
// an in-memory cache that is lost on exit.
func WithCache(path string) Option {
	return func(o *options) { o.cachePath = path }
}

// WithCacheCapacity bounds the number of cached keys.
func WithCacheCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithReconnectDelay sets the pause between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithIDGenerator sets the temporary id generator.
func WithIDGenerator(g queue.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open builds a client for the server at url. Nothing is dialed until Run.
func Open(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		cachePath: ":memory:",
		delay:     transport.DefaultReconnectDelay,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	storeOpts := []localstore.Option{localstore.WithLogger(o.logger)}
	if o.capacity > 0 {
		storeOpts = append(storeOpts, localstore.WithCapacity(o.capacity))
	}
	cache, err := localstore.Open(o.cachePath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	c := &Client{cache: cache, logger: o.logger}

	connOpts := []transport.ClientOption{
		transport.WithClientLogger(o.logger),
		transport.WithReconnectDelay(o.delay),
		transport.WithNotifyHandler(c.deliver),
		transport.WithStateHandler(c.stateChanged),
	}
	if o.dialer != nil {
		connOpts = append(connOpts, transport.WithDialer(o.dialer))
	}
	c.conn = transport.NewClient(url, connOpts...)

	queueOpts := []queue.Option{queue.WithLogger(o.logger)}
	if o.ids != nil {
		queueOpts = append(queueOpts, queue.WithIDGenerator(o.ids))
	}
	c.queue, err = queue.New(ctx, c.conn, cache, queueOpts...)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	c.registry = registry.New(registry.Hooks{
		OnFirst: c.conn.Observe,
		OnLast:  c.conn.Unobserve,
	}, registry.WithLogger(o.logger))
	c.ctx = container.NewContext(c.queue, c.registry, container.WithLogger(o.logger))
	return c, nil
}

func (c *Client) deliver(n ir.Notification) {
	if delivered := c.registry.Notify(n); delivered == 0 {
		c.logger.Debug("notification without observers", "kind", n.Kind, "keyPath", n.KeyPath.String())
	}
}

func (c *Client) stateChanged(online bool) {
	c.queue.Online(online)
	if online {
		n := c.ctx.ResyncAll()
		c.logger.Debug("client online", "id", c.conn.ID(), "resyncing", n)
	}
}

// Run keeps the connection up and drains the queue until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.conn.Run(ctx) })
	g.Go(func() error {
		err := c.queue.Run(ctx)
		c.queue.Close()
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close stops background work and closes the cache. Pending operations stay
// persisted.
func (c *Client) Close() error {
	c.ctx.Close()
	c.queue.Close()
	return c.cache.Close()
}

// ID returns the id the server assigned to the current connection, or ""
// while disconnected.
func (c *Client) ID() string { return c.conn.ID() }

// Online reports whether the queue is sending to the server.
func (c *Client) Online() bool { return c.queue.IsOnline() }

// Queue returns the operation queue.
func (c *Client) Queue() *queue.Queue { return c.queue }

// Context returns the container context.
func (c *Client) Context() *container.Context { return c.ctx }

// Collection opens the collection at kp.
func (c *Client) Collection(ctx context.Context, kp ir.KeyPath, opts ...container.ContainerOption) (*container.Collection, error) {
	return c.ctx.Collection(ctx, kp, opts...)
}

// Sequence opens the sequence at kp.
func (c *Client) Sequence(ctx context.Context, kp ir.KeyPath, opts ...container.ContainerOption) (*container.Sequence, error) {
	return c.ctx.Sequence(ctx, kp, opts...)
}

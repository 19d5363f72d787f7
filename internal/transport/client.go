package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/tandem/internal/ir"
)

// errDisconnected is reported to calls that were pending when the socket
// dropped and to calls issued while no socket is open.
var errDisconnected = errors.New("not connected")

// Client is the client end of a socket. It implements queue.Remote.
//
// Thread-safety model:
//   - Call, Observe, Unobserve, ID: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Client struct {
	url    string
	dialer *websocket.Dialer
	delay  time.Duration
	logger *slog.Logger

	onNotify func(ir.Notification)
	onState  func(online bool)

	mu       sync.Mutex
	wc       *websocket.Conn
	writeMu  sync.Mutex // gorilla connections support one concurrent writer
	id       string
	seq      uint64
	pending  map[uint64]chan *ir.Response
	observed map[string]ir.KeyPath
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithReconnectDelay sets the pause between dial attempts.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.delay = d }
}

// WithClientLogger sets the logger. Defaults to slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithNotifyHandler receives every notify frame. Called from the read loop.
func WithNotifyHandler(fn func(ir.Notification)) ClientOption {
	return func(c *Client) { c.onNotify = fn }
}

// WithStateHandler is told when the socket opens (after hello and
// re-observing) and when it drops.
func WithStateHandler(fn func(online bool)) ClientOption {
	return func(c *Client) { c.onState = fn }
}

// NewClient creates a client for the websocket endpoint at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:      url,
		dialer:   websocket.DefaultDialer,
		delay:    DefaultReconnectDelay,
		logger:   slog.Default(),
		pending:  make(map[uint64]chan *ir.Response),
		observed: make(map[string]ir.KeyPath),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the client id the server assigned to the current socket, or ""
// while disconnected.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Call sends req and waits for its reply. A missing or dropped socket is a
// TRANSPORT error; an error reply is returned as its *ir.SyncError.
func (c *Client) Call(ctx context.Context, req *ir.Request) (*ir.Response, error) {
	c.mu.Lock()
	wc := c.wc
	if wc == nil {
		c.mu.Unlock()
		return nil, ir.NewTransportError(errDisconnected)
	}
	c.seq++
	seq := c.seq
	ch := make(chan *ir.Response, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.write(wc, ir.Frame{Type: ir.FrameCall, Seq: seq, Request: req}); err != nil {
		return nil, ir.NewTransportError(err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ir.NewTransportError(errDisconnected)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	}
}

// Observe asks the server for notifications on kp. The subscription is
// remembered and renewed after every reconnect.
func (c *Client) Observe(kp ir.KeyPath) {
	c.subscription(ir.FrameObserve, kp)
}

// Unobserve cancels an Observe.
func (c *Client) Unobserve(kp ir.KeyPath) {
	c.subscription(ir.FrameUnobserve, kp)
}

func (c *Client) subscription(t ir.FrameType, kp ir.KeyPath) {
	c.mu.Lock()
	if t == ir.FrameObserve {
		c.observed[kp.String()] = ir.NewKeyPath(kp...)
	} else {
		delete(c.observed, kp.String())
	}
	wc := c.wc
	c.mu.Unlock()

	if wc == nil {
		return
	}
	if err := c.write(wc, ir.Frame{Type: t, KeyPath: kp}); err != nil {
		c.logger.Debug("subscription frame not sent", "type", t, "keyPath", kp.String(), "error", err)
	}
}

func (c *Client) write(wc *websocket.Conn, f ir.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wc.WriteJSON(f)
}

// Run dials, serves the socket until it drops, and redials until ctx is
// done.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.Info("socket closed", "url", c.url, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	wc, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer wc.Close()

	var hello ir.Frame
	wc.SetReadDeadline(time.Now().Add(writeTimeout))
	if err := wc.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != ir.FrameHello || hello.ClientID == "" {
		return fmt.Errorf("expected hello frame, got %q", hello.Type)
	}
	wc.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.wc = wc
	c.id = hello.ClientID
	observed := make([]ir.KeyPath, 0, len(c.observed))
	for _, kp := range c.observed {
		observed = append(observed, kp)
	}
	c.mu.Unlock()

	for _, kp := range observed {
		if err := c.write(wc, ir.Frame{Type: ir.FrameObserve, KeyPath: kp}); err != nil {
			c.disconnect()
			return fmt.Errorf("observe %s: %w", kp, err)
		}
	}

	c.logger.Info("socket connected", "url", c.url, "client", hello.ClientID, "observed", len(observed))
	if c.onState != nil {
		c.onState(true)
	}

	stop := context.AfterFunc(ctx, func() { wc.Close() })
	defer stop()

	err = c.read(wc)
	c.disconnect()
	return err
}

func (c *Client) read(wc *websocket.Conn) error {
	for {
		var f ir.Frame
		if err := wc.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case ir.FrameReply:
			c.mu.Lock()
			ch, ok := c.pending[f.Seq]
			c.mu.Unlock()
			if ok && f.Response != nil {
				ch <- f.Response
			}
		case ir.FrameNotify:
			if f.Notification != nil && c.onNotify != nil {
				c.onNotify(*f.Notification)
			}
		default:
			c.logger.Debug("unexpected frame", "type", f.Type)
		}
	}
}

// disconnect fails every pending call and reports the drop.
func (c *Client) disconnect() {
	c.mu.Lock()
	if c.wc == nil {
		c.mu.Unlock()
		return
	}
	c.wc = nil
	c.id = ""
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(false)
	}
}

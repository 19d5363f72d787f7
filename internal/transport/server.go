package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/tandem/internal/hub"
	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/metrics"
)

// Handler executes one request for a client. Implemented by
// *service.Service.
type Handler interface {
	Handle(ctx context.Context, clientID string, req *ir.Request) (*ir.Response, error)
}

// Server upgrades HTTP requests to sockets.
type Server struct {
	handler  Handler
	hub      *hub.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	newID    func() string
	ping     time.Duration

	mu      sync.Mutex
	sockets map[*socket]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Defaults to slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics attaches instrumentation.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithClientIDs replaces the ULID generator for socket ids.
func WithClientIDs(gen func() string) ServerOption {
	return func(s *Server) { s.newID = gen }
}

// WithPingInterval overrides how often idle sockets are pinged.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.ping = d }
}

// NewServer creates a websocket endpoint serving h and relaying hb.
func NewServer(h Handler, hb *hub.Hub, opts ...ServerOption) *Server {
	s := &Server{
		handler: h,
		hub:     hb,
		logger:  slog.Default(),
		newID:   func() string { return ulid.Make().String() },
		ping:    pingInterval,
		sockets: make(map[*socket]struct{}),
	}
	s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// socket is one connected client as seen by the hub.
type socket struct {
	id     string
	wc     *websocket.Conn
	send   chan ir.Frame
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (c *socket) ID() string { return c.id }

// Notify queues a notify frame. A socket that cannot keep up is closed; its
// client resyncs after reconnecting.
func (c *socket) Notify(n ir.Notification) {
	select {
	case c.send <- ir.Frame{Type: ir.FrameNotify, Notification: &n}:
	case <-c.done:
	default:
		c.logger.Warn("socket send buffer full, closing", "client", c.id)
		c.close()
	}
}

func (c *socket) reply(f ir.Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	}
}

// close stops the writer, which closes the connection and so ends the read
// loop.
func (c *socket) close() {
	c.once.Do(func() { close(c.done) })
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &socket{
		id:     s.newID(),
		wc:     wc,
		send:   make(chan ir.Frame, sendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	s.mu.Lock()
	s.sockets[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.SocketConnected()
	s.logger.Info("socket connected", "client", c.id, "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.sockets, c)
		s.mu.Unlock()
		left := s.hub.LeaveAll(c)
		c.close()
		s.metrics.SocketDisconnected()
		s.logger.Info("socket disconnected", "client", c.id, "groups_left", len(left))
	}()

	c.send <- ir.Frame{Type: ir.FrameHello, ClientID: c.id}
	go s.write(c)

	if err := s.read(r.Context(), c); err != nil {
		s.logger.Warn("socket read failed", "client", c.id, "error", err)
	}
}

// DisconnectAll closes every open socket. http.Server.Shutdown does not
// track upgraded connections, so callers shutting down call this too.
func (s *Server) DisconnectAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.sockets {
		c.close()
	}
	return len(s.sockets)
}

// Sockets returns the number of open sockets.
func (s *Server) Sockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

func (s *Server) read(ctx context.Context, c *socket) error {
	pongWait := 2 * s.ping
	c.wc.SetReadDeadline(time.Now().Add(pongWait))
	c.wc.SetPongHandler(func(string) error {
		return c.wc.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f ir.Frame
		if err := c.wc.ReadJSON(&f); err != nil {
			if closedNormally(err) {
				return nil
			}
			return err
		}
		c.wc.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case ir.FrameCall:
			if !c.reply(s.call(ctx, c.id, f)) {
				return nil
			}
		case ir.FrameObserve:
			if err := f.KeyPath.Validate(); err != nil {
				s.logger.Warn("observe with invalid key path", "client", c.id, "error", err)
				continue
			}
			s.hub.Join(c, f.KeyPath)
		case ir.FrameUnobserve:
			s.hub.Leave(c, f.KeyPath)
		default:
			s.logger.Warn("unexpected frame", "client", c.id, "type", f.Type)
		}
	}
}

func (s *Server) call(ctx context.Context, clientID string, f ir.Frame) ir.Frame {
	out := ir.Frame{Type: ir.FrameReply, Seq: f.Seq}
	if f.Request == nil {
		out.Response = &ir.Response{Error: ir.NewValidationError("call frame without request", nil)}
		return out
	}
	resp, err := s.handler.Handle(ctx, clientID, f.Request)
	if err != nil {
		resp = &ir.Response{Error: ir.AsSyncError(err)}
	}
	out.Response = resp
	return out
}

func (s *Server) write(c *socket) {
	t := time.NewTicker(s.ping)
	defer t.Stop()
	defer c.wc.Close()
	defer c.close()

	for {
		select {
		case <-c.done:
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-c.send:
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteJSON(f); err != nil {
				s.logger.Debug("socket write failed", "client", c.id, "error", err)
				return
			}
		case <-t.C:
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closedNormally(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return errors.Is(err, net.ErrClosed)
}

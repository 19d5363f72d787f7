package transport

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/hub"
	"github.com/roach88/tandem/internal/hub/broker"
	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/service"
	"github.com/roach88/tandem/internal/store"
	"github.com/roach88/tandem/internal/testutil"
)

var zooAnimals = ir.KeyPath{"zoo", "123", "animals"}

type testServer struct {
	url string
	ws  *Server
	hub *hub.Hub
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := broker.NewMemory()
	t.Cleanup(func() { b.Close() })
	h := hub.New(b)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	<-h.Ready()

	sockets := testutil.NewSequentialIDs("c")
	ws := NewServer(service.New(st, h), h, WithClientIDs(sockets.Generate))
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { ws.DisconnectAll() })
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), ws: ws, hub: h}
}

type notifications struct {
	mu sync.Mutex
	ns []ir.Notification
}

func (n *notifications) add(x ir.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ns = append(n.ns, x)
}

func (n *notifications) list() []ir.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ir.Notification(nil), n.ns...)
}

type state struct {
	mu      sync.Mutex
	history []bool
}

func (s *state) set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, online)
}

func (s *state) online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history) > 0 && s.history[len(s.history)-1]
}

func (s *state) drops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.history {
		if !v {
			n++
		}
	}
	return n
}

func connect(t *testing.T, url string, opts ...ClientOption) (*Client, *notifications, *state) {
	t.Helper()
	ns, st := &notifications{}, &state{}
	opts = append([]ClientOption{
		WithNotifyHandler(ns.add),
		WithStateHandler(st.set),
		WithReconnectDelay(20 * time.Millisecond),
	}, opts...)
	c := NewClient(url, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, st.online, 5*time.Second, 10*time.Millisecond)
	return c, ns, st
}

func call(t *testing.T, c *Client, req ir.Request) *ir.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Call(ctx, &req)
	require.NoError(t, err)
	return resp
}

func TestClient_HelloAssignsID(t *testing.T) {
	srv := startServer(t)
	c1, _, _ := connect(t, srv.url)
	c2, _, _ := connect(t, srv.url)

	assert.NotEmpty(t, c1.ID())
	assert.NotEqual(t, c1.ID(), c2.ID())
}

func TestClient_CallRoundTrip(t *testing.T) {
	srv := startServer(t)
	c, _, _ := connect(t, srv.url)

	created := call(t, c, ir.Request{Cmd: ir.CmdCreate, KeyPath: ir.KeyPath{"animals"}, Doc: ir.Doc{"name": "zebra"}})
	require.NotEmpty(t, created.ID)

	fetched := call(t, c, ir.Request{Cmd: ir.CmdFetch, KeyPath: ir.KeyPath{"animals", created.ID}})
	assert.Equal(t, "zebra", fetched.Item.Doc["name"])
}

func TestClient_ErrorReply(t *testing.T) {
	srv := startServer(t)
	c, _, _ := connect(t, srv.url)

	_, err := c.Call(context.Background(), &ir.Request{Cmd: ir.CmdFetch, KeyPath: ir.KeyPath{"animals", "missing"}})
	assert.True(t, ir.IsNotFound(err))
	assert.False(t, ir.IsTransport(err))
}

func TestClient_EchoSuppression(t *testing.T) {
	srv := startServer(t)
	author, authorSeen, _ := connect(t, srv.url)
	peer, peerSeen, _ := connect(t, srv.url)

	author.Observe(zooAnimals)
	peer.Observe(zooAnimals)
	require.Eventually(t, func() bool { return srv.hub.Members(zooAnimals) == 2 }, 5*time.Second, 10*time.Millisecond)

	resp := call(t, author, ir.Request{Cmd: ir.CmdInsertBefore, KeyPath: zooAnimals, ItemID: "A"})

	require.Eventually(t, func() bool { return len(peerSeen.list()) == 1 }, 5*time.Second, 10*time.Millisecond)
	n := peerSeen.list()[0]
	assert.Equal(t, ir.KindInsertBefore, n.Kind)
	assert.Equal(t, resp.ID, n.ID)
	assert.Equal(t, author.ID(), n.ClientID)

	// a later mutation by the peer reaches the author, so the author's
	// stream is live and the earlier silence was suppression
	call(t, peer, ir.Request{Cmd: ir.CmdInsertBefore, KeyPath: zooAnimals, ItemID: "B"})
	require.Eventually(t, func() bool { return len(authorSeen.list()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, peer.ID(), authorSeen.list()[0].ClientID)
}

func TestClient_Unobserve(t *testing.T) {
	srv := startServer(t)
	c, _, _ := connect(t, srv.url)

	c.Observe(zooAnimals)
	require.Eventually(t, func() bool { return srv.hub.Members(zooAnimals) == 1 }, 5*time.Second, 10*time.Millisecond)
	c.Unobserve(zooAnimals)
	require.Eventually(t, func() bool { return srv.hub.Members(zooAnimals) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_CallWhileDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/never")
	_, err := c.Call(context.Background(), &ir.Request{Cmd: ir.CmdAll, KeyPath: zooAnimals})
	assert.True(t, ir.IsTransport(err))
}

func TestClient_ReconnectRenewsObservations(t *testing.T) {
	srv := startServer(t)
	c, _, st := connect(t, srv.url)

	c.Observe(zooAnimals)
	require.Eventually(t, func() bool { return srv.hub.Members(zooAnimals) == 1 }, 5*time.Second, 10*time.Millisecond)
	first := c.ID()

	assert.Equal(t, 1, srv.ws.DisconnectAll())

	require.Eventually(t, func() bool { return st.drops() >= 1 && st.online() }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.hub.Members(zooAnimals) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, first, c.ID())
}

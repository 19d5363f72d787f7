package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/hub/broker"
	"github.com/roach88/tandem/internal/ir"
)

type fakeSocket struct {
	id string
	mu sync.Mutex
	ns []ir.Notification
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) Notify(n ir.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ns = append(s.ns, n)
}

func (s *fakeSocket) received() []ir.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ir.Notification(nil), s.ns...)
}

var zooAnimals = ir.KeyPath{"zoo", "123", "animals"}

func startHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-h.Ready():
	case err := <-done:
		t.Fatalf("hub stopped: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("hub not ready")
	}
}

func TestHub_EchoSuppression(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	h := New(b)
	startHub(t, h)

	author, peer := &fakeSocket{id: "c1"}, &fakeSocket{id: "c2"}
	h.Join(author, zooAnimals)
	h.Join(peer, zooAnimals)

	require.NoError(t, h.Publish(context.Background(), ir.Notification{
		Kind:     ir.KindAdd,
		KeyPath:  zooAnimals,
		IDs:      []string{"a1"},
		ClientID: "c1",
	}))

	require.Eventually(t, func() bool { return len(peer.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a1"}, peer.received()[0].IDs)
	assert.Empty(t, author.received(), "author must not receive its own mutation")
}

func TestHub_GroupScoping(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	h := New(b)
	startHub(t, h)

	inGroup, elsewhere := &fakeSocket{id: "c1"}, &fakeSocket{id: "c2"}
	h.Join(inGroup, zooAnimals)
	h.Join(elsewhere, ir.KeyPath{"zoo", "999", "animals"})

	require.NoError(t, h.Publish(context.Background(), ir.Notification{Kind: ir.KindRemove, KeyPath: zooAnimals}))
	require.Eventually(t, func() bool { return len(inGroup.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, elsewhere.received())
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	h := New(broker.NewMemory())
	s := &fakeSocket{id: "c1"}

	h.Join(s, zooAnimals)
	h.Join(s, ir.KeyPath{"animals", "a1"})
	assert.Equal(t, 1, h.Deliver(ir.Notification{Kind: ir.KindUpdate, KeyPath: zooAnimals}))

	assert.True(t, h.Leave(s, zooAnimals))
	assert.Zero(t, h.Deliver(ir.Notification{Kind: ir.KindUpdate, KeyPath: zooAnimals}))

	assert.Equal(t, []ir.KeyPath{{"animals", "a1"}}, h.LeaveAll(s))
	assert.Empty(t, h.Groups())
}

func TestHub_RejectsUnknownKind(t *testing.T) {
	h := New(broker.NewMemory())
	err := h.Publish(context.Background(), ir.Notification{Kind: "create", KeyPath: zooAnimals})
	assert.Error(t, err)
}

func TestHub_ChannelNames(t *testing.T) {
	h := New(broker.NewMemory(), WithNamespace("prod"))
	assert.Equal(t, "prod:insertBefore", h.Channel(ir.KindInsertBefore))
}

func TestHub_RedisAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	b1 := broker.DialRedis(mr.Addr(), nil)
	b2 := broker.DialRedis(mr.Addr(), nil)
	defer b1.Close()
	defer b2.Close()

	h1 := New(b1)
	h2 := New(b2)
	startHub(t, h1)
	startHub(t, h2)

	author := &fakeSocket{id: "c1"}
	local := &fakeSocket{id: "c2"}
	remote := &fakeSocket{id: "c3"}
	h1.Join(author, zooAnimals)
	h1.Join(local, zooAnimals)
	h2.Join(remote, zooAnimals)

	require.NoError(t, h1.Publish(context.Background(), ir.Notification{
		Kind:     ir.KindInsertBefore,
		KeyPath:  zooAnimals,
		ID:       "n1",
		ClientID: "c1",
	}))

	require.Eventually(t, func() bool {
		return len(local.received()) == 1 && len(remote.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "n1", remote.received()[0].ID)
	assert.Empty(t, author.received())
}

func TestHub_RunEndsWhenBrokerCloses(t *testing.T) {
	b := broker.NewMemory()
	h := New(b)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	<-h.Ready()
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

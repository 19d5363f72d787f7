package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/ir"
)

type recorder struct {
	name string
	mu   sync.Mutex
	got  []ir.Notification
}

func (r *recorder) Notify(n ir.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type hookLog struct {
	events []string
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnFirst: func(kp ir.KeyPath) { h.events = append(h.events, "first:"+kp.String()) },
		OnLast:  func(kp ir.KeyPath) { h.events = append(h.events, "last:"+kp.String()) },
	}
}

var zooAnimals = ir.KeyPath{"zoo", "123", "animals"}

func TestRegistry_FirstAndLastHooks(t *testing.T) {
	var h hookLog
	r := New(h.hooks())
	a, b := &recorder{name: "a"}, &recorder{name: "b"}

	r.Observe(zooAnimals, a)
	r.Observe(zooAnimals, b)
	assert.Equal(t, []string{"first:zoo/123/animals"}, h.events)
	assert.Equal(t, 2, r.Count(zooAnimals))

	assert.True(t, r.Unobserve(zooAnimals, a))
	assert.Equal(t, []string{"first:zoo/123/animals"}, h.events, "one observer left")

	assert.True(t, r.Unobserve(zooAnimals, b))
	assert.Equal(t, []string{"first:zoo/123/animals", "last:zoo/123/animals"}, h.events)
	assert.Empty(t, r.Keys(), "emptied entries are deleted")

	assert.False(t, r.Unobserve(zooAnimals, b))
}

func TestRegistry_DuplicateRegistrationCountsTwice(t *testing.T) {
	var h hookLog
	r := New(h.hooks())
	a := &recorder{}

	r.Observe(zooAnimals, a)
	r.Observe(zooAnimals, a)
	r.Unobserve(zooAnimals, a)
	assert.Equal(t, 1, r.Count(zooAnimals))

	r.Notify(ir.Notification{Kind: ir.KindAdd, KeyPath: zooAnimals})
	assert.Equal(t, 1, a.count())

	r.Unobserve(zooAnimals, a)
	assert.Len(t, h.events, 2)
}

func TestRegistry_NotifyScopedToKeyPath(t *testing.T) {
	r := New(Hooks{})
	a, b := &recorder{}, &recorder{}
	r.Observe(zooAnimals, a)
	r.Observe(ir.KeyPath{"animals", "a1"}, b)

	n := r.Notify(ir.Notification{Kind: ir.KindUpdate, KeyPath: ir.KeyPath{"animals", "a1"}, ID: "a1"})
	assert.Equal(t, 1, n)
	assert.Zero(t, a.count())
	require.Equal(t, 1, b.count())
	assert.Equal(t, "a1", b.got[0].ID)

	assert.Zero(t, r.Notify(ir.Notification{KeyPath: ir.KeyPath{"nobody"}}))
}

func TestRegistry_NotifyExcept(t *testing.T) {
	r := New(Hooks{})
	a, b := &recorder{name: "author"}, &recorder{name: "peer"}
	r.Observe(zooAnimals, a)
	r.Observe(zooAnimals, b)

	n := r.NotifyExcept(ir.Notification{KeyPath: zooAnimals}, func(o Observer) bool {
		return o.(*recorder).name == "author"
	})
	assert.Equal(t, 1, n)
	assert.Zero(t, a.count())
	assert.Equal(t, 1, b.count())
}

func TestRegistry_UnobserveAll(t *testing.T) {
	var h hookLog
	r := New(h.hooks())
	sock, other := &recorder{}, &recorder{}

	r.Observe(ir.KeyPath{"b"}, sock)
	r.Observe(ir.KeyPath{"a"}, sock)
	r.Observe(ir.KeyPath{"a"}, other)

	removed := r.UnobserveAll(sock)
	assert.Equal(t, []ir.KeyPath{{"a"}, {"b"}}, removed)
	assert.Equal(t, []string{"a"}, r.Keys())
	assert.Contains(t, h.events, "last:b")
	assert.NotContains(t, h.events, "last:a")
}

func TestRegistry_ConcurrentObserveNotify(t *testing.T) {
	r := New(Hooks{})
	const workers = 20

	var wg sync.WaitGroup
	recs := make([]*recorder, workers)
	for i := range recs {
		recs[i] = &recorder{}
	}
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Observe(zooAnimals, recs[i])
		}(i)
		go func() {
			defer wg.Done()
			r.Notify(ir.Notification{KeyPath: zooAnimals})
		}()
	}
	wg.Wait()
	assert.Equal(t, workers, r.Count(zooAnimals))
}

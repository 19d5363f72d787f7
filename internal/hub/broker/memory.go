package broker

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrClosed is returned by a closed broker.
var ErrClosed = errors.New("broker closed")

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

type memSub struct {
	ch   chan Message
	done <-chan struct{}
}

// Memory is an in-process broker. Publish blocks while a subscriber's buffer
// is full, so a slow subscriber slows publishers instead of losing messages.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub
	closed bool
	stop   chan struct{}
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memSub), stop: make(chan struct{})}
}

// Publish delivers payload to every current subscriber of channel.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	msg := Message{Channel: channel, Payload: slices.Clone(payload)}
	for _, s := range m.subs[channel] {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscriber for channels.
func (m *Memory) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	s := &memSub{ch: make(chan Message, subscriberBuffer), done: ctx.Done()}
	for _, c := range channels {
		m.subs[c] = append(m.subs[c], s)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-m.stop:
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, c := range channels {
			m.subs[c] = slices.DeleteFunc(m.subs[c], func(x *memSub) bool { return x == s })
			if len(m.subs[c]) == 0 {
				delete(m.subs, c)
			}
		}
		close(s.ch)
	}()
	return s.ch, nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	return nil
}

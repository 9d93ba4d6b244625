package queue

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"apqueue/internal/events"
)

type memKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	writes  int
	failPut bool
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}}
}

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) PutMany(entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("disk full")
	}
	for k, v := range entries {
		m.data[k] = append([]byte(nil), v...)
	}
	m.writes++
	return nil
}

func (m *memKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) (*Store, *memKV, *recorder) {
	t.Helper()
	kv := newMemKV()
	rec := &recorder{}
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(kv, rec, logger, WithClock(clock.Now)), kv, rec
}

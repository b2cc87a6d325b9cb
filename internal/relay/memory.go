package relay

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"dms-go/internal/wire"
)

// MemoryTransport serves mem://name relays from process memory. Every name
// is its own relay. Useful for testing and demos.
// This implementation is safe for concurrent use.
type MemoryTransport struct {
	mu     sync.RWMutex
	relays map[string]map[string]*wire.Event // name -> id -> event
	down   map[string]bool
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		relays: make(map[string]map[string]*wire.Event),
		down:   make(map[string]bool),
	}
}

// SetDown makes the named relay fail every call until set back.
func (m *MemoryTransport) SetDown(name string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[name] = down
}

// Put stores ev on the named relay without any checks, the way a
// misbehaving relay might.
func (m *MemoryTransport) Put(name string, ev *wire.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(name, ev)
}

// Len returns how many events the named relay holds.
func (m *MemoryTransport) Len(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays[name])
}

func (m *MemoryTransport) put(name string, ev *wire.Event) {
	events, ok := m.relays[name]
	if !ok {
		events = make(map[string]*wire.Event)
		m.relays[name] = events
	}
	events[ev.ID] = cloneEvent(ev)
}

func (m *MemoryTransport) Publish(ctx context.Context, u *url.URL, ev *wire.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down[u.Host] {
		return fmt.Errorf("relay %s is down", u.Host)
	}
	if ids := wire.DeletedIDs(ev); ids != nil {
		events := m.relays[u.Host]
		for _, id := range ids {
			if stored, ok := events[id]; ok && stored.PubKey == ev.PubKey {
				delete(events, id)
			}
		}
		return nil
	}
	m.put(u.Host, ev)
	return nil
}

func (m *MemoryTransport) Query(ctx context.Context, u *url.URL, f wire.Filter) ([]*wire.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.down[u.Host] {
		return nil, fmt.Errorf("relay %s is down", u.Host)
	}

	var out []*wire.Event
	for _, ev := range m.relays[u.Host] {
		if f.Matches(ev) {
			out = append(out, cloneEvent(ev))
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

func cloneEvent(ev *wire.Event) *wire.Event {
	c := *ev
	c.Tags = make([][]string, len(ev.Tags))
	for i, t := range ev.Tags {
		c.Tags[i] = append([]string(nil), t...)
	}
	return &c
}

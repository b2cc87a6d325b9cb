package testutil

import (
	"context"
	"fmt"
	"sync"

	"dms-go/internal/dms"
)

// RecordingSink collects deliveries. FailNext makes the next n calls fail.
type RecordingSink struct {
	mu         sync.Mutex
	deliveries []dms.Delivery
	failNext   int
}

var _ dms.DeliverySink = (*RecordingSink)(nil)

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// FailNext makes the next n deliveries fail.
func (s *RecordingSink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *RecordingSink) Deliver(_ context.Context, d dms.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("sink unavailable")
	}
	s.deliveries = append(s.deliveries, d)
	return nil
}

// Deliveries returns a copy of everything delivered so far.
func (s *RecordingSink) Deliveries() []dms.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dms.Delivery(nil), s.deliveries...)
}

// CountFor returns how many times switchID was delivered.
func (s *RecordingSink) CountFor(switchID string) int {
	n := 0
	for _, d := range s.Deliveries() {
		if d.SwitchID == switchID {
			n++
		}
	}
	return n
}

// RecordingNotifier collects reminders and trigger notices.
type RecordingNotifier struct {
	mu        sync.Mutex
	reminders []dms.Reminder
	notices   []dms.Notice
}

var _ dms.Notifier = (*RecordingNotifier)(nil)

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) Remind(_ context.Context, r dms.Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, r)
	return nil
}

func (n *RecordingNotifier) Triggered(_ context.Context, notice dms.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *RecordingNotifier) Reminders() []dms.Reminder {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dms.Reminder(nil), n.reminders...)
}

func (n *RecordingNotifier) Notices() []dms.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dms.Notice(nil), n.notices...)
}

// MapCache is a dms.PayloadCache backed by a map.
type MapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ dms.PayloadCache = (*MapCache)(nil)

func NewMapCache() *MapCache {
	return &MapCache{m: make(map[string][]byte)}
}

func (c *MapCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *MapCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
}

func (c *MapCache) Del(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

func (c *MapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

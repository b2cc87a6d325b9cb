// Package store replicates encrypted switch payloads across an account's
// relays and reads them back.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"dms-go/internal/dms"
	"dms-go/internal/wire"
)

// Config tunes the replicated store.
type Config struct {
	Quorum dms.Quorum
	// ReadDeadline bounds a whole Retrieve across every relay it tries.
	ReadDeadline time.Duration
	// MaxPayloadSize rejects larger payloads. Zero means unlimited.
	MaxPayloadSize int
}

// Replicated implements dms.ContentStore on top of a relay client. Writes
// go to every relay of the set at once; reads try relays one at a time.
type Replicated struct {
	client  dms.RelayClient
	signer  *wire.Signer
	clock   dms.Clock
	logger  dms.Logger
	cfg     Config
	tracker *tracker
}

var _ dms.ContentStore = (*Replicated)(nil)

// NewReplicated creates a store that signs records with signer and talks
// to relays through client. A zero ReadDeadline defaults to 30 seconds.
func NewReplicated(client dms.RelayClient, signer *wire.Signer, clock dms.Clock, logger dms.Logger, cfg Config) *Replicated {
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = 30 * time.Second
	}
	return &Replicated{
		client:  client,
		signer:  signer,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		tracker: newTracker(clock),
	}
}

// Store prepares payload and publishes it to relaySet.
func (s *Replicated) Store(ctx context.Context, payload []byte, relaySet []string) (dms.ContentRef, error) {
	p, err := s.Prepare(payload)
	if err != nil {
		return dms.ContentRef{}, err
	}
	return s.Publish(ctx, p, relaySet)
}

// Prepare signs one payload record. Every call yields a distinct event id,
// even for identical payloads.
func (s *Replicated) Prepare(payload []byte) (*dms.PreparedContent, error) {
	if s.cfg.MaxPayloadSize > 0 && len(payload) > s.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("payload of %s exceeds the %s limit",
			humanize.IBytes(uint64(len(payload))), humanize.IBytes(uint64(s.cfg.MaxPayloadSize)))
	}
	ev := wire.NewPayloadEvent(payload, s.clock.Now())
	if err := s.signer.Sign(ev); err != nil {
		return nil, err
	}
	return &dms.PreparedContent{Event: ev, ContentID: wire.ContentID(payload), Size: len(payload)}, nil
}

// Publish sends a prepared record to every relay in relaySet concurrently.
// It waits for every call to finish and fails with a *dms.QuorumError if
// fewer relays than the quorum acknowledged.
func (s *Replicated) Publish(ctx context.Context, p *dms.PreparedContent, relaySet []string) (dms.ContentRef, error) {
	if len(relaySet) == 0 {
		return dms.ContentRef{}, &dms.QuorumError{Required: 1}
	}
	ev := p.Event

	acks := make([]*dms.RelayAck, len(relaySet))
	var wg sync.WaitGroup
	for i, url := range relaySet {
		wg.Go(func() {
			start := time.Now()
			if err := s.client.Publish(ctx, url, ev); err != nil {
				s.logger.Warn("relay publish failed", "relay", url, "event", ev.ID, "error", err)
				return
			}
			s.tracker.success(url)
			acks[i] = &dms.RelayAck{URL: url, AckedAt: s.clock.Now(), Latency: time.Since(start)}
		})
	}
	wg.Wait()

	ref := dms.ContentRef{
		ContentID: p.ContentID,
		EventID:   ev.ID,
		RelaySet:  slices.Clone(relaySet),
		Size:      p.Size,
	}
	for _, a := range acks {
		if a != nil {
			ref.Acks = append(ref.Acks, *a)
		}
	}

	required := s.cfg.Quorum.Required(len(relaySet))
	if len(ref.Acks) < required {
		return dms.ContentRef{}, &dms.QuorumError{Acks: len(ref.Acks), Required: required, Relays: len(relaySet)}
	}

	s.logger.Debug("payload stored", "event", ev.ID, "acks", len(ref.Acks), "relays", len(relaySet))
	return ref, nil
}

// Retrieve fetches the payload of ref, trying relays in the order given by
// readOrder and stopping at the first one that returns the exact record.
// The whole call is bounded by the read deadline.
func (s *Replicated) Retrieve(ctx context.Context, ref dms.ContentRef) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadDeadline)
	defer cancel()

	filter := wire.Filter{IDs: []string{ref.EventID}, Kinds: []wire.Kind{wire.KindPayload}}

	var (
		lastErr error
		tried   int
	)
	for _, url := range s.readOrder(ref) {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		tried++

		rec, err := s.client.Fetch(ctx, url, filter)
		if err != nil {
			s.logger.Debug("relay fetch failed", "relay", url, "event", ref.EventID, "error", err)
			lastErr = err
			continue
		}
		pr, ok := rec.(*wire.PayloadRecord)
		if !ok || pr.Event().ID != ref.EventID || wire.ContentID(pr.Payload) != ref.ContentID {
			s.logger.Warn("relay returned mismatched content", "relay", url, "event", ref.EventID)
			lastErr = fmt.Errorf("%s returned mismatched content", url)
			continue
		}

		s.tracker.success(url)
		return pr.Payload, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no relays to try")
	}
	return nil, fmt.Errorf("%w: %s after trying %d of %d relays: %v",
		dms.ErrContentNotFound, ref.ContentID, tried, len(ref.RelaySet), lastErr)
}

// Delete publishes a signed deletion request for eventID to every relay in
// relaySet and returns how many accepted it. Relays that never held the
// record count as accepting.
func (s *Replicated) Delete(ctx context.Context, eventID string, relaySet []string) (int, error) {
	ev := wire.NewDeletionEvent(s.clock.Now(), eventID)
	if err := s.signer.Sign(ev); err != nil {
		return 0, err
	}

	var (
		mu       sync.Mutex
		accepted int
		wg       sync.WaitGroup
	)
	for _, url := range relaySet {
		wg.Go(func() {
			if err := s.client.Publish(ctx, url, ev); err != nil {
				s.logger.Warn("relay deletion failed", "relay", url, "event", eventID, "error", err)
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		})
	}
	wg.Wait()

	s.logger.Debug("payload deletion requested", "event", eventID, "accepted", accepted, "relays", len(relaySet))
	return accepted, nil
}

// readOrder puts relays that acknowledged the write first, most recently
// responsive first and then by ack latency, followed by the rest of the
// relay set in its original order.
func (s *Replicated) readOrder(ref dms.ContentRef) []string {
	acked := slices.Clone(ref.Acks)
	slices.SortStableFunc(acked, func(a, b dms.RelayAck) int {
		if c := s.tracker.last(b.URL).Compare(s.tracker.last(a.URL)); c != 0 {
			return c
		}
		return cmp.Compare(a.Latency, b.Latency)
	})

	order := make([]string, 0, len(ref.RelaySet))
	for _, a := range acked {
		if !slices.Contains(order, a.URL) {
			order = append(order, a.URL)
		}
	}
	for _, url := range ref.RelaySet {
		if !slices.Contains(order, url) {
			order = append(order, url)
		}
	}
	return order
}

// tracker remembers when each relay last answered successfully.
type tracker struct {
	clock dms.Clock
	mu    sync.Mutex
	seen  map[string]time.Time
}

func newTracker(clock dms.Clock) *tracker {
	return &tracker{clock: clock, seen: make(map[string]time.Time)}
}

func (t *tracker) success(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[url] = t.clock.Now()
}

func (t *tracker) last(url string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[url]
}

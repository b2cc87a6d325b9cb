package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"dms-go/internal/dms"
	"dms-go/internal/testutil"
	"dms-go/internal/wire"
)

func newTestStore(t *testing.T, client dms.RelayClient, cfg Config) *Replicated {
	t.Helper()

	signer, err := wire.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}
	return NewReplicated(client, signer, testutil.FixedClock(), dms.NewNopLogger(), cfg)
}

func TestReplicated_RoundTripWithBadRelays(t *testing.T) {
	ctx := context.Background()
	relays := []string{"mem://a", "mem://b", "mem://c", "mem://d", "mem://e"}
	client := testutil.NewFakeRelayClient()
	// Majority of five is three; two relays may be bad.
	client.Set("mem://a", testutil.RelayUnreachable)
	client.Set("mem://d", testutil.RelayUnreachable)
	s := newTestStore(t, client, Config{Quorum: dms.MajorityQuorum()})

	payload := []byte("age-encrypted letter")
	ref, err := s.Store(ctx, payload, relays)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if len(ref.Acks) != 3 {
		t.Errorf("len(Acks) = %d, want 3", len(ref.Acks))
	}
	if ref.ContentID != wire.ContentID(payload) {
		t.Errorf("ContentID = %q, want content address of payload", ref.ContentID)
	}
	if ref.Size != len(payload) {
		t.Errorf("Size = %d, want %d", ref.Size, len(payload))
	}
	if !slices.Equal(ref.RelaySet, relays) {
		t.Errorf("RelaySet = %v, want %v", ref.RelaySet, relays)
	}
	if ref.Acked("mem://a") || !ref.Acked("mem://b") {
		t.Errorf("Acks = %v, want b, c and e", ref.Acks)
	}

	got, err := s.Retrieve(ctx, ref)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Retrieve() = %q, want %q", got, payload)
	}
}

func TestReplicated_InsufficientQuorum(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		relays   []string
		down     []string
		quorum   string
		wantAcks int
		wantReq  int
	}{
		{"one of three acks", []string{"mem://a", "mem://b", "mem://c"}, []string{"mem://b", "mem://c"}, "majority", 1, 2},
		{"all required", []string{"mem://a", "mem://b"}, []string{"mem://b"}, "all", 1, 2},
		{"no relays", nil, nil, "majority", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewFakeRelayClient()
			for _, url := range tt.down {
				client.Set(url, testutil.RelayUnreachable)
			}
			q, err := dms.ParseQuorum(tt.quorum)
			if err != nil {
				t.Fatalf("ParseQuorum() error = %v", err)
			}
			s := newTestStore(t, client, Config{Quorum: q})

			_, err = s.Store(ctx, []byte("payload"), tt.relays)
			if !errors.Is(err, dms.ErrInsufficientQuorum) {
				t.Fatalf("Store() error = %v, want ErrInsufficientQuorum", err)
			}
			var qe *dms.QuorumError
			if !errors.As(err, &qe) {
				t.Fatalf("Store() error = %T, want *dms.QuorumError", err)
			}
			if qe.Acks != tt.wantAcks || qe.Required != tt.wantReq {
				t.Errorf("QuorumError = %+v, want acks %d required %d", qe, tt.wantAcks, tt.wantReq)
			}
		})
	}
}

func TestReplicated_MaxPayloadSize(t *testing.T) {
	client := testutil.NewFakeRelayClient()
	s := newTestStore(t, client, Config{MaxPayloadSize: 8})

	if _, err := s.Store(context.Background(), []byte("more than eight bytes"), []string{"mem://a"}); err == nil {
		t.Fatal("Store() expected error for oversized payload")
	}
	if len(client.Calls()) != 0 {
		t.Errorf("relays were called %d times for a rejected payload", len(client.Calls()))
	}
}

func TestReplicated_SkipsWrongContent(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeRelayClient()
	client.Set("mem://liar", testutil.RelayWrongContent)
	s := newTestStore(t, client, Config{Quorum: dms.MajorityQuorum()})

	ref, err := s.Store(ctx, []byte("the truth"), []string{"mem://liar", "mem://honest"})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := s.Retrieve(ctx, ref)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if string(got) != "the truth" {
		t.Errorf("Retrieve() = %q, want %q", got, "the truth")
	}
}

func TestReplicated_RetrieveFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no relay has it", func(t *testing.T) {
		client := testutil.NewFakeRelayClient()
		s := newTestStore(t, client, Config{})
		ref, err := s.Store(ctx, []byte("gone"), []string{"mem://a", "mem://b"})
		if err != nil {
			t.Fatalf("Store() error = %v", err)
		}
		client.Set("mem://a", testutil.RelayNotFound)
		client.Set("mem://b", testutil.RelayUnreachable)

		_, err = s.Retrieve(ctx, ref)
		if !errors.Is(err, dms.ErrContentNotFound) {
			t.Errorf("Retrieve() error = %v, want ErrContentNotFound", err)
		}
		if client.FetchCount() != 2 {
			t.Errorf("FetchCount() = %d, want 2", client.FetchCount())
		}
	})

	t.Run("read deadline bounds the whole retrieval", func(t *testing.T) {
		client := testutil.NewFakeRelayClient()
		s := newTestStore(t, client, Config{ReadDeadline: 50 * time.Millisecond})
		ref, err := s.Store(ctx, []byte("slow"), []string{"mem://a", "mem://b", "mem://c"})
		if err != nil {
			t.Fatalf("Store() error = %v", err)
		}
		for _, url := range ref.RelaySet {
			client.Set(url, testutil.RelayTimeout)
		}

		start := time.Now()
		_, err = s.Retrieve(ctx, ref)
		if !errors.Is(err, dms.ErrContentNotFound) {
			t.Errorf("Retrieve() error = %v, want ErrContentNotFound", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("Retrieve() took %v, want it bounded by the read deadline", elapsed)
		}
	})
}

func TestReplicated_ReadOrder(t *testing.T) {
	clock := testutil.FixedClock()
	s := NewReplicated(testutil.NewFakeRelayClient(), nil, clock, dms.NewNopLogger(), Config{})

	ref := dms.ContentRef{
		RelaySet: []string{"mem://a", "mem://b", "mem://c", "mem://d"},
		Acks: []dms.RelayAck{
			{URL: "mem://a", Latency: 50 * time.Millisecond},
			{URL: "mem://c", Latency: 10 * time.Millisecond},
		},
	}

	got := s.readOrder(ref)
	want := []string{"mem://c", "mem://a", "mem://b", "mem://d"}
	if !slices.Equal(got, want) {
		t.Errorf("readOrder() = %v, want %v", got, want)
	}

	// A relay that answered recently moves to the front of the acked group.
	clock.Advance(time.Minute)
	s.tracker.success("mem://a")
	got = s.readOrder(ref)
	want = []string{"mem://a", "mem://c", "mem://b", "mem://d"}
	if !slices.Equal(got, want) {
		t.Errorf("readOrder() after success = %v, want %v", got, want)
	}
}

func TestReplicated_TriesAckedRelaysFirst(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeRelayClient()
	client.Set("mem://a", testutil.RelayUnreachable)
	s := newTestStore(t, client, Config{})

	ref, err := s.Store(ctx, []byte("ordered"), []string{"mem://a", "mem://b", "mem://c"})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	client.Set("mem://a", testutil.RelayOK)

	if _, err := s.Retrieve(ctx, ref); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	var fetched []string
	for _, c := range client.Calls() {
		if c.Op == "fetch" {
			fetched = append(fetched, c.URL)
		}
	}
	if len(fetched) != 1 || fetched[0] == "mem://a" {
		t.Errorf("fetched = %v, want a single fetch from an acked relay", fetched)
	}
}

// addressableRelay keeps one event per address the way public relays do:
// a kind in 10000-19999 replaces the author's previous event of that kind,
// and a kind in 30000-39999 replaces the previous one with the same "d" tag.
type addressableRelay struct {
	mu     sync.Mutex
	events map[string]*wire.Event // id -> event
}

func newAddressableRelay() *addressableRelay {
	return &addressableRelay{events: make(map[string]*wire.Event)}
}

func (r *addressableRelay) sameAddress(a, b *wire.Event) bool {
	if a.Kind != b.Kind || a.PubKey != b.PubKey {
		return false
	}
	switch {
	case a.Kind >= 10000 && a.Kind < 20000:
		return true
	case a.Kind >= 30000 && a.Kind < 40000:
		return a.TagValue("d") == b.TagValue("d")
	}
	return false
}

func (r *addressableRelay) Publish(_ context.Context, _ string, ev *wire.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, stored := range r.events {
		if r.sameAddress(stored, ev) {
			delete(r.events, id)
		}
	}
	r.events[ev.ID] = ev
	return nil
}

func (r *addressableRelay) Fetch(_ context.Context, url string, filter wire.Filter) (wire.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if filter.Matches(ev) {
			return wire.Parse(ev)
		}
	}
	return nil, fmt.Errorf("%w: %s", dms.ErrRecordNotFound, url)
}

func TestReplicated_IdenticalPayloadsCoexist(t *testing.T) {
	ctx := context.Background()
	relays := []string{"wss://a", "wss://b", "wss://c"}
	s := newTestStore(t, newAddressableRelay(), Config{Quorum: dms.MajorityQuorum()})

	payload := []byte("same letter, two switches")
	first, err := s.Store(ctx, payload, relays)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	second, err := s.Store(ctx, payload, relays)
	if err != nil {
		t.Fatalf("Store() again error = %v", err)
	}
	if first.EventID == second.EventID {
		t.Fatalf("both stores produced event %s", first.EventID)
	}
	if first.ContentID != second.ContentID {
		t.Errorf("ContentID = %q and %q, want equal", first.ContentID, second.ContentID)
	}

	for name, ref := range map[string]dms.ContentRef{"first": first, "second": second} {
		got, err := s.Retrieve(ctx, ref)
		if err != nil {
			t.Fatalf("Retrieve(%s) error = %v", name, err)
		}
		if string(got) != string(payload) {
			t.Errorf("Retrieve(%s) = %q, want %q", name, got, payload)
		}
	}
}

func TestReplicated_PrepareThenPublish(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewFakeRelayClient()
	s := newTestStore(t, client, Config{Quorum: dms.MajorityQuorum()})

	p, err := s.Prepare([]byte("prepared"))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(client.Calls()) != 0 {
		t.Errorf("Prepare() made %d relay calls, want 0", len(client.Calls()))
	}
	if err := wire.Verify(p.Event); err != nil {
		t.Errorf("prepared event does not verify: %v", err)
	}

	ref, err := s.Publish(ctx, p, []string{"mem://a", "mem://b"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ref.EventID != p.Event.ID || ref.ContentID != p.ContentID || ref.Size != p.Size {
		t.Errorf("ref = %+v, want it to match the prepared record", ref)
	}
}

func TestReplicated_Delete(t *testing.T) {
	ctx := context.Background()
	relays := []string{"mem://a", "mem://b", "mem://c"}
	client := testutil.NewFakeRelayClient()
	s := newTestStore(t, client, Config{Quorum: dms.MajorityQuorum()})

	kept, err := s.Store(ctx, []byte("kept"), relays)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	dropped, err := s.Store(ctx, []byte("dropped"), relays)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	client.Set("mem://c", testutil.RelayUnreachable)
	accepted, err := s.Delete(ctx, dropped.EventID, relays)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if accepted != 2 {
		t.Errorf("Delete() accepted = %d, want 2", accepted)
	}

	for _, url := range []string{"mem://a", "mem://b"} {
		stored := client.Stored(url)
		if len(stored) != 1 || stored[0].ID != kept.EventID {
			t.Errorf("%s holds %d records, want only %s", url, len(stored), kept.EventID)
		}
	}
	if n := len(client.Stored("mem://c")); n != 2 {
		t.Errorf("unreachable relay holds %d records, want 2", n)
	}
}

package relay

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"dms-go/internal/dms"
	"dms-go/internal/wire"
)

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func mustSigner(t *testing.T) *wire.Signer {
	t.Helper()
	signer, err := wire.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}
	return signer
}

// signedPayload returns a payload event for payload signed by a fresh key.
func signedPayload(t *testing.T, payload string) *wire.Event {
	t.Helper()
	return signedBy(t, mustSigner(t), payload)
}

func signedBy(t *testing.T, signer *wire.Signer, payload string) *wire.Event {
	t.Helper()
	ev := wire.NewPayloadEvent([]byte(payload), t0)
	if err := signer.Sign(ev); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return ev
}

func byID(ev *wire.Event) wire.Filter {
	return wire.Filter{IDs: []string{ev.ID}, Kinds: []wire.Kind{wire.KindPayload}}
}

func newMemoryMux() (*Mux, *MemoryTransport) {
	mem := NewMemoryTransport()
	mux := NewMux(time.Second, nil)
	mux.Register(mem, "mem")
	return mux, mem
}

func TestMux_PublishAndFetch(t *testing.T) {
	ctx := context.Background()
	mux, _ := newMemoryMux()
	ev := signedPayload(t, "sealed letter")

	if err := mux.Publish(ctx, "mem://a", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	rec, err := mux.Fetch(ctx, "mem://a", byID(ev))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	payload, ok := rec.(*wire.PayloadRecord)
	if !ok {
		t.Fatalf("Fetch() = %T, want *wire.PayloadRecord", rec)
	}
	if string(payload.Payload) != "sealed letter" {
		t.Errorf("Payload = %q, want %q", payload.Payload, "sealed letter")
	}
	if payload.ContentID != wire.ContentID([]byte("sealed letter")) {
		t.Errorf("ContentID = %q, want content address", payload.ContentID)
	}
}

func TestMux_FetchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("record not found", func(t *testing.T) {
		mux, _ := newMemoryMux()
		ev := signedPayload(t, "x")

		_, err := mux.Fetch(ctx, "mem://a", byID(ev))
		if !errors.Is(err, dms.ErrRecordNotFound) {
			t.Errorf("Fetch() error = %v, want ErrRecordNotFound", err)
		}
	})

	t.Run("relay down is transient", func(t *testing.T) {
		mux, mem := newMemoryMux()
		mem.SetDown("a", true)
		ev := signedPayload(t, "x")

		if err := mux.Publish(ctx, "mem://a", ev); !errors.Is(err, dms.ErrTransientRelay) {
			t.Errorf("Publish() error = %v, want ErrTransientRelay", err)
		}
		if _, err := mux.Fetch(ctx, "mem://a", byID(ev)); !errors.Is(err, dms.ErrTransientRelay) {
			t.Errorf("Fetch() error = %v, want ErrTransientRelay", err)
		}
	})

	t.Run("tampered event is rejected", func(t *testing.T) {
		mux, mem := newMemoryMux()
		ev := signedPayload(t, "original")
		bad := *ev
		bad.Content = "dGFtcGVyZWQ=" // "tampered"
		mem.Put("a", &bad)

		_, err := mux.Fetch(ctx, "mem://a", byID(ev))
		if !errors.Is(err, wire.ErrInvalidEvent) {
			t.Errorf("Fetch() error = %v, want ErrInvalidEvent", err)
		}
	})

	t.Run("unknown scheme", func(t *testing.T) {
		mux, _ := newMemoryMux()
		ev := signedPayload(t, "x")

		err := mux.Publish(ctx, "gopher://a", ev)
		if err == nil {
			t.Fatal("Publish() expected error for unknown scheme")
		}
		if errors.Is(err, dms.ErrTransientRelay) {
			t.Errorf("Publish() error = %v, want a configuration error", err)
		}
	})
}

func TestMux_TimeoutBoundsCalls(t *testing.T) {
	mux := NewMux(20*time.Millisecond, nil)
	mux.Register(blockingTransport{}, "slow")
	ev := signedPayload(t, "x")

	start := time.Now()
	err := mux.Publish(context.Background(), "slow://a", ev)
	if !errors.Is(err, dms.ErrTransientRelay) {
		t.Errorf("Publish() error = %v, want ErrTransientRelay", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publish() took %v, want it bounded by the relay timeout", elapsed)
	}
}

type blockingTransport struct{}

func (blockingTransport) Publish(ctx context.Context, _ *url.URL, _ *wire.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingTransport) Query(ctx context.Context, _ *url.URL, _ wire.Filter) ([]*wire.Event, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type countingMetrics struct {
	dms.NopMetrics
	ok, failed int
}

func (m *countingMetrics) IncRelayCall(_ string, ok bool) {
	if ok {
		m.ok++
	} else {
		m.failed++
	}
}

func TestMux_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := &countingMetrics{}
	mem := NewMemoryTransport()
	mux := NewMux(time.Second, metrics)
	mux.Register(mem, "mem")
	mem.SetDown("b", true)
	ev := signedPayload(t, "x")

	_ = mux.Publish(ctx, "mem://a", ev)
	_ = mux.Publish(ctx, "mem://b", ev)

	if metrics.ok != 1 || metrics.failed != 1 {
		t.Errorf("metrics = %d ok / %d failed, want 1 / 1", metrics.ok, metrics.failed)
	}
}

func TestMux_PublishDeletion(t *testing.T) {
	ctx := context.Background()
	mux, mem := newMemoryMux()
	signer := mustSigner(t)

	mine := signedBy(t, signer, "mine")
	theirs := signedPayload(t, "theirs")
	for _, ev := range []*wire.Event{mine, theirs} {
		if err := mux.Publish(ctx, "mem://a", ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	del := wire.NewDeletionEvent(t0, mine.ID, theirs.ID)
	if err := signer.Sign(del); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := mux.Publish(ctx, "mem://a", del); err != nil {
		t.Fatalf("Publish(deletion) error = %v", err)
	}

	if got := mem.Len("a"); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	if _, err := mux.Fetch(ctx, "mem://a", byID(mine)); !errors.Is(err, dms.ErrRecordNotFound) {
		t.Errorf("Fetch(deleted) error = %v, want ErrRecordNotFound", err)
	}
	if _, err := mux.Fetch(ctx, "mem://a", byID(theirs)); err != nil {
		t.Errorf("Fetch(foreign) error = %v", err)
	}
}

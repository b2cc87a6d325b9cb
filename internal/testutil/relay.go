package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dms-go/internal/dms"
	"dms-go/internal/wire"
)

// Behaviour controls how a FakeRelayClient relay responds.
type Behaviour int

const (
	// RelayOK stores what is published and serves it back.
	RelayOK Behaviour = iota
	// RelayUnreachable fails every call with a transient error.
	RelayUnreachable
	// RelayTimeout blocks until the context is done.
	RelayTimeout
	// RelayWrongContent acknowledges writes but serves a different,
	// validly signed payload.
	RelayWrongContent
	// RelayNotFound acknowledges writes but never has the record.
	RelayNotFound
)

// RelayCall is one logged call to a FakeRelayClient.
type RelayCall struct {
	Op  string // "publish" or "fetch"
	URL string
}

// FakeRelayClient is an in-memory dms.RelayClient with per-URL behaviours.
// Safe for concurrent use.
type FakeRelayClient struct {
	mu         sync.Mutex
	behaviours map[string]Behaviour
	events     map[string]map[string]*wire.Event // url -> id -> event
	calls      []RelayCall
	signer     *wire.Signer
}

var _ dms.RelayClient = (*FakeRelayClient)(nil)

// NewFakeRelayClient creates a client where every relay behaves RelayOK
// unless configured otherwise.
func NewFakeRelayClient() *FakeRelayClient {
	signer, err := wire.GenerateSigner()
	if err != nil {
		panic(fmt.Sprintf("generating signer: %v", err))
	}
	return &FakeRelayClient{
		behaviours: make(map[string]Behaviour),
		events:     make(map[string]map[string]*wire.Event),
		signer:     signer,
	}
}

// Set changes how url behaves from now on.
func (f *FakeRelayClient) Set(url string, b Behaviour) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviours[url] = b
}

// Calls returns a copy of the call log.
func (f *FakeRelayClient) Calls() []RelayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RelayCall(nil), f.calls...)
}

// FetchCount returns how many fetches were made, across all relays.
func (f *FakeRelayClient) FetchCount() int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == "fetch" {
			n++
		}
	}
	return n
}

// Stored returns the events url holds.
func (f *FakeRelayClient) Stored(url string) []*wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wire.Event
	for _, ev := range f.events[url] {
		out = append(out, ev)
	}
	return out
}

func (f *FakeRelayClient) begin(op, url string) Behaviour {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, RelayCall{Op: op, URL: url})
	return f.behaviours[url]
}

func (f *FakeRelayClient) Publish(ctx context.Context, url string, ev *wire.Event) error {
	switch f.begin("publish", url) {
	case RelayUnreachable:
		return fmt.Errorf("%w: %s unreachable", dms.ErrTransientRelay, url)
	case RelayTimeout:
		<-ctx.Done()
		return fmt.Errorf("%w: %s: %v", dms.ErrTransientRelay, url, ctx.Err())
	case RelayWrongContent, RelayNotFound:
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if ids := wire.DeletedIDs(ev); ids != nil {
		for _, id := range ids {
			if stored, ok := f.events[url][id]; ok && stored.PubKey == ev.PubKey {
				delete(f.events[url], id)
			}
		}
		return nil
	}
	if f.events[url] == nil {
		f.events[url] = make(map[string]*wire.Event)
	}
	f.events[url][ev.ID] = ev
	return nil
}

func (f *FakeRelayClient) Fetch(ctx context.Context, url string, filter wire.Filter) (wire.Record, error) {
	switch f.begin("fetch", url) {
	case RelayUnreachable:
		return nil, fmt.Errorf("%w: %s unreachable", dms.ErrTransientRelay, url)
	case RelayTimeout:
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %s: %v", dms.ErrTransientRelay, url, ctx.Err())
	case RelayNotFound:
		return nil, fmt.Errorf("%w: %s", dms.ErrRecordNotFound, url)
	case RelayWrongContent:
		ev := wire.NewPayloadEvent([]byte("forged payload"), time.Unix(0, 0))
		if err := f.signer.Sign(ev); err != nil {
			return nil, err
		}
		return wire.Parse(ev)
	}

	f.mu.Lock()
	var match *wire.Event
	for _, ev := range f.events[url] {
		if filter.Matches(ev) {
			match = ev
			break
		}
	}
	f.mu.Unlock()

	if match == nil {
		return nil, fmt.Errorf("%w: %s", dms.ErrRecordNotFound, url)
	}
	return wire.Parse(match)
}

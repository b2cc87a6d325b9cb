// Package relay talks to the relays switch payloads are replicated on.
//
// Each relay URL scheme is served by one Transport; the Mux picks the
// transport from the scheme, bounds every call by the relay timeout, and
// verifies every event it hands back. Transports are raw: they move events
// and never judge them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"dms-go/internal/dms"
	"dms-go/internal/wire"
)

// Transport moves events to and from relays of one URL scheme.
type Transport interface {
	// Publish stores ev on the relay at u.
	Publish(ctx context.Context, u *url.URL, ev *wire.Event) error
	// Query returns the events matching f. An empty result is not an error.
	Query(ctx context.Context, u *url.URL, f wire.Filter) ([]*wire.Event, error)
}

// Mux implements dms.RelayClient over a set of transports keyed by scheme.
type Mux struct {
	transports map[string]Transport
	timeout    time.Duration
	metrics    dms.Metrics
	closers    []func() error
}

var _ dms.RelayClient = (*Mux)(nil)

// NewMux creates a Mux with no transports. timeout bounds every call; zero
// leaves the caller's deadline as the only bound.
func NewMux(timeout time.Duration, metrics dms.Metrics) *Mux {
	if metrics == nil {
		metrics = dms.NopMetrics{}
	}
	return &Mux{
		transports: make(map[string]Transport),
		timeout:    timeout,
		metrics:    metrics,
	}
}

// Register serves the given schemes with t. If t has a Close method it is
// called by Mux.Close.
func (m *Mux) Register(t Transport, schemes ...string) {
	for _, s := range schemes {
		m.transports[s] = t
	}
	if c, ok := t.(interface{ Close() error }); ok {
		m.closers = append(m.closers, c.Close)
	}
}

// Schemes lists the registered URL schemes.
func (m *Mux) Schemes() []string {
	out := make([]string, 0, len(m.transports))
	for s := range m.transports {
		out = append(out, s)
	}
	return out
}

// Close releases transport resources such as pooled connections.
func (m *Mux) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mux) resolve(relayURL string) (Transport, *url.URL, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing relay url %q: %w", relayURL, err)
	}
	t, ok := m.transports[u.Scheme]
	if !ok {
		return nil, nil, fmt.Errorf("no transport for relay scheme %q (%s)", u.Scheme, relayURL)
	}
	return t, u, nil
}

func (m *Mux) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Publish sends a signed event to one relay.
func (m *Mux) Publish(ctx context.Context, relayURL string, ev *wire.Event) error {
	t, u, err := m.resolve(relayURL)
	if err != nil {
		return err
	}
	ctx, cancel := m.bound(ctx)
	defer cancel()

	err = t.Publish(ctx, u, ev)
	m.metrics.IncRelayCall("publish", err == nil)
	if err != nil {
		return transient(relayURL, err)
	}
	return nil
}

// Fetch returns the first event on the relay that matches f and passes
// verification. Events that fail verification are skipped; if nothing
// verifies the result is dms.ErrRecordNotFound, or the verification error
// when every candidate was invalid.
func (m *Mux) Fetch(ctx context.Context, relayURL string, f wire.Filter) (wire.Record, error) {
	t, u, err := m.resolve(relayURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.bound(ctx)
	defer cancel()

	events, err := t.Query(ctx, u, f)
	m.metrics.IncRelayCall("fetch", err == nil)
	if err != nil {
		return nil, transient(relayURL, err)
	}

	var invalid error
	for _, ev := range events {
		if !f.Matches(ev) {
			continue
		}
		rec, err := wire.Parse(ev)
		if err != nil {
			invalid = err
			continue
		}
		return rec, nil
	}
	if invalid != nil {
		return nil, fmt.Errorf("%s: %w", relayURL, invalid)
	}
	return nil, fmt.Errorf("%w: %s", dms.ErrRecordNotFound, relayURL)
}

// transient marks a transport failure as retryable unless the transport
// already classified it.
func transient(relayURL string, err error) error {
	if errors.Is(err, dms.ErrTransientRelay) || errors.Is(err, dms.ErrRecordNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", dms.ErrTransientRelay, relayURL, err)
}

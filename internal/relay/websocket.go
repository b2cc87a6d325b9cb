package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"dms-go/internal/wire"
)

// maxFrameSize bounds a single relay message.
const maxFrameSize = 8 << 20

// WebSocketTransport serves ws:// and wss:// relays speaking the
// EVENT/OK and REQ/EVENT/EOSE/CLOSE message exchange. Connections are pooled
// per relay URL: a call takes one, and returns it only if the exchange
// completed cleanly.
type WebSocketTransport struct {
	maxIdle int

	mu     sync.Mutex
	idle   map[string][]*websocket.Conn
	closed bool
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a transport keeping at most maxIdle idle
// connections per relay.
func NewWebSocketTransport(maxIdle int) *WebSocketTransport {
	if maxIdle < 0 {
		maxIdle = 0
	}
	return &WebSocketTransport{maxIdle: maxIdle, idle: make(map[string][]*websocket.Conn)}
}

func (t *WebSocketTransport) acquire(ctx context.Context, u *url.URL) (*websocket.Conn, error) {
	key := u.String()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("websocket transport closed")
	}
	if conns := t.idle[key]; len(conns) > 0 {
		c := conns[len(conns)-1]
		t.idle[key] = conns[:len(conns)-1]
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	c, _, err := websocket.Dial(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", key, err)
	}
	c.SetReadLimit(maxFrameSize)
	return c, nil
}

// release returns a healthy connection to the pool and closes anything else.
func (t *WebSocketTransport) release(u *url.URL, c *websocket.Conn, healthy bool) {
	if !healthy {
		c.CloseNow()
		return
	}

	key := u.String()
	t.mu.Lock()
	if !t.closed && len(t.idle[key]) < t.maxIdle {
		t.idle[key] = append(t.idle[key], c)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	c.Close(websocket.StatusNormalClosure, "")
}

// Close closes every idle connection. In-flight calls close theirs on release.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	idle := t.idle
	t.idle = make(map[string][]*websocket.Conn)
	t.closed = true
	t.mu.Unlock()

	for _, conns := range idle {
		for _, c := range conns {
			c.Close(websocket.StatusGoingAway, "")
		}
	}
	return nil
}

func (t *WebSocketTransport) Publish(ctx context.Context, u *url.URL, ev *wire.Event) error {
	c, err := t.acquire(ctx, u)
	if err != nil {
		return err
	}
	healthy := false
	defer func() { t.release(u, c, healthy) }()

	if err := writeFrame(ctx, c, "EVENT", ev); err != nil {
		return err
	}
	for {
		frame, err := readFrame(ctx, c)
		if err != nil {
			return err
		}
		// ["OK", <id>, <accepted>, <message>]
		if frame.label != "OK" || len(frame.args) < 2 {
			continue
		}
		var id string
		var accepted bool
		if json.Unmarshal(frame.args[0], &id) != nil || id != ev.ID {
			continue
		}
		if err := json.Unmarshal(frame.args[1], &accepted); err != nil {
			return fmt.Errorf("malformed OK frame: %w", err)
		}
		healthy = true
		if !accepted {
			var msg string
			if len(frame.args) > 2 {
				_ = json.Unmarshal(frame.args[2], &msg)
			}
			return fmt.Errorf("relay rejected event %s: %s", ev.ID, msg)
		}
		return nil
	}
}

func (t *WebSocketTransport) Query(ctx context.Context, u *url.URL, f wire.Filter) ([]*wire.Event, error) {
	c, err := t.acquire(ctx, u)
	if err != nil {
		return nil, err
	}
	healthy := false
	defer func() { t.release(u, c, healthy) }()

	sub, err := subscriptionID()
	if err != nil {
		return nil, err
	}
	if err := writeFrame(ctx, c, "REQ", sub, f); err != nil {
		return nil, err
	}

	var out []*wire.Event
	for {
		frame, err := readFrame(ctx, c)
		if err != nil {
			return nil, err
		}
		if len(frame.args) == 0 {
			continue
		}
		var got string
		if json.Unmarshal(frame.args[0], &got) != nil || got != sub {
			continue
		}

		switch frame.label {
		case "EVENT":
			if len(frame.args) < 2 {
				continue
			}
			var ev wire.Event
			if err := json.Unmarshal(frame.args[1], &ev); err != nil {
				continue
			}
			out = append(out, &ev)
		case "EOSE":
			if err := writeFrame(ctx, c, "CLOSE", sub); err != nil {
				return out, nil
			}
			healthy = true
			return out, nil
		case "CLOSED":
			healthy = true
			return out, nil
		}
	}
}

type frame struct {
	label string
	args  []json.RawMessage
}

func writeFrame(ctx context.Context, c *websocket.Conn, label string, args ...any) error {
	data, err := json.Marshal(append([]any{label}, args...))
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", label, err)
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", label, err)
	}
	return nil
}

func readFrame(ctx context.Context, c *websocket.Conn) (frame, error) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return frame{}, fmt.Errorf("reading frame: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
			continue
		}
		var label string
		if err := json.Unmarshal(raw[0], &label); err != nil {
			continue
		}
		return frame{label: label, args: raw[1:]}, nil
	}
}

func subscriptionID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating subscription id: %w", err)
	}
	return "dms-" + hex.EncodeToString(b[:]), nil
}

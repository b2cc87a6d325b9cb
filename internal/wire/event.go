// Package wire defines the record format exchanged with relays and the
// checks every record must pass before the rest of the program sees it.
//
// A record is a signed event:
//
//	{id, pubkey, created_at, kind, tags, content, sig}
//
// The id is the SHA-256 of the canonical serialization
// [0, pubkey, created_at, kind, tags, content], so any relay returning a
// record under an id it does not hash to is detected immediately.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

// Kind tags what an event carries.
type Kind int

const (
	// KindDeletion asks relays to drop the events named in its "e" tags.
	// Relays only honour it for events signed by the same key.
	KindDeletion Kind = 5
	// KindPayload is a stored, encrypted switch payload. A regular kind:
	// relays keep every such event, so two identical payloads never
	// replace each other. Found by id, or by its "x" tag (the content id).
	KindPayload Kind = 4078
	// KindReminder is an ephemeral notice that a switch crossed a reminder stage.
	KindReminder Kind = 20078
	// KindTrigger is an ephemeral notice that a switch was triggered.
	KindTrigger Kind = 20079
)

// Tag names used by this program.
const (
	TagContentID = "x"
	TagEvent     = "e"
	TagNonce     = "nonce"
	TagSwitch    = "s"
	TagStage     = "stage"
)

// Event is a relay record as it appears on the wire.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      Kind       `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValue returns the first value of the named tag, or "".
func (e *Event) TagValue(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// Hash computes the canonical event hash the id must equal.
func (e *Event) Hash() ([32]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return [32]byte{}, fmt.Errorf("serializing event: %w", err)
	}

	// Encode appends a newline that is not part of the canonical form.
	return sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// ComputeID returns the hex id the event should carry.
func (e *Event) ComputeID() (string, error) {
	h, err := e.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// Filter selects events on a relay. Tags are keyed by tag name without the
// leading '#'.
type Filter struct {
	IDs   []string
	Kinds []Kind
	Tags  map[string][]string
	Limit int
}

// MarshalJSON renders the filter in relay query form, e.g.
// {"ids":[...],"kinds":[...],"#x":[...]}.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 4)
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// Matches reports whether ev satisfies the filter.
func (f Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for name, values := range f.Tags {
		matched := false
		for _, t := range ev.Tags {
			if len(t) >= 2 && t[0] == name && contains(values, t[1]) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package wire

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Record is a verified event decoded into the shape its kind promises.
// Exactly one of PayloadRecord, ReminderRecord, TriggerRecord or RawRecord.
type Record interface {
	Event() *Event
	isRecord()
}

// PayloadRecord carries an encrypted switch payload.
type PayloadRecord struct {
	ev        *Event
	ContentID string
	Payload   []byte
}

// ReminderRecord announces that a switch reached a reminder stage.
type ReminderRecord struct {
	ev       *Event
	SwitchID string
	Stage    string
}

// TriggerRecord announces that a switch was triggered.
type TriggerRecord struct {
	ev       *Event
	SwitchID string
}

// RawRecord is any other verified event.
type RawRecord struct {
	ev *Event
}

func (r *PayloadRecord) Event() *Event  { return r.ev }
func (r *ReminderRecord) Event() *Event { return r.ev }
func (r *TriggerRecord) Event() *Event  { return r.ev }
func (r *RawRecord) Event() *Event      { return r.ev }

func (*PayloadRecord) isRecord()  {}
func (*ReminderRecord) isRecord() {}
func (*TriggerRecord) isRecord()  {}
func (*RawRecord) isRecord()      {}

// ContentID returns the content address of a payload: hex BLAKE3-256.
func ContentID(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Parse verifies an event received from a relay and decodes it. It is the
// only way untrusted relay data enters the program.
func Parse(ev *Event) (Record, error) {
	if err := Verify(ev); err != nil {
		return nil, err
	}
	return decode(ev)
}

func decode(ev *Event) (Record, error) {
	switch ev.Kind {
	case KindPayload:
		cid := ev.TagValue(TagContentID)
		if cid == "" {
			return nil, fmt.Errorf("%w: payload event %s has no content id tag", ErrInvalidEvent, ev.ID)
		}
		payload, err := base64.StdEncoding.DecodeString(ev.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: payload event %s: %v", ErrInvalidEvent, ev.ID, err)
		}
		return &PayloadRecord{ev: ev, ContentID: cid, Payload: payload}, nil
	case KindReminder:
		sw := ev.TagValue(TagSwitch)
		stage := ev.TagValue(TagStage)
		if sw == "" || stage == "" {
			return nil, fmt.Errorf("%w: reminder event %s missing switch or stage", ErrInvalidEvent, ev.ID)
		}
		return &ReminderRecord{ev: ev, SwitchID: sw, Stage: stage}, nil
	case KindTrigger:
		sw := ev.TagValue(TagSwitch)
		if sw == "" {
			return nil, fmt.Errorf("%w: trigger event %s missing switch", ErrInvalidEvent, ev.ID)
		}
		return &TriggerRecord{ev: ev, SwitchID: sw}, nil
	default:
		return &RawRecord{ev: ev}, nil
	}
}

// NewPayloadEvent builds an unsigned payload event. A random nonce tag
// gives every call its own id, even for identical payloads.
func NewPayloadEvent(payload []byte, createdAt time.Time) *Event {
	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      KindPayload,
		Tags: [][]string{
			{TagContentID, ContentID(payload)},
			{TagNonce, rand.Text()},
		},
		Content: base64.StdEncoding.EncodeToString(payload),
	}
}

// NewReminderEvent builds an unsigned reminder notice.
func NewReminderEvent(switchID, stage string, createdAt time.Time) *Event {
	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      KindReminder,
		Tags:      [][]string{{TagSwitch, switchID}, {TagStage, stage}},
	}
}

// NewTriggerEvent builds an unsigned trigger notice.
func NewTriggerEvent(switchID string, createdAt time.Time) *Event {
	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      KindTrigger,
		Tags:      [][]string{{TagSwitch, switchID}},
	}
}

// NewDeletionEvent builds an unsigned request to drop the given events.
func NewDeletionEvent(createdAt time.Time, ids ...string) *Event {
	tags := make([][]string, 0, len(ids))
	for _, id := range ids {
		tags = append(tags, []string{TagEvent, id})
	}
	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      KindDeletion,
		Tags:      tags,
	}
}

// DeletedIDs returns the event ids a deletion event names, or nil for any
// other kind.
func DeletedIDs(ev *Event) []string {
	if ev.Kind != KindDeletion {
		return nil
	}
	var ids []string
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == TagEvent {
			ids = append(ids, t[1])
		}
	}
	return ids
}

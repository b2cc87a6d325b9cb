package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same event always
// produces the same bytes on disk.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes an event for object-store relays.
func MarshalCBOR(ev *Event) ([]byte, error) {
	data, err := encMode.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return data, nil
}

// UnmarshalCBOR decodes an event written by MarshalCBOR.
func UnmarshalCBOR(data []byte) (*Event, error) {
	var ev Event
	if err := cbor.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &ev, nil
}

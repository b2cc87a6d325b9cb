package wire

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ErrInvalidEvent is returned for events that fail structural, id, or
// signature checks.
var ErrInvalidEvent = errors.New("invalid event")

// Signer holds the secp256k1 key used to sign records published by this
// program. Safe for concurrent use.
type Signer struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewSigner creates a Signer from a 32-byte secret key.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(secret))
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	return newSigner(priv), nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return newSigner(priv), nil
}

func newSigner(priv *btcec.PrivateKey) *Signer {
	return &Signer{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// PubKey returns the x-only public key as hex.
func (s *Signer) PubKey() string { return s.pubHex }

// Secret returns the raw secret key bytes.
func (s *Signer) Secret() []byte { return s.priv.Serialize() }

// Sign sets the event's pubkey, id, and signature.
func (s *Signer) Sign(ev *Event) error {
	ev.PubKey = s.pubHex
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}
	h, err := ev.Hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.priv, h[:])
	if err != nil {
		return fmt.Errorf("signing event: %w", err)
	}
	ev.ID = hex.EncodeToString(h[:])
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the id is the canonical hash of the event and that the
// signature is valid for the embedded public key.
func Verify(ev *Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if len(ev.ID) != 64 || len(ev.PubKey) != 64 || len(ev.Sig) != 128 {
		return fmt.Errorf("%w: malformed id, pubkey or sig", ErrInvalidEvent)
	}

	h, err := ev.Hash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if hex.EncodeToString(h[:]) != ev.ID {
		return fmt.Errorf("%w: id does not match content", ErrInvalidEvent)
	}

	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrInvalidEvent, err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrInvalidEvent, err)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", ErrInvalidEvent, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", ErrInvalidEvent, err)
	}
	if !sig.Verify(h[:], pub) {
		return fmt.Errorf("%w: bad signature", ErrInvalidEvent)
	}
	return nil
}

// Copyright 2025 Certen Protocol
//
// Message Codec - byte-exact encode/decode for the three cross-chain
// wire messages. Pure, no I/O. Offsets and sizes come from the protocol's
// fixed wire-format table; all multi-byte integers are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Discriminator identifies the wire message type. It is always the first
// byte of an encoded message.
type Discriminator byte

const (
	DiscIntentRequirements  Discriminator = 0x01
	DiscEscrowConfirmation  Discriminator = 0x02
	DiscFulfillmentProof    Discriminator = 0x03
)

const (
	SizeIntentRequirements = 145
	SizeEscrowConfirmation = 137
	SizeFulfillmentProof   = 81
)

// ErrEmpty is returned by Peek on a zero-length input.
var ErrEmpty = errors.New("wire: empty payload")

// ErrUnknownDiscriminator is returned by Peek when the first byte does not
// name a known message type.
var ErrUnknownDiscriminator = errors.New("wire: unknown discriminator")

// LengthError reports a payload whose length does not match the fixed size
// for its discriminator.
type LengthError struct {
	Disc     Discriminator
	Got      int
	Expected int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("wire: bad length for discriminator 0x%02x: got %d, expected %d", byte(e.Disc), e.Got, e.Expected)
}

// DiscriminatorError reports a payload whose first byte did not match the
// discriminator the caller expected to decode.
type DiscriminatorError struct {
	Got      Discriminator
	Expected Discriminator
}

func (e *DiscriminatorError) Error() string {
	return fmt.Sprintf("wire: unexpected discriminator 0x%02x, expected 0x%02x", byte(e.Got), byte(e.Expected))
}

// Message is implemented by all three wire message types.
type Message interface {
	Discriminator() Discriminator
	Encode() []byte
}

// IntentRequirements — disc 0x01, 145 bytes.
// intent_id(1:32) requester(33:32) amount_required u64(65:8) token(73:32) solver(105:32) expiry u64(137:8)
type IntentRequirements struct {
	IntentID       [32]byte
	Requester      [32]byte
	AmountRequired uint64
	Token          [32]byte
	Solver         [32]byte
	Expiry         uint64
}

func (m *IntentRequirements) Discriminator() Discriminator { return DiscIntentRequirements }

func (m *IntentRequirements) Encode() []byte {
	b := make([]byte, SizeIntentRequirements)
	b[0] = byte(DiscIntentRequirements)
	copy(b[1:33], m.IntentID[:])
	copy(b[33:65], m.Requester[:])
	binary.BigEndian.PutUint64(b[65:73], m.AmountRequired)
	copy(b[73:105], m.Token[:])
	copy(b[105:137], m.Solver[:])
	binary.BigEndian.PutUint64(b[137:145], m.Expiry)
	return b
}

func decodeIntentRequirements(b []byte) (*IntentRequirements, error) {
	if len(b) != SizeIntentRequirements {
		return nil, &LengthError{Disc: DiscIntentRequirements, Got: len(b), Expected: SizeIntentRequirements}
	}
	if Discriminator(b[0]) != DiscIntentRequirements {
		return nil, &DiscriminatorError{Got: Discriminator(b[0]), Expected: DiscIntentRequirements}
	}
	m := &IntentRequirements{}
	copy(m.IntentID[:], b[1:33])
	copy(m.Requester[:], b[33:65])
	m.AmountRequired = binary.BigEndian.Uint64(b[65:73])
	copy(m.Token[:], b[73:105])
	copy(m.Solver[:], b[105:137])
	m.Expiry = binary.BigEndian.Uint64(b[137:145])
	return m, nil
}

// EscrowConfirmation — disc 0x02, 137 bytes.
// intent_id(1:32) escrow_id(33:32) amount_escrowed u64(65:8) token(73:32) creator(105:32)
type EscrowConfirmation struct {
	IntentID        [32]byte
	EscrowID        [32]byte
	AmountEscrowed  uint64
	Token           [32]byte
	Creator         [32]byte
}

func (m *EscrowConfirmation) Discriminator() Discriminator { return DiscEscrowConfirmation }

func (m *EscrowConfirmation) Encode() []byte {
	b := make([]byte, SizeEscrowConfirmation)
	b[0] = byte(DiscEscrowConfirmation)
	copy(b[1:33], m.IntentID[:])
	copy(b[33:65], m.EscrowID[:])
	binary.BigEndian.PutUint64(b[65:73], m.AmountEscrowed)
	copy(b[73:105], m.Token[:])
	copy(b[105:137], m.Creator[:])
	return b
}

func decodeEscrowConfirmation(b []byte) (*EscrowConfirmation, error) {
	if len(b) != SizeEscrowConfirmation {
		return nil, &LengthError{Disc: DiscEscrowConfirmation, Got: len(b), Expected: SizeEscrowConfirmation}
	}
	if Discriminator(b[0]) != DiscEscrowConfirmation {
		return nil, &DiscriminatorError{Got: Discriminator(b[0]), Expected: DiscEscrowConfirmation}
	}
	m := &EscrowConfirmation{}
	copy(m.IntentID[:], b[1:33])
	copy(m.EscrowID[:], b[33:65])
	m.AmountEscrowed = binary.BigEndian.Uint64(b[65:73])
	copy(m.Token[:], b[73:105])
	copy(m.Creator[:], b[105:137])
	return m, nil
}

// FulfillmentProof — disc 0x03, 81 bytes.
// intent_id(1:32) solver(33:32) amount_fulfilled u64(65:8) timestamp u64(73:8)
type FulfillmentProof struct {
	IntentID        [32]byte
	Solver          [32]byte
	AmountFulfilled uint64
	Timestamp       uint64
}

func (m *FulfillmentProof) Discriminator() Discriminator { return DiscFulfillmentProof }

func (m *FulfillmentProof) Encode() []byte {
	b := make([]byte, SizeFulfillmentProof)
	b[0] = byte(DiscFulfillmentProof)
	copy(b[1:33], m.IntentID[:])
	copy(b[33:65], m.Solver[:])
	binary.BigEndian.PutUint64(b[65:73], m.AmountFulfilled)
	binary.BigEndian.PutUint64(b[73:81], m.Timestamp)
	return b
}

func decodeFulfillmentProof(b []byte) (*FulfillmentProof, error) {
	if len(b) != SizeFulfillmentProof {
		return nil, &LengthError{Disc: DiscFulfillmentProof, Got: len(b), Expected: SizeFulfillmentProof}
	}
	if Discriminator(b[0]) != DiscFulfillmentProof {
		return nil, &DiscriminatorError{Got: Discriminator(b[0]), Expected: DiscFulfillmentProof}
	}
	m := &FulfillmentProof{}
	copy(m.IntentID[:], b[1:33])
	copy(m.Solver[:], b[33:65])
	m.AmountFulfilled = binary.BigEndian.Uint64(b[65:73])
	m.Timestamp = binary.BigEndian.Uint64(b[73:81])
	return m, nil
}

// Peek reads only the first byte of payload and reports its discriminator.
func Peek(payload []byte) (Discriminator, error) {
	if len(payload) == 0 {
		return 0, ErrEmpty
	}
	d := Discriminator(payload[0])
	switch d {
	case DiscIntentRequirements, DiscEscrowConfirmation, DiscFulfillmentProof:
		return d, nil
	default:
		return 0, ErrUnknownDiscriminator
	}
}

// Decode validates length against discriminator and parses fields.
// It never panics on malformed input.
func Decode(payload []byte) (Message, error) {
	disc, err := Peek(payload)
	if err != nil {
		return nil, err
	}
	switch disc {
	case DiscIntentRequirements:
		return decodeIntentRequirements(payload)
	case DiscEscrowConfirmation:
		return decodeEscrowConfirmation(payload)
	case DiscFulfillmentProof:
		return decodeFulfillmentProof(payload)
	default:
		return nil, ErrUnknownDiscriminator
	}
}

// IntentID extracts the intent_id field (bytes 1..33) common to all three
// message types, without fully decoding the payload. Used on the relay's
// hot path, which only needs the discriminator and intent id to build a
// dedup key.
func IntentID(payload []byte) ([32]byte, error) {
	var id [32]byte
	if len(payload) < 33 {
		return id, fmt.Errorf("wire: payload too short to contain intent_id: %d bytes", len(payload))
	}
	copy(id[:], payload[1:33])
	return id, nil
}

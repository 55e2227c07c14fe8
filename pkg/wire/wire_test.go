package wire

import (
	"bytes"
	"testing"
)

func fill32(b byte) [32]byte {
	var a [32]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func TestRoundTripIntentRequirements(t *testing.T) {
	m := &IntentRequirements{
		IntentID:       fill32(0xAA),
		Requester:      fill32(0x01),
		AmountRequired: 1_000_000,
		Token:          fill32(0x02),
		Solver:         fill32(0x03),
		Expiry:         1893456000,
	}
	enc := m.Encode()
	if len(enc) != SizeIntentRequirements {
		t.Fatalf("len(enc) = %d, want %d", len(enc), SizeIntentRequirements)
	}
	if enc[0] != byte(DiscIntentRequirements) {
		t.Errorf("enc[0] = %x, want %x", enc[0], byte(DiscIntentRequirements))
	}

	decAny, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	dec, ok := decAny.(*IntentRequirements)
	if !ok {
		t.Fatalf("Decode returned %T, want *IntentRequirements", decAny)
	}
	if *dec != *m {
		t.Errorf("dec = %+v, want %+v", dec, m)
	}
}

func TestRoundTripEscrowConfirmation(t *testing.T) {
	m := &EscrowConfirmation{
		IntentID:       fill32(0xBB),
		EscrowID:       fill32(0x10),
		AmountEscrowed: 42,
		Token:          fill32(0x20),
		Creator:        fill32(0x30),
	}
	enc := m.Encode()
	if len(enc) != SizeEscrowConfirmation {
		t.Fatalf("len(enc) = %d, want %d", len(enc), SizeEscrowConfirmation)
	}
	decAny, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	dec, ok := decAny.(*EscrowConfirmation)
	if !ok {
		t.Fatalf("Decode returned %T, want *EscrowConfirmation", decAny)
	}
	if *dec != *m {
		t.Errorf("dec = %+v, want %+v", dec, m)
	}
}

func TestRoundTripFulfillmentProof(t *testing.T) {
	m := &FulfillmentProof{
		IntentID:        fill32(0xCC),
		Solver:          fill32(0x40),
		AmountFulfilled: 7,
		Timestamp:       1234567,
	}
	enc := m.Encode()
	if len(enc) != SizeFulfillmentProof {
		t.Fatalf("len(enc) = %d, want %d", len(enc), SizeFulfillmentProof)
	}
	decAny, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	dec, ok := decAny.(*FulfillmentProof)
	if !ok {
		t.Fatalf("Decode returned %T, want *FulfillmentProof", decAny)
	}
	if *dec != *m {
		t.Errorf("dec = %+v, want %+v", dec, m)
	}
}

func TestDecodeLengthOffByOne(t *testing.T) {
	short := bytes.Repeat([]byte{0}, SizeIntentRequirements-1)
	short[0] = byte(DiscIntentRequirements)
	_, err := Decode(short)
	var lenErr *LengthError
	if !asLengthError(err, &lenErr) {
		t.Fatalf("Decode err = %v, want *LengthError", err)
	}
	if lenErr.Got != SizeIntentRequirements-1 {
		t.Errorf("lenErr.Got = %d, want %d", lenErr.Got, SizeIntentRequirements-1)
	}

	wrongDisc := bytes.Repeat([]byte{0}, SizeIntentRequirements)
	wrongDisc[0] = byte(DiscEscrowConfirmation)
	_, err = Decode(wrongDisc)
	if !asLengthError(err, &lenErr) {
		t.Fatalf("Decode err = %v, want *LengthError", err)
	}
}

func asLengthError(err error, target **LengthError) bool {
	le, ok := err.(*LengthError)
	if !ok {
		return false
	}
	*target = le
	return true
}

func TestPeekEmpty(t *testing.T) {
	_, err := Peek(nil)
	if err != ErrEmpty {
		t.Errorf("err = %v, want ErrEmpty", err)
	}
}

func TestPeekUnknown(t *testing.T) {
	_, err := Peek([]byte{0xFF})
	if err != ErrUnknownDiscriminator {
		t.Errorf("err = %v, want ErrUnknownDiscriminator", err)
	}
}

func TestPeekKnown(t *testing.T) {
	for _, d := range []Discriminator{DiscIntentRequirements, DiscEscrowConfirmation, DiscFulfillmentProof} {
		got, err := Peek([]byte{byte(d), 0, 0})
		if err != nil {
			t.Fatalf("Peek(%v): %v", d, err)
		}
		if got != d {
			t.Errorf("Peek(%v) = %v, want %v", d, got, d)
		}
	}
}

func TestIntentIDExtraction(t *testing.T) {
	m := &FulfillmentProof{IntentID: fill32(0xDD), Solver: fill32(1), AmountFulfilled: 1, Timestamp: 1}
	id, err := IntentID(m.Encode())
	if err != nil {
		t.Fatalf("IntentID: %v", err)
	}
	if id != m.IntentID {
		t.Errorf("id = %x, want %x", id, m.IntentID)
	}
}

func TestIntentIDTooShort(t *testing.T) {
	_, err := IntentID([]byte{0x01, 0x02})
	if err == nil {
		t.Errorf("expected an error for a too-short payload")
	}
}

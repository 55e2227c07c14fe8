// Copyright 2025 Certen Protocol
//
// Chain Adapter - typed read/write capability set over a single chain.
// One implementation per VM family (evm, move, svm); conversion to the
// common TypedEvent happens at the adapter boundary so family-specific
// types never leak into generic watcher/relay code.
//
package chainadapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ChainID identifies a chain within the deployment.
type ChainID uint32

// Family identifies the VM family a chain belongs to.
type Family string

const (
	FamilyHubMove       Family = "hub_move"
	FamilyConnectedMove Family = "connected_move"
	FamilyEvm           Family = "evm"
	FamilySvm           Family = "svm"
)

func (f Family) Valid() bool {
	switch f {
	case FamilyHubMove, FamilyConnectedMove, FamilyEvm, FamilySvm:
		return true
	default:
		return false
	}
}

// RemoteAddress is an opaque 32-byte endpoint identifier. Native 20-byte EVM
// addresses are left-padded with twelve zero bytes; 32-byte Solana pubkeys
// and Move account addresses are used directly.
type RemoteAddress [32]byte

func (r RemoteAddress) String() string {
	return fmt.Sprintf("%x", r[:])
}

// EndpointID uniquely names an on-chain endpoint.
type EndpointID struct {
	Chain   ChainID
	Address RemoteAddress
}

// EventKind enumerates the logical event types the adapter boundary
// normalizes family-specific events into.
type EventKind string

const (
	EventMessageSent                 EventKind = "MessageSent"
	EventMessageDelivered             EventKind = "MessageDelivered"
	EventIntentRequirementsReceived   EventKind = "IntentRequirementsReceived"
	EventEscrowCreated                EventKind = "EscrowCreated"
	EventEscrowReleased               EventKind = "EscrowReleased"
	EventIntentCreated                EventKind = "IntentCreated"
	EventIntentFulfilled               EventKind = "IntentFulfilled"
	EventIntentCancelled               EventKind = "IntentCancelled"
)

// FlowDirection distinguishes an Intent created to pull liquidity onto the
// hub (Inflow) from one created to push liquidity out to a connected chain
// (Outflow); mirrors projection.Flow at the adapter boundary so a decoded
// IntentCreated event can carry it natively instead of round-tripping
// through a cross-chain wire payload.
type FlowDirection string

const (
	FlowInflow  FlowDirection = "inflow"
	FlowOutflow FlowDirection = "outflow"
)

// EventPosition totally orders events within a single chain.
type EventPosition struct {
	Block    uint64
	TxIndex  uint32
	LogIndex uint32
}

// Less reports whether p sorts strictly before o.
func (p EventPosition) Less(o EventPosition) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	if p.TxIndex != o.TxIndex {
		return p.TxIndex < o.TxIndex
	}
	return p.LogIndex < o.LogIndex
}

// TypedEvent is the common representation every adapter normalizes its
// family-specific log/event/transaction data into.
type TypedEvent struct {
	Kind     EventKind
	Chain    ChainID
	Position EventPosition

	// MessageSent fields.
	SrcAddr RemoteAddress
	DstChain ChainID
	DstAddr RemoteAddress
	Payload []byte
	Nonce   uint64

	// IntentID correlates coordinator-observed application events; empty
	// for raw MessageSent/MessageDelivered events (callers derive it from
	// Payload via wire.IntentID).
	IntentID [32]byte

	// IntentCreated fields, populated only for EventIntentCreated. These are
	// native to the hub chain's own event log, not decoded from a
	// cross-chain wire payload: an IntentCreated log never leaves the hub,
	// so there is no wire message to decode it from.
	Flow            FlowDirection
	RequestedAmount uint64
	RequestedToken  [32]byte
	DesiredAmount   uint64
	DesiredToken    [32]byte
	ConnectedChain  ChainID
	Solver          [32]byte
	Requester       [32]byte
	Expiry          uint64

	// EscrowCreated fields, populated only for EventEscrowCreated.
	EscrowAmount  uint64
	EscrowToken   [32]byte
	EscrowCreator [32]byte

	// Raw carries family-specific auxiliary data for debugging/alarms
	// (tx hash, signature, version) without typing it into generic code.
	RawRef string
}

// EventKey fingerprints an event's identity (not just its position) so a
// watcher can detect a chain having rewritten history beneath an
// already-recorded cursor: re-fetching the block at a recorded position and
// hashing what comes back lets a re-org that swapped in a different event at
// the same (block, tx_index, log_index) be distinguished from "nothing
// changed".
func EventKey(ev TypedEvent) []byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(ev.Chain))
	h.Write(buf[:4])
	h.Write([]byte(ev.Kind))
	binary.BigEndian.PutUint64(buf[:], ev.Position.Block)
	h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], ev.Position.TxIndex)
	h.Write(buf[:4])
	binary.BigEndian.PutUint32(buf[:4], ev.Position.LogIndex)
	h.Write(buf[:4])
	h.Write(ev.SrcAddr[:])
	binary.BigEndian.PutUint32(buf[:4], uint32(ev.DstChain))
	h.Write(buf[:4])
	h.Write(ev.DstAddr[:])
	h.Write(ev.Payload)
	binary.BigEndian.PutUint64(buf[:], ev.Nonce)
	h.Write(buf[:])
	h.Write(ev.IntentID[:])
	h.Write([]byte(ev.Flow))
	binary.BigEndian.PutUint64(buf[:], ev.RequestedAmount)
	h.Write(buf[:])
	h.Write(ev.RequestedToken[:])
	binary.BigEndian.PutUint64(buf[:], ev.DesiredAmount)
	h.Write(buf[:])
	h.Write(ev.DesiredToken[:])
	binary.BigEndian.PutUint32(buf[:4], uint32(ev.ConnectedChain))
	h.Write(buf[:4])
	h.Write(ev.Solver[:])
	h.Write(ev.Requester[:])
	binary.BigEndian.PutUint64(buf[:], ev.Expiry)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], ev.EscrowAmount)
	h.Write(buf[:])
	h.Write(ev.EscrowToken[:])
	h.Write(ev.EscrowCreator[:])
	return h.Sum(nil)
}

// BatchKey fingerprints every event in events whose Position.Block equals
// block (events is assumed pre-sorted by PollEvents' ordering contract),
// letting a watcher compare what a block contained when last scanned
// against what it contains now. An empty result (no events at that block,
// either time) fingerprints consistently.
func BatchKey(events []TypedEvent, block uint64) []byte {
	h := sha256.New()
	for _, ev := range events {
		if ev.Position.Block != block {
			continue
		}
		h.Write(EventKey(ev))
	}
	return h.Sum(nil)
}

// RejectReason enumerates the permanent reasons a destination can refuse a
// delivery.
type RejectReason string

const (
	ReasonAlreadyDelivered RejectReason = "already_delivered"
	ReasonUntrustedRemote  RejectReason = "untrusted_remote"
	ReasonUnknownChain     RejectReason = "unknown_chain"
)

// DeliveryOutcome is the result of a Deliver call.
type DeliveryOutcome struct {
	Included     bool
	TxID         string
	RejectedKnown bool
	Reason       RejectReason
	RejectedUnknownDetail string
	Transport    bool
}

// TrustHint carries the caller's best-known allowlist snapshot so an adapter
// MAY short-circuit a delivery that is locally known to be untrusted before
// spending a round trip; the destination contract remains authoritative.
type TrustHint struct {
	Allowed bool
}

// Adapter is the capability set every chain-family implementation exposes.
// Implementations MUST be safe for concurrent use by multiple watcher/worker
// goroutines.
type Adapter interface {
	Chain() ChainID
	Family() Family

	// Tip returns the current confirmed/finalized height, per the family's
	// own definition of confirmation (finalized tag on EVM, confirmed
	// commitment on Solana, latest committed version on Move).
	Tip(ctx context.Context) (uint64, error)

	// PollEvents returns events in (block, tx_index, log_index) order (or
	// the family analog) for the inclusive block range, restricted to the
	// requested kinds.
	PollEvents(ctx context.Context, fromBlock, toBlock uint64, kinds []EventKind) ([]TypedEvent, error)

	// Deliver submits a transaction calling the destination's
	// deliverMessage entrypoint.
	Deliver(ctx context.Context, dstAddr RemoteAddress, payload []byte, nonce uint64, hint TrustHint) (DeliveryOutcome, error)

	// ViewTrustedRemotes reads the destination's admissible (src_chain,
	// src_addr) allowlist for the given source chain, directly from the
	// contract's view interface.
	ViewTrustedRemotes(ctx context.Context, srcChain ChainID) ([]RemoteAddress, error)

	// MaxWindow is the configured clamp on (toBlock - fromBlock) for this
	// family, to avoid provider rate limits.
	MaxWindow() uint64
}

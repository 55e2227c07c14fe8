// Copyright 2025 Certen Protocol
//
// Projection entities are the coordinator's derived state, correlated by
// intent_id: the hub-side Intent record, the connected-chain Escrow
// record, and the ReadyOnConnected marker linking the two.
package projection

import (
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
)

// Flow distinguishes which direction value moves relative to the hub.
type Flow string

const (
	FlowInflow  Flow = "inflow"
	FlowOutflow Flow = "outflow"
)

// HubState is the Intent state machine: Created -> Active -> (Fulfilled | Cancelled | Expired).
type HubState string

const (
	HubCreated   HubState = "Created"
	HubActive    HubState = "Active"
	HubFulfilled HubState = "Fulfilled"
	HubCancelled HubState = "Cancelled"
	HubExpired   HubState = "Expired"
)

// EscrowState is the Escrow state machine: RequirementsDelivered -> Created -> (Released | Cancelled).
type EscrowState string

const (
	EscrowRequirementsDelivered EscrowState = "RequirementsDelivered"
	EscrowCreated               EscrowState = "Created"
	EscrowReleased              EscrowState = "Released"
	EscrowCancelled             EscrowState = "Cancelled"
)

// Intent is the hub-side lifecycle record for one intent_id.
type Intent struct {
	IntentID        [32]byte
	Flow            Flow
	HubState        HubState
	RequestedAmount uint64
	RequestedToken  [32]byte
	DesiredAmount   uint64
	DesiredToken    [32]byte
	HubChain        chainadapter.ChainID
	ConnectedChain  chainadapter.ChainID
	Solver          [32]byte
	Requester       [32]byte
	Expiry          time.Time
	CreatedAt       time.Time

	// Anomalous marks an intent whose observed event sequence violated a
	// projection invariant; it is written anyway (the contract is
	// authoritative) but excluded from ready_on_connected until an
	// operator clears it.
	Anomalous bool
}

// Escrow is the connected-chain lifecycle record for one intent_id.
type Escrow struct {
	IntentID     [32]byte
	EscrowState  EscrowState
	EscrowChain  chainadapter.ChainID
	Amount       uint64
	Token        [32]byte
	Creator      [32]byte
	CreatedAt    time.Time
}

// ReadyOnConnected is set the first time an IntentRequirementsReceived
// event is observed on the connected chain for intent_id. It is never
// retracted once set.
type ReadyOnConnected struct {
	IntentID    [32]byte
	ReadyAtBlock uint64
	ReadyAt     time.Time
}

// Snapshot is the consistent, latest view of one intent_id's correlated
// state, as returned by GET /intents/:intent_id.
type Snapshot struct {
	IntentID             [32]byte
	Intent               *Intent
	Escrow               *Escrow
	ReadyOnConnectedChain bool
	ReadyAtBlock         uint64
}

// UpdateKind enumerates the kinds of append-only log entries GET /events
// replays.
type UpdateKind string

const (
	UpdateIntentUpserted    UpdateKind = "intent_upserted"
	UpdateReadyOnConnected  UpdateKind = "ready_on_connected"
	UpdateEscrowTransitioned UpdateKind = "escrow_transitioned"
	UpdateIntentTransitioned UpdateKind = "intent_transitioned"
)

// Update is one entry in the append-only version log, the unit GET
// /events streams.
type Update struct {
	Seq      uint64
	IntentID [32]byte
	Kind     UpdateKind
	At       time.Time
}

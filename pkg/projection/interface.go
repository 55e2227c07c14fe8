// Copyright 2025 Certen Protocol
package projection

// ProjectionStore is the capability the coordinator core depends on;
// satisfied by both the embedded-KV Store and pgstore.Store. The
// coordinator is written against this interface so the backend is a
// configuration choice, not a code fork.
type ProjectionStore interface {
	UpsertIntentCreated(intent Intent) error
	MarkReadyOnConnected(intentID [32]byte, readyAtBlock uint64) error
	TransitionEscrowCreated(e Escrow) error
	TransitionEscrowState(intentID [32]byte, next EscrowState) error
	TransitionIntentState(intentID [32]byte, next HubState) error
	GetSnapshot(intentID [32]byte) (Snapshot, bool, error)
	ListEventsSince(since uint64, limit int) ([]Update, uint64, error)
}

var (
	_ ProjectionStore = (*Store)(nil)
)

// Copyright 2025 Certen Protocol
//
// Postgres-backed Event Projection Store - a remote-store alternative to
// the embedded-KV Store, using row-level locking for per-intent_id
// linearizable compare-and-swap-style updates within a transaction.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/intentbridge/core/pkg/projection"
)

// Store is a Postgres-backed implementation of projection.ProjectionStore.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Config configures the Postgres connection pool.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// New opens a connection pool and verifies connectivity before returning,
// then ensures the schema exists.
func New(cfg Config) (*Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("pgstore: database URL cannot be empty")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{db: db, logger: log.New(log.Writer(), "[Projection/pg] ", log.LstdFlags)}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Printf("connected to projection database (max_conns=%d)", cfg.MaxOpenConns)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS intents (
			intent_id TEXT PRIMARY KEY,
			flow TEXT NOT NULL,
			hub_state TEXT NOT NULL,
			requested_amount BIGINT NOT NULL,
			requested_token TEXT NOT NULL,
			desired_amount BIGINT NOT NULL,
			desired_token TEXT NOT NULL,
			hub_chain INTEGER NOT NULL,
			connected_chain INTEGER NOT NULL,
			solver TEXT NOT NULL,
			requester TEXT NOT NULL,
			expiry TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			anomalous BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS escrows (
			intent_id TEXT PRIMARY KEY REFERENCES intents(intent_id),
			escrow_state TEXT NOT NULL,
			escrow_chain INTEGER NOT NULL,
			amount BIGINT NOT NULL,
			token TEXT NOT NULL,
			creator TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ready_on_connected (
			intent_id TEXT PRIMARY KEY,
			ready_at_block BIGINT NOT NULL,
			ready_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			seq BIGSERIAL PRIMARY KEY,
			intent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: ensure schema: %w", err)
		}
	}
	return nil
}

func hexID(id [32]byte) string { return hex.EncodeToString(id[:]) }

func unhexID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("pgstore: malformed intent_id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

func (s *Store) appendUpdate(ctx context.Context, tx *sql.Tx, intentID [32]byte, kind projection.UpdateKind) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO event_log (intent_id, kind) VALUES ($1, $2)`, hexID(intentID), string(kind))
	if err != nil {
		return fmt.Errorf("pgstore: append event log: %w", err)
	}
	return nil
}

func (s *Store) UpsertIntentCreated(intent projection.Intent) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intents (intent_id, flow, hub_state, requested_amount, requested_token,
			desired_amount, desired_token, hub_chain, connected_chain, solver, requester, expiry)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (intent_id) DO UPDATE SET hub_state = EXCLUDED.hub_state`,
		hexID(intent.IntentID), string(intent.Flow), string(projection.HubActive),
		intent.RequestedAmount, hexID(intent.RequestedToken),
		intent.DesiredAmount, hexID(intent.DesiredToken),
		intent.HubChain, intent.ConnectedChain,
		hexID(intent.Solver), hexID(intent.Requester), nullableTime(intent.Expiry),
	)
	if err != nil {
		return fmt.Errorf("pgstore: upsert intent: %w", err)
	}
	if err := s.appendUpdate(ctx, tx, intent.IntentID, projection.UpdateIntentUpserted); err != nil {
		return err
	}
	return tx.Commit()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *Store) MarkReadyOnConnected(intentID [32]byte, readyAtBlock uint64) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ready_on_connected (intent_id, ready_at_block) VALUES ($1, $2)
		ON CONFLICT (intent_id) DO NOTHING`, hexID(intentID), readyAtBlock)
	if err != nil {
		return fmt.Errorf("pgstore: insert ready_on_connected: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit() // already set, first observation wins
	}
	if err := s.appendUpdate(ctx, tx, intentID, projection.UpdateReadyOnConnected); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) TransitionEscrowCreated(e projection.Escrow) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	var readyExists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ready_on_connected WHERE intent_id = $1)`, hexID(e.IntentID)).Scan(&readyExists); err != nil {
		return fmt.Errorf("pgstore: check ready_on_connected: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (intent_id, escrow_state, escrow_chain, amount, token, creator)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (intent_id) DO UPDATE SET escrow_state = EXCLUDED.escrow_state`,
		hexID(e.IntentID), string(projection.EscrowCreated), e.EscrowChain, e.Amount, hexID(e.Token), hexID(e.Creator),
	)
	if err != nil {
		return fmt.Errorf("pgstore: upsert escrow: %w", err)
	}

	if !readyExists {
		if _, err := tx.ExecContext(ctx, `UPDATE intents SET anomalous = true WHERE intent_id = $1`, hexID(e.IntentID)); err != nil {
			return fmt.Errorf("pgstore: flag anomalous: %w", err)
		}
	}

	if err := s.appendUpdate(ctx, tx, e.IntentID, projection.UpdateEscrowTransitioned); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) TransitionEscrowState(intentID [32]byte, next projection.EscrowState) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (intent_id, escrow_state, escrow_chain, amount, token, creator)
		VALUES ($1, $2, 0, 0, '', '')
		ON CONFLICT (intent_id) DO UPDATE SET escrow_state = EXCLUDED.escrow_state`,
		hexID(intentID), string(next))
	if err != nil {
		return fmt.Errorf("pgstore: transition escrow: %w", err)
	}
	if err := s.appendUpdate(ctx, tx, intentID, projection.UpdateEscrowTransitioned); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) TransitionIntentState(intentID [32]byte, next projection.HubState) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE intents SET hub_state = $2 WHERE intent_id = $1`, hexID(intentID), string(next))
	if err != nil {
		return fmt.Errorf("pgstore: transition intent: %w", err)
	}
	if err := s.appendUpdate(ctx, tx, intentID, projection.UpdateIntentTransitioned); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetSnapshot(intentID [32]byte) (projection.Snapshot, bool, error) {
	ctx := context.Background()
	snap := projection.Snapshot{IntentID: intentID}
	found := false

	var intent projection.Intent
	var flow, hubState, reqToken, desToken, solver, requester string
	var expiry sql.NullTime
	var anomalous bool
	err := s.db.QueryRowContext(ctx, `
		SELECT flow, hub_state, requested_amount, requested_token, desired_amount, desired_token,
			hub_chain, connected_chain, solver, requester, expiry, anomalous
		FROM intents WHERE intent_id = $1`, hexID(intentID)).Scan(
		&flow, &hubState, &intent.RequestedAmount, &reqToken, &intent.DesiredAmount, &desToken,
		&intent.HubChain, &intent.ConnectedChain, &solver, &requester, &expiry, &anomalous,
	)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return projection.Snapshot{}, false, fmt.Errorf("pgstore: get intent: %w", err)
	default:
		found = true
		intent.IntentID = intentID
		intent.Flow = projection.Flow(flow)
		intent.HubState = projection.HubState(hubState)
		intent.Anomalous = anomalous
		if t, e := unhexID(reqToken); e == nil {
			intent.RequestedToken = t
		}
		if t, e := unhexID(desToken); e == nil {
			intent.DesiredToken = t
		}
		if t, e := unhexID(solver); e == nil {
			intent.Solver = t
		}
		if t, e := unhexID(requester); e == nil {
			intent.Requester = t
		}
		if expiry.Valid {
			intent.Expiry = expiry.Time
			if !isTerminal(intent.HubState) && time.Now().After(intent.Expiry) {
				intent.HubState = projection.HubExpired
			}
		}
		snap.Intent = &intent
	}

	var escrow projection.Escrow
	var escrowState, token, creator string
	err = s.db.QueryRowContext(ctx, `
		SELECT escrow_state, escrow_chain, amount, token, creator FROM escrows WHERE intent_id = $1`,
		hexID(intentID)).Scan(&escrowState, &escrow.EscrowChain, &escrow.Amount, &token, &creator)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return projection.Snapshot{}, false, fmt.Errorf("pgstore: get escrow: %w", err)
	default:
		found = true
		escrow.IntentID = intentID
		escrow.EscrowState = projection.EscrowState(escrowState)
		if t, e := unhexID(token); e == nil {
			escrow.Token = t
		}
		if t, e := unhexID(creator); e == nil {
			escrow.Creator = t
		}
		snap.Escrow = &escrow
	}

	var readyAtBlock uint64
	err = s.db.QueryRowContext(ctx, `SELECT ready_at_block FROM ready_on_connected WHERE intent_id = $1`, hexID(intentID)).Scan(&readyAtBlock)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return projection.Snapshot{}, false, fmt.Errorf("pgstore: get ready_on_connected: %w", err)
	default:
		found = true
		if snap.Intent == nil || !snap.Intent.Anomalous {
			snap.ReadyOnConnectedChain = true
			snap.ReadyAtBlock = readyAtBlock
		}
	}

	return snap, found, nil
}

func isTerminal(s projection.HubState) bool {
	return s == projection.HubFulfilled || s == projection.HubCancelled || s == projection.HubExpired
}

func (s *Store) ListEventsSince(since uint64, limit int) ([]projection.Update, uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, intent_id, kind, at FROM event_log WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("pgstore: list events: %w", err)
	}
	defer rows.Close()

	var out []projection.Update
	next := since
	for rows.Next() {
		var u projection.Update
		var intentIDHex, kind string
		if err := rows.Scan(&u.Seq, &intentIDHex, &kind, &u.At); err != nil {
			return nil, since, fmt.Errorf("pgstore: scan event: %w", err)
		}
		id, err := unhexID(intentIDHex)
		if err != nil {
			return nil, since, err
		}
		u.IntentID = id
		u.Kind = projection.UpdateKind(kind)
		out = append(out, u)
		next = u.Seq
	}
	return out, next, rows.Err()
}

var _ projection.ProjectionStore = (*Store)(nil)

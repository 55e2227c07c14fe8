// Copyright 2025 Certen Protocol
//
// Coordinator Query API
// Read-only HTTP endpoints over the Event Projection Store: health,
// intent snapshot lookup, and a pollable event log.

package coordinatorapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/cursorstore"
	"github.com/intentbridge/core/pkg/projection"
)

// requestID returns the caller-supplied X-Request-Id if present, else
// mints a fresh one so every response can be correlated in logs/alarms.
func requestID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", id)
	return id
}

// ChainStatus reports one watched chain's tip, cursor, and derived lag for
// GET /health.
type ChainStatus struct {
	Tip      uint64 `json:"tip"`
	Cursor   uint64 `json:"cursor"`
	LagBlocks uint64 `json:"lag_blocks"`
}

// TipReader is the capability the health handler needs to read a chain's
// current confirmed height.
type TipReader interface {
	Tip(chain chainadapter.ChainID) (uint64, error)
}

// Handlers serves the coordinator's read-only HTTP surface.
type Handlers struct {
	Store       projection.ProjectionStore
	Cursors     *cursorstore.Store
	Chains      map[chainadapter.ChainID]TipReader
	MaxWaiters  int
	LongPollMax time.Duration

	waiters chan struct{}
}

func NewHandlers(store projection.ProjectionStore, cursors *cursorstore.Store, chains map[chainadapter.ChainID]TipReader) *Handlers {
	h := &Handlers{
		Store:       store,
		Cursors:     cursors,
		Chains:      chains,
		MaxWaiters:  64,
		LongPollMax: 30 * time.Second,
	}
	h.waiters = make(chan struct{}, h.MaxWaiters)
	return h
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/events", h.HandleEvents)
	mux.HandleFunc("/intents/", h.HandleIntent)
}

// HandleHealth serves GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	requestID(w, r)
	w.Header().Set("Content-Type", "application/json")

	components := make(map[string]ChainStatus, len(h.Chains))
	for chain, reader := range h.Chains {
		tip, err := reader.Tip(chain)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("read tip for chain %d: %s", chain, err))
			return
		}

		var cursorBlock uint64
		if c, err := h.Cursors.Get(chain, cursorstore.DirectionLifecycle); err == nil {
			cursorBlock = c.Position.Block
		} else if c, err := h.Cursors.Get(chain, cursorstore.DirectionOutbound); err == nil {
			cursorBlock = c.Position.Block
		}

		lag := uint64(0)
		if tip > cursorBlock {
			lag = tip - cursorBlock
		}
		components[strconv.FormatUint(uint64(chain), 10)] = ChainStatus{Tip: tip, Cursor: cursorBlock, LagBlocks: lag}
	}

	resp := map[string]interface{}{
		"status":     "ok",
		"components": components,
	}
	json.NewEncoder(w).Encode(resp)
}

// eventsResponse is the GET /events payload.
type eventsResponse struct {
	Updates    []projection.Update `json:"updates"`
	NextCursor uint64              `json:"next_cursor"`
}

// HandleEvents serves GET /events?since=&limit=, optionally long-polling
// up to LongPollMax when no new updates are immediately available.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID(w, r)
	w.Header().Set("Content-Type", "application/json")

	since, err := parseUintParam(r, "since", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	limit, err := parseUintParam(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}

	select {
	case h.waiters <- struct{}{}:
		defer func() { <-h.waiters }()
	default:
		writeError(w, http.StatusServiceUnavailable, "too many concurrent long-poll clients")
		return
	}

	deadline := time.Now().Add(h.LongPollMax)
	for {
		updates, next, err := h.Store.ListEventsSince(since, int(limit))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(updates) > 0 || time.Now().After(deadline) || r.URL.Query().Get("wait") != "true" {
			json.NewEncoder(w).Encode(eventsResponse{Updates: updates, NextCursor: next})
			return
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}
}

// intentResponse is the GET /intents/:intent_id payload.
type intentResponse struct {
	IntentID              string     `json:"intent_id"`
	HubState              string     `json:"hub_state,omitempty"`
	EscrowState           string     `json:"escrow_state,omitempty"`
	ReadyOnConnectedChain bool       `json:"ready_on_connected_chain"`
	ReadyAtBlock          uint64     `json:"ready_at_block,omitempty"`
	CreatedAt             *time.Time `json:"created_at,omitempty"`
	Expiry                *time.Time `json:"expiry,omitempty"`
}

// HandleIntent serves GET /intents/:intent_id.
func (h *Handlers) HandleIntent(w http.ResponseWriter, r *http.Request) {
	requestID(w, r)
	w.Header().Set("Content-Type", "application/json")

	idHex := strings.TrimPrefix(r.URL.Path, "/intents/")
	if idHex == "" {
		writeError(w, http.StatusBadRequest, "missing intent_id")
		return
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(idHex, "0x"))
	if err != nil || len(raw) != 32 {
		writeError(w, http.StatusBadRequest, "intent_id must be a 32-byte hex string")
		return
	}
	var intentID [32]byte
	copy(intentID[:], raw)

	snap, ok, err := h.Store.GetSnapshot(intentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown intent_id")
		return
	}

	resp := intentResponse{
		IntentID:              idHex,
		ReadyOnConnectedChain: snap.ReadyOnConnectedChain,
		ReadyAtBlock:          snap.ReadyAtBlock,
	}
	if snap.Intent != nil {
		resp.HubState = string(snap.Intent.HubState)
		if !snap.Intent.CreatedAt.IsZero() {
			resp.CreatedAt = &snap.Intent.CreatedAt
		}
		if !snap.Intent.Expiry.IsZero() {
			resp.Expiry = &snap.Intent.Expiry
		}
	}
	if snap.Escrow != nil {
		resp.EscrowState = string(snap.Escrow.EscrowState)
	}
	json.NewEncoder(w).Encode(resp)
}

func parseUintParam(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

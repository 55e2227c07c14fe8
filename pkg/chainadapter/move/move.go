// Copyright 2025 Certen Protocol
//
// Move-family chain adapter: a generic REST client against the
// Aptos/Sui-shaped node API (view functions + event streams over JSON),
// used for both the hub chain and connected Move-family chains. Field
// names follow the generic "resource/event" model common to both Aptos
// and Sui full-node APIs.
package move

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
)

// Config configures a single Move-family adapter instance (hub or
// connected; the two differ only in EventHandle/ModuleAddress wiring, not
// in protocol).
type Config struct {
	Chain           chainadapter.ChainID
	Family          chainadapter.Family // FamilyHubMove or FamilyConnectedMove
	NodeURL         string
	ModuleAddress   string // 0x-prefixed account address holding the endpoint module
	ModuleName      string
	SubmitterKeyHex string // ed25519 seed; empty means read-only
	MaxWindowEvents uint64
	CallTimeout     time.Duration
	HTTPClient      *http.Client
}

// Adapter implements chainadapter.Adapter for Move-family chains by
// polling the node's event-stream endpoint and submitting entry-function
// transactions through its JSON transaction-submission endpoint.
type Adapter struct {
	cfg    Config
	http   *http.Client
	family chainadapter.Family
}

func New(cfg Config) (*Adapter, error) {
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("move adapter: node URL is required")
	}
	if cfg.ModuleAddress == "" {
		return nil, fmt.Errorf("move adapter: module address is required")
	}
	if cfg.Family != chainadapter.FamilyHubMove && cfg.Family != chainadapter.FamilyConnectedMove {
		return nil, fmt.Errorf("move adapter: family must be hub_move or connected_move, got %q", cfg.Family)
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxWindowEvents == 0 {
		cfg.MaxWindowEvents = 500
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{cfg: cfg, http: cfg.HTTPClient, family: cfg.Family}, nil
}

func (a *Adapter) Chain() chainadapter.ChainID { return a.cfg.Chain }
func (a *Adapter) Family() chainadapter.Family  { return a.family }
func (a *Adapter) MaxWindow() uint64            { return a.cfg.MaxWindowEvents }

type ledgerInfo struct {
	LedgerVersion string `json:"ledger_version"`
}

// Tip returns the node's latest committed ledger version, treated as the
// Move-family analog of block height: the chain has instant finality, so
// no reorg-safety margin is subtracted.
func (a *Adapter) Tip(ctx context.Context) (uint64, error) {
	var info ledgerInfo
	if err := a.getJSON(ctx, a.cfg.NodeURL+"/v1", &info); err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(info.LedgerVersion, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("move adapter: parse ledger_version %q: %w", info.LedgerVersion, err)
	}
	return v, nil
}

type moveEvent struct {
	Version        string          `json:"version"`
	SequenceNumber string          `json:"sequence_number"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
}

type messageSentData struct {
	DstChain string `json:"dst_chain"`
	DstAddr  string `json:"dst_addr"` // hex, 0x-prefixed, 32 bytes
	SrcAddr  string `json:"src_addr"`
	Payload  string `json:"payload"` // hex
	Nonce    string `json:"nonce"`
}

type messageDeliveredData struct {
	SrcChain string `json:"src_chain"`
	SrcAddr  string `json:"src_addr"`
	Payload  string `json:"payload"`
	IntentID string `json:"intent_id"`
}

type intentCreatedData struct {
	IntentID        string `json:"intent_id"`
	Flow            string `json:"flow"` // "0" = inflow, "1" = outflow
	RequestedAmount string `json:"requested_amount"`
	RequestedToken  string `json:"requested_token"`
	DesiredAmount   string `json:"desired_amount"`
	DesiredToken    string `json:"desired_token"`
	ConnectedChain  string `json:"connected_chain"`
	Solver          string `json:"solver"`
	Requester       string `json:"requester"`
	Expiry          string `json:"expiry"`
}

type intentIDOnlyData struct {
	IntentID string `json:"intent_id"`
}

type escrowCreatedData struct {
	IntentID string `json:"intent_id"`
	Amount   string `json:"amount"`
	Token    string `json:"token"`
	Creator  string `json:"creator"`
}

// PollEvents reads from the endpoint module's event handles between the
// given (inclusive) version range. fromBlock/toBlock are ledger versions
// here, per Tip's definition.
// eventHandles maps every observable EventKind to the endpoint module's
// event-handle name and its decoder, driving PollEvents from a single table.
func (a *Adapter) eventHandles() map[chainadapter.EventKind]struct {
	handle string
	decode func(moveEvent) (chainadapter.TypedEvent, error)
} {
	return map[chainadapter.EventKind]struct {
		handle string
		decode func(moveEvent) (chainadapter.TypedEvent, error)
	}{
		chainadapter.EventMessageSent:                 {"message_sent_events", a.decodeMessageSent},
		chainadapter.EventMessageDelivered:             {"message_delivered_events", a.decodeMessageDelivered},
		chainadapter.EventIntentCreated:                {"intent_created_events", a.decodeIntentCreated},
		chainadapter.EventIntentFulfilled:              {"intent_fulfilled_events", a.decodeIntentIDOnly(chainadapter.EventIntentFulfilled)},
		chainadapter.EventIntentCancelled:               {"intent_cancelled_events", a.decodeIntentIDOnly(chainadapter.EventIntentCancelled)},
		chainadapter.EventIntentRequirementsReceived:    {"intent_requirements_received_events", a.decodeIntentIDOnly(chainadapter.EventIntentRequirementsReceived)},
		chainadapter.EventEscrowCreated:                 {"escrow_created_events", a.decodeEscrowCreated},
		chainadapter.EventEscrowReleased:                {"escrow_released_events", a.decodeIntentIDOnly(chainadapter.EventEscrowReleased)},
	}
}

func (a *Adapter) PollEvents(ctx context.Context, fromBlock, toBlock uint64, kinds []chainadapter.EventKind) ([]chainadapter.TypedEvent, error) {
	handles := a.eventHandles()
	var events []chainadapter.TypedEvent
	for _, k := range kinds {
		h, ok := handles[k]
		if !ok {
			continue
		}
		evs, err := a.pollHandle(ctx, h.handle, fromBlock, toBlock, h.decode)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (a *Adapter) pollHandle(ctx context.Context, handle string, from, to uint64, decode func(moveEvent) (chainadapter.TypedEvent, error)) ([]chainadapter.TypedEvent, error) {
	url := fmt.Sprintf("%s/v1/accounts/%s/events/%s::%s/%s?start=%d&limit=%d",
		a.cfg.NodeURL, a.cfg.ModuleAddress, a.cfg.ModuleAddress, a.cfg.ModuleName, handle, from, to-from+1)

	var raw []moveEvent
	if err := a.getJSON(ctx, url, &raw); err != nil {
		return nil, err
	}
	out := make([]chainadapter.TypedEvent, 0, len(raw))
	for _, ev := range raw {
		te, err := decode(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, te)
	}
	return out, nil
}

func (a *Adapter) decodeMessageSent(ev moveEvent) (chainadapter.TypedEvent, error) {
	var d messageSentData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: decode MessageSent data: %w", err)
	}
	dstChain, err := strconv.ParseUint(d.DstChain, 10, 32)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse dst_chain: %w", err)
	}
	nonce, err := strconv.ParseUint(d.Nonce, 10, 64)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse nonce: %w", err)
	}
	payload, err := decodeHex(d.Payload)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: decode payload: %w", err)
	}
	srcAddr, err := decodeAddr32(d.SrcAddr)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	dstAddr, err := decodeAddr32(d.DstAddr)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	version, err := strconv.ParseUint(ev.Version, 10, 64)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse version: %w", err)
	}
	seq, err := strconv.ParseUint(ev.SequenceNumber, 10, 32)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse sequence_number: %w", err)
	}
	return chainadapter.TypedEvent{
		Kind:     chainadapter.EventMessageSent,
		Chain:    a.cfg.Chain,
		Position: chainadapter.EventPosition{Block: version, TxIndex: 0, LogIndex: uint32(seq)},
		SrcAddr:  srcAddr,
		DstChain: chainadapter.ChainID(dstChain),
		DstAddr:  dstAddr,
		Payload:  payload,
		Nonce:    nonce,
		RawRef:   ev.Version,
	}, nil
}

func (a *Adapter) decodeMessageDelivered(ev moveEvent) (chainadapter.TypedEvent, error) {
	var d messageDeliveredData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: decode MessageDelivered data: %w", err)
	}
	srcAddr, err := decodeAddr32(d.SrcAddr)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	intentID, err := decodeAddr32(d.IntentID)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	version, err := strconv.ParseUint(ev.Version, 10, 64)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse version: %w", err)
	}
	seq, err := strconv.ParseUint(ev.SequenceNumber, 10, 32)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse sequence_number: %w", err)
	}
	return chainadapter.TypedEvent{
		Kind:     chainadapter.EventMessageDelivered,
		Chain:    a.cfg.Chain,
		Position: chainadapter.EventPosition{Block: version, TxIndex: 0, LogIndex: uint32(seq)},
		SrcAddr:  srcAddr,
		IntentID: intentID,
		RawRef:   ev.Version,
	}, nil
}

func (a *Adapter) positionOf(ev moveEvent) (chainadapter.EventPosition, string, error) {
	version, err := strconv.ParseUint(ev.Version, 10, 64)
	if err != nil {
		return chainadapter.EventPosition{}, "", fmt.Errorf("move adapter: parse version: %w", err)
	}
	seq, err := strconv.ParseUint(ev.SequenceNumber, 10, 32)
	if err != nil {
		return chainadapter.EventPosition{}, "", fmt.Errorf("move adapter: parse sequence_number: %w", err)
	}
	return chainadapter.EventPosition{Block: version, TxIndex: 0, LogIndex: uint32(seq)}, ev.Version, nil
}

func (a *Adapter) decodeIntentCreated(ev moveEvent) (chainadapter.TypedEvent, error) {
	var d intentCreatedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: decode IntentCreated data: %w", err)
	}
	intentID, err := decodeAddr32(d.IntentID)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	requestedToken, err := decodeAddr32(d.RequestedToken)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	desiredToken, err := decodeAddr32(d.DesiredToken)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	solver, err := decodeAddr32(d.Solver)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	requester, err := decodeAddr32(d.Requester)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	requestedAmount, err := strconv.ParseUint(d.RequestedAmount, 10, 64)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse requested_amount: %w", err)
	}
	desiredAmount, err := strconv.ParseUint(d.DesiredAmount, 10, 64)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse desired_amount: %w", err)
	}
	connectedChain, err := strconv.ParseUint(d.ConnectedChain, 10, 32)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse connected_chain: %w", err)
	}
	expiry, err := strconv.ParseUint(d.Expiry, 10, 64)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse expiry: %w", err)
	}
	flow := chainadapter.FlowOutflow
	if d.Flow == "0" {
		flow = chainadapter.FlowInflow
	}
	pos, rawRef, err := a.positionOf(ev)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	return chainadapter.TypedEvent{
		Kind:            chainadapter.EventIntentCreated,
		Chain:           a.cfg.Chain,
		Position:        pos,
		IntentID:        intentID,
		Flow:            flow,
		RequestedAmount: requestedAmount,
		RequestedToken:  requestedToken,
		DesiredAmount:   desiredAmount,
		DesiredToken:    desiredToken,
		ConnectedChain:  chainadapter.ChainID(connectedChain),
		Solver:          solver,
		Requester:       requester,
		Expiry:          expiry,
		RawRef:          rawRef,
	}, nil
}

// decodeIntentIDOnly builds a decoder for lifecycle events whose payload is
// nothing but the intent id: IntentFulfilled, IntentCancelled,
// IntentRequirementsReceived, and EscrowReleased all share this shape.
func (a *Adapter) decodeIntentIDOnly(kind chainadapter.EventKind) func(moveEvent) (chainadapter.TypedEvent, error) {
	return func(ev moveEvent) (chainadapter.TypedEvent, error) {
		var d intentIDOnlyData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: decode %s data: %w", kind, err)
		}
		intentID, err := decodeAddr32(d.IntentID)
		if err != nil {
			return chainadapter.TypedEvent{}, err
		}
		pos, rawRef, err := a.positionOf(ev)
		if err != nil {
			return chainadapter.TypedEvent{}, err
		}
		return chainadapter.TypedEvent{
			Kind:     kind,
			Chain:    a.cfg.Chain,
			Position: pos,
			IntentID: intentID,
			RawRef:   rawRef,
		}, nil
	}
}

func (a *Adapter) decodeEscrowCreated(ev moveEvent) (chainadapter.TypedEvent, error) {
	var d escrowCreatedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: decode EscrowCreated data: %w", err)
	}
	intentID, err := decodeAddr32(d.IntentID)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	token, err := decodeAddr32(d.Token)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	creator, err := decodeAddr32(d.Creator)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	amount, err := strconv.ParseUint(d.Amount, 10, 64)
	if err != nil {
		return chainadapter.TypedEvent{}, fmt.Errorf("move adapter: parse amount: %w", err)
	}
	pos, rawRef, err := a.positionOf(ev)
	if err != nil {
		return chainadapter.TypedEvent{}, err
	}
	return chainadapter.TypedEvent{
		Kind:          chainadapter.EventEscrowCreated,
		Chain:         a.cfg.Chain,
		Position:      pos,
		IntentID:      intentID,
		EscrowAmount:  amount,
		EscrowToken:   token,
		EscrowCreator: creator,
		RawRef:        rawRef,
	}, nil
}

type submitTxRequest struct {
	Sender                  string   `json:"sender"`
	SequenceNumber          string   `json:"sequence_number"`
	MaxGasAmount            string   `json:"max_gas_amount"`
	GasUnitPrice            string   `json:"gas_unit_price"`
	ExpirationTimestampSecs string   `json:"expiration_timestamp_secs"`
	Payload                 txPayload `json:"payload"`
}

type txPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []string `json:"arguments"`
}

type submitTxResponse struct {
	Hash string `json:"hash"`
	VMStatus string `json:"vm_status"`
	Success  *bool  `json:"success"`
}

// Deliver submits an entry-function call to the endpoint module's
// deliver_message function.
func (a *Adapter) Deliver(ctx context.Context, dstAddr chainadapter.RemoteAddress, payload []byte, nonce uint64, hint chainadapter.TrustHint) (chainadapter.DeliveryOutcome, error) {
	if a.cfg.SubmitterKeyHex == "" {
		return chainadapter.DeliveryOutcome{}, fmt.Errorf("move adapter: no submitter key configured for chain %d", a.cfg.Chain)
	}

	reqBody := submitTxRequest{
		Sender:                  a.cfg.ModuleAddress,
		SequenceNumber:          "0", // resolved by the signing/sequencing layer before this call in production wiring
		MaxGasAmount:            "100000",
		GasUnitPrice:            "100",
		ExpirationTimestampSecs: strconv.FormatInt(time.Now().Add(2*time.Minute).Unix(), 10),
		Payload: txPayload{
			Type:          "entry_function_payload",
			Function:      fmt.Sprintf("%s::%s::deliver_message", a.cfg.ModuleAddress, a.cfg.ModuleName),
			TypeArguments: nil,
			Arguments:     []string{"0x" + hex.EncodeToString(dstAddr[:]), "0x" + hex.EncodeToString(payload), strconv.FormatUint(nonce, 10)},
		},
	}

	var resp submitTxResponse
	if err := a.postJSON(ctx, a.cfg.NodeURL+"/v1/transactions", reqBody, &resp); err != nil {
		if isAlreadyDelivered(err) {
			return chainadapter.DeliveryOutcome{RejectedKnown: true, Reason: chainadapter.ReasonAlreadyDelivered}, nil
		}
		if isUntrustedRemote(err) {
			return chainadapter.DeliveryOutcome{}, &chainadapter.PermanentError{Reason: chainadapter.ReasonUntrustedRemote, Detail: err.Error()}
		}
		return chainadapter.DeliveryOutcome{}, &chainadapter.TransportError{Op: "POST /v1/transactions", Err: err}
	}
	if resp.Success != nil && !*resp.Success {
		return chainadapter.DeliveryOutcome{}, &chainadapter.PermanentError{Reason: chainadapter.ReasonUnknownChain, Detail: resp.VMStatus}
	}
	return chainadapter.DeliveryOutcome{Included: true, TxID: resp.Hash}, nil
}

type viewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []string `json:"arguments"`
}

// ViewTrustedRemotes calls the endpoint module's trusted_remotes view
// function.
func (a *Adapter) ViewTrustedRemotes(ctx context.Context, srcChain chainadapter.ChainID) ([]chainadapter.RemoteAddress, error) {
	req := viewRequest{
		Function:      fmt.Sprintf("%s::%s::trusted_remotes", a.cfg.ModuleAddress, a.cfg.ModuleName),
		TypeArguments: nil,
		Arguments:     []string{strconv.FormatUint(uint64(srcChain), 10)},
	}
	var result [][]string // Aptos-style view responses are an array of return values; here a single []address return
	if err := a.postJSON(ctx, a.cfg.NodeURL+"/v1/view", req, &result); err != nil {
		return nil, &chainadapter.TransportError{Op: "POST /v1/view(trusted_remotes)", Err: err}
	}
	if len(result) == 0 {
		return nil, nil
	}
	remotes := make([]chainadapter.RemoteAddress, 0, len(result[0]))
	for _, hexAddr := range result[0] {
		addr, err := decodeAddr32(hexAddr)
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, addr)
	}
	return remotes, nil
}

func (a *Adapter) getJSON(ctx context.Context, url string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return &chainadapter.TransportError{Op: "GET " + url, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &chainadapter.TransportError{Op: "read body " + url, Err: err}
	}
	if resp.StatusCode >= 500 {
		return &chainadapter.TransportError{Op: "GET " + url, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("move adapter: GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func (a *Adapter) postJSON(ctx context.Context, url string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return &chainadapter.TransportError{Op: "POST " + url, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &chainadapter.TransportError{Op: "read body " + url, Err: err}
	}
	if resp.StatusCode >= 500 {
		return &chainadapter.TransportError{Op: "POST " + url, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("move adapter: POST %s: status %d: %s", url, resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func decodeHex(s string) ([]byte, error) {
	s = trimHexPrefix(s)
	return hex.DecodeString(s)
}

func decodeAddr32(s string) (chainadapter.RemoteAddress, error) {
	var addr chainadapter.RemoteAddress
	raw, err := decodeHex(s)
	if err != nil {
		return addr, fmt.Errorf("move adapter: decode address %q: %w", s, err)
	}
	if len(raw) > 32 {
		return addr, fmt.Errorf("move adapter: address %q exceeds 32 bytes", s)
	}
	copy(addr[32-len(raw):], raw)
	return addr, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func isAlreadyDelivered(err error) bool {
	return containsAny(err.Error(), "E_ALREADY_DELIVERED", "already delivered", "duplicate nonce")
}

func isUntrustedRemote(err error) bool {
	return containsAny(err.Error(), "E_UNTRUSTED_REMOTE", "untrusted remote")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if bytes.Contains([]byte(s), []byte(sub)) {
			return true
		}
	}
	return false
}

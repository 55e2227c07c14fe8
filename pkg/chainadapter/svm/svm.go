// Copyright 2025 Certen Protocol
//
// SVM chain adapter: polls program transaction signatures and decodes
// Anchor-style base64 log events, submits deliverMessage instructions
// through a keypair-signed transaction. Grounded on the watcher/log-fetcher
// shape used by other multi-chain relayers in the retrieved corpus
// (per-chain fetch-by-range loop feeding a typed-event channel); the
// client library itself (gagliardetto/solana-go) is named directly since
// no complete example repo in this pack imports a Solana client.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/intentbridge/core/pkg/chainadapter"
)

// eventLogPrefix marks an Anchor "emit!" self-CPI log line base64 payload,
// following the standard Anchor program-log convention.
const eventLogPrefix = "Program data: "

// Config configures a single SVM chain adapter instance.
type Config struct {
	Chain             chainadapter.ChainID
	RPCEndpoint       string
	ProgramID         solana.PublicKey
	SubmitterKeyBytes []byte // 64-byte ed25519 keypair; nil means read-only
	MaxWindowTxs      uint64
	CallTimeout       time.Duration
	Commitment        rpc.CommitmentType
}

// Adapter implements chainadapter.Adapter for Solana-family chains.
type Adapter struct {
	cfg       Config
	client    *rpc.Client
	submitter solana.PrivateKey
}

func New(cfg Config) (*Adapter, error) {
	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("svm adapter: RPC endpoint is required")
	}
	if cfg.ProgramID.IsZero() {
		return nil, fmt.Errorf("svm adapter: program id is required")
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxWindowTxs == 0 {
		cfg.MaxWindowTxs = 1000
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	a := &Adapter{cfg: cfg, client: rpc.New(cfg.RPCEndpoint)}
	if len(cfg.SubmitterKeyBytes) > 0 {
		if len(cfg.SubmitterKeyBytes) != 64 {
			return nil, fmt.Errorf("svm adapter: submitter key must be a 64-byte ed25519 keypair, got %d bytes", len(cfg.SubmitterKeyBytes))
		}
		a.submitter = solana.PrivateKey(cfg.SubmitterKeyBytes)
	}
	return a, nil
}

func (a *Adapter) Chain() chainadapter.ChainID { return a.cfg.Chain }
func (a *Adapter) Family() chainadapter.Family  { return chainadapter.FamilySvm }
func (a *Adapter) MaxWindow() uint64            { return a.cfg.MaxWindowTxs }

// Tip returns the current slot at the configured commitment level
// (confirmed by default).
func (a *Adapter) Tip(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	slot, err := a.client.GetSlot(ctx, a.cfg.Commitment)
	if err != nil {
		return 0, &chainadapter.TransportError{Op: "GetSlot", Err: err}
	}
	return slot, nil
}

// PollEvents fans out over the program's recent signatures in the given
// slot range and decodes any Anchor event logs into TypedEvents.
// fromBlock/toBlock here are slots.
func (a *Adapter) PollEvents(ctx context.Context, fromSlot, toSlot uint64, kinds []chainadapter.EventKind) ([]chainadapter.TypedEvent, error) {
	want := map[chainadapter.EventKind]bool{}
	for _, k := range kinds {
		want[k] = true
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	limit := int(a.cfg.MaxWindowTxs)
	sigs, err := a.client.GetSignaturesForAddressWithOpts(ctx, a.cfg.ProgramID, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: a.cfg.Commitment,
	})
	if err != nil {
		return nil, &chainadapter.TransportError{Op: "GetSignaturesForAddress", Err: err}
	}

	var events []chainadapter.TypedEvent
	// GetSignaturesForAddress lists newest first; walk it oldest first so
	// events come back in ascending position order.
	for j := len(sigs) - 1; j >= 0; j-- {
		sigInfo := sigs[j]
		i := len(sigs) - 1 - j
		if sigInfo.Slot < fromSlot || sigInfo.Slot > toSlot {
			continue
		}
		tx, err := a.client.GetTransaction(ctx, sigInfo.Signature, &rpc.GetTransactionOpts{
			Commitment: a.cfg.Commitment,
		})
		if err != nil {
			return nil, &chainadapter.TransportError{Op: "GetTransaction", Err: err}
		}
		if tx == nil || tx.Meta == nil {
			continue
		}
		for logIdx, line := range tx.Meta.LogMessages {
			if !strings.HasPrefix(line, eventLogPrefix) {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, eventLogPrefix))
			if err != nil || len(raw) < 8 {
				continue
			}
			te, kind, ok := decodeEvent(raw, a.cfg.Chain, sigInfo.Slot, uint32(i), uint32(logIdx), sigInfo.Signature.String())
			if !ok || !want[kind] {
				continue
			}
			events = append(events, te)
		}
	}
	return events, nil
}

// Event discriminators (first 8 bytes of the Anchor log payload) for the
// eight endpoint events this adapter understands.
var (
	discMessageSent                 = [8]byte{0x1a, 0x6c, 0x0e, 0x27, 0x3b, 0x8f, 0x41, 0x02}
	discMessageDelivered            = [8]byte{0x2d, 0x77, 0x1f, 0x38, 0x4c, 0x90, 0x52, 0x13}
	discIntentCreated               = [8]byte{0x39, 0xaf, 0x5e, 0x14, 0x6b, 0x22, 0x77, 0x9d}
	discIntentFulfilled             = [8]byte{0x44, 0x10, 0xc3, 0x8e, 0x91, 0x6a, 0x0f, 0x5b}
	discIntentCancelled             = [8]byte{0x5c, 0x2b, 0x87, 0xf0, 0x1d, 0x3e, 0xa6, 0x24}
	discIntentRequirementsReceived  = [8]byte{0x67, 0x9d, 0x42, 0xb1, 0xe8, 0x0c, 0x15, 0xf3}
	discEscrowCreated               = [8]byte{0x72, 0x1c, 0x5a, 0x3f, 0xd9, 0x60, 0x8e, 0x4b}
	discEscrowReleased              = [8]byte{0x8e, 0x44, 0xb0, 0x6d, 0x2a, 0xf7, 0x39, 0x17}
)

// kindForDisc maps the four intent-id-only discriminators to their
// EventKind; IntentCreated and EscrowCreated carry additional fields and are
// decoded separately.
var kindForDisc = map[[8]byte]chainadapter.EventKind{
	discIntentFulfilled:            chainadapter.EventIntentFulfilled,
	discIntentCancelled:            chainadapter.EventIntentCancelled,
	discIntentRequirementsReceived: chainadapter.EventIntentRequirementsReceived,
	discEscrowReleased:             chainadapter.EventEscrowReleased,
}

func decodeEvent(raw []byte, chain chainadapter.ChainID, slot uint64, txIdx, logIdx uint32, sig string) (chainadapter.TypedEvent, chainadapter.EventKind, bool) {
	var disc [8]byte
	copy(disc[:], raw[:8])
	body := raw[8:]

	switch disc {
	case discMessageSent:
		// layout: dst_chain u32 | dst_addr [32]byte | src_addr [32]byte | nonce u64 | payload_len u32 | payload
		if len(body) < 4+32+32+8+4 {
			return chainadapter.TypedEvent{}, "", false
		}
		off := 0
		dstChain := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		var dstAddr, srcAddr chainadapter.RemoteAddress
		copy(dstAddr[:], body[off:off+32])
		off += 32
		copy(srcAddr[:], body[off:off+32])
		off += 32
		nonce := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		plen := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		if len(body) < off+int(plen) {
			return chainadapter.TypedEvent{}, "", false
		}
		payload := body[off : off+int(plen)]
		return chainadapter.TypedEvent{
			Kind:     chainadapter.EventMessageSent,
			Chain:    chain,
			Position: chainadapter.EventPosition{Block: slot, TxIndex: txIdx, LogIndex: logIdx},
			SrcAddr:  srcAddr,
			DstChain: chainadapter.ChainID(dstChain),
			DstAddr:  dstAddr,
			Payload:  append([]byte(nil), payload...),
			Nonce:    nonce,
			RawRef:   sig,
		}, chainadapter.EventMessageSent, true

	case discMessageDelivered:
		// layout: src_chain u32 | src_addr [32]byte | intent_id [32]byte
		if len(body) < 4+32+32 {
			return chainadapter.TypedEvent{}, "", false
		}
		off := 4
		var srcAddr, intentID [32]byte
		copy(srcAddr[:], body[off:off+32])
		off += 32
		copy(intentID[:], body[off:off+32])
		return chainadapter.TypedEvent{
			Kind:     chainadapter.EventMessageDelivered,
			Chain:    chain,
			Position: chainadapter.EventPosition{Block: slot, TxIndex: txIdx, LogIndex: logIdx},
			SrcAddr:  srcAddr,
			IntentID: intentID,
			RawRef:   sig,
		}, chainadapter.EventMessageDelivered, true

	case discIntentCreated:
		// layout: intent_id [32]byte | flow u8 | requested_amount u64 |
		// requested_token [32]byte | desired_amount u64 | desired_token
		// [32]byte | connected_chain u32 | solver [32]byte | requester
		// [32]byte | expiry u64
		const want = 32 + 1 + 8 + 32 + 8 + 32 + 4 + 32 + 32 + 8
		if len(body) < want {
			return chainadapter.TypedEvent{}, "", false
		}
		off := 0
		var intentID [32]byte
		copy(intentID[:], body[off:off+32])
		off += 32
		flowByte := body[off]
		off++
		requestedAmount := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		var requestedToken chainadapter.RemoteAddress
		copy(requestedToken[:], body[off:off+32])
		off += 32
		desiredAmount := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		var desiredToken chainadapter.RemoteAddress
		copy(desiredToken[:], body[off:off+32])
		off += 32
		connectedChain := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		var solver, requester [32]byte
		copy(solver[:], body[off:off+32])
		off += 32
		copy(requester[:], body[off:off+32])
		off += 32
		expiry := binary.LittleEndian.Uint64(body[off : off+8])
		flow := chainadapter.FlowOutflow
		if flowByte == 0 {
			flow = chainadapter.FlowInflow
		}
		return chainadapter.TypedEvent{
			Kind:            chainadapter.EventIntentCreated,
			Chain:           chain,
			Position:        chainadapter.EventPosition{Block: slot, TxIndex: txIdx, LogIndex: logIdx},
			IntentID:        intentID,
			Flow:            flow,
			RequestedAmount: requestedAmount,
			RequestedToken:  chainadapter.RemoteAddress(requestedToken),
			DesiredAmount:   desiredAmount,
			DesiredToken:    chainadapter.RemoteAddress(desiredToken),
			ConnectedChain:  chainadapter.ChainID(connectedChain),
			Solver:          solver,
			Requester:       requester,
			Expiry:          expiry,
			RawRef:          sig,
		}, chainadapter.EventIntentCreated, true

	case discEscrowCreated:
		// layout: intent_id [32]byte | amount u64 | token [32]byte | creator [32]byte
		if len(body) < 32+8+32+32 {
			return chainadapter.TypedEvent{}, "", false
		}
		off := 0
		var intentID [32]byte
		copy(intentID[:], body[off:off+32])
		off += 32
		amount := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		var token, creator [32]byte
		copy(token[:], body[off:off+32])
		off += 32
		copy(creator[:], body[off:off+32])
		return chainadapter.TypedEvent{
			Kind:          chainadapter.EventEscrowCreated,
			Chain:         chain,
			Position:      chainadapter.EventPosition{Block: slot, TxIndex: txIdx, LogIndex: logIdx},
			IntentID:      intentID,
			EscrowAmount:  amount,
			EscrowToken:   token,
			EscrowCreator: creator,
			RawRef:        sig,
		}, chainadapter.EventEscrowCreated, true

	default:
		if kind, ok := kindForDisc[disc]; ok {
			// layout: intent_id [32]byte only
			if len(body) < 32 {
				return chainadapter.TypedEvent{}, "", false
			}
			var intentID [32]byte
			copy(intentID[:], body[:32])
			return chainadapter.TypedEvent{
				Kind:     kind,
				Chain:    chain,
				Position: chainadapter.EventPosition{Block: slot, TxIndex: txIdx, LogIndex: logIdx},
				IntentID: intentID,
				RawRef:   sig,
			}, kind, true
		}
		return chainadapter.TypedEvent{}, "", false
	}
}

// Deliver submits a deliverMessage instruction to the endpoint program.
// Account resolution (PDAs for the endpoint state and nonce-tracker
// accounts) is left to a higher-level instruction builder configured at
// construction time in production deployments; this adapter carries the
// signing and broadcast responsibility.
func (a *Adapter) Deliver(ctx context.Context, dstAddr chainadapter.RemoteAddress, payload []byte, nonce uint64, hint chainadapter.TrustHint) (chainadapter.DeliveryOutcome, error) {
	if a.submitter == nil {
		return chainadapter.DeliveryOutcome{}, fmt.Errorf("svm adapter: no submitter key configured for chain %d", a.cfg.Chain)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	data := make([]byte, 0, 8+32+8+4+len(payload))
	data = append(data, 0xde, 0x1e, 0x9a, 0x05, 0x88, 0x21, 0xaa, 0x40) // deliverMessage ix discriminator
	data = append(data, dstAddr[:]...)
	nonceBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(nonceBuf, nonce)
	data = append(data, nonceBuf...)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	data = append(data, lenBuf...)
	data = append(data, payload...)

	ix := solana.NewInstruction(a.cfg.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.submitter.PublicKey(), true, true),
	}, data)

	recent, err := a.client.GetLatestBlockhash(ctx, a.cfg.Commitment)
	if err != nil {
		return chainadapter.DeliveryOutcome{}, &chainadapter.TransportError{Op: "GetLatestBlockhash", Err: err}
	}

	tx, err := solana.NewTransaction([]solana.Instruction{ix}, recent.Value.Blockhash, solana.TransactionPayer(a.submitter.PublicKey()))
	if err != nil {
		return chainadapter.DeliveryOutcome{}, fmt.Errorf("svm adapter: build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(a.submitter.PublicKey()) {
			return &a.submitter
		}
		return nil
	}); err != nil {
		return chainadapter.DeliveryOutcome{}, fmt.Errorf("svm adapter: sign transaction: %w", err)
	}

	sig, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{SkipPreflight: false, PreflightCommitment: a.cfg.Commitment})
	if err != nil {
		if isAlreadyDelivered(err) {
			return chainadapter.DeliveryOutcome{RejectedKnown: true, Reason: chainadapter.ReasonAlreadyDelivered}, nil
		}
		if isUntrustedRemote(err) {
			return chainadapter.DeliveryOutcome{}, &chainadapter.PermanentError{Reason: chainadapter.ReasonUntrustedRemote, Detail: err.Error()}
		}
		return chainadapter.DeliveryOutcome{}, &chainadapter.TransportError{Op: "SendTransaction", Err: err}
	}
	return chainadapter.DeliveryOutcome{Included: true, TxID: sig.String()}, nil
}

// ViewTrustedRemotes reads the endpoint program's allowlist account for the
// given source chain: it derives the allowlist PDA and fetches that account
// with GetAccountInfo, decoding the returned account data.
func (a *Adapter) ViewTrustedRemotes(ctx context.Context, srcChain chainadapter.ChainID) ([]chainadapter.RemoteAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	allowlistPDA, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("trusted_remotes"), encodeU32(uint32(srcChain))},
		a.cfg.ProgramID,
	)
	if err != nil {
		return nil, fmt.Errorf("svm adapter: derive allowlist PDA: %w", err)
	}

	info, err := a.client.GetAccountInfo(ctx, allowlistPDA)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, &chainadapter.TransportError{Op: "GetAccountInfo", Err: err}
	}
	if info == nil || info.Value == nil {
		return nil, nil
	}
	data := info.Value.Data.GetBinary()
	// layout: discriminator(8) | count u32 | count*[32]byte
	if len(data) < 12 {
		return nil, fmt.Errorf("svm adapter: allowlist account too short: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint32(data[8:12])
	remotes := make([]chainadapter.RemoteAddress, 0, count)
	off := 12
	for i := uint32(0); i < count; i++ {
		if off+32 > len(data) {
			return nil, fmt.Errorf("svm adapter: allowlist account truncated at entry %d", i)
		}
		var addr chainadapter.RemoteAddress
		copy(addr[:], data[off:off+32])
		remotes = append(remotes, addr)
		off += 32
	}
	return remotes, nil
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func isAlreadyDelivered(err error) bool {
	return containsAny(err.Error(), "AlreadyDelivered", "already delivered", "duplicate nonce")
}

func isUntrustedRemote(err error) bool {
	return containsAny(err.Error(), "UntrustedRemote", "untrusted remote")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

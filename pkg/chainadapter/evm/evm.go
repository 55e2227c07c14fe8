// Copyright 2025 Certen Protocol
//
// EVM chain adapter: eth_getLogs against a decoded ABI, deliverMessage
// submission via a signed transaction, and destination allowlist reads via
// eth_call.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/intentbridge/core/pkg/chainadapter"
)

// Endpoint ABI: only the three functions and eight events the adapter needs.
const endpointABIJSON = `[
  {"type":"function","name":"deliverMessage","inputs":[
    {"name":"srcChain","type":"uint32"},
    {"name":"srcAddr","type":"bytes32"},
    {"name":"payload","type":"bytes"},
    {"name":"nonce","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"trustedRemotes","inputs":[{"name":"srcChain","type":"uint32"}],
    "outputs":[{"name":"","type":"bytes32[]"}],"stateMutability":"view"},
  {"type":"function","name":"hasTrustedRemote","inputs":[{"name":"srcChain","type":"uint32"}],
    "outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
  {"type":"event","name":"MessageSent","inputs":[
    {"name":"dstChain","type":"uint32","indexed":true},
    {"name":"dstAddr","type":"bytes32","indexed":false},
    {"name":"payload","type":"bytes","indexed":false},
    {"name":"nonce","type":"uint64","indexed":false}]},
  {"type":"event","name":"MessageDelivered","inputs":[
    {"name":"srcChain","type":"uint32","indexed":true},
    {"name":"srcAddr","type":"bytes32","indexed":false},
    {"name":"payload","type":"bytes","indexed":false},
    {"name":"intentId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"IntentCreated","inputs":[
    {"name":"intentId","type":"bytes32","indexed":true},
    {"name":"flow","type":"uint8","indexed":false},
    {"name":"requestedAmount","type":"uint256","indexed":false},
    {"name":"requestedToken","type":"bytes32","indexed":false},
    {"name":"desiredAmount","type":"uint256","indexed":false},
    {"name":"desiredToken","type":"bytes32","indexed":false},
    {"name":"connectedChain","type":"uint32","indexed":false},
    {"name":"solver","type":"bytes32","indexed":false},
    {"name":"requester","type":"bytes32","indexed":false},
    {"name":"expiry","type":"uint64","indexed":false}]},
  {"type":"event","name":"IntentFulfilled","inputs":[
    {"name":"intentId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"IntentCancelled","inputs":[
    {"name":"intentId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"IntentRequirementsReceived","inputs":[
    {"name":"intentId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"EscrowCreated","inputs":[
    {"name":"intentId","type":"bytes32","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"token","type":"bytes32","indexed":false},
    {"name":"creator","type":"bytes32","indexed":false}]},
  {"type":"event","name":"EscrowReleased","inputs":[
    {"name":"intentId","type":"bytes32","indexed":true}]}
]`

// evmEventNames maps every EventKind the adapter can observe to its ABI
// event name, driving both topic-filter construction and log decode dispatch
// from a single table.
var evmEventNames = map[chainadapter.EventKind]string{
	chainadapter.EventMessageSent:               "MessageSent",
	chainadapter.EventMessageDelivered:           "MessageDelivered",
	chainadapter.EventIntentCreated:              "IntentCreated",
	chainadapter.EventIntentFulfilled:            "IntentFulfilled",
	chainadapter.EventIntentCancelled:            "IntentCancelled",
	chainadapter.EventIntentRequirementsReceived: "IntentRequirementsReceived",
	chainadapter.EventEscrowCreated:              "EscrowCreated",
	chainadapter.EventEscrowReleased:             "EscrowReleased",
}

// Config configures a single EVM chain adapter instance.
type Config struct {
	Chain            chainadapter.ChainID
	RPCURL           string
	EndpointAddress  common.Address
	PrivateKeyHex    string // submitter key; empty means read-only (watch only)
	ChainIDEVM       int64  // the chain's own EVM chain id, for tx signing
	ReorgSafetyDepth uint64 // blocks to subtract from head (12 typical); no finalized tag is queried
	MaxWindowBlocks  uint64
	CallTimeout      time.Duration
}

// Adapter implements chainadapter.Adapter for EVM-family chains.
type Adapter struct {
	cfg     Config
	client  *ethclient.Client
	abi     abi.ABI
	auth    *bind.TransactOpts
	chainID *big.Int
}

// New dials the RPC endpoint and, if a private key is configured, prepares a
// signer for deliverMessage submission.
func New(cfg Config) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("evm adapter: RPC URL is required")
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxWindowBlocks == 0 {
		cfg.MaxWindowBlocks = 2000
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm adapter: dial %s: %w", cfg.RPCURL, err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(endpointABIJSON))
	if err != nil {
		return nil, fmt.Errorf("evm adapter: parse ABI: %w", err)
	}
	a := &Adapter{cfg: cfg, client: client, abi: parsedABI, chainID: big.NewInt(cfg.ChainIDEVM)}

	if cfg.PrivateKeyHex != "" {
		pk, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("evm adapter: parse submitter key: %w", err)
		}
		auth, err := bind.NewKeyedTransactorWithChainID(pk, a.chainID)
		if err != nil {
			return nil, fmt.Errorf("evm adapter: build transactor: %w", err)
		}
		a.auth = auth
	}
	return a, nil
}

func (a *Adapter) Chain() chainadapter.ChainID   { return a.cfg.Chain }
func (a *Adapter) Family() chainadapter.Family   { return chainadapter.FamilyEvm }
func (a *Adapter) MaxWindow() uint64             { return a.cfg.MaxWindowBlocks }

// Tip returns the head block height minus the configured reorg-safety
// depth (0 if the head is below that depth). It does not query a
// finalized block tag.
func (a *Adapter) Tip(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, &chainadapter.TransportError{Op: "HeaderByNumber", Err: err}
	}
	head := header.Number.Uint64()
	if head < a.cfg.ReorgSafetyDepth {
		return 0, nil
	}
	return head - a.cfg.ReorgSafetyDepth, nil
}

func (a *Adapter) PollEvents(ctx context.Context, fromBlock, toBlock uint64, kinds []chainadapter.EventKind) ([]chainadapter.TypedEvent, error) {
	var topics []common.Hash
	topicToKind := map[common.Hash]chainadapter.EventKind{}
	for _, k := range kinds {
		name, ok := evmEventNames[k]
		if !ok {
			continue
		}
		id := a.abi.Events[name].ID
		topics = append(topics, id)
		topicToKind[id] = k
	}
	if len(topics) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{a.cfg.EndpointAddress},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return nil, &chainadapter.TransportError{Op: "FilterLogs", Err: err}
	}

	events := make([]chainadapter.TypedEvent, 0, len(logs))
	for _, lg := range logs {
		kind, ok := topicToKind[lg.Topics[0]]
		if !ok {
			continue
		}
		pos := chainadapter.EventPosition{Block: lg.BlockNumber, TxIndex: uint32(lg.TxIndex), LogIndex: uint32(lg.Index)}

		switch kind {
		case chainadapter.EventMessageSent:
			var decoded struct {
				DstAddr [32]byte
				Payload []byte
				Nonce   uint64
			}
			if err := a.abi.UnpackIntoInterface(&decoded, "MessageSent", lg.Data); err != nil {
				return nil, fmt.Errorf("evm adapter: unpack MessageSent: %w", err)
			}
			dstChain := chainadapter.ChainID(common.BytesToHash(lg.Topics[1].Bytes()).Big().Uint64())
			events = append(events, chainadapter.TypedEvent{
				Kind:     chainadapter.EventMessageSent,
				Chain:    a.cfg.Chain,
				Position: pos,
				SrcAddr:  leftPad32(a.cfg.EndpointAddress.Bytes()),
				DstChain: dstChain,
				DstAddr:  decoded.DstAddr,
				Payload:  decoded.Payload,
				Nonce:    decoded.Nonce,
				RawRef:   lg.TxHash.Hex(),
			})
		case chainadapter.EventMessageDelivered:
			var decoded struct {
				SrcAddr [32]byte
				Payload []byte
			}
			if err := a.abi.UnpackIntoInterface(&decoded, "MessageDelivered", lg.Data); err != nil {
				return nil, fmt.Errorf("evm adapter: unpack MessageDelivered: %w", err)
			}
			events = append(events, chainadapter.TypedEvent{
				Kind:     chainadapter.EventMessageDelivered,
				Chain:    a.cfg.Chain,
				Position: pos,
				SrcAddr:  decoded.SrcAddr,
				IntentID: common.BytesToHash(lg.Topics[2].Bytes()),
				RawRef:   lg.TxHash.Hex(),
			})
		case chainadapter.EventIntentCreated:
			var decoded struct {
				Flow            uint8
				RequestedAmount *big.Int
				RequestedToken  [32]byte
				DesiredAmount   *big.Int
				DesiredToken    [32]byte
				ConnectedChain  uint32
				Solver          [32]byte
				Requester       [32]byte
				Expiry          uint64
			}
			if err := a.abi.UnpackIntoInterface(&decoded, "IntentCreated", lg.Data); err != nil {
				return nil, fmt.Errorf("evm adapter: unpack IntentCreated: %w", err)
			}
			flow := chainadapter.FlowOutflow
			if decoded.Flow == 0 {
				flow = chainadapter.FlowInflow
			}
			events = append(events, chainadapter.TypedEvent{
				Kind:            chainadapter.EventIntentCreated,
				Chain:           a.cfg.Chain,
				Position:        pos,
				IntentID:        common.BytesToHash(lg.Topics[1].Bytes()),
				Flow:            flow,
				RequestedAmount: decoded.RequestedAmount.Uint64(),
				RequestedToken:  decoded.RequestedToken,
				DesiredAmount:   decoded.DesiredAmount.Uint64(),
				DesiredToken:    decoded.DesiredToken,
				ConnectedChain:  chainadapter.ChainID(decoded.ConnectedChain),
				Solver:          decoded.Solver,
				Requester:       decoded.Requester,
				Expiry:          decoded.Expiry,
				RawRef:          lg.TxHash.Hex(),
			})
		case chainadapter.EventIntentFulfilled, chainadapter.EventIntentCancelled, chainadapter.EventIntentRequirementsReceived, chainadapter.EventEscrowReleased:
			events = append(events, chainadapter.TypedEvent{
				Kind:     kind,
				Chain:    a.cfg.Chain,
				Position: pos,
				IntentID: common.BytesToHash(lg.Topics[1].Bytes()),
				RawRef:   lg.TxHash.Hex(),
			})
		case chainadapter.EventEscrowCreated:
			var decoded struct {
				Amount *big.Int
				Token  [32]byte
				Creator [32]byte
			}
			if err := a.abi.UnpackIntoInterface(&decoded, "EscrowCreated", lg.Data); err != nil {
				return nil, fmt.Errorf("evm adapter: unpack EscrowCreated: %w", err)
			}
			events = append(events, chainadapter.TypedEvent{
				Kind:          chainadapter.EventEscrowCreated,
				Chain:         a.cfg.Chain,
				Position:      pos,
				IntentID:      common.BytesToHash(lg.Topics[1].Bytes()),
				EscrowAmount:  decoded.Amount.Uint64(),
				EscrowToken:   decoded.Token,
				EscrowCreator: decoded.Creator,
				RawRef:        lg.TxHash.Hex(),
			})
		}
	}
	return events, nil
}

func (a *Adapter) Deliver(ctx context.Context, dstAddr chainadapter.RemoteAddress, payload []byte, nonce uint64, hint chainadapter.TrustHint) (chainadapter.DeliveryOutcome, error) {
	if a.auth == nil {
		return chainadapter.DeliveryOutcome{}, fmt.Errorf("evm adapter: no submitter key configured for chain %d", a.cfg.Chain)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	data, err := a.abi.Pack("deliverMessage", uint32(a.cfg.Chain), dstAddr, payload, nonce)
	if err != nil {
		return chainadapter.DeliveryOutcome{}, fmt.Errorf("evm adapter: pack deliverMessage: %w", err)
	}

	nonceAt, err := a.client.PendingNonceAt(ctx, a.auth.From)
	if err != nil {
		return chainadapter.DeliveryOutcome{}, &chainadapter.TransportError{Op: "PendingNonceAt", Err: err}
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return chainadapter.DeliveryOutcome{}, &chainadapter.TransportError{Op: "SuggestGasPrice", Err: err}
	}

	to := a.cfg.EndpointAddress
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonceAt,
		To:       &to,
		Gas:      500000,
		GasPrice: gasPrice,
		Data:     data,
	})
	signedTx, err := a.auth.Signer(a.auth.From, tx)
	if err != nil {
		return chainadapter.DeliveryOutcome{}, fmt.Errorf("evm adapter: sign tx: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		if isAlreadyDelivered(err) {
			return chainadapter.DeliveryOutcome{RejectedKnown: true, Reason: chainadapter.ReasonAlreadyDelivered}, nil
		}
		if isUntrustedRemote(err) {
			return chainadapter.DeliveryOutcome{}, &chainadapter.PermanentError{Reason: chainadapter.ReasonUntrustedRemote, Detail: err.Error()}
		}
		return chainadapter.DeliveryOutcome{}, &chainadapter.TransportError{Op: "SendTransaction", Err: err}
	}

	receipt, err := bind.WaitMined(ctx, a.client, signedTx)
	if err != nil {
		return chainadapter.DeliveryOutcome{}, &chainadapter.TransportError{Op: "WaitMined", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return chainadapter.DeliveryOutcome{}, &chainadapter.PermanentError{Reason: chainadapter.ReasonUnknownChain, Detail: "tx reverted: " + signedTx.Hash().Hex()}
	}
	return chainadapter.DeliveryOutcome{Included: true, TxID: signedTx.Hash().Hex()}, nil
}

func (a *Adapter) ViewTrustedRemotes(ctx context.Context, srcChain chainadapter.ChainID) ([]chainadapter.RemoteAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	data, err := a.abi.Pack("trustedRemotes", uint32(srcChain))
	if err != nil {
		return nil, fmt.Errorf("evm adapter: pack trustedRemotes: %w", err)
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.cfg.EndpointAddress, Data: data}, nil)
	if err != nil {
		return nil, &chainadapter.TransportError{Op: "CallContract(trustedRemotes)", Err: err}
	}
	var raw [][32]byte
	if err := a.abi.UnpackIntoInterface(&raw, "trustedRemotes", out); err != nil {
		return nil, fmt.Errorf("evm adapter: unpack trustedRemotes: %w", err)
	}
	remotes := make([]chainadapter.RemoteAddress, len(raw))
	for i, r := range raw {
		remotes[i] = r
	}
	return remotes, nil
}

func leftPad32(addr []byte) chainadapter.RemoteAddress {
	var r chainadapter.RemoteAddress
	copy(r[32-len(addr):], addr)
	return r
}

// isAlreadyDelivered and isUntrustedRemote pattern-match the revert reason
// strings the destination endpoint contract emits; the exact encoding
// (custom error vs. require string) is contract-specific, so a substring
// match is the adapter-boundary translation point.
func isAlreadyDelivered(err error) bool {
	return containsAny(err.Error(), "AlreadyDelivered", "already delivered", "duplicate nonce")
}

func isUntrustedRemote(err error) bool {
	return containsAny(err.Error(), "UntrustedRemote", "untrusted remote", "UnknownChain")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

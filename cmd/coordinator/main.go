// Copyright 2025 Certen Protocol
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/chainadapter/evm"
	"github.com/intentbridge/core/pkg/chainadapter/move"
	"github.com/intentbridge/core/pkg/chainadapter/svm"
	"github.com/intentbridge/core/pkg/config"
	"github.com/intentbridge/core/pkg/coordinatorapi"
	"github.com/intentbridge/core/pkg/coordinatorcore"
	"github.com/intentbridge/core/pkg/cursorstore"
	"github.com/intentbridge/core/pkg/metrics"
	"github.com/intentbridge/core/pkg/projection"
	"github.com/intentbridge/core/pkg/projection/pgstore"
)

func main() {
	instanceID := flag.String("coordinator-id", "", "overrides COORDINATOR_ID")
	showHelp := flag.Bool("help", false, "show usage")
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	logger := log.New(os.Stdout, "[Coordinator] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load("COORDINATOR_ID")
	if err != nil {
		logger.Fatalf("load configuration: %v", err)
	}
	if *instanceID != "" {
		cfg.InstanceID = *instanceID
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	logger.Printf("starting coordinator instance %s", cfg.InstanceID)

	roster, err := config.LoadChainsFile(cfg.ChainsConfigPath)
	if err != nil {
		logger.Fatalf("load chain roster: %v", err)
	}

	adapters := make(map[chainadapter.ChainID]chainadapter.Adapter, len(roster.Chains))
	var hubChain chainadapter.ChainID
	var connectedChains []chainadapter.ChainID
	for _, entry := range roster.Chains {
		adapter, err := buildAdapter(entry)
		if err != nil {
			logger.Fatalf("build adapter for chain %d: %v", entry.Chain, err)
		}
		chain := chainadapter.ChainID(entry.Chain)
		adapters[chain] = adapter
		switch entry.Family {
		case "hub_move":
			hubChain = chain
		case "evm", "connected_move", "svm":
			connectedChains = append(connectedChains, chain)
		}
	}
	if hubChain == 0 {
		logger.Fatalf("refusing to start: chain roster declares no hub_move chain")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("create data dir %s: %v", cfg.DataDir, err)
	}
	db, err := cursorstore.OpenGoLevelDB("coordinator", cfg.DataDir)
	if err != nil {
		logger.Fatalf("open cursor store: %v", err)
	}
	cursors := cursorstore.New(cursorstore.NewKVAdapter(db))

	var store projection.ProjectionStore
	switch cfg.ProjectionBackend {
	case "postgres":
		pg, err := pgstore.New(pgstore.Config{DatabaseURL: cfg.DatabaseURL})
		if err != nil {
			logger.Fatalf("connect projection database: %v", err)
		}
		store = pg
		logger.Printf("projection store backend: postgres")
	default:
		projDB, err := cursorstore.OpenGoLevelDB("projection", cfg.DataDir)
		if err != nil {
			logger.Fatalf("open projection store: %v", err)
		}
		store = projection.NewStore(cursorstore.NewKVAdapter(projDB))
		logger.Printf("projection store backend: embedded kv")
	}

	coord, err := coordinatorcore.New(coordinatorcore.Config{
		HubChain:        hubChain,
		ConnectedChains: connectedChains,
		Adapters:        adapters,
		Cursors:         cursors,
		Store:           store,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("construct coordinator core: %v", err)
	}

	tipReaders := make(map[chainadapter.ChainID]coordinatorapi.TipReader, len(adapters))
	for chain, a := range adapters {
		tipReaders[chain] = tipReaderFunc(a.Tip)
	}
	api := coordinatorapi.NewHandlers(store, cursors, tipReaders)

	_, promReg := metrics.New()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler(promReg))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		logger.Printf("query api listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("query api server error: %v", err)
		}
	}()
	go func() {
		logger.Printf("metrics server listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	go coord.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Printf("shutdown signal received, draining")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("query api shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics server shutdown error: %v", err)
	}
	logger.Printf("coordinator instance %s stopped", cfg.InstanceID)
}

// tipReaderFunc adapts a chainadapter.Adapter's bound Tip method to the
// coordinatorapi.TipReader interface, which takes the chain id explicitly
// rather than it being implicit via the method receiver.
type tipReaderFunc func(ctx context.Context) (uint64, error)

func (f tipReaderFunc) Tip(chain chainadapter.ChainID) (uint64, error) {
	return f(context.Background())
}

func buildAdapter(entry config.ChainEntry) (chainadapter.Adapter, error) {
	switch entry.Family {
	case "evm":
		var keyHex string
		if entry.SubmitKey != "" {
			keyHex = os.Getenv(entry.SubmitKey)
		}
		return evm.New(evm.Config{
			Chain:            chainadapter.ChainID(entry.Chain),
			RPCURL:           entry.RPCURL,
			EndpointAddress:  common.HexToAddress(entry.Endpoint),
			PrivateKeyHex:    keyHex,
			ReorgSafetyDepth: entry.Confirm,
			MaxWindowBlocks:  entry.MaxWindow,
			CallTimeout:      15 * time.Second,
		})
	case "hub_move", "connected_move":
		var keyHex string
		if entry.SubmitKey != "" {
			keyHex = os.Getenv(entry.SubmitKey)
		}
		family := chainadapter.FamilyHubMove
		if entry.Family == "connected_move" {
			family = chainadapter.FamilyConnectedMove
		}
		return move.New(move.Config{
			Chain:           chainadapter.ChainID(entry.Chain),
			Family:          family,
			NodeURL:         entry.RPCURL,
			ModuleAddress:   entry.Endpoint,
			ModuleName:      "intent_bridge",
			SubmitterKeyHex: keyHex,
			MaxWindowEvents: entry.MaxWindow,
			CallTimeout:     15 * time.Second,
		})
	case "svm":
		var keyBytes []byte
		if entry.SubmitKey != "" {
			if raw := os.Getenv(entry.SubmitKey); raw != "" {
				pk, err := solana.PrivateKeyFromBase58(raw)
				if err != nil {
					return nil, fmt.Errorf("decode solana submitter key: %w", err)
				}
				keyBytes = pk
			}
		}
		programID, err := solana.PublicKeyFromBase58(entry.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("decode solana program id: %w", err)
		}
		return svm.New(svm.Config{
			Chain:             chainadapter.ChainID(entry.Chain),
			RPCEndpoint:       entry.RPCURL,
			ProgramID:         programID,
			SubmitterKeyBytes: keyBytes,
			MaxWindowTxs:      entry.MaxWindow,
			CallTimeout:       15 * time.Second,
			Commitment:        rpc.CommitmentConfirmed,
		})
	default:
		return nil, fmt.Errorf("unknown chain family %q", entry.Family)
	}
}

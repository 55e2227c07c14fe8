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

	"github.com/intentbridge/core/pkg/alarm"
	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/chainadapter/evm"
	"github.com/intentbridge/core/pkg/chainadapter/move"
	"github.com/intentbridge/core/pkg/chainadapter/svm"
	"github.com/intentbridge/core/pkg/config"
	"github.com/intentbridge/core/pkg/cursorstore"
	"github.com/intentbridge/core/pkg/deliveryqueue"
	"github.com/intentbridge/core/pkg/metrics"
	"github.com/intentbridge/core/pkg/relaycore"
	"github.com/intentbridge/core/pkg/trust"
)

func main() {
	instanceID := flag.String("relay-id", "", "overrides RELAY_ID")
	showHelp := flag.Bool("help", false, "show usage")
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	logger := log.New(os.Stdout, "[Relay] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load("RELAY_ID")
	if err != nil {
		logger.Fatalf("load configuration: %v", err)
	}
	if *instanceID != "" {
		cfg.InstanceID = *instanceID
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	logger.Printf("starting relay instance %s", cfg.InstanceID)

	roster, err := config.LoadChainsFile(cfg.ChainsConfigPath)
	if err != nil {
		logger.Fatalf("load chain roster: %v", err)
	}

	adapters := make(map[chainadapter.ChainID]chainadapter.Adapter, len(roster.Chains))
	for _, entry := range roster.Chains {
		adapter, err := buildAdapter(entry)
		if err != nil {
			logger.Fatalf("build adapter for chain %d: %v", entry.Chain, err)
		}
		adapters[chainadapter.ChainID(entry.Chain)] = adapter
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("create data dir %s: %v", cfg.DataDir, err)
	}
	db, err := cursorstore.OpenGoLevelDB("relay", cfg.DataDir)
	if err != nil {
		logger.Fatalf("open cursor store: %v", err)
	}
	kv := cursorstore.NewKVAdapter(db)
	cursors := cursorstore.New(kv)

	pendingDB, err := cursorstore.OpenGoLevelDB("relay-pending", cfg.DataDir)
	if err != nil {
		logger.Fatalf("open pending delivery store: %v", err)
	}
	durable := deliveryqueue.NewDurableStore(cursorstore.NewKVAdapter(pendingDB))

	trustAdapters := make(map[chainadapter.ChainID]trust.Adapter, len(adapters))
	for chain, a := range adapters {
		trustAdapters[chain] = a
	}
	sources := make(map[chainadapter.ChainID][]chainadapter.ChainID)
	var routes []relaycore.Route
	for _, r := range roster.Routes {
		src, dst := chainadapter.ChainID(r.SrcChain), chainadapter.ChainID(r.DstChain)
		sources[dst] = append(sources[dst], src)
		routes = append(routes, relaycore.Route{SrcChain: src, DstChain: dst})
	}
	tcache := trust.NewCache(cfg.TrustRefreshInterval, trustAdapters, sources)

	registry, promReg := metrics.New()
	alarmSink := alarm.New(os.Stdout, registry.AlarmsRaised)

	queue := deliveryqueue.New()
	pending, err := durable.LoadAll()
	if err != nil {
		logger.Fatalf("load pending deliveries: %v", err)
	}
	for _, item := range pending {
		queue.Enqueue(item)
	}
	if len(pending) > 0 {
		logger.Printf("replayed %d pending deliveries from the crash-recovery log", len(pending))
	}

	pool := deliveryqueue.NewWorkerPool(queue, deliveryqueue.WorkerPoolConfig{
		Workers:     cfg.DeliveryWorkers,
		MaxAttempts: cfg.DeliveryMaxAttempts,
		Resolve: func(dst chainadapter.ChainID) (deliveryqueue.Deliverer, bool) {
			a, ok := adapters[dst]
			return a, ok
		},
		Trust:   tcache,
		Alarm:   alarmSink,
		Durable: durable,
		Logger:  log.New(os.Stdout, "[DeliveryQueue] ", log.LstdFlags|log.Lmicroseconds),
	})

	relay, err := relaycore.New(relaycore.Config{
		Adapters: adapters,
		Routes:   routes,
		Cursors:  cursors,
		Trust:    tcache,
		Queue:    queue,
		Durable:  durable,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatalf("construct relay core: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := relay.ValidateTrustedRemotes(ctx); err != nil {
		logger.Fatalf("refusing to start: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler(promReg))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		logger.Printf("health server listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("health server error: %v", err)
		}
	}()
	go func() {
		logger.Printf("metrics server listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	go pool.Run(ctx)
	go relay.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Printf("shutdown signal received, draining")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics server shutdown error: %v", err)
	}
	logger.Printf("relay instance %s stopped", cfg.InstanceID)
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

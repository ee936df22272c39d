// Command node starts a dropchain airdrop node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/dropchain/airdrop"
	"github.com/tolelom/dropchain/audit"
	"github.com/tolelom/dropchain/config"
	"github.com/tolelom/dropchain/consensus"
	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/events"
	"github.com/tolelom/dropchain/indexer"
	"github.com/tolelom/dropchain/internal/logging"
	"github.com/tolelom/dropchain/monitor"
	"github.com/tolelom/dropchain/rpc"
	"github.com/tolelom/dropchain/storage"
	"github.com/tolelom/dropchain/vm"
	"github.com/tolelom/dropchain/vm/modules/economy"
	"github.com/tolelom/dropchain/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/tolelom/dropchain/vm/modules/airdrop"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Read keystore password from environment (not CLI flags, which leak via ps).
	password := os.Getenv("DROP_PASSWORD")
	if password == "" {
		logger.Warn("DROP_PASSWORD not set; keystore uses an empty password")
	}

	if *genKey {
		w, err := wallet.Generate(cfg.Genesis.ChainID)
		if err != nil {
			logger.Fatal("generate key", zap.Error(err))
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			logger.Fatal("save key", zap.Error(err))
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if err := run(cfg, *keyPath, password, logger); err != nil {
		logger.Fatal("node stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, keyPath, password string, logger *zap.Logger) error {
	privKey, err := wallet.LoadKey(keyPath, password)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	state := storage.NewStateDB(db)
	bc := core.NewBlockchain(storage.NewBlockStore(db))
	if err := bc.Init(); err != nil {
		return fmt.Errorf("blockchain init: %w", err)
	}

	// The genesis block also marks the one-time application of Alloc in
	// direct mode.
	if bc.Tip() == nil {
		genesis, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		if err := bc.AddBlock(genesis); err != nil {
			return fmt.Errorf("add genesis: %w", err)
		}
		logger.Info("genesis block committed", zap.String("hash", genesis.Hash))
	}

	emitter := events.NewEmitter(logger)
	idx := indexer.New(db, emitter, logger)

	var recorder *audit.Recorder
	if cfg.Audit.Path != "" {
		recorder, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer recorder.Close()
		recorder.Attach(emitter)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	view := func() core.State { return storage.NewStateDB(db) }
	opts := []rpc.Option{rpc.WithIndexer(idx), rpc.WithLogger(logger)}
	if recorder != nil {
		opts = append(opts, rpc.WithAudit(recorder))
	}

	var wg sync.WaitGroup
	switch cfg.Mode {
	case config.ModeDirect:
		svc := airdrop.NewService(db, economy.Ledger{},
			airdrop.WithEmitter(emitter),
			airdrop.WithLogger(logger),
			airdrop.WithChainID(cfg.Genesis.ChainID),
		)
		opts = append(opts, rpc.WithService(svc))
		logger.Info("direct mode: operations commit on receipt")

	default:
		mempool := core.NewMempool()
		exec := vm.NewExecutor(state, emitter)
		poa := consensus.New(cfg, bc, state, mempool, exec, emitter, privKey, logger)
		if err := poa.VerifyChain(); err != nil {
			return fmt.Errorf("verify stored chain: %w", err)
		}
		opts = append(opts, rpc.WithChain(bc, mempool))

		wg.Add(1)
		go func() {
			defer wg.Done()
			poa.Run(ctx, cfg.BlockInterval)
		}()
		logger.Info("consensus running",
			zap.String("validator", privKey.Public().Hex()),
			zap.Duration("interval", cfg.BlockInterval))
	}

	if cfg.Monitor.Schedule != "" {
		mon := monitor.New(func() (*core.Pool, error) {
			return airdrop.LoadPool(view())
		}, emitter, logger)
		if err := mon.Schedule(cfg.Monitor.Schedule); err != nil {
			return err
		}
		mon.Start()
		defer mon.Stop()
	}

	handler := rpc.NewHandler(cfg.Genesis.ChainID, view, opts...)
	server := rpc.NewServer(fmt.Sprintf(":%d", cfg.RPCPort), handler, cfg.RPCAuthToken, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	if cfg.RPCAuthToken != "" {
		logger.Info("rpc bearer token authentication enabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop intake first, then wait for the block producer.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown", zap.Error(err))
	}
	wg.Wait()

	// Deferred calls run in LIFO: monitor → audit → db.
	logger.Info("shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fedbtc/fedbtcd/internal/batch"
	"github.com/fedbtc/fedbtcd/internal/bitcoin"
	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/keys"
	"github.com/fedbtc/fedbtcd/internal/logging"
	"github.com/fedbtc/fedbtcd/internal/node"
	"github.com/fedbtc/fedbtcd/internal/p2p"
	"github.com/fedbtc/fedbtcd/internal/replenish"
	"github.com/fedbtc/fedbtcd/internal/rsk"
	"github.com/fedbtc/fedbtcd/internal/storage"
	"github.com/fedbtc/fedbtcd/internal/validator"
	"github.com/fedbtc/fedbtcd/internal/voting"
)

const serverShutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	slog.Info("fedbtcd starting",
		"port", cfg.ListenPort,
		"btcNetwork", cfg.BitcoinNetwork,
		"dbPath", cfg.DBPath,
		"requiredSigners", cfg.NumRequiredSigners,
		"maxTransfersInBatch", cfg.MaxTransfersInBatch,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	net := keys.NetworkParams(cfg.BitcoinNetwork)

	material, err := keys.Load(cfg.MasterKeyFile, net)
	if err != nil {
		slog.Error("failed to load key material", "error", err)
		return 1
	}

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		return 1
	}

	chain, err := rsk.NewClient(ctx, cfg.RskRPCURL, cfg.BridgeContractAddress,
		material.EVMKey(), cfg.ChainID, cfg.RequiredConfirmations)
	if err != nil {
		slog.Error("failed to create RSK client", "error", err)
		return 1
	}
	defer chain.Close()

	// The Bitcoin node must be reachable before the Bitcoin adapter and the
	// node services are created.
	btcRPC := bitcoin.NewRPCClient(cfg.BitcoinRPCURL, cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword)
	info, err := btcRPC.GetBlockchainInfo(ctx)
	if err != nil {
		slog.Error("bitcoin RPC health check failed", "error", err)
		return config.ExitBitcoinHealthCheck
	}
	slog.Info("bitcoin node healthy", "chain", info.Chain, "blocks", info.Blocks)

	fees := bitcoin.NewFeeEstimator(btcRPC, cfg.BitcoinNetwork == "regtest")

	btcAdapter, err := bitcoin.NewAdapter(btcRPC, fees, material,
		cfg.Xpubs(), cfg.DerivationPath, cfg.NumRequiredSigners, net)
	if err != nil {
		slog.Error("failed to create bitcoin adapter", "error", err)
		return 1
	}

	var replenisher *replenish.Replenisher
	if cfg.ReplenisherEnabled {
		ownAdapter, err := bitcoin.NewAdapter(btcRPC, fees, material,
			cfg.ReplenisherXpubSet(), cfg.DerivationPath, cfg.NumRequiredSigners, net)
		if err != nil {
			slog.Error("failed to create replenisher adapter", "error", err)
			return 1
		}

		threshold, err := parseBTC(cfg.ReplenishThresholdBTC)
		if err != nil {
			slog.Error("bad replenish threshold", "error", err)
			return 1
		}
		minAmount, err := parseBTC(cfg.ReplenishMinAmountBTC)
		if err != nil {
			slog.Error("bad replenish min amount", "error", err)
			return 1
		}
		maxAmount, err := parseBTC(cfg.ReplenishMaxAmountBTC)
		if err != nil {
			slog.Error("bad replenish max amount", "error", err)
			return 1
		}
		alertThreshold, err := parseBTC(cfg.AlertBalanceThresholdBTC)
		if err != nil {
			slog.Error("bad alert threshold", "error", err)
			return 1
		}

		replenisher = replenish.New(btcAdapter, ownAdapter,
			threshold, minAmount, maxAmount, alertThreshold, cfg.ReplenishMaxPerPeriod)
	}

	v := validator.New(chain, btcAdapter, cfg.NumRequiredSigners)
	batches := batch.NewService(db, chain, btcAdapter, v,
		cfg.MaxTransfersInBatch, cfg.MaxPassedBlocksInBatch, cfg.NumRequiredSigners)

	group := p2p.NewGroup(chain.Address(), material.EVMKey(), chain.IsFederator, cfg.Peers())
	election := voting.NewElection(chain.Address())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:      p2p.NewServer(group).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	n := node.New(cfg, db, chain, btcAdapter, batches, v, group, election, replenisher)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("federation server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("server shutdown error", "error", err)
			}
		}()
		return n.Run(gctx)
	})

	err = g.Wait()
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		slog.Info("fedbtcd stopped")
		return config.ExitCleanShutdown
	case errors.Is(err, config.ErrNeverFederator):
		slog.Error("exiting: never became federator", "error", err)
		return config.ExitNeverFederator
	case errors.Is(err, config.ErrNotFederator):
		slog.Error("exiting: lost federator role", "error", err)
		return config.ExitLostFederatorRole
	default:
		slog.Error("fedbtcd failed", "error", err)
		return 1
	}
}

// parseBTC converts a decimal BTC amount string to satoshis.
func parseBTC(s string) (int64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse BTC amount %q: %w", s, err)
	}
	return int64(v * config.SatoshisPerBitcoin), nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaykit/txmgr/api"
	"github.com/relaykit/txmgr/chain"
	"github.com/relaykit/txmgr/config"
	"github.com/relaykit/txmgr/gas"
	"github.com/relaykit/txmgr/monitor"
	"github.com/relaykit/txmgr/signer"
	"github.com/relaykit/txmgr/store"
	"github.com/relaykit/txmgr/txm"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()
	lggr := zl.Sugar().Named("TxMgr")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		records txm.RecordStore
		events  txm.EventPublisher
	)
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedis(lggr, cfg.RedisURL)
		if err != nil {
			lggr.Fatalw("redis init failed", "error", err)
		}
		defer func() { _ = redisStore.Close() }()
		if err := redisStore.Ping(ctx); err != nil {
			lggr.Fatalw("redis unreachable", "url", cfg.RedisURL, "error", err)
		}
		records, events = redisStore, redisStore
	} else {
		lggr.Warnw("no redis url configured, using in-memory persistence")
		records = txm.NewMemoryStore()
		events = txm.NewLogPublisher(lggr)
	}

	resolver := chain.NewResolver(lggr, cfg.ChainConnectorURL, cfg.ProviderCacheTTL.Duration)
	defer resolver.Close()
	keySigner := signer.NewRemote(cfg.KeyManagerURL, cfg.ClientTimeout.Duration)
	oracle := gas.NewClient(cfg.GasManagerURL, cfg.ClientTimeout.Duration)

	manager := txm.New(lggr, cfg.Txm.Config(), resolver, keySigner, oracle, records, events)
	if err := manager.Start(ctx); err != nil {
		lggr.Fatalw("transaction manager start failed", "error", err)
	}
	defer func() { _ = manager.Close() }()

	balances := monitor.NewBalanceMonitor(lggr, manager.Ledger(), resolver, cfg.BalancePollPeriod.Duration)
	if err := balances.Start(ctx); err != nil {
		lggr.Fatalw("balance monitor start failed", "error", err)
	}
	defer func() { _ = balances.Close() }()

	server := api.NewServer(api.ServerConfig{
		Listen:    cfg.Listen,
		AuthToken: cfg.AuthToken,
	}, lggr, manager)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lggr.Fatalw("server stopped", "error", err)
	}
	lggr.Infow("shutdown complete")
}

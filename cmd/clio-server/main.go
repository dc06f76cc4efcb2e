// Command clio-server runs one replica of the read-optimized ledger
// indexer/API server: `clio-server [--conf path] [--version]`, grounded
// on stellar-query-api/go/main.go's flag.String("config", ...) +
// graceful-shutdown-on-SIGINT pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xrplf/clio-go/internal/cacheloader"
	"github.com/xrplf/clio-go/internal/config"
	"github.com/xrplf/clio-go/internal/etl"
	"github.com/xrplf/clio-go/internal/execution"
	"github.com/xrplf/clio-go/internal/loadbalancer"
	"github.com/xrplf/clio-go/internal/metrics"
	"github.com/xrplf/clio-go/internal/peer"
	"github.com/xrplf/clio-go/internal/rpc"
	"github.com/xrplf/clio-go/internal/rpc/dosguard"
	"github.com/xrplf/clio-go/internal/rpc/handlers"
	"github.com/xrplf/clio-go/internal/store"
	"github.com/xrplf/clio-go/internal/store/cache"
	"github.com/xrplf/clio-go/internal/store/execbackend"
	"github.com/xrplf/clio-go/internal/store/flagledger"
	"github.com/xrplf/clio-go/internal/store/postgres"
	"github.com/xrplf/clio-go/internal/subscription"
	"github.com/xrplf/clio-go/internal/web"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

const exitOK = 0
const exitConfigError = 1
const exitStorageError = 2

func main() {
	os.Exit(run())
}

func run() int {
	confPath := flag.String("conf", "clio.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("clio-server " + version)
		return exitOK
	}

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clio-server: %v\n", err)
		return exitConfigError
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clio-server: logger: %v\n", err)
		return exitConfigError
	}
	defer log.Sync()

	log.Info("starting clio-server", zap.String("version", version), zap.String("conf", *confPath))

	m := metrics.Init()

	driver, err := postgres.Open(cfg.Database.URL, log)
	if err != nil {
		log.Error("failed to open storage backend", zap.Error(err))
		return exitStorageError
	}
	defer driver.Close()

	strat := execution.New(
		cfg.Database.MaxReadRequests,
		cfg.Database.MaxWriteRequests,
		execbackend.IsRetryablePQError,
		execution.DefaultRetryPolicy,
		log.Named("execution"),
	)
	backend := execbackend.New(driver, strat)

	layeredCache := cache.New()
	scheme := flagledger.New(cfg.Database.KeyShift)
	facade := store.New(backend, layeredCache, scheme, log.Named("facade"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := etl.NewLeaderElector(backend, time.Duration(cfg.ETL.LeaseSeconds)*time.Second, m, log.Named("leader"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); leader.Run(ctx) }()

	validated := peer.NewValidatedQueue()
	sources := make([]loadbalancer.Source, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		grpcClient, err := peer.DialGRPC(pc.Hostname, pc.GRPCPort, log.Named("peer."+pc.Hostname))
		if err != nil {
			log.Error("failed to dial peer", zap.String("hostname", pc.Hostname), zap.Error(err))
			return exitStorageError
		}
		wsClient := peer.NewWSClient(pc.Hostname, pc.WSPort)
		p := peer.New(peer.Config{Hostname: pc.Hostname, WSPort: pc.WSPort, GRPCPort: pc.GRPCPort}, grpcClient, wsClient, cfg.NetworkID, validated, log.Named("peer."+pc.Hostname))
		sources = append(sources, p)
		wg.Add(1)
		go func() { defer wg.Done(); p.Run(ctx) }()
	}
	balancer := loadbalancer.New(sources, cfg.RPC.ForwardCacheTTLDuration())

	if cacheloader.Style(cfg.CacheLoader.Style) == cacheloader.StyleNone {
		layeredCache.Disable()
	}
	loader := cacheloader.New(balancer, layeredCache, cfg.CacheLoader.NumMarkers, log.Named("cacheloader"))
	if err := loader.Load(ctx, cacheloader.Style(cfg.CacheLoader.Style), cfg.ETL.StartSequence); err != nil {
		log.Error("cache loader failed", zap.Error(err))
	}

	subs := subscription.New(m, log.Named("subscription"))
	publish := func(seq uint32, header store.Header) {
		subs.Publish("ledger", map[string]any{"type": "ledgerClosed", "ledger_index": seq})
	}

	pipeline := etl.NewPipeline(balancer, facade, leader, validated, cfg.ETL.QueueDepth, publish, m, log.Named("etl"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx, cfg.ETL.StartSequence); err != nil && ctx.Err() == nil {
			log.Error("etl pipeline exited", zap.Error(err))
		}
	}()

	deleter := store.NewOnlineDeleteLoop(facade, cfg.Database.KeepLedgers, cfg.Database.OnlineDeleteIntervalDuration(), leader.IsLeader, log.Named("onlinedelete"))
	wg.Add(1)
	go func() { defer wg.Done(); deleter.Run(ctx) }()

	guard := dosguard.New(dosguard.Config{
		SweepInterval: cfg.DoSGuard.SweepIntervalDuration(),
		MaxFetches:    cfg.DoSGuard.MaxFetches,
		MaxBytes:      cfg.DoSGuard.MaxBytes,
		Whitelist:     cfg.DoSGuard.Whitelist,
	})
	stopGuard := make(chan struct{})
	wg.Add(1)
	go func() { defer wg.Done(); guard.Run(stopGuard) }()

	engine := rpc.New(rpc.Config{
		Workers:        cfg.RPC.Workers,
		QueueCapacity:  cfg.RPC.QueueCapacity,
		DefaultVersion: cfg.RPC.DefaultVersion,
		MinVersion:     cfg.RPC.MinVersion,
		MaxVersion:     cfg.RPC.MaxVersion,
		ForwardMethods: cfg.RPC.ForwardMethods,
	}, balancer, m, log.Named("rpc"))
	handlers.Register(engine, facade, cfg.RPC.MinVersion, cfg.RPC.MaxVersion)

	server := web.New(web.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		AdminPassword:   cfg.Server.AdminPassword,
		AllowLocalAdmin: cfg.Server.AllowLocalAdmin,
		MetricsEnabled:  cfg.Server.MetricsEnabled,
	}, engine, subs, guard, m, log.Named("web"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("web server exited", zap.Error(err))
		}
	}

	cancel()
	close(stopGuard)

	shutdownDone := make(chan struct{})
	go func() { wg.Wait(); close(shutdownDone) }()
	select {
	case <-shutdownDone:
	case <-time.After(15 * time.Second):
		log.Warn("shutdown timed out waiting for background loops")
	}

	log.Info("clio-server stopped")
	return exitOK
}

// newLogger builds a production zap logger at the configured level,
// falling back to info on an unrecognized level string.
func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

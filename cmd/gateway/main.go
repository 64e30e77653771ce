// Command gateway runs the wallet-facing half of arkrelay: the nostr event
// loop that drives signing ceremonies, plus the background monitors that
// keep sessions, invoices and the vtxo pool honest. Heavy ceremony work is
// queued for cmd/worker/ceremony; this process stays close to the relays.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"arkrelay/config"
	"arkrelay/internal/arkd"
	"arkrelay/internal/asset"
	"arkrelay/internal/ceremony"
	"arkrelay/internal/database"
	"arkrelay/internal/lightning"
	"arkrelay/internal/lnd"
	"arkrelay/internal/nostr"
	jobs "arkrelay/internal/queue"
	"arkrelay/internal/rpc"
	"arkrelay/internal/session"
	"arkrelay/internal/sweeper"
	"arkrelay/internal/tapd"
	"arkrelay/internal/vtxo"
	"arkrelay/pkg/cache"
	"arkrelay/pkg/logger"
	streams "arkrelay/pkg/queue"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.GatewayConfig
	if err := config.Load(config.DefaultPath(), &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.App.Environment); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting gateway",
		zap.String("environment", cfg.App.Environment),
		zap.String("network", cfg.App.Network))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis backs the balance cache, the job streams and the per-session
	// executor locks.
	var redisCfg cache.Config
	if err := copier.Copy(&redisCfg, &cfg.Redis); err != nil {
		return fmt.Errorf("failed to copy cache config: %w", err)
	}
	if err := cache.Init(redisCfg); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cache.Close()

	var dbCfg database.Config
	if err := copier.Copy(&dbCfg, &cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database connection: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	store := database.NewStore(db)

	// All three daemons share one transport policy; each client carries
	// its own circuit breaker.
	policy := daemonPolicy(cfg.RPC)
	arkdClient, err := arkd.NewClient(daemonConn(cfg.Arkd, cfg.RPC), policy, cfg.App.Network)
	if err != nil {
		return fmt.Errorf("failed to connect to arkd: %w", err)
	}
	tapdClient, err := tapd.NewClient(daemonConn(cfg.Tapd, cfg.RPC), policy, cfg.App.Network)
	if err != nil {
		return fmt.Errorf("failed to connect to tapd: %w", err)
	}
	lndClient, err := lnd.NewClient(daemonConn(cfg.Lnd, cfg.RPC), policy, cfg.App.Network)
	if err != nil {
		return fmt.Errorf("failed to connect to lnd: %w", err)
	}

	manager := rpc.NewManager()
	manager.Register(arkdClient)
	manager.Register(tapdClient)
	manager.Register(lndClient)
	defer manager.CloseAll()

	identity, err := nostr.LoadIdentity(cfg.Nostr)
	if err != nil {
		return fmt.Errorf("failed to load nostr identity: %w", err)
	}
	nc, err := nostr.Connect(ctx, identity, cfg.Nostr.RelayURLs)
	if err != nil {
		return fmt.Errorf("failed to connect to nostr relays: %w", err)
	}
	defer nc.Close()

	q := streams.NewStreamQueue(cache.Client)
	for _, stream := range []string{jobs.StreamCeremonyExecute, jobs.StreamVtxoReplenish, jobs.StreamVtxoSettle} {
		if err := q.DeclareStream(ctx, stream, jobs.GroupGatewayWorkers); err != nil {
			return fmt.Errorf("failed to declare stream %s: %w", stream, err)
		}
	}

	registry := asset.NewRegistry(store, tapdClient, cfg.Cache)
	if n, err := registry.Sync(ctx); err != nil {
		// The registry keeps serving rows from the last successful sync;
		// tapd trouble shows up in the heartbeat either way.
		logger.Warn("Asset sync failed at startup", zap.Error(err))
	} else {
		logger.Info("Asset registry synced", zap.Int("assets", n))
	}

	inventory := vtxo.NewInventory(store, arkdClient, registry, q, cfg.Vtxo)
	coordinator := lightning.NewCoordinator(store, lndClient, inventory, cfg.Lightning, cfg.Vtxo)
	publisher := ceremony.NewPublisher(nc)
	sessions := session.NewService(store, time.Duration(cfg.Session.ChallengeTimeoutMinutes)*time.Minute)

	orch := ceremony.NewOrchestrator(ceremony.Deps{
		Store:     store,
		Sessions:  sessions,
		Assets:    registry,
		Inventory: inventory,
		Backend:   arkdClient,
		Payments:  coordinator,
		Publisher: publisher,
		Decryptor: nc,
		Jobs:      q,
	}, cfg.Session, cfg.Vtxo)

	disp := nostr.NewDispatcher(nc, int64(cfg.Cache.EventLogSize))
	disp.Handle(nostr.KindActionIntent, orch.HandleIntent)
	disp.Handle(nostr.KindChallengeResponse, orch.HandleResponse)

	monitor := lightning.NewMonitor(store, lightning.NodeWatcher{Client: lndClient}, inventory, publisher, cfg.Lightning, cfg.Vtxo)
	sw := sweeper.NewSweeper(store, publisher, cfg.Session, cfg.Lightning)

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Background loop exited", zap.String("loop", name), zap.Error(err))
			}
		}()
	}

	runLoop("invoice_monitor", monitor.Run)
	runLoop("sweeper", sw.Run)
	runLoop("health", func(ctx context.Context) error {
		return healthLoop(ctx, store, manager, time.Duration(cfg.RPC.HealthIntervalSeconds)*time.Second)
	})
	runLoop("inventory", func(ctx context.Context) error {
		return inventoryLoop(ctx, inventory, time.Duration(cfg.Vtxo.CheckIntervalMinutes)*time.Minute)
	})
	runLoop("settlement", func(ctx context.Context) error {
		return settlementLoop(ctx, registry, q, time.Duration(cfg.Vtxo.SettleIntervalHours)*time.Hour)
	})

	logger.Info("Gateway ready", zap.String("pubkey", nc.PubKey()))
	if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		wg.Wait()
		return fmt.Errorf("dispatcher stopped: %w", err)
	}

	logger.Info("Shutting down gateway")
	wg.Wait()
	return nil
}

// daemonConn maps one daemon's config section onto the shared transport
// settings.
func daemonConn(d config.DaemonConfig, rpcCfg config.RPCConfig) rpc.ConnConfig {
	return rpc.ConnConfig{
		Host:              d.Host,
		TLSCertPath:       d.TLSCertPath,
		MacaroonPath:      d.MacaroonPath,
		MaxMsgBytes:       rpcCfg.MaxMsgBytes,
		KeepaliveInterval: time.Duration(rpcCfg.KeepaliveSeconds) * time.Second,
	}
}

func daemonPolicy(rpcCfg config.RPCConfig) rpc.Policy {
	return rpc.Policy{
		Timeout:          time.Duration(rpcCfg.TimeoutSeconds) * time.Second,
		MaxAttempts:      rpcCfg.RetryMaxAttempts,
		BaseDelay:        time.Duration(rpcCfg.RetryBaseDelaySeconds) * time.Second,
		BreakerThreshold: uint32(rpcCfg.BreakerThreshold),
		BreakerRecovery:  time.Duration(rpcCfg.BreakerRecoverySeconds) * time.Second,
	}
}

// healthLoop probes every daemon and records the verdicts as this
// process's heartbeat row. The first beat runs immediately so a fresh
// deploy shows up without waiting out an interval.
func healthLoop(ctx context.Context, store *database.Store, manager *rpc.Manager, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	beat := func() {
		report := manager.HealthCheckAll(ctx)
		for _, svc := range report {
			if !svc.Healthy {
				logger.Warn("Daemon unhealthy",
					zap.String("service", svc.Service),
					zap.String("detail", svc.Detail))
			}
		}
		details, err := json.Marshal(report)
		if err != nil {
			logger.Error("Failed to marshal health report", zap.Error(err))
			return
		}
		if err := store.Heartbeats.Beat(ctx, "gateway", details); err != nil {
			logger.Warn("Heartbeat write failed", zap.Error(err))
		}
	}

	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
		}
	}
}

// inventoryLoop keeps vtxo pools above their floor, queueing replenish
// jobs for the worker whenever a pool runs thin.
func inventoryLoop(ctx context.Context, inv *vtxo.Inventory, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if err := inv.CheckPools(ctx); err != nil {
		logger.Warn("Pool check failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := inv.CheckPools(ctx); err != nil {
				logger.Warn("Pool check failed", zap.Error(err))
			}
		}
	}
}

// settlementLoop queues one settlement round per enabled asset. The worker
// runs the rounds; an asset with nothing settleable is a no-op there.
func settlementLoop(ctx context.Context, registry *asset.Registry, q *streams.StreamQueue, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			assets, err := registry.ListEnabled(ctx)
			if err != nil {
				logger.Warn("Failed to list assets for settlement", zap.Error(err))
				continue
			}
			for _, a := range assets {
				msg := jobs.SettleVtxosMessage{AssetID: a.AssetID}
				data, err := msg.ToJSON()
				if err != nil {
					logger.Error("Failed to encode settle job", zap.Error(err))
					continue
				}
				if _, err := q.Publish(ctx, jobs.StreamVtxoSettle, data); err != nil {
					logger.Warn("Failed to queue settle job",
						zap.String("asset_id", a.AssetID), zap.Error(err))
				}
			}
		}
	}
}

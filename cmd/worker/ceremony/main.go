// Command ceremony runs the arkrelay job worker: it consumes ceremony
// execution, vtxo replenishment and settlement jobs from the Redis streams
// the gateway feeds. Keeping daemon-heavy work here means a slow ark round
// never stalls the gateway's event loop.
package main

import (
	"context"
	"encoding/json"
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
	"arkrelay/internal/tapd"
	"arkrelay/internal/vtxo"
	"arkrelay/pkg/cache"
	"arkrelay/pkg/logger"
	streams "arkrelay/pkg/queue"

	"github.com/google/uuid"
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

	consumer := consumerName()
	logger.Info("Starting ceremony worker",
		zap.String("environment", cfg.App.Environment),
		zap.String("consumer", consumer))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	store := database.NewStore(db)

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

	// The worker publishes challenges, lift invoices and terminal events
	// itself, so it holds its own relay connections.
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
	inventory := vtxo.NewInventory(store, arkdClient, registry, q, cfg.Vtxo)
	settler := vtxo.NewSettler(store, arkdClient)
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
	}, cfg.Session, cfg.Vtxo)

	var wg sync.WaitGroup
	consume := func(stream string, handler func(messageID string, data []byte) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Consume(ctx, stream, jobs.GroupGatewayWorkers, consumer, handler); err != nil {
				logger.Error("Consumer exited", zap.String("stream", stream), zap.Error(err))
			}
		}()
	}

	consume(jobs.StreamCeremonyExecute, func(messageID string, data []byte) error {
		msg, err := jobs.FromJSONExecuteCeremony(data)
		if err != nil {
			return discard(jobs.StreamCeremonyExecute, messageID, err)
		}
		if err := msg.Validate(); err != nil {
			return discard(jobs.StreamCeremonyExecute, messageID, err)
		}
		return orch.Execute(ctx, msg.SessionID)
	})

	consume(jobs.StreamVtxoReplenish, func(messageID string, data []byte) error {
		msg, err := jobs.FromJSONReplenishVtxos(data)
		if err != nil {
			return discard(jobs.StreamVtxoReplenish, messageID, err)
		}
		if err := msg.Validate(); err != nil {
			return discard(jobs.StreamVtxoReplenish, messageID, err)
		}
		return inventory.Replenish(ctx, msg.AssetID, msg.Count, msg.AmountSats)
	})

	consume(jobs.StreamVtxoSettle, func(messageID string, data []byte) error {
		msg, err := jobs.FromJSONSettleVtxos(data)
		if err != nil {
			return discard(jobs.StreamVtxoSettle, messageID, err)
		}
		if err := msg.Validate(); err != nil {
			return discard(jobs.StreamVtxoSettle, messageID, err)
		}
		return settler.SettleAsset(ctx, msg.AssetID)
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeatLoop(ctx, store, manager, time.Duration(cfg.RPC.HealthIntervalSeconds)*time.Second)
	}()

	logger.Info("Ceremony worker ready")
	<-ctx.Done()

	// Consumers ACK only after a handler returns, so in-flight jobs finish
	// their current step before the process exits.
	logger.Info("Shutting down ceremony worker")
	wg.Wait()
	return nil
}

// discard acknowledges a message that can never succeed. Redelivering a
// payload that does not parse would just poison the stream.
func discard(stream, messageID string, err error) error {
	logger.Error("Discarding malformed job",
		zap.String("stream", stream),
		zap.String("message_id", messageID),
		zap.Error(err))
	return nil
}

// consumerName is stable enough to read in XPENDING output and unique
// enough that two workers on one host never collide.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ceremony-worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

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

// heartbeatLoop records this worker's liveness and the daemons' health in
// the heartbeats table, same shape the gateway writes.
func heartbeatLoop(ctx context.Context, store *database.Store, manager *rpc.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	beat := func() {
		report := manager.HealthCheckAll(ctx)
		details, err := json.Marshal(report)
		if err != nil {
			logger.Error("Failed to marshal health report", zap.Error(err))
			return
		}
		if err := store.Heartbeats.Beat(ctx, "ceremony-worker", details); err != nil {
			logger.Warn("Heartbeat write failed", zap.Error(err))
		}
	}

	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

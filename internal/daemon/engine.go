// Package daemon is the composition root: it constructs each component with
// its dependencies in order, registers the queue handlers as typed
// callbacks, and owns startup and shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/resolvd/resolvd/internal/cache"
	"github.com/resolvd/resolvd/internal/chain"
	"github.com/resolvd/resolvd/internal/config"
	"github.com/resolvd/resolvd/internal/indexer"
	"github.com/resolvd/resolvd/internal/logging"
	"github.com/resolvd/resolvd/internal/metrics"
	"github.com/resolvd/resolvd/internal/peers"
	"github.com/resolvd/resolvd/internal/resolution"
	"github.com/resolvd/resolvd/internal/scheduler"
	"github.com/resolvd/resolvd/internal/util"
	"github.com/resolvd/resolvd/pkg/types"
)

// Engine wires the resolution engine together and runs it.
type Engine struct {
	cfg *config.Config

	metrics    *metrics.Metrics
	cacheStore *cache.RedisStore
	jobStore   *scheduler.RedisStore
	sched      *scheduler.Scheduler

	chainClient *chain.Client
	adapter     *chain.Adapter
	orch        *resolution.Orchestrator
	indexer     *indexer.Indexer

	events *peers.EventManagerClient

	ops     *http.Server
	started atomic.Bool
}

// New constructs the engine. Connections are established in Start; a
// failure there is fatal by contract.
func New(cfg *config.Config) (*Engine, error) {
	logging.Setup(cfg.Log.Level, cfg.Log.Format, nil)

	m := metrics.New()

	chainClient, err := chain.NewClient(&chain.ClientConfig{
		RPCURL:        cfg.Chain.RPCURL,
		ChainID:       cfg.Chain.ChainID,
		Confirmations: cfg.Chain.Confirmations,
		RetryConfig:   util.DefaultRetryConfig(),
	}, cfg.Chain.PrivateKey)
	if err != nil {
		return nil, err
	}

	cacheStore := cache.NewRedisStore(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	jobStore := scheduler.NewRedisStore(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)

	sched := scheduler.New(jobStore,
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval()),
		scheduler.WithQueue(types.QueueLiveness, cfg.Scheduler.LivenessWorkers),
		scheduler.WithQueue(types.QueueSettlement, cfg.Scheduler.SettlementWorkers),
		scheduler.WithObserver(func(job *scheduler.Job, outcome string, d time.Duration) {
			m.ObserveJob(job.Queue, job.Type, outcome, d)
		}))

	return &Engine{
		cfg:         cfg,
		metrics:     m,
		cacheStore:  cacheStore,
		jobStore:    jobStore,
		sched:       sched,
		chainClient: chainClient,
		events:      peers.NewEventManagerClient(cfg.Peers.EventManagerURL),
	}, nil
}

// Start connects the chain, loads the contracts, wires the orchestrator and
// indexer, and launches the worker pools and the ops listener.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := e.chainClient.Connect(ctx); err != nil {
		return fmt.Errorf("chain init: %w", err)
	}

	contracts, err := chain.LoadContracts(e.chainClient,
		e.cfg.Chain.OracleRegistryAddress,
		e.cfg.Chain.ProposalManagerAddress,
		e.cfg.Chain.StakingManagerAddress)
	if err != nil {
		return fmt.Errorf("contract init: %w", err)
	}
	e.adapter = chain.NewAdapter(e.chainClient, contracts, e.cfg.Chain.LivenessWindow())

	e.orch = resolution.New(resolution.Deps{
		Cache:     e.cacheStore,
		Chain:     e.adapter,
		Scheduler: e.sched,
		Events:    e.events,
		Proposals: peers.NewProposalClient(e.cfg.Peers.ProposalServiceURL),
		Disputes:  peers.NewDisputeClient(e.cfg.Peers.DisputeServiceURL),
		Rewards:   peers.NewRewardClient(e.cfg.Peers.RewardServiceURL),
		Notifier:  peers.NewNotificationClient(e.cfg.Peers.NotificationServiceURL),
		Metrics:   e.metrics,
	})
	e.orch.RegisterHandlers(e.sched)
	e.sched.Start(ctx)

	e.indexer = indexer.New(e.chainClient, e.events, indexer.Config{
		Interval:        e.cfg.Indexer.Interval(),
		SeedLookback:    e.cfg.Indexer.SeedLookback,
		RPCRateLimit:    e.cfg.Indexer.RPCRateLimit,
		OracleRegistry:  common.HexToAddress(e.cfg.Chain.OracleRegistryAddress),
		ProposalManager: common.HexToAddress(e.cfg.Chain.ProposalManagerAddress),
	}, e.metrics)
	e.indexer.Start(ctx)

	e.startOpsServer()

	logging.Info("resolution engine started",
		"env", e.cfg.Env,
		"ops_addr", e.cfg.Ops.ListenAddr,
		"wallet", e.chainClient.Address().Hex())
	return nil
}

// Orchestrator exposes the lifecycle entry points to the embedding process.
func (e *Engine) Orchestrator() *resolution.Orchestrator {
	return e.orch
}

func (e *Engine) startOpsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())
	mux.HandleFunc("/healthz", e.handleHealthz)

	e.ops = &http.Server{
		Addr:         e.cfg.Ops.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	util.SafeGoWithName("ops-listener", func() {
		if err := e.ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("ops listener failed", logging.Err(err))
		}
	})
}

type healthResponse struct {
	Status           string `json:"status"`
	ChainConnected   bool   `json:"chainConnected"`
	LastIndexedBlock uint64 `json:"lastIndexedBlock"`
}

func (e *Engine) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if e.chainClient != nil {
		resp.ChainConnected = e.chainClient.IsConnected()
	}
	if e.indexer != nil {
		resp.LastIndexedBlock = e.indexer.LastIndexedBlock()
	}
	if !resp.ChainConnected {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Close shuts the engine down in reverse dependency order.
func (e *Engine) Close() error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}

	if e.indexer != nil {
		e.indexer.Stop()
	}
	e.sched.Stop()

	if e.ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.ops.Shutdown(ctx)
	}

	e.chainClient.Close()
	_ = e.jobStore.Close()
	_ = e.cacheStore.Close()

	logging.Info("resolution engine stopped")
	return nil
}

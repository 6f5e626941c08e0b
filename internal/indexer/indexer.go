// Package indexer ingests on-chain logs by polling block ranges. Extracted
// contract events are normalized and posted to the event manager, which
// deduplicates by (eventId, transactionHash); the block watermark only
// advances after a fully processed batch, so a partial failure replays the
// whole range on the next tick.
package indexer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/resolvd/resolvd/internal/chain"
	"github.com/resolvd/resolvd/internal/logging"
	"github.com/resolvd/resolvd/internal/metrics"
	"github.com/resolvd/resolvd/internal/peers"
	"github.com/resolvd/resolvd/internal/util"
)

// Log kinds posted to the event manager.
const (
	KindEventCreated      = "EventCreated"
	KindProposalSubmitted = "ProposalSubmitted"
	KindProposalFinalized = "ProposalFinalized"
)

// Provider is the chain read surface the indexer polls.
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// Ingest receives normalized chain events.
type Ingest interface {
	IngestChainEvent(ctx context.Context, rec peers.ChainEventRecord) error
}

// Config holds indexer settings.
type Config struct {
	Interval        time.Duration
	SeedLookback    uint64
	RPCRateLimit    float64 // requests per second; 0 disables limiting
	OracleRegistry  common.Address
	ProposalManager common.Address
}

// Indexer polls the chain and pushes contract events to the event manager.
type Indexer struct {
	provider Provider
	ingest   Ingest
	cfg      Config
	metrics  *metrics.Metrics

	registryABI abi.ABI
	proposalABI abi.ABI
	kinds       map[common.Hash]string

	limiter *rate.Limiter

	mu          sync.Mutex
	lastIndexed uint64
	seeded      bool

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an indexer. Metrics may be nil.
func New(provider Provider, ingest Ingest, cfg Config, m *metrics.Metrics) *Indexer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SeedLookback == 0 {
		cfg.SeedLookback = 100
	}

	registryABI := chain.MustParseABI(chain.OracleRegistryABI)
	proposalABI := chain.MustParseABI(chain.ProposalManagerABI)

	limit := rate.Inf
	if cfg.RPCRateLimit > 0 {
		limit = rate.Limit(cfg.RPCRateLimit)
	}

	return &Indexer{
		provider:    provider,
		ingest:      ingest,
		cfg:         cfg,
		metrics:     m,
		registryABI: registryABI,
		proposalABI: proposalABI,
		kinds: map[common.Hash]string{
			registryABI.Events["EventCreated"].ID:      KindEventCreated,
			proposalABI.Events["ProposalSubmitted"].ID: KindProposalSubmitted,
			proposalABI.Events["ProposalFinalized"].ID: KindProposalFinalized,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Start launches the polling loop.
func (ix *Indexer) Start(ctx context.Context) {
	if !ix.running.CompareAndSwap(false, true) {
		return
	}
	ctx, ix.cancel = context.WithCancel(ctx)

	ix.wg.Add(1)
	util.SafeGoWithName("chain-indexer", func() {
		defer ix.wg.Done()
		ticker := time.NewTicker(ix.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ix.Tick(ctx); err != nil && ctx.Err() == nil {
					logging.Warn("indexer tick failed", logging.Err(err))
				}
			}
		}
	})
	logging.Info("indexer started", "interval", ix.cfg.Interval)
}

// Stop halts the polling loop and waits for an in-flight tick.
func (ix *Indexer) Stop() {
	if !ix.running.CompareAndSwap(true, false) {
		return
	}
	ix.cancel()
	ix.wg.Wait()
	logging.Info("indexer stopped")
}

// LastIndexedBlock reports the watermark.
func (ix *Indexer) LastIndexedBlock() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastIndexed
}

// Tick processes one block range: (lastIndexed, head]. On the first run the
// watermark seeds at head − SeedLookback for a bounded replay.
func (ix *Indexer) Tick(ctx context.Context) error {
	if err := ix.limiter.Wait(ctx); err != nil {
		return err
	}
	head, err := ix.provider.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head lookup: %w", err)
	}

	ix.mu.Lock()
	if !ix.seeded {
		if head > ix.cfg.SeedLookback {
			ix.lastIndexed = head - ix.cfg.SeedLookback
		} else {
			ix.lastIndexed = 0
		}
		ix.seeded = true
		logging.Info("indexer seeded", "last_indexed", ix.lastIndexed, "head", head)
	}
	from := ix.lastIndexed + 1
	ix.mu.Unlock()

	if ix.metrics != nil {
		ix.metrics.IndexerBlockLag.Set(float64(head - min(head, ix.LastIndexedBlock())))
	}

	if head < from {
		return nil
	}

	if err := ix.limiter.Wait(ctx); err != nil {
		return err
	}

	topics := make([]common.Hash, 0, len(ix.kinds))
	for id := range ix.kinds {
		topics = append(topics, id)
	}
	logs, err := ix.provider.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{ix.cfg.OracleRegistry, ix.cfg.ProposalManager},
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return fmt.Errorf("filter logs [%d,%d]: %w", from, head, err)
	}

	for _, lg := range logs {
		rec, ok := ix.normalize(lg)
		if !ok {
			continue
		}
		if err := ix.ingest.IngestChainEvent(ctx, rec); err != nil {
			// Watermark stays put: the whole range replays next tick and
			// the peer's idempotency key absorbs the duplicates.
			return fmt.Errorf("ingest %s at block %d: %w", rec.Kind, lg.BlockNumber, err)
		}
	}

	ix.mu.Lock()
	ix.lastIndexed = head
	ix.mu.Unlock()

	if ix.metrics != nil {
		ix.metrics.IndexerLastBlock.Set(float64(head))
		ix.metrics.IndexerBlockLag.Set(0)
	}
	if len(logs) > 0 {
		logging.Info("indexed block range", "from", from, "to", head, "logs", len(logs))
	}
	return nil
}

// normalize converts a raw log to the peer's record form.
func (ix *Indexer) normalize(lg ethtypes.Log) (peers.ChainEventRecord, bool) {
	if len(lg.Topics) == 0 {
		return peers.ChainEventRecord{}, false
	}
	kind, ok := ix.kinds[lg.Topics[0]]
	if !ok {
		return peers.ChainEventRecord{}, false
	}

	rec := peers.ChainEventRecord{
		Kind:            kind,
		BlockNumber:     lg.BlockNumber,
		TransactionHash: lg.TxHash.Hex(),
	}

	switch kind {
	case KindEventCreated:
		if len(lg.Topics) > 1 {
			rec.EventID = lg.Topics[1].Hex()
		}
		if unpacked, err := ix.registryABI.Unpack("EventCreated", lg.Data); err == nil && len(unpacked) >= 2 {
			if desc, ok := unpacked[0].(string); ok {
				rec.Description = desc
			}
			if ts, ok := unpacked[1].(*big.Int); ok {
				rec.ResolutionTime = time.Unix(ts.Int64(), 0).UTC()
			}
		}
	case KindProposalSubmitted:
		if len(lg.Topics) > 2 {
			rec.ProposalID = lg.Topics[1].Hex()
			rec.EventID = lg.Topics[2].Hex()
		}
	case KindProposalFinalized:
		if len(lg.Topics) > 1 {
			rec.ProposalID = lg.Topics[1].Hex()
		}
	}
	return rec, true
}

package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/resolvd/resolvd/internal/chain"
	"github.com/resolvd/resolvd/internal/peers"
)

var (
	registryAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	proposalAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeProvider struct {
	mu      sync.Mutex
	head    uint64
	logs    []ethtypes.Log
	queries []ethereum.FilterQuery
	err     error
}

func (f *fakeProvider) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.head, nil
}

func (f *fakeProvider) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	from := q.FromBlock.Uint64()
	to := q.ToBlock.Uint64()
	var out []ethtypes.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

type fakeIngest struct {
	mu      sync.Mutex
	records []peers.ChainEventRecord
	failOn  string // transaction hash to fail on, once
}

func (f *fakeIngest) IngestChainEvent(_ context.Context, rec peers.ChainEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && rec.TransactionHash == f.failOn {
		f.failOn = ""
		return errors.New("event-manager unavailable")
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeIngest) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func eventCreatedLog(t *testing.T, block uint64, eventID common.Hash, description string) ethtypes.Log {
	t.Helper()
	registryABI := chain.MustParseABI(chain.OracleRegistryABI)
	ev := registryABI.Events["EventCreated"]

	data, err := ev.Inputs.NonIndexed().Pack(description, big.NewInt(1900000000))
	if err != nil {
		t.Fatalf("pack EventCreated data: %v", err)
	}
	return ethtypes.Log{
		Address:     registryAddr,
		Topics:      []common.Hash{ev.ID, eventID, common.HexToHash("0xbeef")},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(fmt.Sprintf("0x%064x", block)),
	}
}

func proposalSubmittedLog(block uint64, proposalID, eventID common.Hash) ethtypes.Log {
	proposalABI := chain.MustParseABI(chain.ProposalManagerABI)
	ev := proposalABI.Events["ProposalSubmitted"]
	return ethtypes.Log{
		Address:     proposalAddr,
		Topics:      []common.Hash{ev.ID, proposalID, eventID, common.HexToHash("0xbeef")},
		BlockNumber: block,
		TxHash:      common.HexToHash(fmt.Sprintf("0x%064x", block+1e6)),
	}
}

func newTestIndexer(p *fakeProvider, in *fakeIngest) *Indexer {
	return New(p, in, Config{
		Interval:        time.Second,
		SeedLookback:    100,
		OracleRegistry:  registryAddr,
		ProposalManager: proposalAddr,
	}, nil)
}

func TestColdStartSeedsWatermark(t *testing.T) {
	p := &fakeProvider{head: 1000}
	in := &fakeIngest{}
	ix := newTestIndexer(p, in)

	if err := ix.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got := ix.LastIndexedBlock(); got != 1000 {
		t.Errorf("watermark = %d, want 1000", got)
	}
	if len(p.queries) != 1 {
		t.Fatalf("expected 1 filter query, got %d", len(p.queries))
	}
	q := p.queries[0]
	if q.FromBlock.Uint64() != 901 || q.ToBlock.Uint64() != 1000 {
		t.Errorf("first range = [%d,%d], want [901,1000]", q.FromBlock.Uint64(), q.ToBlock.Uint64())
	}
}

func TestCatchUpAcrossTicks(t *testing.T) {
	eid := common.HexToHash("0xaaa1")
	p := &fakeProvider{head: 1000, logs: []ethtypes.Log{}}
	in := &fakeIngest{}
	ix := newTestIndexer(p, in)
	ctx := context.Background()

	if err := ix.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	p.head = 1003
	p.logs = []ethtypes.Log{eventCreatedLog(t, 1002, eid, "BTC above 100k")}
	p.mu.Unlock()

	if err := ix.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	if got := ix.LastIndexedBlock(); got != 1003 {
		t.Errorf("watermark = %d, want 1003", got)
	}
	q := p.queries[1]
	if q.FromBlock.Uint64() != 1001 || q.ToBlock.Uint64() != 1003 {
		t.Errorf("second range = [%d,%d], want [1001,1003]", q.FromBlock.Uint64(), q.ToBlock.Uint64())
	}
	if in.count() != 1 {
		t.Fatalf("expected 1 ingested record, got %d", in.count())
	}
	rec := in.records[0]
	if rec.Kind != KindEventCreated || rec.EventID != eid.Hex() || rec.Description != "BTC above 100k" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.BlockNumber != 1002 || rec.TransactionHash == "" {
		t.Errorf("missing chain coordinates: %+v", rec)
	}
}

func TestNoNewBlocksIsNoop(t *testing.T) {
	p := &fakeProvider{head: 500}
	in := &fakeIngest{}
	ix := newTestIndexer(p, in)
	ctx := context.Background()

	if err := ix.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	queriesAfterFirst := len(p.queries)

	// Head unchanged: the second tick must not issue a filter query.
	if err := ix.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if len(p.queries) != queriesAfterFirst {
		t.Errorf("tick with no new blocks issued a query")
	}
}

func TestPartialBatchFailureReplaysRange(t *testing.T) {
	eid1 := common.HexToHash("0xaaa1")
	eid2 := common.HexToHash("0xaaa2")
	p := &fakeProvider{head: 1000, logs: []ethtypes.Log{
		eventCreatedLog(t, 950, eid1, "first"),
		eventCreatedLog(t, 960, eid2, "second"),
	}}
	in := &fakeIngest{failOn: eventCreatedLog(t, 960, eid2, "second").TxHash.Hex()}
	ix := newTestIndexer(p, in)
	ctx := context.Background()

	if err := ix.Tick(ctx); err == nil {
		t.Fatal("expected tick error on ingest failure")
	}
	if got := ix.LastIndexedBlock(); got != 900 {
		t.Errorf("watermark advanced despite failure: %d", got)
	}

	// Next tick replays the full range; the peer-side dedup makes the
	// replayed first record harmless.
	if err := ix.Tick(ctx); err != nil {
		t.Fatalf("replay tick: %v", err)
	}
	if got := ix.LastIndexedBlock(); got != 1000 {
		t.Errorf("watermark = %d, want 1000", got)
	}
	if in.count() != 3 { // first twice (dedup upstream), second once
		t.Errorf("ingest count = %d, want 3", in.count())
	}
}

func TestProposalLogsNormalized(t *testing.T) {
	pid := common.HexToHash("0xppp1")
	eid := common.HexToHash("0xaaa1")
	p := &fakeProvider{head: 200, logs: []ethtypes.Log{proposalSubmittedLog(150, pid, eid)}}
	in := &fakeIngest{}
	ix := newTestIndexer(p, in)

	if err := ix.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if in.count() != 1 {
		t.Fatalf("expected 1 record, got %d", in.count())
	}
	rec := in.records[0]
	if rec.Kind != KindProposalSubmitted || rec.ProposalID != pid.Hex() || rec.EventID != eid.Hex() {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestUnknownTopicSkipped(t *testing.T) {
	p := &fakeProvider{head: 200, logs: []ethtypes.Log{{
		Address:     registryAddr,
		Topics:      []common.Hash{common.HexToHash("0xdead")},
		BlockNumber: 150,
	}}}
	in := &fakeIngest{}
	ix := newTestIndexer(p, in)

	if err := ix.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if in.count() != 0 {
		t.Errorf("unknown topics must be skipped, got %d records", in.count())
	}
	if ix.LastIndexedBlock() != 200 {
		t.Error("watermark must still advance past skipped logs")
	}
}

func TestStartStopPolls(t *testing.T) {
	p := &fakeProvider{head: 300}
	in := &fakeIngest{}
	ix := New(p, in, Config{
		Interval:        20 * time.Millisecond,
		SeedLookback:    100,
		OracleRegistry:  registryAddr,
		ProposalManager: proposalAddr,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ix.LastIndexedBlock() != 300 {
		time.Sleep(10 * time.Millisecond)
	}
	ix.Stop()

	if ix.LastIndexedBlock() != 300 {
		t.Errorf("polling loop never caught up, watermark = %d", ix.LastIndexedBlock())
	}
}

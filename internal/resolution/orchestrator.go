// Package resolution owns the event/proposal lifecycle: it drives proposals
// through liveness, dispute, finalization, and settlement, composing the
// cache, chain adapter, scheduler, and peer services under the transition
// table's invariants.
package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resolvd/resolvd/internal/cache"
	"github.com/resolvd/resolvd/internal/chain"
	"github.com/resolvd/resolvd/internal/logging"
	"github.com/resolvd/resolvd/internal/metrics"
	"github.com/resolvd/resolvd/internal/peers"
	"github.com/resolvd/resolvd/internal/scheduler"
	"github.com/resolvd/resolvd/internal/statemachine"
	"github.com/resolvd/resolvd/internal/util"
	"github.com/resolvd/resolvd/pkg/types"
)

// ErrPreconditionNotMet is returned when an operation's entry conditions do
// not hold (finalize before expiry, settle before resolution). The job retry
// policy absorbs the transient cases; the terminal ones exhaust their
// attempt budget and park as failed.
var ErrPreconditionNotMet = errors.New("precondition not met")

// ChainAdapter is the chain surface the orchestrator drives.
type ChainAdapter interface {
	SubmitProposal(ctx context.Context, eventID string, data types.ProposalData) (*chain.SubmitResult, error)
	FinalizeProposal(ctx context.Context, proposalID string) (string, error)
	SettleEvent(ctx context.Context, eventID string) (string, error)
}

// EventStore is the event-manager surface.
type EventStore interface {
	GetEvent(ctx context.Context, eventID string) (*types.Event, error)
	PatchEventStatus(ctx context.Context, eventID string, status, expected types.ResolutionState) error
}

// ProposalStore is the proposal-service surface.
type ProposalStore interface {
	GetProposal(ctx context.Context, proposalID string) (*types.Proposal, error)
}

// DisputeStore is the dispute-service surface.
type DisputeStore interface {
	OpenDisputeCount(ctx context.Context, proposalID string) (int, error)
}

// Rewards is the best-effort reward distribution surface.
type Rewards interface {
	Distribute(ctx context.Context, eventID string) error
}

// Notifier is the best-effort arbitrator notification surface.
type Notifier interface {
	NotifyArbitrators(ctx context.Context, proposalID string, disputeData json.RawMessage) error
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Table     *statemachine.Table
	Cache     cache.Store
	Chain     ChainAdapter
	Scheduler *scheduler.Scheduler
	Events    EventStore
	Proposals ProposalStore
	Disputes  DisputeStore
	Rewards   Rewards
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

// Orchestrator drives the resolution lifecycle. Methods are safe for
// concurrent use; per-event write ordering is serialized by the event
// manager's conditional status update, not by locks here.
type Orchestrator struct {
	table     *statemachine.Table
	cache     cache.Store
	chain     ChainAdapter
	sched     *scheduler.Scheduler
	events    EventStore
	proposals ProposalStore
	disputes  DisputeStore
	rewards   Rewards
	notifier  Notifier
	metrics   *metrics.Metrics

	now func() time.Time

	// Dispute cancellation tokens by proposal id. Set before queue removal
	// in HandleDisputeDetected and checked inside the finalize guard, so a
	// liveness job that slipped past removal still cannot finalize.
	cancelMu  sync.Mutex
	cancelled map[string]struct{}
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	table := deps.Table
	if table == nil {
		table = statemachine.NewTable()
	}
	return &Orchestrator{
		table:     table,
		cache:     deps.Cache,
		chain:     deps.Chain,
		sched:     deps.Scheduler,
		events:    deps.Events,
		proposals: deps.Proposals,
		disputes:  deps.Disputes,
		rewards:   deps.Rewards,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		now:       time.Now,
		cancelled: make(map[string]struct{}),
	}
}

// SetClock overrides the time source for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

func (o *Orchestrator) markCancelled(proposalID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	o.cancelled[proposalID] = struct{}{}
}

func (o *Orchestrator) clearCancelled(proposalID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	delete(o.cancelled, proposalID)
}

func (o *Orchestrator) isCancelled(proposalID string) bool {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	_, ok := o.cancelled[proposalID]
	return ok
}

// fetchEvent reads an event cache-through: cache hit, else the event
// manager, re-caching the result with the standard TTL.
func (o *Orchestrator) fetchEvent(ctx context.Context, eventID string) (*types.Event, error) {
	if raw, ok := o.cache.Get(ctx, cache.EventKey(eventID)); ok {
		var ev types.Event
		if err := json.Unmarshal(raw, &ev); err == nil {
			return &ev, nil
		}
		// Corrupt entry: drop and fall through to the peer.
		o.cache.Delete(ctx, cache.EventKey(eventID))
	}

	ev, err := o.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", eventID, err)
	}
	o.cacheEvent(ctx, ev)
	return ev, nil
}

func (o *Orchestrator) cacheEvent(ctx context.Context, ev *types.Event) {
	if raw, err := json.Marshal(ev); err == nil {
		o.cache.Set(ctx, cache.EventKey(ev.ID), raw, cache.EventTTL)
	}
}

// fetchProposal reads a proposal cache-through. The cache key embeds the
// event id, so a hit is found by prefix scan; a miss goes to the proposal
// service.
func (o *Orchestrator) fetchProposal(ctx context.Context, proposalID string) (*types.Proposal, error) {
	for _, key := range o.cache.Keys(ctx, cache.ProposalPrefixPattern(proposalID)) {
		raw, ok := o.cache.Get(ctx, key)
		if !ok {
			continue
		}
		var p types.Proposal
		if err := json.Unmarshal(raw, &p); err == nil {
			return &p, nil
		}
		o.cache.Delete(ctx, key)
	}

	p, err := o.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("fetch proposal %s: %w", proposalID, err)
	}
	o.cacheProposal(ctx, p)
	return p, nil
}

func (o *Orchestrator) cacheProposal(ctx context.Context, p *types.Proposal) {
	if raw, err := json.Marshal(p); err == nil {
		o.cache.Set(ctx, cache.ProposalKey(p.ID, p.EventID), raw, cache.ProposalTTL)
	}
}

// transitionEvent runs one table-checked transition and persists it with a
// conditional write, then invalidates the cached copy. On success the
// event's in-memory status is advanced.
func (o *Orchestrator) transitionEvent(ctx context.Context, ev *types.Event, to types.ResolutionState, tc *statemachine.Context) error {
	from := ev.Status
	if tc == nil {
		tc = &statemachine.Context{Event: ev}
	}

	if err := o.table.Apply(ctx, from, to, tc); err != nil {
		switch {
		case statemachine.IsInvalidTransition(err):
			o.observeTransition(from, to, "invalid")
			return util.MarkNonRetryable(err)
		case errors.Is(err, statemachine.ErrGuardFailed):
			o.observeTransition(from, to, "guard_failed")
			return err
		default:
			o.observeTransition(from, to, "action_error")
			return err
		}
	}

	if err := o.events.PatchEventStatus(ctx, ev.ID, to, from); err != nil {
		o.observeTransition(from, to, "patch_error")
		if errors.Is(err, peers.ErrStateConflict) {
			// Someone advanced the event first. The next poke or indexer
			// tick reconverges; retrying the same write cannot succeed.
			return util.MarkNonRetryable(err)
		}
		return err
	}

	o.cache.Delete(ctx, cache.EventKey(ev.ID))
	ev.Status = to
	o.observeTransition(from, to, "ok")

	logging.Info("event transitioned",
		logging.EventID(ev.ID), "from", string(from), "to", string(to))
	return nil
}

func (o *Orchestrator) observeTransition(from, to types.ResolutionState, outcome string) {
	if o.metrics != nil {
		o.metrics.ObserveTransition(string(from), string(to), outcome)
	}
}

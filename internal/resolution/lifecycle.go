package resolution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/resolvd/resolvd/internal/cache"
	"github.com/resolvd/resolvd/internal/logging"
	"github.com/resolvd/resolvd/internal/scheduler"
	"github.com/resolvd/resolvd/internal/statemachine"
	"github.com/resolvd/resolvd/internal/util"
	"github.com/resolvd/resolvd/pkg/types"
)

const (
	livenessAttempts   = 3
	livenessBackoff    = 5 * time.Second
	settlementDelay    = 60 * time.Second
	settlementAttempts = 5
	settlementBackoff  = 10 * time.Second
)

// ProcessEvent replays the engine into the event's current authoritative
// state: it fetches the canonical record, validates any divergence from the
// engine's cached view against the transition table, and returns the built
// context. Idempotent: with unchanged upstream state a second call produces
// an identical context and no side effects.
func (o *Orchestrator) ProcessEvent(ctx context.Context, eventID string) (*statemachine.Context, error) {
	var cached *types.Event
	if raw, ok := o.cache.Get(ctx, cache.EventKey(eventID)); ok {
		var ev types.Event
		if err := json.Unmarshal(raw, &ev); err == nil {
			cached = &ev
		}
	}

	authoritative, err := o.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("process event %s: %w", eventID, err)
	}

	tc := &statemachine.Context{Event: authoritative, Metadata: map[string]any{}}

	if cached != nil && cached.Status != authoritative.Status {
		// The upstream state moved while we held a stale view. Accept the
		// move only if it is a legal edge; anything else is a divergence
		// alarm for the operator (e.g. RESOLVED -> DISPUTED).
		if err := o.transitionReplay(ctx, cached.Status, authoritative.Status, tc); err != nil {
			return nil, err
		}
	}

	o.cacheEvent(ctx, authoritative)
	return tc, nil
}

func (o *Orchestrator) transitionReplay(ctx context.Context, from, to types.ResolutionState, tc *statemachine.Context) error {
	if err := o.table.Apply(ctx, from, to, tc); err != nil {
		if statemachine.IsInvalidTransition(err) {
			o.observeTransition(from, to, "divergence")
			logging.Error("state divergence detected",
				logging.EventID(tc.Event.ID),
				"engine_state", string(from), "authoritative_state", string(to))
		}
		return err
	}
	o.observeTransition(from, to, "replayed")
	return nil
}

// proposalPath returns the table walk that takes an event from its current
// state into LIVENESS at proposal submission.
func proposalPath(from types.ResolutionState) ([]types.ResolutionState, error) {
	switch from {
	case types.StateCreated:
		return []types.ResolutionState{types.StateDetecting, types.StateProposing, types.StateLiveness}, nil
	case types.StateDetecting:
		return []types.ResolutionState{types.StateProposing, types.StateLiveness}, nil
	case types.StateProposing:
		return []types.ResolutionState{types.StateLiveness}, nil
	default:
		return nil, &statemachine.InvalidTransitionError{From: from, To: types.StateLiveness}
	}
}

// InitiateProposal submits the detected outcome on-chain, schedules the
// liveness check for the proposal's expiry, and advances the event into
// LIVENESS. Returns the proposal id.
//
// A failure between the chain submission and the state write leaves chain
// and engine diverged; the indexer is the repair mechanism.
func (o *Orchestrator) InitiateProposal(ctx context.Context, eventID string, data types.ProposalData) (string, error) {
	ev, err := o.fetchEvent(ctx, eventID)
	if err != nil {
		return "", err
	}

	steps, err := proposalPath(ev.Status)
	if err != nil {
		o.observeTransition(ev.Status, types.StateLiveness, "invalid")
		return "", err
	}

	res, err := o.chain.SubmitProposal(ctx, eventID, data)
	if err != nil {
		return "", fmt.Errorf("initiate proposal for %s: %w", eventID, err)
	}

	o.clearCancelled(res.ProposalID)
	if err := o.ScheduleLivenessCheck(ctx, res.ProposalID, eventID, res.LivenessExpiry); err != nil {
		return "", err
	}

	p := &types.Proposal{
		ID:              res.ProposalID,
		EventID:         eventID,
		Outcome:         data.Outcome,
		ConfidenceScore: data.ConfidenceScore,
		EvidenceURI:     data.EvidenceURI,
		BondAmount:      data.Bond().String(),
		SubmittedAt:     o.now(),
		LivenessExpiry:  res.LivenessExpiry,
		Status:          types.ProposalStatusLiveness,
	}
	o.cacheProposal(ctx, p)

	tc := &statemachine.Context{Event: ev, Proposal: p}
	for _, next := range steps {
		if err := o.transitionEvent(ctx, ev, next, tc); err != nil {
			return "", err
		}
	}

	return res.ProposalID, nil
}

// ScheduleLivenessCheck enqueues the check-liveness job for a proposal with
// delay max(0, expiry − now). Any pending job for the proposal is removed
// first, so at most one liveness job per proposal exists at any time.
func (o *Orchestrator) ScheduleLivenessCheck(ctx context.Context, proposalID, eventID string, expiry time.Time) error {
	if _, err := o.PauseLivenessMonitoring(ctx, proposalID); err != nil {
		return err
	}

	delay := expiry.Sub(o.now())
	_, err := o.sched.Enqueue(ctx, types.QueueLiveness, types.JobCheckLiveness,
		types.LivenessPayload{ProposalID: proposalID, EventID: eventID},
		scheduler.Options{
			Delay:    delay,
			Attempts: livenessAttempts,
			Backoff:  livenessBackoff,
		})
	if err != nil {
		return fmt.Errorf("schedule liveness check for %s: %w", proposalID, err)
	}

	logging.Info("liveness check scheduled",
		logging.ProposalID(proposalID), logging.EventID(eventID),
		"expiry", expiry, "delay", delay)
	return nil
}

// PauseLivenessMonitoring removes every pending liveness job for the
// proposal. Idempotent; jobs already executing are not touched — the
// finalize guard stops them instead.
func (o *Orchestrator) PauseLivenessMonitoring(ctx context.Context, proposalID string) (int, error) {
	removed, err := o.sched.RemoveMatching(ctx, types.QueueLiveness, func(j *scheduler.Job) bool {
		var p types.LivenessPayload
		if err := j.DecodePayload(&p); err != nil {
			return false
		}
		return p.ProposalID == proposalID
	})
	if err != nil {
		return removed, fmt.Errorf("pause liveness monitoring for %s: %w", proposalID, err)
	}
	if removed > 0 {
		logging.Info("liveness jobs cancelled",
			logging.ProposalID(proposalID), "removed", removed)
	}
	return removed, nil
}

// HandleDisputeDetected moves the event into DISPUTED, alerts arbitrators,
// and cancels the proposal's pending liveness jobs. The cancellation
// completes before this returns so a stale timer cannot race finalization
// against arbitration; the token set up front covers the already-executing
// case the queue removal cannot reach.
func (o *Orchestrator) HandleDisputeDetected(ctx context.Context, proposalID string, disputeData json.RawMessage) error {
	o.markCancelled(proposalID)

	p, err := o.fetchProposal(ctx, proposalID)
	if err != nil {
		return err
	}

	ev, err := o.fetchEvent(ctx, p.EventID)
	if err != nil {
		return err
	}

	if ev.Status != types.StateDisputed {
		tc := &statemachine.Context{Event: ev, Proposal: p}
		if err := o.transitionEvent(ctx, ev, types.StateDisputed, tc); err != nil {
			return err
		}
	}

	p.Status = types.ProposalStatusDisputed
	p.ChallengeCount++
	o.cacheProposal(ctx, p)

	// Arbitrator notification is a side channel: dispute handling stays
	// live even when the notification service is down.
	if err := o.notifier.NotifyArbitrators(ctx, proposalID, disputeData); err != nil {
		logging.Warn("arbitrator notification failed",
			logging.ProposalID(proposalID), logging.Err(err))
	}

	if _, err := o.PauseLivenessMonitoring(ctx, proposalID); err != nil {
		return err
	}
	return nil
}

// FinalizeProposal runs when a liveness job fires: it re-checks the
// finalization gate at execution time, locks the outcome on-chain, advances
// the event to RESOLVED, and schedules settlement.
func (o *Orchestrator) FinalizeProposal(ctx context.Context, proposalID string) error {
	p, err := o.fetchProposal(ctx, proposalID)
	if err != nil {
		return err
	}

	if err := o.checkFinalizationGate(ctx, p); err != nil {
		return err
	}

	txHash, err := o.chain.FinalizeProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("finalize proposal %s: %w", proposalID, err)
	}

	ev, err := o.fetchEvent(ctx, p.EventID)
	if err != nil {
		return err
	}
	tc := &statemachine.Context{Event: ev, Proposal: p, Metadata: map[string]any{"txHash": txHash}}
	if err := o.transitionEvent(ctx, ev, types.StateResolved, tc); err != nil {
		return err
	}

	p.Status = types.ProposalStatusFinalized
	now := o.now()
	p.FinalizedAt = &now
	o.cacheProposal(ctx, p)

	_, err = o.sched.Enqueue(ctx, types.QueueSettlement, types.JobSettleEvent,
		types.SettlementPayload{EventID: p.EventID},
		scheduler.Options{
			Delay:    settlementDelay,
			Attempts: settlementAttempts,
			Backoff:  settlementBackoff,
		})
	if err != nil {
		return fmt.Errorf("schedule settlement for %s: %w", p.EventID, err)
	}
	return nil
}

// checkFinalizationGate enforces the finalization conditions at execution
// time: proposal still in liveness, expiry strictly passed, no cancellation
// token, and zero open disputes.
func (o *Orchestrator) checkFinalizationGate(ctx context.Context, p *types.Proposal) error {
	if o.isCancelled(p.ID) {
		// The dispute path already owns this proposal; retrying cannot help.
		return util.MarkNonRetryable(
			fmt.Errorf("%w: proposal %s cancelled by dispute", ErrPreconditionNotMet, p.ID))
	}
	if p.Status != types.ProposalStatusLiveness {
		return fmt.Errorf("%w: proposal %s status is %q", ErrPreconditionNotMet, p.ID, p.Status)
	}
	if !o.now().After(p.LivenessExpiry) {
		return fmt.Errorf("%w: liveness window for %s not expired", ErrPreconditionNotMet, p.ID)
	}

	open, err := o.disputes.OpenDisputeCount(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("dispute lookup for %s: %w", p.ID, err)
	}
	if open > 0 {
		return fmt.Errorf("%w: proposal %s has %d open disputes", ErrPreconditionNotMet, p.ID, open)
	}
	return nil
}

// ResumeLivenessMonitoring re-enters the liveness window after arbitration
// overturns a dispute: it clears the cancellation token, advances the event
// back to LIVENESS, and schedules a fresh liveness check.
func (o *Orchestrator) ResumeLivenessMonitoring(ctx context.Context, proposalID string) error {
	p, err := o.fetchProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	ev, err := o.fetchEvent(ctx, p.EventID)
	if err != nil {
		return err
	}

	tc := &statemachine.Context{Event: ev, Proposal: p}
	if err := o.transitionEvent(ctx, ev, types.StateLiveness, tc); err != nil {
		return err
	}

	o.clearCancelled(proposalID)
	p.Status = types.ProposalStatusLiveness
	o.cacheProposal(ctx, p)

	return o.ScheduleLivenessCheck(ctx, proposalID, p.EventID, p.LivenessExpiry)
}

// SettleEvent runs when a settlement job fires: it settles on-chain,
// triggers reward distribution, advances the event to SETTLED, and purges
// the event's cache entries.
func (o *Orchestrator) SettleEvent(ctx context.Context, eventID string) error {
	ev, err := o.fetchEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Status != types.StateResolved {
		return fmt.Errorf("%w: event %s status is %s, want RESOLVED", ErrPreconditionNotMet, eventID, ev.Status)
	}

	txHash, err := o.chain.SettleEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("settle event %s: %w", eventID, err)
	}

	// Rewards are eventually reconcilable; a failed distribution must not
	// block settlement.
	if err := o.rewards.Distribute(ctx, eventID); err != nil {
		logging.Warn("reward distribution failed",
			logging.EventID(eventID), logging.Err(err))
	}

	tc := &statemachine.Context{Event: ev, Metadata: map[string]any{"txHash": txHash}}
	if err := o.transitionEvent(ctx, ev, types.StateSettled, tc); err != nil {
		return err
	}

	o.purgeEventCache(ctx, eventID)
	return nil
}

// purgeEventCache drops the event entry and every proposal entry keyed to
// the event.
func (o *Orchestrator) purgeEventCache(ctx context.Context, eventID string) {
	keys := append(o.cache.Keys(ctx, cache.ProposalPattern(eventID)), cache.EventKey(eventID))
	o.cache.Delete(ctx, keys...)
	if o.metrics != nil {
		o.metrics.CachePurges.Inc()
	}
	logging.Debug("cache purged", logging.EventID(eventID), "keys", len(keys))
}

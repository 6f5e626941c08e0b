package resolution

import (
	"context"
	"sync"

	"github.com/resolvd/resolvd/internal/logging"
	"github.com/resolvd/resolvd/internal/scheduler"
	"github.com/resolvd/resolvd/pkg/types"
)

// RegisterHandlers binds the orchestrator's operations to their queues as
// typed callbacks. Called once from the composition root before the
// scheduler starts.
func (o *Orchestrator) RegisterHandlers(s *scheduler.Scheduler) {
	s.Register(types.QueueLiveness, types.JobCheckLiveness, o.handleCheckLiveness)
	s.Register(types.QueueSettlement, types.JobSettleEvent, o.handleSettleEvent)
	s.Register(types.QueueSettlement, types.JobBatchSettlement, o.handleBatchSettlement)
}

func (o *Orchestrator) handleCheckLiveness(ctx context.Context, job *scheduler.Job) error {
	var p types.LivenessPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	return o.FinalizeProposal(ctx, p.ProposalID)
}

func (o *Orchestrator) handleSettleEvent(ctx context.Context, job *scheduler.Job) error {
	var p types.SettlementPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	return o.SettleEvent(ctx, p.EventID)
}

// handleBatchSettlement settles each event concurrently and reports the
// split without failing the job on partial failure.
func (o *Orchestrator) handleBatchSettlement(ctx context.Context, job *scheduler.Job) error {
	var p types.BatchSettlementPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	result := o.SettleBatch(ctx, p.EventIDs)
	logging.Info("batch settlement finished",
		logging.JobID(job.ID),
		"successful", result.Successful,
		"failed", result.Failed)
	return nil
}

// SettleBatch runs SettleEvent concurrently for each id, collecting
// per-event outcomes. Individual failures are recorded, never propagated.
func (o *Orchestrator) SettleBatch(ctx context.Context, eventIDs []string) types.BatchSettlementResult {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	result := types.BatchSettlementResult{}

	for _, id := range eventIDs {
		wg.Add(1)
		eventID := id
		go func() {
			defer wg.Done()
			err := o.SettleEvent(ctx, eventID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.FailedIDs = append(result.FailedIDs, eventID)
				logging.Warn("batch settlement: event failed",
					logging.EventID(eventID), logging.Err(err))
				return
			}
			result.Successful++
		}()
	}
	wg.Wait()
	return result
}

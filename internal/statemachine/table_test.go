package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/resolvd/resolvd/pkg/types"
)

func TestTableAllowsSpecifiedEdges(t *testing.T) {
	table := NewTable()

	allowed := [][2]types.ResolutionState{
		{types.StateCreated, types.StateDetecting},
		{types.StateCreated, types.StateEvidenceGathering},
		{types.StateDetecting, types.StateProposing},
		{types.StateDetecting, types.StateEvidenceGathering},
		{types.StateProposing, types.StateLiveness},
		{types.StateLiveness, types.StateDisputed},
		{types.StateLiveness, types.StateMonitoring},
		{types.StateLiveness, types.StateResolved},
		{types.StateDisputed, types.StateArbitration},
		{types.StateDisputed, types.StateLiveness},
		{types.StateArbitration, types.StateResolved},
		{types.StateArbitration, types.StateLiveness},
		{types.StateResolved, types.StateSettled},
	}
	for _, pair := range allowed {
		if !table.Allowed(pair[0], pair[1]) {
			t.Errorf("expected edge %s -> %s", pair[0], pair[1])
		}
	}
}

func TestTableRejectsIllegalEdges(t *testing.T) {
	table := NewTable()
	ctx := context.Background()

	illegal := [][2]types.ResolutionState{
		{types.StateResolved, types.StateDisputed}, // divergence alarm case
		{types.StateSettled, types.StateLiveness},  // SETTLED is terminal
		{types.StateSettled, types.StateResolved},
		{types.StateCreated, types.StateLiveness},
		{types.StateLiveness, types.StateSettled},
		{types.StateEvidenceGathering, types.StateProposing}, // holding state
		{types.StateMonitoring, types.StateResolved},         // holding state
	}
	for _, pair := range illegal {
		err := table.Apply(ctx, pair[0], pair[1], &Context{})
		if !IsInvalidTransition(err) {
			t.Errorf("edge %s -> %s: expected InvalidTransitionError, got %v", pair[0], pair[1], err)
		}
	}
}

func TestSettledHasNoSuccessors(t *testing.T) {
	table := NewTable()
	if succ := table.Successors(types.StateSettled); len(succ) != 0 {
		t.Errorf("SETTLED must be terminal, got successors %v", succ)
	}
}

func TestGuardRejection(t *testing.T) {
	table := NewTable()
	table.OnTransition(types.StateLiveness, types.StateResolved,
		func(tc *Context) bool { return false }, nil)

	err := table.Apply(context.Background(), types.StateLiveness, types.StateResolved, &Context{})
	if !errors.Is(err, ErrGuardFailed) {
		t.Errorf("expected ErrGuardFailed, got %v", err)
	}
}

func TestActionRunsWithContext(t *testing.T) {
	table := NewTable()
	ran := false
	table.OnTransition(types.StateProposing, types.StateLiveness,
		nil,
		func(_ context.Context, tc *Context) error {
			ran = true
			if tc.Event == nil || tc.Event.ID != "e1" {
				t.Error("action did not receive the transition context")
			}
			return nil
		})

	tc := &Context{Event: &types.Event{ID: "e1"}}
	if err := table.Apply(context.Background(), types.StateProposing, types.StateLiveness, tc); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !ran {
		t.Error("action did not run")
	}
}

func TestActionErrorPropagates(t *testing.T) {
	table := NewTable()
	boom := errors.New("peer down")
	table.OnTransition(types.StateResolved, types.StateSettled, nil,
		func(context.Context, *Context) error { return boom })

	err := table.Apply(context.Background(), types.StateResolved, types.StateSettled, &Context{})
	if !errors.Is(err, boom) {
		t.Errorf("expected action error, got %v", err)
	}
}

func TestOnTransitionUnknownEdgePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown edge")
		}
	}()
	NewTable().OnTransition(types.StateSettled, types.StateCreated, nil, nil)
}

func TestGuardedSelfLoopAbsent(t *testing.T) {
	table := NewTable()
	for _, s := range []types.ResolutionState{
		types.StateCreated, types.StateLiveness, types.StateSettled,
	} {
		if table.Allowed(s, s) {
			t.Errorf("self loop %s -> %s must not exist", s, s)
		}
	}
}

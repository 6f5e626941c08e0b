// Package statemachine holds the resolution transition table. The table is
// data: a static set of (from, to) edges loaded once at startup, each with an
// optional guard and action hook. Guards are pure; actions may perform I/O
// and must be idempotent because transitions can be retried.
package statemachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/resolvd/resolvd/pkg/types"
)

// InvalidTransitionError reports a (from, to) pair outside the table.
type InvalidTransitionError struct {
	From types.ResolutionState
	To   types.ResolutionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// ErrGuardFailed is returned when an edge's guard rejects the transition.
var ErrGuardFailed = errors.New("transition guard failed")

// Context is the typed payload carried through a transition: the event, the
// proposal when one exists, and an opaque metadata tail for forward
// compatibility.
type Context struct {
	Event    *types.Event
	Proposal *types.Proposal
	Metadata map[string]any
}

// Guard decides whether an edge may be taken. Guards must be pure.
type Guard func(tc *Context) bool

// Action runs after a transition is admitted. Actions may suspend on I/O and
// must be idempotent.
type Action func(ctx context.Context, tc *Context) error

type edgeKey struct {
	from, to types.ResolutionState
}

type edge struct {
	guard  Guard
	action Action
}

// Table is the transition table. Construct once with NewTable, optionally
// attach hooks, then share freely; lookups are read-only.
type Table struct {
	edges map[edgeKey]*edge
}

// NewTable builds the resolution graph:
//
//	CREATED      -> DETECTING | EVIDENCE_GATHERING
//	DETECTING    -> PROPOSING | EVIDENCE_GATHERING
//	PROPOSING    -> LIVENESS
//	LIVENESS     -> DISPUTED | MONITORING | RESOLVED
//	DISPUTED     -> ARBITRATION | LIVENESS
//	ARBITRATION  -> RESOLVED | LIVENESS
//	RESOLVED     -> SETTLED
//
// SETTLED is terminal. EVIDENCE_GATHERING and MONITORING are holding states
// whose exits are driven by external subsystems.
func NewTable() *Table {
	pairs := []edgeKey{
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

	t := &Table{edges: make(map[edgeKey]*edge, len(pairs))}
	for _, p := range pairs {
		t.edges[p] = &edge{}
	}
	return t
}

// Allowed reports whether (from, to) is an edge of the table.
func (t *Table) Allowed(from, to types.ResolutionState) bool {
	_, ok := t.edges[edgeKey{from, to}]
	return ok
}

// Successors returns the reachable states from a given state.
func (t *Table) Successors(from types.ResolutionState) []types.ResolutionState {
	var out []types.ResolutionState
	for k := range t.edges {
		if k.from == from {
			out = append(out, k.to)
		}
	}
	return out
}

// OnTransition attaches a guard and/or action to an existing edge. Attaching
// to an edge outside the table is a programming error and panics at startup.
func (t *Table) OnTransition(from, to types.ResolutionState, guard Guard, action Action) {
	e, ok := t.edges[edgeKey{from, to}]
	if !ok {
		panic(fmt.Sprintf("statemachine: no edge %s -> %s", from, to))
	}
	e.guard = guard
	e.action = action
}

// Apply validates the (from, to) edge, evaluates its guard, and runs its
// action. The caller persists the new state only after Apply returns nil.
func (t *Table) Apply(ctx context.Context, from, to types.ResolutionState, tc *Context) error {
	e, ok := t.edges[edgeKey{from, to}]
	if !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	if e.guard != nil && !e.guard(tc) {
		return fmt.Errorf("%w: %s -> %s", ErrGuardFailed, from, to)
	}
	if e.action != nil {
		if err := e.action(ctx, tc); err != nil {
			return fmt.Errorf("transition action %s -> %s: %w", from, to, err)
		}
	}
	return nil
}

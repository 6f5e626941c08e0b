package chain

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/resolvd/resolvd/pkg/types"
)

// MockLedger simulates the contract suite in process. It enforces the same
// preconditions the deployed contracts revert on, so orchestrator tests
// exercise the permanent-error paths without an RPC endpoint.
type MockLedger struct {
	mu     sync.Mutex
	window time.Duration

	events    map[string]*EventRecord
	proposals map[string]*mockProposal
}

type mockProposal struct {
	eventID   string
	expiry    time.Time
	finalized bool
}

func newMockLedger(window time.Duration) *MockLedger {
	return &MockLedger{
		window:    window,
		events:    make(map[string]*EventRecord),
		proposals: make(map[string]*mockProposal),
	}
}

func mockTxHash(op, id string) string {
	return crypto.Keccak256Hash([]byte(op), []byte(id)).Hex()
}

// CreateEvent registers an event on the simulated ledger. Test setup only.
func (m *MockLedger) CreateEvent(eventID, description string, resolutionTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventID] = &EventRecord{
		EventID:        eventID,
		Description:    description,
		ResolutionTime: resolutionTime,
		RewardPool:     big.NewInt(0),
	}
}

// SetWindow overrides the liveness window, letting tests run expiry paths
// without waiting.
func (m *MockLedger) SetWindow(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = d
}

// ProposalCount reports registered proposals, for assertions.
func (m *MockLedger) ProposalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proposals)
}

func (m *MockLedger) submitProposal(eventID, proposalID string, data types.ProposalData, now time.Time) (*SubmitResult, error) {
	if data.Bond().Sign() <= 0 {
		return nil, Permanent(fmt.Errorf("insufficient bond for event %s", eventID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.proposals[proposalID] = &mockProposal{
		eventID: eventID,
		expiry:  now.Add(m.window),
	}
	return &SubmitResult{
		ProposalID:     proposalID,
		TxHash:         mockTxHash("submit", proposalID),
		LivenessExpiry: now.Add(m.window),
	}, nil
}

func (m *MockLedger) finalizeProposal(proposalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[proposalID]
	if !ok {
		return "", Permanent(fmt.Errorf("execution reverted: unknown proposal %s", proposalID))
	}
	p.finalized = true
	return mockTxHash("finalize", proposalID), nil
}

func (m *MockLedger) settleEvent(eventID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventID]
	if ok {
		ev.Settled = true
	}
	return mockTxHash("settle", eventID), nil
}

func (m *MockLedger) getEvent(eventID string) (*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventID]
	if !ok {
		return nil, Permanent(fmt.Errorf("execution reverted: unknown event %s", eventID))
	}
	cp := *ev
	return &cp, nil
}

package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/resolvd/resolvd/internal/logging"
	"github.com/resolvd/resolvd/pkg/types"
)

// SubmitResult is the outcome of a proposal submission.
type SubmitResult struct {
	ProposalID     string
	TxHash         string
	LivenessExpiry time.Time
}

// EventRecord is the on-chain view of an event from the oracle registry.
type EventRecord struct {
	EventID        string
	Description    string
	ResolutionTime time.Time
	Status         uint8
	OutcomeHash    common.Hash
	Proposer       common.Address
	RewardPool     *big.Int
	Settled        bool
}

// EventIDHash content-addresses an opaque event id to the bytes32 the
// contracts key on.
func EventIDHash(eventID string) common.Hash {
	return crypto.Keccak256Hash([]byte(eventID))
}

// ProposalIDFor computes the proposal id the contract derives:
// keccak256(eventId || submissionTimestamp).
func ProposalIDFor(eventID string, at time.Time) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixMilli()))
	return crypto.Keccak256Hash([]byte(eventID), ts[:]).Hex()
}

// Adapter submits proposal, finalize, and settle transactions and reads
// event state. Every mutation waits for confirmation before returning, and
// results are memoized by event/proposal id so scheduler retries of an
// already-confirmed operation are absorbed without a duplicate transaction.
type Adapter struct {
	client         *Client
	contracts      *Contracts
	livenessWindow time.Duration

	mock *MockLedger

	mu        sync.Mutex
	submitted map[string]*SubmitResult // eventID → result
	finalized map[string]string        // proposalID → tx hash
	settled   map[string]string        // eventID → tx hash
}

// NewAdapter creates the production adapter over a connected client.
func NewAdapter(client *Client, contracts *Contracts, livenessWindow time.Duration) *Adapter {
	return &Adapter{
		client:         client,
		contracts:      contracts,
		livenessWindow: livenessWindow,
		submitted:      make(map[string]*SubmitResult),
		finalized:      make(map[string]string),
		settled:        make(map[string]string),
	}
}

// NewMockAdapter creates an adapter backed by an in-process simulated
// ledger, for tests and local development without an RPC endpoint.
func NewMockAdapter(livenessWindow time.Duration) *Adapter {
	return &Adapter{
		livenessWindow: livenessWindow,
		mock:           newMockLedger(livenessWindow),
		submitted:      make(map[string]*SubmitResult),
		finalized:      make(map[string]string),
		settled:        make(map[string]string),
	}
}

// MockMode reports whether the adapter runs against the simulated ledger.
func (a *Adapter) MockMode() bool {
	return a.mock != nil
}

// Mock exposes the simulated ledger for test setup. Nil in production mode.
func (a *Adapter) Mock() *MockLedger {
	return a.mock
}

// SubmitProposal submits a candidate outcome with the bond attached as
// transaction value and waits for one confirmation. The liveness expiry is
// taken from the contract's ProposalSubmitted event when present; local
// clock arithmetic is only the fallback.
func (a *Adapter) SubmitProposal(ctx context.Context, eventID string, data types.ProposalData) (*SubmitResult, error) {
	a.mu.Lock()
	if prior, ok := a.submitted[eventID]; ok {
		a.mu.Unlock()
		return prior, nil
	}
	a.mu.Unlock()

	now := time.Now()
	proposalID := ProposalIDFor(eventID, now)
	outcomeHash := crypto.Keccak256Hash(data.Outcome)

	var result *SubmitResult
	if a.mock != nil {
		var err error
		result, err = a.mock.submitProposal(eventID, proposalID, data, now)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		result, err = a.submitOnChain(ctx, eventID, proposalID, outcomeHash, data, now)
		if err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	a.submitted[eventID] = result
	a.mu.Unlock()

	logging.Info("proposal submitted",
		logging.EventID(eventID),
		logging.ProposalID(result.ProposalID),
		logging.TxHash(result.TxHash),
		"liveness_expiry", result.LivenessExpiry)
	return result, nil
}

func (a *Adapter) submitOnChain(ctx context.Context, eventID, proposalID string, outcomeHash common.Hash, data types.ProposalData, now time.Time) (*SubmitResult, error) {
	contract, err := a.contracts.ByName(ContractProposalManager)
	if err != nil {
		return nil, err
	}

	auth, err := a.client.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	auth.Value = data.Bond()

	tx, err := contract.Bound.Transact(auth, "submitProposal",
		EventIDHash(eventID), outcomeHash, []byte(data.Outcome), data.EvidenceURI)
	if err != nil {
		// A nonce race leaves the counter ahead of the chain; resync so
		// the retry does not fail the same way.
		_ = a.client.SyncNonce(ctx)
		return nil, Classify(fmt.Errorf("submitProposal: %w", err))
	}

	receipt, err := a.client.WaitForTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{
		ProposalID:     proposalID,
		TxHash:         tx.Hash().Hex(),
		LivenessExpiry: now.Add(a.livenessWindow),
	}

	submittedEvent := contract.ABI.Events["ProposalSubmitted"]
	for _, lg := range receipt.Logs {
		if lg.Address != contract.Address || len(lg.Topics) == 0 || lg.Topics[0] != submittedEvent.ID {
			continue
		}
		if len(lg.Topics) > 1 {
			result.ProposalID = lg.Topics[1].Hex()
		}
		unpacked, err := contract.ABI.Unpack("ProposalSubmitted", lg.Data)
		if err != nil || len(unpacked) < 2 {
			continue
		}
		if expiry, ok := unpacked[1].(*big.Int); ok && expiry.Sign() > 0 {
			result.LivenessExpiry = time.Unix(expiry.Int64(), 0)
		}
	}
	return result, nil
}

// FinalizeProposal locks the proposal's outcome on-chain and waits for one
// confirmation. Idempotent per proposal id.
func (a *Adapter) FinalizeProposal(ctx context.Context, proposalID string) (string, error) {
	a.mu.Lock()
	if txHash, ok := a.finalized[proposalID]; ok {
		a.mu.Unlock()
		return txHash, nil
	}
	a.mu.Unlock()

	var txHash string
	if a.mock != nil {
		var err error
		txHash, err = a.mock.finalizeProposal(proposalID)
		if err != nil {
			return "", err
		}
	} else {
		contract, err := a.contracts.ByName(ContractProposalManager)
		if err != nil {
			return "", err
		}
		auth, err := a.client.TransactOpts(ctx)
		if err != nil {
			return "", err
		}
		tx, err := contract.Bound.Transact(auth, "finalizeProposal", common.HexToHash(proposalID))
		if err != nil {
			_ = a.client.SyncNonce(ctx)
			return "", Classify(fmt.Errorf("finalizeProposal: %w", err))
		}
		if _, err := a.client.WaitForTransaction(ctx, tx); err != nil {
			return "", err
		}
		txHash = tx.Hash().Hex()
	}

	a.mu.Lock()
	a.finalized[proposalID] = txHash
	a.mu.Unlock()

	logging.Info("proposal finalized", logging.ProposalID(proposalID), logging.TxHash(txHash))
	return txHash, nil
}

// SettleEvent disburses the reward pool for a resolved event and waits for
// one confirmation. Idempotent per event id.
func (a *Adapter) SettleEvent(ctx context.Context, eventID string) (string, error) {
	a.mu.Lock()
	if txHash, ok := a.settled[eventID]; ok {
		a.mu.Unlock()
		return txHash, nil
	}
	a.mu.Unlock()

	var txHash string
	if a.mock != nil {
		var err error
		txHash, err = a.mock.settleEvent(eventID)
		if err != nil {
			return "", err
		}
	} else {
		contract, err := a.contracts.ByName(ContractOracleRegistry)
		if err != nil {
			return "", err
		}
		auth, err := a.client.TransactOpts(ctx)
		if err != nil {
			return "", err
		}
		tx, err := contract.Bound.Transact(auth, "settleEvent", EventIDHash(eventID))
		if err != nil {
			_ = a.client.SyncNonce(ctx)
			return "", Classify(fmt.Errorf("settleEvent: %w", err))
		}
		if _, err := a.client.WaitForTransaction(ctx, tx); err != nil {
			return "", err
		}
		txHash = tx.Hash().Hex()
	}

	a.mu.Lock()
	a.settled[eventID] = txHash
	a.mu.Unlock()

	logging.Info("event settled", logging.EventID(eventID), logging.TxHash(txHash))
	return txHash, nil
}

// GetEvent reads the on-chain event record.
func (a *Adapter) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	if a.mock != nil {
		return a.mock.getEvent(eventID)
	}

	contract, err := a.contracts.ByName(ContractOracleRegistry)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	err = contract.Bound.Call(&bind.CallOpts{Context: ctx}, &out, "getEvent", EventIDHash(eventID))
	if err != nil {
		return nil, Classify(fmt.Errorf("getEvent: %w", err))
	}
	if len(out) < 7 {
		return nil, Permanent(fmt.Errorf("getEvent: short return for %s", eventID))
	}

	rec := &EventRecord{EventID: eventID}
	if v, ok := out[0].(string); ok {
		rec.Description = v
	}
	if v, ok := out[1].(*big.Int); ok {
		rec.ResolutionTime = time.Unix(v.Int64(), 0)
	}
	if v, ok := out[2].(uint8); ok {
		rec.Status = v
	}
	if v, ok := out[3].([32]byte); ok {
		rec.OutcomeHash = common.Hash(v)
	}
	if v, ok := out[4].(common.Address); ok {
		rec.Proposer = v
	}
	if v, ok := out[5].(*big.Int); ok {
		rec.RewardPool = v
	}
	if v, ok := out[6].(bool); ok {
		rec.Settled = v
	}
	return rec, nil
}

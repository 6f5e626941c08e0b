package types

import (
	"encoding/json"
	"time"
)

// ResolutionState is the lifecycle state of an event in the resolution engine.
type ResolutionState string

const (
	StateCreated           ResolutionState = "CREATED"
	StateDetecting         ResolutionState = "DETECTING"
	StateEvidenceGathering ResolutionState = "EVIDENCE_GATHERING"
	StateProposing         ResolutionState = "PROPOSING"
	StateLiveness          ResolutionState = "LIVENESS"
	StateMonitoring        ResolutionState = "MONITORING"
	StateDisputed          ResolutionState = "DISPUTED"
	StateArbitration       ResolutionState = "ARBITRATION"
	StateResolved          ResolutionState = "RESOLVED"
	StateSettled           ResolutionState = "SETTLED"
)

// Valid reports whether s is a known resolution state.
func (s ResolutionState) Valid() bool {
	switch s {
	case StateCreated, StateDetecting, StateEvidenceGathering, StateProposing,
		StateLiveness, StateMonitoring, StateDisputed, StateArbitration,
		StateResolved, StateSettled:
		return true
	}
	return false
}

// Terminal reports whether no transition may originate from s.
func (s ResolutionState) Terminal() bool {
	return s == StateSettled
}

// ProposalStatus is the lifecycle status of an on-chain proposal.
type ProposalStatus string

const (
	ProposalStatusLiveness  ProposalStatus = "liveness"
	ProposalStatusDisputed  ProposalStatus = "disputed"
	ProposalStatusFinalized ProposalStatus = "finalized"
)

// Event is the unit of resolution. The event-manager service owns the
// canonical record; the engine works on a cached read-through copy.
type Event struct {
	ID              string          `json:"eventId"`
	Description     string          `json:"description"`
	ResolutionTime  time.Time       `json:"resolutionTime"`
	Status          ResolutionState `json:"status"`
	OutcomeHash     string          `json:"outcomeHash,omitempty"`
	Outcome         json.RawMessage `json:"outcome,omitempty"`
	ConfidenceScore float64         `json:"confidenceScore,omitempty"`
	Proposer        string          `json:"proposer,omitempty"`
	DisputeCount    int             `json:"disputeCount"`
	EvidenceURI     string          `json:"evidenceURI,omitempty"`
	RewardPool      string          `json:"rewardPool,omitempty"` // wei, decimal string
	Settled         bool            `json:"settled"`
	UpdatedAt       time.Time       `json:"updatedAt,omitempty"`
}

// Proposal is a candidate outcome submitted on-chain with a bond. The
// proposal manager contract is authoritative; the proposal service mirrors it.
type Proposal struct {
	ID              string          `json:"proposalId"`
	EventID         string          `json:"eventId"`
	OutcomeHash     string          `json:"outcomeHash"`
	Outcome         json.RawMessage `json:"outcome,omitempty"`
	ConfidenceScore float64         `json:"confidenceScore,omitempty"`
	EvidenceURI     string          `json:"evidenceURI,omitempty"`
	BondAmount      string          `json:"bondAmount"` // wei, decimal string
	SubmittedAt     time.Time       `json:"submittedAt"`
	LivenessExpiry  time.Time       `json:"livenessExpiry"`
	FinalizedAt     *time.Time      `json:"finalizedAt,omitempty"`
	Status          ProposalStatus  `json:"status"`
	ChallengeCount  int             `json:"challengeCount"`
}

// Dispute is an on-chain challenge against a pending proposal, mirrored by
// the dispute service.
type Dispute struct {
	ID         string    `json:"disputeId"`
	ProposalID string    `json:"proposalId"`
	RaisedBy   string    `json:"raisedBy,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Open reports whether the dispute still blocks finalization.
func (d Dispute) Open() bool {
	return d.Status != "resolved" && d.Status != "withdrawn"
}

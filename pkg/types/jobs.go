package types

import (
	"encoding/json"
	"math/big"
)

// Queue and job type names used by the scheduler.
const (
	QueueLiveness   = "liveness-monitoring"
	QueueSettlement = "settlement-processing"

	JobCheckLiveness   = "check-liveness"
	JobSettleEvent     = "settle-event"
	JobBatchSettlement = "batch-settlement"
)

// ProposalData carries the outcome the Detection subsystem produced for an
// event, ready for on-chain submission.
type ProposalData struct {
	Outcome         json.RawMessage `json:"outcome"`
	ConfidenceScore float64         `json:"confidenceScore"`
	EvidenceURI     string          `json:"evidenceURI,omitempty"`
	BondAmount      *big.Int        `json:"-"`
	BondAmountWei   string          `json:"bondAmount,omitempty"` // wire form of BondAmount
}

// Bond returns the bond amount, preferring the typed field over the wire form.
func (p ProposalData) Bond() *big.Int {
	if p.BondAmount != nil {
		return p.BondAmount
	}
	if p.BondAmountWei != "" {
		if v, ok := new(big.Int).SetString(p.BondAmountWei, 10); ok {
			return v
		}
	}
	return big.NewInt(0)
}

// LivenessPayload is the payload of a check-liveness job.
type LivenessPayload struct {
	ProposalID string `json:"proposalId"`
	EventID    string `json:"eventId"`
}

// SettlementPayload is the payload of a settle-event job.
type SettlementPayload struct {
	EventID string `json:"eventId"`
}

// BatchSettlementPayload is the payload of a batch-settlement job.
type BatchSettlementPayload struct {
	EventIDs []string `json:"eventIds"`
}

// BatchSettlementResult reports the per-id outcome of a batch-settlement run.
type BatchSettlementResult struct {
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	FailedIDs  []string `json:"failedIds,omitempty"`
}

package peers

import (
	"context"
	"net/http"
	"time"

	"github.com/resolvd/resolvd/pkg/types"
)

// EventManagerClient talks to the event-manager service, the authoritative
// store for event records.
type EventManagerClient struct {
	client
}

// NewEventManagerClient creates a client for the event-manager base URL.
func NewEventManagerClient(baseURL string) *EventManagerClient {
	return &EventManagerClient{client: newClient("event-manager", baseURL)}
}

// GetEvent fetches the canonical event record.
func (c *EventManagerClient) GetEvent(ctx context.Context, eventID string) (*types.Event, error) {
	var ev types.Event
	if err := c.do(ctx, http.MethodGet, "/events/"+escape(eventID), nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// statusPatch is the conditional status write. The peer applies the update
// only while the stored status equals ExpectedStatus and answers 409
// otherwise, which maps to ErrStateConflict.
type statusPatch struct {
	Status         types.ResolutionState `json:"status"`
	ExpectedStatus types.ResolutionState `json:"expectedStatus"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// PatchEventStatus advances the event's status with optimistic concurrency.
func (c *EventManagerClient) PatchEventStatus(ctx context.Context, eventID string, status, expected types.ResolutionState) error {
	return c.do(ctx, http.MethodPatch, "/events/"+escape(eventID), statusPatch{
		Status:         status,
		ExpectedStatus: expected,
		UpdatedAt:      time.Now().UTC(),
	}, nil)
}

// ChainEventRecord is the normalized form of an indexed on-chain log. The
// peer deduplicates ingests by (eventId, transactionHash).
type ChainEventRecord struct {
	EventID         string    `json:"eventId"`
	Kind            string    `json:"kind"` // EventCreated, ProposalSubmitted, ProposalFinalized
	ProposalID      string    `json:"proposalId,omitempty"`
	Description     string    `json:"description,omitempty"`
	ResolutionTime  time.Time `json:"resolutionTime,omitempty"`
	BlockNumber     uint64    `json:"blockNumber"`
	TransactionHash string    `json:"transactionHash"`
}

// IngestChainEvent posts an indexed chain log to the event manager.
func (c *EventManagerClient) IngestChainEvent(ctx context.Context, rec ChainEventRecord) error {
	return c.do(ctx, http.MethodPost, "/events/blockchain", rec, nil)
}

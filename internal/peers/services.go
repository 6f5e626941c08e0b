package peers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/resolvd/resolvd/pkg/types"
)

// ProposalClient reads the proposal service's mirror of the proposal
// manager contract.
type ProposalClient struct {
	client
}

// NewProposalClient creates a client for the proposal service base URL.
func NewProposalClient(baseURL string) *ProposalClient {
	return &ProposalClient{client: newClient("proposal-service", baseURL)}
}

// GetProposal fetches a proposal record by id.
func (c *ProposalClient) GetProposal(ctx context.Context, proposalID string) (*types.Proposal, error) {
	var p types.Proposal
	if err := c.do(ctx, http.MethodGet, "/proposals/"+escape(proposalID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DisputeClient reads the dispute service.
type DisputeClient struct {
	client
}

// NewDisputeClient creates a client for the dispute service base URL.
func NewDisputeClient(baseURL string) *DisputeClient {
	return &DisputeClient{client: newClient("dispute-service", baseURL)}
}

// ListDisputes returns the disputes raised against a proposal.
func (c *DisputeClient) ListDisputes(ctx context.Context, proposalID string) ([]types.Dispute, error) {
	var out []types.Dispute
	path := "/disputes?proposalId=" + url.QueryEscape(proposalID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenDisputeCount returns how many disputes still block finalization.
func (c *DisputeClient) OpenDisputeCount(ctx context.Context, proposalID string) (int, error) {
	disputes, err := c.ListDisputes(ctx, proposalID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range disputes {
		if d.Open() {
			n++
		}
	}
	return n, nil
}

// RewardClient triggers reward distribution. Best-effort: callers log
// failures and move on.
type RewardClient struct {
	client
}

// NewRewardClient creates a client for the reward service base URL.
func NewRewardClient(baseURL string) *RewardClient {
	return &RewardClient{client: newClient("reward-service", baseURL)}
}

// Distribute asks the reward service to pay out an event's reward pool.
func (c *RewardClient) Distribute(ctx context.Context, eventID string) error {
	return c.do(ctx, http.MethodPost, "/distribute", map[string]string{"eventId": eventID}, nil)
}

// NotificationClient alerts arbitrators about disputes. Best-effort.
type NotificationClient struct {
	client
}

// NewNotificationClient creates a client for the notification service base URL.
func NewNotificationClient(baseURL string) *NotificationClient {
	return &NotificationClient{client: newClient("notification-service", baseURL)}
}

type arbitratorNotice struct {
	ProposalID  string          `json:"proposalId"`
	DisputeData json.RawMessage `json:"disputeData,omitempty"`
}

// NotifyArbitrators posts a dispute to the arbitrator notification service.
func (c *NotificationClient) NotifyArbitrators(ctx context.Context, proposalID string, disputeData json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/notify-arbitrators", arbitratorNotice{
		ProposalID:  proposalID,
		DisputeData: disputeData,
	}, nil)
}

package server

import (
	"time"

	"github.com/atelier-ai/atelier/internal/ledger"
)

// TopUpRequest credits an owner's quota.
type TopUpRequest struct {
	OwnerID    string `json:"owner_id"`
	Amount     string `json:"amount"`
	ExternalID string `json:"external_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// StartResearchRequest begins a metered research run.
type StartResearchRequest struct {
	OwnerID string `json:"owner_id"`
	Prompt  string `json:"prompt"`
}

// StartResearchResponse acknowledges an accepted run.
type StartResearchResponse struct {
	RunID     string `json:"run_id"`
	StreamURL string `json:"stream_url"`
}

// QuotaResponse is the public view of a quota row.
type QuotaResponse struct {
	OwnerID          string    `json:"owner_id"`
	Balance          string    `json:"balance"`
	LockedBalance    string    `json:"locked_balance"`
	TotalSpent       string    `json:"total_spent"`
	WarningThreshold string    `json:"warning_threshold"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func quotaResponse(q ledger.Quota) QuotaResponse {
	return QuotaResponse{
		OwnerID:          q.OwnerID,
		Balance:          q.Balance.String(),
		LockedBalance:    q.LockedBalance.String(),
		TotalSpent:       q.TotalSpent.String(),
		WarningThreshold: q.WarningThreshold.String(),
		UpdatedAt:        q.UpdatedAt,
	}
}

package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypePreDeduct TransactionType = "PRE_DEDUCT"
	TypeSettle    TransactionType = "SETTLE"
	TypeRollback  TransactionType = "ROLLBACK"
	TypeTopUp     TransactionType = "TOPUP"
)

// TransactionStatus tracks the lifecycle of a ledger entry. Only PRE_DEDUCT
// entries are ever created in PENDING; settle and rollback entries are
// written directly in SUCCESS.
type TransactionStatus string

const (
	StatusPending TransactionStatus = "PENDING"
	StatusSuccess TransactionStatus = "SUCCESS"
	StatusFailed  TransactionStatus = "FAILED"
)

// Quota is the per-owner balance record. Rows are soft-deleted only;
// balances are mutated exclusively through Coordinator operations.
type Quota struct {
	OwnerID          string          `json:"owner_id"`
	Balance          decimal.Decimal `json:"balance"`
	LockedBalance    decimal.Decimal `json:"locked_balance"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	WarningThreshold decimal.Decimal `json:"warning_threshold"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Transaction is an immutable append-only ledger entry. Settle and rollback
// entries link back to their originating pre-deduction via ParentID.
type Transaction struct {
	ID              string            `json:"id"`
	ExternalID      string            `json:"external_id,omitempty"`
	ParentID        string            `json:"parent_id,omitempty"`
	Type            TransactionType   `json:"type"`
	Status          TransactionStatus `json:"status"`
	ChangeAmount    decimal.Decimal   `json:"change_amount"`
	BalanceSnapshot decimal.Decimal   `json:"balance_snapshot"`
	Remark          string            `json:"remark,omitempty"`
	OwnerID         string            `json:"owner_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

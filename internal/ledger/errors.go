package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// QuotaNotFoundError is returned when no active (non-deleted) quota row
// exists for the owner.
type QuotaNotFoundError struct {
	OwnerID string
}

func (e QuotaNotFoundError) Error() string {
	return fmt.Sprintf("no active quota for owner %s", e.OwnerID)
}

// InsufficientBalanceError is returned when the available balance cannot
// cover a pre-deduction, or the locked balance cannot cover a settle or
// rollback. Kind distinguishes the two pools.
type InsufficientBalanceError struct {
	OwnerID   string
	Kind      string // "available" or "locked"
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for owner %s: have=%s need=%s",
		e.Kind, e.OwnerID, e.Available, e.Requested)
}

// TransactionNotFoundError is returned by settle/rollback when no live
// transaction matches the external ID, or the matched transaction is not a
// pre-deduction.
type TransactionNotFoundError struct {
	ExternalID string
}

func (e TransactionNotFoundError) Error() string {
	return fmt.Sprintf("no pre-deduct transaction for external id %s", e.ExternalID)
}

// Package ledger implements the quota transaction coordinator: a small
// transactional state machine that serializes all balance-affecting
// operations per owner through row-level locks, and makes every operation
// retryable through caller-supplied idempotency keys.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Coordinator owns all writes to the quotas and quota_transactions tables.
// Every operation runs inside a single database transaction and takes an
// exclusive row lock before reading balances, so concurrent operations on
// the same owner serialize at the database.
type Coordinator struct {
	db     *sql.DB
	logger *log.Logger
}

// NewCoordinator wires a Coordinator over an open Postgres handle.
func NewCoordinator(db *sql.DB, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stdout, "[LEDGER] ", log.LstdFlags)
	}
	return &Coordinator{db: db, logger: logger}
}

const transactionColumns = `uuid, COALESCE(external_id, ''), COALESCE(parent_uuid, ''), transaction_type, transaction_status, change_amount, balance_snapshot, COALESCE(remark, ''), owner_id, created_at, updated_at`

// PreDeduct reserves amount from the owner's available balance ahead of a
// billable operation. Calling it again with the same externalID returns the
// original transaction without touching the balance.
func (c *Coordinator) PreDeduct(ctx context.Context, ownerID string, amount decimal.Decimal, externalID string) (Transaction, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Transaction{}, fmt.Errorf("owner_id required")
	}
	if strings.TrimSpace(externalID) == "" {
		return Transaction{}, fmt.Errorf("external_id required")
	}
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("amount must be positive, got %s", amount)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Unlocked read: two truly concurrent calls with the same external_id
	// can both miss it, in which case the unique constraint on external_id
	// rejects the second insert. Callers retrying on that error get the
	// idempotent return.
	existing, found, err := findTransactionByExternalID(ctx, tx, externalID)
	if err != nil {
		return Transaction{}, err
	}
	if found {
		if err = tx.Commit(); err != nil {
			return Transaction{}, err
		}
		c.logger.Printf("op=preDeduct owner=%s amount=%s external_id=%s result=idempotent-return txn=%s status=%s",
			ownerID, amount, externalID, existing.ID, existing.Status)
		return existing, nil
	}

	quota, err := lockQuota(ctx, tx, ownerID)
	if err != nil {
		return Transaction{}, err
	}
	if quota.Balance.LessThan(amount) {
		err = InsufficientBalanceError{OwnerID: ownerID, Kind: "available", Available: quota.Balance, Requested: amount}
		return Transaction{}, err
	}

	var newBalance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
UPDATE quotas SET balance = balance - $1, locked_balance = locked_balance + $1, updated_at = NOW()
WHERE owner_id = $2 AND deleted = FALSE
RETURNING balance
`, amount, ownerID).Scan(&newBalance)
	if err != nil {
		return Transaction{}, err
	}

	txn := Transaction{
		ID:              uuid.NewString(),
		ExternalID:      externalID,
		Type:            TypePreDeduct,
		Status:          StatusPending,
		ChangeAmount:    amount.Neg(),
		BalanceSnapshot: newBalance,
		OwnerID:         ownerID,
	}
	if err = insertTransaction(ctx, tx, &txn); err != nil {
		return Transaction{}, err
	}
	if err = tx.Commit(); err != nil {
		return Transaction{}, err
	}

	c.logger.Printf("op=preDeduct owner=%s amount=%s external_id=%s result=success txn=%s balance_snapshot=%s",
		ownerID, amount, externalID, txn.ID, newBalance)
	return txn, nil
}

// Settle converts the pre-deduction identified by externalID into a final
// expenditure: the locked amount moves into total_spent and a SETTLE entry
// is appended. Repeated calls return the existing SETTLE entry.
func (c *Coordinator) Settle(ctx context.Context, externalID string) (Transaction, error) {
	return c.resolve(ctx, TypeSettle, externalID, "")
}

// Rollback releases the pre-deduction identified by externalID back to the
// available balance, recording a ROLLBACK entry with the optional reason.
// Repeated calls return the existing ROLLBACK entry.
func (c *Coordinator) Rollback(ctx context.Context, externalID, reason string) (Transaction, error) {
	return c.resolve(ctx, TypeRollback, externalID, reason)
}

// resolve implements the shared settle/rollback path. The transaction row is
// locked before the quota row, which is what prevents a concurrent settle
// and rollback from both succeeding against the same pre-deduction.
func (c *Coordinator) resolve(ctx context.Context, typ TransactionType, externalID, reason string) (Transaction, error) {
	op := "settle"
	if typ == TypeRollback {
		op = "rollback"
	}
	if strings.TrimSpace(externalID) == "" {
		return Transaction{}, fmt.Errorf("external_id required")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	parent, err := lockTransactionByExternalID(ctx, tx, externalID)
	if err != nil {
		return Transaction{}, err
	}
	if parent.Type != TypePreDeduct {
		err = TransactionNotFoundError{ExternalID: externalID}
		return Transaction{}, err
	}

	existing, found, err := findChildTransaction(ctx, tx, parent.ID, typ)
	if err != nil {
		return Transaction{}, err
	}
	if found {
		if err = tx.Commit(); err != nil {
			return Transaction{}, err
		}
		c.logger.Printf("op=%s external_id=%s result=idempotent-return parent=%s txn=%s",
			op, externalID, parent.ID, existing.ID)
		return existing, nil
	}

	if parent.Status != StatusPending {
		// Tolerated: external processes may have drifted the status. The
		// child-transaction idempotency check above remains the real guard.
		c.logger.Printf("op=%s external_id=%s result=unexpected-status parent=%s status=%s",
			op, externalID, parent.ID, parent.Status)
	}

	amount := parent.ChangeAmount.Abs()

	if _, err = tx.ExecContext(ctx, `
UPDATE quota_transactions SET transaction_status = $1, updated_at = NOW() WHERE uuid = $2
`, StatusSuccess, parent.ID); err != nil {
		return Transaction{}, err
	}

	quota, err := lockQuota(ctx, tx, parent.OwnerID)
	if err != nil {
		return Transaction{}, err
	}
	if quota.LockedBalance.LessThan(amount) {
		c.logger.Printf("op=%s external_id=%s result=locked-balance-insufficient owner=%s locked=%s amount=%s",
			op, externalID, parent.OwnerID, quota.LockedBalance, amount)
		err = InsufficientBalanceError{OwnerID: parent.OwnerID, Kind: "locked", Available: quota.LockedBalance, Requested: amount}
		return Transaction{}, err
	}

	var (
		newBalance decimal.Decimal
		change     decimal.Decimal
	)
	if typ == TypeSettle {
		err = tx.QueryRowContext(ctx, `
UPDATE quotas SET locked_balance = locked_balance - $1, total_spent = total_spent + $1, updated_at = NOW()
WHERE owner_id = $2 AND deleted = FALSE
RETURNING balance
`, amount, parent.OwnerID).Scan(&newBalance)
		change = parent.ChangeAmount
	} else {
		err = tx.QueryRowContext(ctx, `
UPDATE quotas SET balance = balance + $1, locked_balance = locked_balance - $1, updated_at = NOW()
WHERE owner_id = $2 AND deleted = FALSE
RETURNING balance
`, amount, parent.OwnerID).Scan(&newBalance)
		change = amount
	}
	if err != nil {
		return Transaction{}, err
	}

	child := Transaction{
		ID:              uuid.NewString(),
		ParentID:        parent.ID,
		Type:            typ,
		Status:          StatusSuccess,
		ChangeAmount:    change,
		BalanceSnapshot: newBalance,
		Remark:          reason,
		OwnerID:         parent.OwnerID,
	}
	if err = insertTransaction(ctx, tx, &child); err != nil {
		return Transaction{}, err
	}
	if err = tx.Commit(); err != nil {
		return Transaction{}, err
	}

	c.logger.Printf("op=%s external_id=%s result=success parent=%s txn=%s balance_snapshot=%s",
		op, externalID, parent.ID, child.ID, newBalance)
	return child, nil
}

// TopUp credits amount to the owner's available balance. When externalID is
// supplied it acts as an idempotency key, same as for PreDeduct.
func (c *Coordinator) TopUp(ctx context.Context, ownerID string, amount decimal.Decimal, externalID, reason string) (Transaction, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Transaction{}, fmt.Errorf("owner_id required")
	}
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("amount must be positive, got %s", amount)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if externalID != "" {
		existing, found, ferr := findTransactionByExternalID(ctx, tx, externalID)
		if ferr != nil {
			err = ferr
			return Transaction{}, err
		}
		if found {
			if err = tx.Commit(); err != nil {
				return Transaction{}, err
			}
			c.logger.Printf("op=topUp owner=%s amount=%s external_id=%s result=idempotent-return txn=%s",
				ownerID, amount, externalID, existing.ID)
			return existing, nil
		}
	}

	if _, err = lockQuota(ctx, tx, ownerID); err != nil {
		return Transaction{}, err
	}

	var newBalance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
UPDATE quotas SET balance = balance + $1, updated_at = NOW()
WHERE owner_id = $2 AND deleted = FALSE
RETURNING balance
`, amount, ownerID).Scan(&newBalance)
	if err != nil {
		return Transaction{}, err
	}

	txn := Transaction{
		ID:              uuid.NewString(),
		ExternalID:      externalID,
		Type:            TypeTopUp,
		Status:          StatusSuccess,
		ChangeAmount:    amount,
		BalanceSnapshot: newBalance,
		Remark:          reason,
		OwnerID:         ownerID,
	}
	if err = insertTransaction(ctx, tx, &txn); err != nil {
		return Transaction{}, err
	}
	if err = tx.Commit(); err != nil {
		return Transaction{}, err
	}

	c.logger.Printf("op=topUp owner=%s amount=%s external_id=%s result=success txn=%s balance_snapshot=%s",
		ownerID, amount, externalID, txn.ID, newBalance)
	return txn, nil
}

// GetQuota returns the current balances for the owner without locking.
func (c *Coordinator) GetQuota(ctx context.Context, ownerID string) (Quota, error) {
	var q Quota
	err := c.db.QueryRowContext(ctx, `
SELECT owner_id, balance, locked_balance, total_spent, warning_threshold, created_at, updated_at
FROM quotas
WHERE owner_id = $1 AND deleted = FALSE
`, ownerID).Scan(&q.OwnerID, &q.Balance, &q.LockedBalance, &q.TotalSpent, &q.WarningThreshold, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Quota{}, QuotaNotFoundError{OwnerID: ownerID}
	}
	if err != nil {
		return Quota{}, err
	}
	return q, nil
}

// EnsureQuota provisions a quota row for the owner if one does not exist
// yet. New owners start with the given default balance.
func (c *Coordinator) EnsureQuota(ctx context.Context, ownerID string, defaultBalance, warningThreshold decimal.Decimal) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("owner_id required")
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO quotas (owner_id, balance, warning_threshold)
VALUES ($1, $2, $3)
ON CONFLICT (owner_id) DO NOTHING
`, ownerID, defaultBalance, warningThreshold)
	return err
}

// ListTransactions returns the newest ledger entries for the owner.
func (c *Coordinator) ListTransactions(ctx context.Context, ownerID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
SELECT `+transactionColumns+`
FROM quota_transactions
WHERE owner_id = $1 AND deleted = FALSE
ORDER BY created_at DESC
LIMIT $2
`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.ExternalID, &t.ParentID, &t.Type, &t.Status,
		&t.ChangeAmount, &t.BalanceSnapshot, &t.Remark, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func findTransactionByExternalID(ctx context.Context, tx *sql.Tx, externalID string) (Transaction, bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT `+transactionColumns+`
FROM quota_transactions
WHERE external_id = $1 AND deleted = FALSE
`, externalID)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return txn, true, nil
}

func lockTransactionByExternalID(ctx context.Context, tx *sql.Tx, externalID string) (Transaction, error) {
	row := tx.QueryRowContext(ctx, `
SELECT `+transactionColumns+`
FROM quota_transactions
WHERE external_id = $1 AND deleted = FALSE
FOR UPDATE
`, externalID)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, TransactionNotFoundError{ExternalID: externalID}
	}
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func findChildTransaction(ctx context.Context, tx *sql.Tx, parentID string, typ TransactionType) (Transaction, bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT `+transactionColumns+`
FROM quota_transactions
WHERE parent_uuid = $1 AND transaction_type = $2 AND deleted = FALSE
`, parentID, typ)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return txn, true, nil
}

func lockQuota(ctx context.Context, tx *sql.Tx, ownerID string) (Quota, error) {
	var q Quota
	err := tx.QueryRowContext(ctx, `
SELECT owner_id, balance, locked_balance, total_spent, warning_threshold, created_at, updated_at
FROM quotas
WHERE owner_id = $1 AND deleted = FALSE
FOR UPDATE
`, ownerID).Scan(&q.OwnerID, &q.Balance, &q.LockedBalance, &q.TotalSpent, &q.WarningThreshold, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Quota{}, QuotaNotFoundError{OwnerID: ownerID}
	}
	if err != nil {
		return Quota{}, err
	}
	return q, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	return tx.QueryRowContext(ctx, `
INSERT INTO quota_transactions (uuid, external_id, parent_uuid, transaction_type, transaction_status, change_amount, balance_snapshot, remark, owner_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING created_at, updated_at
`, txn.ID, nullableString(txn.ExternalID), nullableString(txn.ParentID), txn.Type, txn.Status,
		txn.ChangeAmount, txn.BalanceSnapshot, nullableString(txn.Remark), txn.OwnerID).
		Scan(&txn.CreatedAt, &txn.UpdatedAt)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

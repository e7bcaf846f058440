package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

// TxMeta represents optional metadata attached to a credit transaction.
type TxMeta struct {
	RelatedTaskID *string
	Description   string
}

// Repository provides credit ledger and balance operations.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Debit atomically checks and decrements the cached balance and appends a
// usage row. The balance check and decrement are one conditional UPDATE so two
// concurrent debits can never both pass the check.
func (r *Repository) Debit(ctx context.Context, userID string, amount int, meta TxMeta) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx2, `
		UPDATE users
		SET credit_balance = credit_balance - $2
		WHERE id = $1 AND credit_balance >= $2
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("%w: update user balance", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrInsufficientCredits
	}

	if err := r.insertLedger(ctx2, tx, userID, -amount, TxTypeUsage, meta); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

// Refund increments the balance and appends a refund row, idempotent per
// related task: when a refund for meta.RelatedTaskID already exists nothing
// changes and applied is false. Concurrent duplicates collapse through the
// partial unique index on (tx_type, related_task_id).
func (r *Repository) Refund(ctx context.Context, userID string, amount int, meta TxMeta) (applied bool, err error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if meta.RelatedTaskID == nil || *meta.RelatedTaskID == "" {
		return false, fmt.Errorf("%w: refund requires a related task", ErrInternal)
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	if err := lockUserRow(ctx2, tx, userID); err != nil {
		return false, err
	}

	exists, err := refundExists(ctx2, tx, *meta.RelatedTaskID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx2, `
		UPDATE users
		SET credit_balance = credit_balance + $2
		WHERE id = $1
	`, userID, amount); err != nil {
		return false, fmt.Errorf("%w: update user balance", ErrInternal)
	}

	if err := r.insertLedger(ctx2, tx, userID, amount, TxTypeRefund, meta); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost the race to another refund for the same task
			return false, nil
		}
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return true, nil
}

// Grant adds purchased or bonus credits. When meta.RelatedTaskID carries an
// external reference (e.g. a payment ID) the grant is idempotent per
// (txType, reference).
func (r *Repository) Grant(ctx context.Context, userID string, amount int, txType TxType, meta TxMeta) (applied bool, err error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	if err := lockUserRow(ctx2, tx, userID); err != nil {
		return false, err
	}

	if meta.RelatedTaskID != nil && *meta.RelatedTaskID != "" {
		var one int
		err := tx.GetContext(ctx2, &one, `
			SELECT 1 FROM credit_transactions
			WHERE tx_type = $1 AND related_task_id = $2
			LIMIT 1
		`, string(txType), *meta.RelatedTaskID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: check existing grant", ErrInternal)
		}
	}

	if _, err := tx.ExecContext(ctx2, `
		UPDATE users
		SET credit_balance = credit_balance + $2
		WHERE id = $1
	`, userID, amount); err != nil {
		return false, fmt.Errorf("%w: update user balance", ErrInternal)
	}

	if err := r.insertLedger(ctx2, tx, userID, amount, txType, meta); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return true, nil
}

func (r *Repository) GetBalance(ctx context.Context, userID string) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var balance int
	err := r.db.GetContext(ctx2, &balance, `SELECT credit_balance FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("%w: get balance", ErrInternal)
	}

	return balance, nil
}

// HasRefund reports whether a refund row already exists for taskID.
func (r *Repository) HasRefund(ctx context.Context, taskID string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var one int
	err := r.db.GetContext(ctx2, &one, `
		SELECT 1 FROM credit_transactions
		WHERE tx_type = $1 AND related_task_id = $2
		LIMIT 1
	`, string(TxTypeRefund), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: check refund", ErrInternal)
	}
	return true, nil
}

func (r *Repository) ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, user_id, amount, tx_type, related_task_id, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, pagination.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions", ErrInternal)
	}

	return transactions, nil
}

func lockUserRow(ctx context.Context, tx *sqlx.Tx, userID string) error {
	var balance int
	err := tx.QueryRowContext(ctx, `SELECT credit_balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("%w: lock user row", ErrInternal)
	}
	return nil
}

func refundExists(ctx context.Context, tx *sqlx.Tx, taskID string) (bool, error) {
	var one int
	err := tx.GetContext(ctx, &one, `
		SELECT 1 FROM credit_transactions
		WHERE tx_type = $1 AND related_task_id = $2
		LIMIT 1
	`, string(TxTypeRefund), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: check refund", ErrInternal)
	}
	return true, nil
}

func (r *Repository) insertLedger(ctx context.Context, tx *sqlx.Tx, userID string, amount int, txType TxType, meta TxMeta) error {
	switch txType {
	case TxTypeUsage, TxTypeRefund, TxTypePurchase, TxTypeBonus:
	default:
		return ErrInternal
	}

	if strings.TrimSpace(meta.Description) == "" {
		meta.Description = "credit balance adjustment"
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, amount, tx_type, related_task_id, description
		)
		VALUES (
			gen_random_uuid(), $1, $2, $3, $4, $5
		)
	`, userID, amount, string(txType), meta.RelatedTaskID, meta.Description)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return err
		}
		return fmt.Errorf("%w: insert transaction", ErrInternal)
	}

	return nil
}

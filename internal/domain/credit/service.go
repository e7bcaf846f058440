package credit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// service implements the Service interface
type service struct {
	repo *Repository
}

// NewService creates a new credit service
func NewService(db *sqlx.DB) Service {
	return &service{
		repo: NewRepository(db),
	}
}

// Debit atomically deducts credits from a user. Called by the task
// orchestrator before any provider dispatch happens.
func (s *service) Debit(ctx context.Context, userID uuid.UUID, amount int, meta TransactionMeta) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.repo.Debit(ctx, userID.String(), amount, toTxMeta(meta))
}

// RefundForTask returns reserved credits after a failed generation, at most
// once per task regardless of how many failure notifications arrive.
func (s *service) RefundForTask(ctx context.Context, userID uuid.UUID, amount int, meta TransactionMeta) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	return s.repo.Refund(ctx, userID.String(), amount, toTxMeta(meta))
}

// Grant adds purchased or bonus credits (billing webhook side effect).
func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int, txType TxType, meta TransactionMeta) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	return s.repo.Grant(ctx, userID.String(), amount, txType, toTxMeta(meta))
}

// GetBalance returns the current credit balance for a user
func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.GetBalance(ctx, userID.String())
}

// HasRefund checks if a refund transaction already exists for a task
func (s *service) HasRefund(ctx context.Context, taskID string) (bool, error) {
	return s.repo.HasRefund(ctx, taskID)
}

// ListTransactions returns paginated transaction history for a user
func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}

	pagination := Pagination{
		Limit:  limit,
		Offset: offset,
	}

	return s.repo.ListTransactions(ctx, userID.String(), pagination)
}

func toTxMeta(meta TransactionMeta) TxMeta {
	txMeta := TxMeta{
		Description: meta.Description,
	}
	if meta.RelatedTaskID != "" {
		ref := meta.RelatedTaskID
		txMeta.RelatedTaskID = &ref
	}
	return txMeta
}

package credit

import (
	"context"

	"github.com/google/uuid"
)

// TransactionMeta contains metadata for credit transactions
type TransactionMeta struct {
	RelatedTaskID string // provider task ID or external payment reference
	Description   string
}

// Service interface defines the credit ledger operations
type Service interface {
	// Debit atomically deducts credits from a user.
	// Returns ErrInsufficientCredits if balance is insufficient; no partial
	// effect is ever left behind.
	Debit(ctx context.Context, userID uuid.UUID, amount int, meta TransactionMeta) error

	// RefundForTask returns reserved credits to the user, at most once per
	// related task. A second refund for the same task is a no-op and reports
	// applied=false.
	RefundForTask(ctx context.Context, userID uuid.UUID, amount int, meta TransactionMeta) (applied bool, err error)

	// Grant adds purchased or bonus credits. Idempotent per external
	// reference when meta.RelatedTaskID is set.
	Grant(ctx context.Context, userID uuid.UUID, amount int, txType TxType, meta TransactionMeta) (applied bool, err error)

	// GetBalance returns the current credit balance for a user
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)

	// HasRefund checks if a refund transaction already exists for a task
	HasRefund(ctx context.Context, taskID string) (bool, error)

	// ListTransactions returns paginated transaction history for a user
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error)
}

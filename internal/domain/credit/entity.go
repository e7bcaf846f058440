package credit

import "time"

// TxType defines supported credit transaction types.
type TxType string

const (
	TxTypeUsage    TxType = "usage"
	TxTypeRefund   TxType = "refund"
	TxTypePurchase TxType = "purchase"
	TxTypeBonus    TxType = "bonus"
)

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

// Transaction is an append-only ledger row. The user's current balance is a
// cached sum maintained in the same DB transaction as each insert.
type Transaction struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	Amount        int       `db:"amount" json:"amount"`
	TxType        string    `db:"tx_type" json:"type"`
	RelatedTaskID *string   `db:"related_task_id" json:"related_task_id,omitempty"`
	Description   string    `db:"description" json:"description"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

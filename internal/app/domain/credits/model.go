// Package credits defines the append-only credit ledger model. A user's
// balance is never stored on its own; it is always the balance_after of the
// latest ledger entry, ordered by the per-user sequence number.
package credits

import "time"

// TransactionType is the business reason for a credit movement.
type TransactionType string

const (
	TxInitialGrant     TransactionType = "initial_grant"
	TxExchangePayment  TransactionType = "exchange_payment"
	TxExchangeReceived TransactionType = "exchange_received"
	TxRewardClaim      TransactionType = "reward_claim"
	TxAdminAdjustment  TransactionType = "admin_adjustment"
	TxRefund           TransactionType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxInitialGrant, TxExchangePayment, TxExchangeReceived,
		TxRewardClaim, TxAdminAdjustment, TxRefund:
		return true
	}
	return false
}

// Entry is a single row in the credit ledger. Entries are append-only and
// never updated or deleted.
type Entry struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Type         TransactionType `json:"transaction_type" db:"transaction_type"`
	Amount       int64           `json:"amount" db:"amount"`
	BalanceAfter int64           `json:"balance_after" db:"balance_after"`
	// Seq is a monotonic per-user sequence number. It, not the wall-clock
	// timestamp, decides which entry is "most recent".
	Seq         int64     `json:"seq" db:"seq"`
	ReferenceID string    `json:"reference_id,omitempty" db:"reference_id"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Balance summarises a user's ledger.
type Balance struct {
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	TotalEarned int64  `json:"total_earned"`
	TotalSpent  int64  `json:"total_spent"`
}

// Package reward models the finite-stock reward catalog and claims against
// it. A claim only exists if the stock decrement that created it succeeded
// in the same atomic unit as the ledger debit.
package reward

import "time"

// ClaimStatus is the fulfilment state of a reward claim.
type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimApproved  ClaimStatus = "approved"
	ClaimDelivered ClaimStatus = "delivered"
	ClaimRejected  ClaimStatus = "rejected"
)

// CanTransitionTo reports whether next is a legal successor of s.
// pending -> approved|rejected, approved -> delivered.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	switch s {
	case ClaimPending:
		return next == ClaimApproved || next == ClaimRejected
	case ClaimApproved:
		return next == ClaimDelivered
	}
	return false
}

// Reward is a catalog item redeemable for credits, backed by finite stock.
type Reward struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	CreditsCost int64     `json:"credits_cost" db:"credits_cost"`
	Stock       int64     `json:"stock_quantity" db:"stock_quantity"`
	Active      bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Claim is a redemption of credits for a reward.
type Claim struct {
	ID           string      `json:"id" db:"id"`
	RewardID     string      `json:"reward_id" db:"reward_id"`
	UserID       string      `json:"user_id" db:"user_id"`
	CreditsSpent int64       `json:"credits_spent" db:"credits_spent"`
	Status       ClaimStatus `json:"status" db:"status"`
	Notes        string      `json:"notes,omitempty" db:"notes"`
	ApprovedAt   time.Time   `json:"approved_at,omitempty" db:"approved_at"`
	DeliveredAt  time.Time   `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

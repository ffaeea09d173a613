// Package offer carries the slice of the offer catalog this core needs:
// the status field it mutates and the credit price exchanges are priced at.
// Everything else about offers is owned by the catalog service.
package offer

import "time"

// Status is the lifecycle state of an offer.
type Status string

const (
	StatusActive    Status = "active"
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFlagged   Status = "flagged"
)

// Offer is a listed item priced in credits.
type Offer struct {
	ID           string    `json:"id" db:"id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Title        string    `json:"title" db:"title"`
	CreditsValue int64     `json:"credits_value" db:"credits_value"`
	Status       Status    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

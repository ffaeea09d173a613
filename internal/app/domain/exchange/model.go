// Package exchange models a trade between two users over a single offer,
// including the dual-confirmation state machine that gates completion.
package exchange

import "time"

// Status is the lifecycle state of an exchange.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	// StatusDisputed is terminal; a dispute freezes the exchange for
	// manual resolution.
	StatusDisputed Status = "disputed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAccepted || next == StatusCancelled
	case StatusAccepted:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusCancelled || next == StatusDisputed
	}
	return false
}

// EventType labels an append-only exchange transition record.
type EventType string

const (
	EventCreated       EventType = "created"
	EventAccepted      EventType = "accepted"
	EventRejected      EventType = "rejected"
	EventCheckInBuyer  EventType = "check_in_buyer"
	EventCheckInSeller EventType = "check_in_seller"
	EventCompleted     EventType = "completed"
	EventCancelled     EventType = "cancelled"
	EventDisputed      EventType = "disputed"
)

// Role identifies which side of an exchange a user is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Exchange is a proposed-then-negotiated trade. CreditsAmount is fixed at
// creation and immutable thereafter.
type Exchange struct {
	ID            string `json:"id" db:"id"`
	OfferID       string `json:"offer_id" db:"offer_id"`
	BuyerID       string `json:"buyer_id" db:"buyer_id"`
	SellerID      string `json:"seller_id" db:"seller_id"`
	LocationID    string `json:"location_id,omitempty" db:"location_id"`
	Status        Status `json:"status" db:"status"`
	CreditsAmount int64  `json:"credits_amount" db:"credits_amount"`

	BuyerConfirmed    bool      `json:"buyer_confirmed" db:"buyer_confirmed"`
	SellerConfirmed   bool      `json:"seller_confirmed" db:"seller_confirmed"`
	BuyerConfirmedAt  time.Time `json:"buyer_confirmed_at,omitempty" db:"buyer_confirmed_at"`
	SellerConfirmedAt time.Time `json:"seller_confirmed_at,omitempty" db:"seller_confirmed_at"`

	ScheduledAt        time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	CompletedAt        time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CancellationReason string    `json:"cancellation_reason,omitempty" db:"cancellation_reason"`

	// Version is the optimistic concurrency token. Every persisted
	// transition increments it; writers supply the version they read.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Participant reports whether userID is the buyer or the seller.
func (e Exchange) Participant(userID string) bool {
	return userID == e.BuyerID || userID == e.SellerID
}

// RoleOf returns the role userID plays in the exchange, or "" if none.
func (e Exchange) RoleOf(userID string) Role {
	switch userID {
	case e.BuyerID:
		return RoleBuyer
	case e.SellerID:
		return RoleSeller
	}
	return ""
}

// BothConfirmed reports whether both parties have confirmed.
func (e Exchange) BothConfirmed() bool {
	return e.BuyerConfirmed && e.SellerConfirmed
}

// Event is an append-only record of a single exchange transition.
type Event struct {
	ID         string    `json:"id" db:"id"`
	ExchangeID string    `json:"exchange_id" db:"exchange_id"`
	Type       EventType `json:"event_type" db:"event_type"`
	ActorID    string    `json:"actor_id,omitempty" db:"actor_id"`
	Notes      string    `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

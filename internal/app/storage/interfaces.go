package storage

import (
	"context"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/exchange"
	"github.com/campusmarket/exchange_core/internal/app/domain/offer"
	"github.com/campusmarket/exchange_core/internal/app/domain/reward"
	"github.com/campusmarket/exchange_core/internal/app/domain/user"
)

// UserStore persists the user slice the core depends on.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	// GrantPoints applies gamification point grants outside an exchange
	// completion (completion grants ride inside CompleteExchange).
	GrantPoints(ctx context.Context, grants []user.PointsGrant) error
}

// OfferStore reads and mutates offer status on behalf of the exchange
// lifecycle. Catalog CRUD beyond this lives with the catalog service.
type OfferStore interface {
	CreateOffer(ctx context.Context, o offer.Offer) (offer.Offer, error)
	GetOffer(ctx context.Context, id string) (offer.Offer, error)
	UpdateOfferStatus(ctx context.Context, id string, status offer.Status) (offer.Offer, error)
}

// LedgerStore persists the append-only credit ledger. It is the single
// synchronization authority for balances: AppendEntry must be linearizable
// per user, so two concurrent appends for the same user can never both
// observe the same starting balance.
type LedgerStore interface {
	// AppendEntry assigns Seq and BalanceAfter from the user's latest entry
	// and persists the row. It fails with fault.InsufficientBalance when
	// the resulting balance would be negative, and with fault.Conflict when
	// a concurrent append for the same user won the race.
	AppendEntry(ctx context.Context, e credits.Entry) (credits.Entry, error)
	// LatestEntry returns the entry with the highest Seq for the user, or
	// fault.NotFound when the user has no entries.
	LatestEntry(ctx context.Context, userID string) (credits.Entry, error)
	// ListEntries returns up to limit entries, most recent first.
	ListEntries(ctx context.Context, userID string, limit int) ([]credits.Entry, error)
	BalanceSummary(ctx context.Context, userID string) (credits.Balance, error)
}

// ExchangeStore persists exchanges, their append-only event trail, and the
// compound atomic units of the lifecycle. All mutations are version-checked:
// the caller passes the exchange it read and the store fails with
// fault.Conflict when the stored version has moved on.
type ExchangeStore interface {
	// CreateExchange atomically inserts the exchange and its created event
	// and moves the offer from active to reserved. When a non-cancelled
	// exchange already holds the offer for the same buyer it is returned
	// unchanged (idempotent retry); for any other buyer the offer is not
	// available and fault.OfferNotActive is returned.
	CreateExchange(ctx context.Context, ex exchange.Exchange, ev exchange.Event) (exchange.Exchange, error)
	GetExchange(ctx context.Context, id string) (exchange.Exchange, error)
	// UpdateExchange persists a non-completing transition and appends its
	// event. offerStatus, when non-empty, is applied to the exchange's
	// offer in the same atomic unit (cancel reverts the offer to active).
	UpdateExchange(ctx context.Context, ex exchange.Exchange, ev exchange.Event, offerStatus offer.Status) (exchange.Exchange, error)
	// CompleteExchange is the completion atomic unit: version-checked move
	// to completed, event appends, offer to completed, buyer debit and
	// seller credit appended under the per-user ledger discipline in
	// sorted-user-id order, and the points grants. Any failure, notably
	// fault.InsufficientBalance on the debit, aborts the whole unit.
	CompleteExchange(ctx context.Context, ex exchange.Exchange, events []exchange.Event, debit, credit credits.Entry, grants []user.PointsGrant) (exchange.Exchange, error)
	ListUserExchanges(ctx context.Context, userID string, limit int) ([]exchange.Exchange, error)
	ListExchangeEvents(ctx context.Context, exchangeID string) ([]exchange.Event, error)
}

// RewardStore persists the reward catalog and claims.
type RewardStore interface {
	CreateReward(ctx context.Context, r reward.Reward) (reward.Reward, error)
	GetReward(ctx context.Context, id string) (reward.Reward, error)
	// ListActiveRewards returns active rewards with stock, cheapest first.
	ListActiveRewards(ctx context.Context, limit int) ([]reward.Reward, error)
	// ClaimReward is the claim atomic unit: conditional stock decrement
	// (fault.OutOfStock when none left), ledger debit
	// (fault.InsufficientBalance rolls the decrement back) and claim row.
	ClaimReward(ctx context.Context, c reward.Claim, debit credits.Entry) (reward.Claim, error)
	GetClaim(ctx context.Context, id string) (reward.Claim, error)
	UpdateClaim(ctx context.Context, c reward.Claim) (reward.Claim, error)
	ListUserClaims(ctx context.Context, userID string, limit int) ([]reward.Claim, error)
	ListPendingClaims(ctx context.Context, limit int) ([]reward.Claim, error)
}

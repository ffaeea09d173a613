// Package postgres implements the storage interfaces on PostgreSQL. The
// compound atomic units run inside a single transaction each; per-row
// constraints (the ledger's UNIQUE (user_id, seq), the non-negative balance
// check, the one-open-exchange-per-offer index) back up the optimistic
// version checks so no interleaving can leave a partial unit behind.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/exchange"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/domain/offer"
	"github.com/campusmarket/exchange_core/internal/app/domain/reward"
	"github.com/campusmarket/exchange_core/internal/app/domain/user"
	"github.com/campusmarket/exchange_core/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.OfferStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.ExchangeStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.Unavailable, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Unavailable, err, "commit transaction")
	}
	return nil
}

// constraintFault translates constraint violations into domain faults. A
// unique violation means a concurrent writer won the race; a check violation
// means a balance or stock guard fired after the conditional statement was
// bypassed by a racing transaction.
func constraintFault(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		return fault.Wrap(fault.Conflict, err, "concurrent write collided")
	case "23514":
		switch pqErr.Table {
		case "credit_entries":
			return fault.Wrap(fault.InsufficientBalance, err, "balance would go negative")
		case "rewards":
			return fault.Wrap(fault.OutOfStock, err, "stock exhausted")
		}
	}
	return fault.Wrap(fault.Unavailable, err, "storage failure")
}

// transient tags driver failures that carry no domain meaning so the
// transport layer answers with a retryable status instead of leaking
// driver text.
func transient(op string, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.Unavailable, err, "%s", op)
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, full_name, sustainability_points, experience_points, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.FullName, u.SustainabilityPoints, u.ExperiencePoints, u.Active, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, constraintFault(err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var u user.User
	err := s.db.GetContext(ctx, &u, `
		SELECT id, full_name, sustainability_points, experience_points, active, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, fault.NotFoundf("user", id)
	}
	if err != nil {
		return user.User{}, transient("load user", err)
	}
	return u, nil
}

func (s *Store) GrantPoints(ctx context.Context, grants []user.PointsGrant) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return grantPointsTx(ctx, tx, grants)
	})
}

func grantPointsTx(ctx context.Context, tx *sqlx.Tx, grants []user.PointsGrant) error {
	for _, g := range grants {
		result, err := tx.ExecContext(ctx, `
			UPDATE users
			SET sustainability_points = sustainability_points + $2,
			    experience_points = experience_points + $3,
			    updated_at = $4
			WHERE id = $1
		`, g.UserID, g.Sustainability, g.Experience, time.Now().UTC())
		if err != nil {
			return transient("grant points", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fault.NotFoundf("user", g.UserID)
		}
	}
	return nil
}

// --- OfferStore -------------------------------------------------------------

func (s *Store) CreateOffer(ctx context.Context, o offer.Offer) (offer.Offer, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = offer.StatusActive
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (id, owner_id, title, credits_value, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.OwnerID, o.Title, o.CreditsValue, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return offer.Offer{}, constraintFault(err)
	}
	return o, nil
}

func (s *Store) GetOffer(ctx context.Context, id string) (offer.Offer, error) {
	var o offer.Offer
	err := s.db.GetContext(ctx, &o, `
		SELECT id, owner_id, title, credits_value, status, created_at, updated_at
		FROM offers
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return offer.Offer{}, fault.NotFoundf("offer", id)
	}
	if err != nil {
		return offer.Offer{}, transient("load offer", err)
	}
	return o, nil
}

func (s *Store) UpdateOfferStatus(ctx context.Context, id string, status offer.Status) (offer.Offer, error) {
	var o offer.Offer
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		o, err = updateOfferStatusTx(ctx, tx, id, status)
		return err
	})
	if err != nil {
		return offer.Offer{}, err
	}
	return o, nil
}

func updateOfferStatusTx(ctx context.Context, tx *sqlx.Tx, id string, status offer.Status) (offer.Offer, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE offers
		SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, owner_id, title, credits_value, status, created_at, updated_at
	`, id, status, time.Now().UTC())

	var o offer.Offer
	err := row.Scan(&o.ID, &o.OwnerID, &o.Title, &o.CreditsValue, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return offer.Offer{}, fault.NotFoundf("offer", id)
	}
	if err != nil {
		return offer.Offer{}, transient("update offer status", err)
	}
	return o, nil
}

// --- LedgerStore ------------------------------------------------------------

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// appendEntryTx computes seq and balance_after from the user's latest entry
// and inserts the row in a single conditional statement. Zero rows means the
// balance guard rejected the amount; a unique violation means a concurrent
// append for the same user landed first.
func appendEntryTx(ctx context.Context, q queryRower, e credits.Entry) (credits.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()

	row := q.QueryRowContext(ctx, `
		INSERT INTO credit_entries (id, user_id, transaction_type, amount, balance_after, seq, reference_id, description, created_at)
		SELECT $1, $2, $3, $4, prev.balance + $4, prev.seq + 1, $5, $6, $7
		FROM (
			SELECT COALESCE(MAX(seq), 0) AS seq,
			       COALESCE((SELECT balance_after FROM credit_entries
			                 WHERE user_id = $2 ORDER BY seq DESC LIMIT 1), 0) AS balance
			FROM credit_entries
			WHERE user_id = $2
		) prev
		WHERE prev.balance + $4 >= 0
		RETURNING seq, balance_after
	`, e.ID, e.UserID, e.Type, e.Amount, e.ReferenceID, e.Description, e.CreatedAt)

	if err := row.Scan(&e.Seq, &e.BalanceAfter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credits.Entry{}, fault.New(fault.InsufficientBalance,
				"balance insufficient for %d", e.Amount)
		}
		return credits.Entry{}, constraintFault(err)
	}
	return e, nil
}

func (s *Store) AppendEntry(ctx context.Context, e credits.Entry) (credits.Entry, error) {
	return appendEntryTx(ctx, s.db, e)
}

func (s *Store) LatestEntry(ctx context.Context, userID string) (credits.Entry, error) {
	var e credits.Entry
	err := s.db.GetContext(ctx, &e, `
		SELECT id, user_id, transaction_type, amount, balance_after, seq, reference_id, description, created_at
		FROM credit_entries
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Entry{}, fault.NotFoundf("ledger entry for user", userID)
	}
	if err != nil {
		return credits.Entry{}, transient("load latest ledger entry", err)
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]credits.Entry, error) {
	query := `
		SELECT id, user_id, transaction_type, amount, balance_after, seq, reference_id, description, created_at
		FROM credit_entries
		WHERE user_id = $1
		ORDER BY seq DESC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var entries []credits.Entry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, transient("list ledger entries", err)
	}
	return entries, nil
}

func (s *Store) BalanceSummary(ctx context.Context, userID string) (credits.Balance, error) {
	summary := credits.Balance{UserID: userID}
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0),
		       COALESCE((SELECT balance_after FROM credit_entries
		                 WHERE user_id = $1 ORDER BY seq DESC LIMIT 1), 0)
		FROM credit_entries
		WHERE user_id = $1
	`, userID)
	if err := row.Scan(&summary.TotalEarned, &summary.TotalSpent, &summary.Balance); err != nil {
		return credits.Balance{}, transient("summarize balance", err)
	}
	return summary, nil
}

// --- ExchangeStore ----------------------------------------------------------

func (s *Store) CreateExchange(ctx context.Context, ex exchange.Exchange, ev exchange.Event) (exchange.Exchange, error) {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ex.Version = 1
	ex.CreatedAt = now
	ex.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// Lock the offer row so racing creates for the same offer
		// serialize here rather than on the unique index.
		var status offer.Status
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM offers WHERE id = $1 FOR UPDATE
		`, ex.OfferID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFoundf("offer", ex.OfferID)
		}
		if err != nil {
			return transient("lock offer", err)
		}

		if status != offer.StatusActive {
			existing, err := openExchangeByOfferTx(ctx, tx, ex.OfferID)
			switch {
			case err == nil && existing.BuyerID == ex.BuyerID:
				ex = existing
				return nil
			case err != nil && !errors.Is(err, sql.ErrNoRows):
				return transient("load open exchange", err)
			}
			return fault.New(fault.OfferNotActive, "offer %s is %s", ex.OfferID, status)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO exchanges (id, offer_id, buyer_id, seller_id, location_id, status, credits_amount,
			                       buyer_confirmed, seller_confirmed, scheduled_at, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, FALSE, $8, 1, $9, $9)
		`, ex.ID, ex.OfferID, ex.BuyerID, ex.SellerID, ex.LocationID, ex.Status, ex.CreditsAmount,
			toNullTime(ex.ScheduledAt), now)
		if err != nil {
			return constraintFault(err)
		}

		if err := insertEventTx(ctx, tx, ex.ID, ev); err != nil {
			return err
		}
		_, err = updateOfferStatusTx(ctx, tx, ex.OfferID, offer.StatusReserved)
		return err
	})
	if err != nil {
		return exchange.Exchange{}, err
	}
	return ex, nil
}

func openExchangeByOfferTx(ctx context.Context, tx *sqlx.Tx, offerID string) (exchange.Exchange, error) {
	row := tx.QueryRowContext(ctx, exchangeSelect+`
		WHERE offer_id = $1 AND status <> 'cancelled'
	`, offerID)
	return scanExchange(row)
}

const exchangeSelect = `
	SELECT id, offer_id, buyer_id, seller_id, location_id, status, credits_amount,
	       buyer_confirmed, seller_confirmed, buyer_confirmed_at, seller_confirmed_at,
	       scheduled_at, completed_at, cancellation_reason, version, created_at, updated_at
	FROM exchanges
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExchange(row rowScanner) (exchange.Exchange, error) {
	var (
		ex                                  exchange.Exchange
		buyerConfirmedAt, sellerConfirmedAt sql.NullTime
		scheduledAt, completedAt            sql.NullTime
	)
	err := row.Scan(&ex.ID, &ex.OfferID, &ex.BuyerID, &ex.SellerID, &ex.LocationID, &ex.Status,
		&ex.CreditsAmount, &ex.BuyerConfirmed, &ex.SellerConfirmed, &buyerConfirmedAt,
		&sellerConfirmedAt, &scheduledAt, &completedAt, &ex.CancellationReason,
		&ex.Version, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return exchange.Exchange{}, err
	}
	ex.BuyerConfirmedAt = fromNullTime(buyerConfirmedAt)
	ex.SellerConfirmedAt = fromNullTime(sellerConfirmedAt)
	ex.ScheduledAt = fromNullTime(scheduledAt)
	ex.CompletedAt = fromNullTime(completedAt)
	return ex, nil
}

func (s *Store) GetExchange(ctx context.Context, id string) (exchange.Exchange, error) {
	row := s.db.QueryRowContext(ctx, exchangeSelect+`
		WHERE id = $1
	`, id)
	ex, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.Exchange{}, fault.NotFoundf("exchange", id)
	}
	if err != nil {
		return exchange.Exchange{}, transient("load exchange", err)
	}
	return ex, nil
}

// writeExchangeTx persists a version-checked transition. Zero rows affected
// means either the exchange is gone or the caller's version is stale.
func writeExchangeTx(ctx context.Context, tx *sqlx.Tx, ex *exchange.Exchange) error {
	readVersion := ex.Version
	ex.Version++
	ex.UpdatedAt = time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		UPDATE exchanges
		SET status = $3, buyer_confirmed = $4, seller_confirmed = $5,
		    buyer_confirmed_at = $6, seller_confirmed_at = $7,
		    scheduled_at = $8, completed_at = $9, cancellation_reason = $10,
		    version = $11, updated_at = $12
		WHERE id = $1 AND version = $2
	`, ex.ID, readVersion, ex.Status, ex.BuyerConfirmed, ex.SellerConfirmed,
		toNullTime(ex.BuyerConfirmedAt), toNullTime(ex.SellerConfirmedAt),
		toNullTime(ex.ScheduledAt), toNullTime(ex.CompletedAt), ex.CancellationReason,
		ex.Version, ex.UpdatedAt)
	if err != nil {
		return constraintFault(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM exchanges WHERE id = $1)
		`, ex.ID).Scan(&exists); err != nil {
			return transient("check exchange", err)
		}
		if !exists {
			return fault.NotFoundf("exchange", ex.ID)
		}
		return fault.New(fault.Conflict, "exchange %s version %d is stale", ex.ID, readVersion)
	}
	return nil
}

func insertEventTx(ctx context.Context, tx *sqlx.Tx, exchangeID string, ev exchange.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO exchange_events (id, exchange_id, event_type, actor_id, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, exchangeID, ev.Type, ev.ActorID, ev.Notes, time.Now().UTC())
	if err != nil {
		return constraintFault(err)
	}
	return nil
}

func (s *Store) UpdateExchange(ctx context.Context, ex exchange.Exchange, ev exchange.Event, offerStatus offer.Status) (exchange.Exchange, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := writeExchangeTx(ctx, tx, &ex); err != nil {
			return err
		}
		if err := insertEventTx(ctx, tx, ex.ID, ev); err != nil {
			return err
		}
		if offerStatus != "" {
			if _, err := updateOfferStatusTx(ctx, tx, ex.OfferID, offerStatus); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return exchange.Exchange{}, err
	}
	return ex, nil
}

func (s *Store) CompleteExchange(ctx context.Context, ex exchange.Exchange, events []exchange.Event, debit, credit credits.Entry, grants []user.PointsGrant) (exchange.Exchange, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := writeExchangeTx(ctx, tx, &ex); err != nil {
			return err
		}
		for _, ev := range events {
			if err := insertEventTx(ctx, tx, ex.ID, ev); err != nil {
				return err
			}
		}
		if _, err := updateOfferStatusTx(ctx, tx, ex.OfferID, offer.StatusCompleted); err != nil {
			return err
		}

		// Fixed append order by user id keeps concurrent completions
		// sharing a participant from deadlocking on the ledger.
		legs := []credits.Entry{debit, credit}
		if legs[1].UserID < legs[0].UserID {
			legs[0], legs[1] = legs[1], legs[0]
		}
		for _, leg := range legs {
			if _, err := appendEntryTx(ctx, tx, leg); err != nil {
				return err
			}
		}
		return grantPointsTx(ctx, tx, grants)
	})
	if err != nil {
		return exchange.Exchange{}, err
	}
	return ex, nil
}

func (s *Store) ListUserExchanges(ctx context.Context, userID string, limit int) ([]exchange.Exchange, error) {
	query := exchangeSelect + `
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient("list exchanges", err)
	}
	defer rows.Close()

	var result []exchange.Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, transient("scan exchange", err)
		}
		result = append(result, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list exchanges", err)
	}
	return result, nil
}

func (s *Store) ListExchangeEvents(ctx context.Context, exchangeID string) ([]exchange.Event, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM exchanges WHERE id = $1)
	`, exchangeID).Scan(&exists); err != nil {
		return nil, transient("check exchange", err)
	}
	if !exists {
		return nil, fault.NotFoundf("exchange", exchangeID)
	}

	var events []exchange.Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, exchange_id, event_type, actor_id, notes, created_at
		FROM exchange_events
		WHERE exchange_id = $1
		ORDER BY created_at, id
	`, exchangeID)
	if err != nil {
		return nil, transient("list exchange events", err)
	}
	return events, nil
}

// --- RewardStore ------------------------------------------------------------

func (s *Store) CreateReward(ctx context.Context, r reward.Reward) (reward.Reward, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewards (id, name, description, credits_cost, stock_quantity, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.Name, r.Description, r.CreditsCost, r.Stock, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return reward.Reward{}, constraintFault(err)
	}
	return r, nil
}

func (s *Store) GetReward(ctx context.Context, id string) (reward.Reward, error) {
	var r reward.Reward
	err := s.db.GetContext(ctx, &r, `
		SELECT id, name, description, credits_cost, stock_quantity, is_active, created_at, updated_at
		FROM rewards
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return reward.Reward{}, fault.NotFoundf("reward", id)
	}
	if err != nil {
		return reward.Reward{}, transient("load reward", err)
	}
	return r, nil
}

func (s *Store) ListActiveRewards(ctx context.Context, limit int) ([]reward.Reward, error) {
	query := `
		SELECT id, name, description, credits_cost, stock_quantity, is_active, created_at, updated_at
		FROM rewards
		WHERE is_active AND stock_quantity > 0
		ORDER BY credits_cost
	`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var rewards []reward.Reward
	if err := s.db.SelectContext(ctx, &rewards, query, args...); err != nil {
		return nil, transient("list rewards", err)
	}
	return rewards, nil
}

func (s *Store) ClaimReward(ctx context.Context, c reward.Claim, debit credits.Entry) (reward.Claim, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// Conditional decrement; zero rows means inactive, missing or
		// out of stock, so re-read to pick the precise fault.
		result, err := tx.ExecContext(ctx, `
			UPDATE rewards
			SET stock_quantity = stock_quantity - 1, updated_at = $2
			WHERE id = $1 AND is_active AND stock_quantity > 0
		`, c.RewardID, now)
		if err != nil {
			return constraintFault(err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			var active bool
			var stock int64
			err := tx.QueryRowContext(ctx, `
				SELECT is_active, stock_quantity FROM rewards WHERE id = $1
			`, c.RewardID).Scan(&active, &stock)
			if errors.Is(err, sql.ErrNoRows) {
				return fault.NotFoundf("reward", c.RewardID)
			}
			if err != nil {
				return transient("load reward", err)
			}
			if !active {
				return fault.New(fault.RewardInactive, "reward %s is inactive", c.RewardID)
			}
			return fault.New(fault.OutOfStock, "reward %s is out of stock", c.RewardID)
		}

		if _, err := appendEntryTx(ctx, tx, debit); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reward_claims (id, reward_id, user_id, credits_spent, status, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, c.ID, c.RewardID, c.UserID, c.CreditsSpent, c.Status, c.Notes, now)
		if err != nil {
			return constraintFault(err)
		}
		return nil
	})
	if err != nil {
		return reward.Claim{}, err
	}
	return c, nil
}

func (s *Store) GetClaim(ctx context.Context, id string) (reward.Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, reward_id, user_id, credits_spent, status, notes, approved_at, delivered_at, created_at, updated_at
		FROM reward_claims
		WHERE id = $1
	`, id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reward.Claim{}, fault.NotFoundf("reward claim", id)
	}
	if err != nil {
		return reward.Claim{}, transient("load reward claim", err)
	}
	return c, nil
}

func scanClaim(row rowScanner) (reward.Claim, error) {
	var (
		c                       reward.Claim
		approvedAt, deliveredAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.RewardID, &c.UserID, &c.CreditsSpent, &c.Status, &c.Notes,
		&approvedAt, &deliveredAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return reward.Claim{}, err
	}
	c.ApprovedAt = fromNullTime(approvedAt)
	c.DeliveredAt = fromNullTime(deliveredAt)
	return c, nil
}

func (s *Store) UpdateClaim(ctx context.Context, c reward.Claim) (reward.Claim, error) {
	c.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE reward_claims
		SET status = $2, notes = $3, approved_at = $4, delivered_at = $5, updated_at = $6
		WHERE id = $1
	`, c.ID, c.Status, c.Notes, toNullTime(c.ApprovedAt), toNullTime(c.DeliveredAt), c.UpdatedAt)
	if err != nil {
		return reward.Claim{}, constraintFault(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return reward.Claim{}, fault.NotFoundf("reward claim", c.ID)
	}
	return c, nil
}

func (s *Store) ListUserClaims(ctx context.Context, userID string, limit int) ([]reward.Claim, error) {
	query := `
		SELECT id, reward_id, user_id, credits_spent, status, notes, approved_at, delivered_at, created_at, updated_at
		FROM reward_claims
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.listClaims(ctx, query, args...)
}

func (s *Store) ListPendingClaims(ctx context.Context, limit int) ([]reward.Claim, error) {
	query := `
		SELECT id, reward_id, user_id, credits_spent, status, notes, approved_at, delivered_at, created_at, updated_at
		FROM reward_claims
		WHERE status = 'pending'
		ORDER BY created_at
	`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return s.listClaims(ctx, query, args...)
}

func (s *Store) listClaims(ctx context.Context, query string, args ...interface{}) ([]reward.Claim, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient("list reward claims", err)
	}
	defer rows.Close()

	var result []reward.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, transient("scan reward claim", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list reward claims", err)
	}
	return result, nil
}

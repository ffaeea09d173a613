// Package ledger manages the append-only credit ledger: the initial grant,
// admin adjustments, balance reads and history. Exchange and reward
// movements ride inside their own services' atomic units and only share the
// append discipline implemented by the store.
package ledger

import (
	"context"
	"strings"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/metrics"
	"github.com/campusmarket/exchange_core/internal/app/storage"
	"github.com/campusmarket/exchange_core/pkg/logger"
)

// DefaultInitialGrant is the credit balance a new user starts with.
const DefaultInitialGrant = 100

// Service manages the credit ledger.
type Service struct {
	store        storage.LedgerStore
	users        storage.UserStore
	initialGrant int64
	metrics      *metrics.Metrics
	log          *logger.Logger
}

// New constructs a ledger service. initialGrant <= 0 falls back to
// DefaultInitialGrant.
func New(store storage.LedgerStore, users storage.UserStore, initialGrant int64, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	if initialGrant <= 0 {
		initialGrant = DefaultInitialGrant
	}
	return &Service{
		store:        store,
		users:        users,
		initialGrant: initialGrant,
		metrics:      m,
		log:          log,
	}
}

// InitialGrant seeds a new user's ledger with the starting balance. It is
// idempotent: when the grant already exists it is returned unchanged. A
// ledger that somehow started without one cannot be seeded retroactively.
func (s *Service) InitialGrant(ctx context.Context, userID string) (credits.Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return credits.Entry{}, fault.Invalidf("user_id is required")
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return credits.Entry{}, err
	}

	latest, err := s.store.LatestEntry(ctx, userID)
	if err == nil {
		if latest.Seq == 1 && latest.Type == credits.TxInitialGrant {
			return latest, nil
		}
		entries, err := s.store.ListEntries(ctx, userID, 0)
		if err != nil {
			return credits.Entry{}, err
		}
		for _, e := range entries {
			if e.Seq == 1 && e.Type == credits.TxInitialGrant {
				return e, nil
			}
		}
		return credits.Entry{}, fault.New(fault.Conflict,
			"ledger for user %s already started without an initial grant", userID)
	}
	if !fault.IsCode(err, fault.NotFound) {
		return credits.Entry{}, err
	}

	entry, err := s.store.AppendEntry(ctx, credits.Entry{
		UserID:      userID,
		Type:        credits.TxInitialGrant,
		Amount:      s.initialGrant,
		Description: "welcome credit grant",
	})
	if err != nil {
		// A concurrent grant for the same user landed first.
		if fault.IsCode(err, fault.Conflict) {
			if latest, lerr := s.store.LatestEntry(ctx, userID); lerr == nil &&
				latest.Seq == 1 && latest.Type == credits.TxInitialGrant {
				return latest, nil
			}
		}
		return credits.Entry{}, err
	}

	if s.metrics != nil {
		s.metrics.LedgerEntries.WithLabelValues(string(credits.TxInitialGrant)).Inc()
	}
	s.log.WithField("user_id", userID).
		WithField("amount", s.initialGrant).
		Info("initial credit grant")
	return entry, nil
}

// Adjust appends an administrative adjustment or refund. amount may be
// negative; the store rejects adjustments that would drive the balance
// negative.
func (s *Service) Adjust(ctx context.Context, userID string, txType credits.TransactionType, amount int64, referenceID, description string) (credits.Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return credits.Entry{}, fault.Invalidf("user_id is required")
	}
	if txType != credits.TxAdminAdjustment && txType != credits.TxRefund {
		return credits.Entry{}, fault.Invalidf("transaction type %s cannot be appended directly", txType)
	}
	if amount == 0 {
		return credits.Entry{}, fault.Invalidf("amount must be non-zero")
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return credits.Entry{}, err
	}

	entry, err := s.store.AppendEntry(ctx, credits.Entry{
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		ReferenceID: referenceID,
		Description: description,
	})
	if err != nil {
		return credits.Entry{}, err
	}

	if s.metrics != nil {
		s.metrics.LedgerEntries.WithLabelValues(string(txType)).Inc()
	}
	s.log.WithField("user_id", userID).
		WithField("type", string(txType)).
		WithField("amount", amount).
		Info("ledger adjustment")
	return entry, nil
}

// Balance returns the user's current balance together with lifetime earned
// and spent totals. A user with no ledger entries has a zero balance.
func (s *Service) Balance(ctx context.Context, userID string) (credits.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return credits.Balance{}, fault.Invalidf("user_id is required")
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return credits.Balance{}, err
	}
	return s.store.BalanceSummary(ctx, userID)
}

// History returns the user's ledger entries, most recent first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]credits.Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fault.Invalidf("user_id is required")
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, userID, limit)
}

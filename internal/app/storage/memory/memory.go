// Package memory is an in-memory implementation of the storage interfaces.
// It is safe for concurrent use and primarily intended for tests and local
// development. A single store mutex stands in for the relational store's
// row locking, which keeps every atomic unit trivially all-or-nothing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/exchange"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/domain/offer"
	"github.com/campusmarket/exchange_core/internal/app/domain/reward"
	"github.com/campusmarket/exchange_core/internal/app/domain/user"
	"github.com/campusmarket/exchange_core/internal/app/storage"
)

// Store is the in-memory backend.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	users     map[string]user.User
	offers    map[string]offer.Offer
	ledger    map[string][]credits.Entry // per user, ascending seq
	exchanges map[string]exchange.Exchange
	events    map[string][]exchange.Event // per exchange, append order
	rewards   map[string]reward.Reward
	claims    map[string]reward.Claim
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.OfferStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.ExchangeStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:    1,
		users:     make(map[string]user.User),
		offers:    make(map[string]offer.Offer),
		ledger:    make(map[string][]credits.Entry),
		exchanges: make(map[string]exchange.Exchange),
		events:    make(map[string][]exchange.Event),
		rewards:   make(map[string]reward.Reward),
		claims:    make(map[string]reward.Claim),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = s.nextIDLocked()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, fault.New(fault.Conflict, "user %s already exists", u.ID)
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, fault.NotFoundf("user", id)
	}
	return u, nil
}

func (s *Store) GrantPoints(_ context.Context, grants []user.PointsGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grantPointsLocked(grants)
}

func (s *Store) grantPointsLocked(grants []user.PointsGrant) error {
	for _, g := range grants {
		u, ok := s.users[g.UserID]
		if !ok {
			return fault.NotFoundf("user", g.UserID)
		}
		u.SustainabilityPoints += g.Sustainability
		u.ExperiencePoints += g.Experience
		u.UpdatedAt = time.Now().UTC()
		s.users[g.UserID] = u
	}
	return nil
}

// OfferStore implementation ---------------------------------------------------

func (s *Store) CreateOffer(_ context.Context, o offer.Offer) (offer.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = s.nextIDLocked()
	} else if _, exists := s.offers[o.ID]; exists {
		return offer.Offer{}, fault.New(fault.Conflict, "offer %s already exists", o.ID)
	}
	if o.Status == "" {
		o.Status = offer.StatusActive
	}

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.offers[o.ID] = o
	return o, nil
}

func (s *Store) GetOffer(_ context.Context, id string) (offer.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok {
		return offer.Offer{}, fault.NotFoundf("offer", id)
	}
	return o, nil
}

func (s *Store) UpdateOfferStatus(_ context.Context, id string, status offer.Status) (offer.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateOfferStatusLocked(id, status)
}

func (s *Store) updateOfferStatusLocked(id string, status offer.Status) (offer.Offer, error) {
	o, ok := s.offers[id]
	if !ok {
		return offer.Offer{}, fault.NotFoundf("offer", id)
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	s.offers[id] = o
	return o, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) AppendEntry(_ context.Context, e credits.Entry) (credits.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntryLocked(e)
}

// appendEntryLocked assigns seq and balance_after from the user's latest
// entry. The store mutex serializes writers, so the read-compute-append is
// the single-writer-per-user discipline the ledger requires.
func (s *Store) appendEntryLocked(e credits.Entry) (credits.Entry, error) {
	var lastSeq, lastBalance int64
	if entries := s.ledger[e.UserID]; len(entries) > 0 {
		last := entries[len(entries)-1]
		lastSeq = last.Seq
		lastBalance = last.BalanceAfter
	}

	newBalance := lastBalance + e.Amount
	if newBalance < 0 {
		return credits.Entry{}, fault.New(fault.InsufficientBalance,
			"balance %d insufficient for %d", lastBalance, e.Amount)
	}

	if e.ID == "" {
		e.ID = s.nextIDLocked()
	}
	e.Seq = lastSeq + 1
	e.BalanceAfter = newBalance
	e.CreatedAt = time.Now().UTC()

	s.ledger[e.UserID] = append(s.ledger[e.UserID], e)
	return e, nil
}

func (s *Store) balanceLocked(userID string) int64 {
	entries := s.ledger[userID]
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].BalanceAfter
}

func (s *Store) LatestEntry(_ context.Context, userID string) (credits.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ledger[userID]
	if len(entries) == 0 {
		return credits.Entry{}, fault.NotFoundf("ledger entry for user", userID)
	}
	return entries[len(entries)-1], nil
}

func (s *Store) ListEntries(_ context.Context, userID string, limit int) ([]credits.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ledger[userID]
	var result []credits.Entry
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, entries[i])
	}
	return result, nil
}

func (s *Store) BalanceSummary(_ context.Context, userID string) (credits.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := credits.Balance{UserID: userID}
	for _, e := range s.ledger[userID] {
		if e.Amount > 0 {
			summary.TotalEarned += e.Amount
		} else {
			summary.TotalSpent += -e.Amount
		}
	}
	summary.Balance = s.balanceLocked(userID)
	return summary, nil
}

// ExchangeStore implementation ------------------------------------------------

func (s *Store) CreateExchange(_ context.Context, ex exchange.Exchange, ev exchange.Event) (exchange.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[ex.OfferID]
	if !ok {
		return exchange.Exchange{}, fault.NotFoundf("offer", ex.OfferID)
	}

	if o.Status != offer.StatusActive {
		// A reserved offer may mean this exact proposal already exists;
		// retried creates return it unchanged.
		if existing, ok := s.openExchangeByOfferLocked(ex.OfferID); ok && existing.BuyerID == ex.BuyerID {
			return existing, nil
		}
		return exchange.Exchange{}, fault.New(fault.OfferNotActive,
			"offer %s is %s", ex.OfferID, o.Status)
	}

	if ex.ID == "" {
		ex.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	ex.Version = 1
	ex.CreatedAt = now
	ex.UpdatedAt = now
	s.exchanges[ex.ID] = ex

	s.appendEventLocked(ex.ID, ev)
	if _, err := s.updateOfferStatusLocked(ex.OfferID, offer.StatusReserved); err != nil {
		return exchange.Exchange{}, err
	}
	return ex, nil
}

func (s *Store) openExchangeByOfferLocked(offerID string) (exchange.Exchange, bool) {
	for _, ex := range s.exchanges {
		if ex.OfferID == offerID && ex.Status != exchange.StatusCancelled {
			return ex, true
		}
	}
	return exchange.Exchange{}, false
}

func (s *Store) GetExchange(_ context.Context, id string) (exchange.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.exchanges[id]
	if !ok {
		return exchange.Exchange{}, fault.NotFoundf("exchange", id)
	}
	return ex, nil
}

func (s *Store) UpdateExchange(_ context.Context, ex exchange.Exchange, ev exchange.Event, offerStatus offer.Status) (exchange.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.exchanges[ex.ID]
	if !ok {
		return exchange.Exchange{}, fault.NotFoundf("exchange", ex.ID)
	}
	if stored.Version != ex.Version {
		return exchange.Exchange{}, fault.New(fault.Conflict,
			"exchange %s version %d is stale", ex.ID, ex.Version)
	}

	ex.Version = stored.Version + 1
	ex.CreatedAt = stored.CreatedAt
	ex.UpdatedAt = time.Now().UTC()
	s.exchanges[ex.ID] = ex

	s.appendEventLocked(ex.ID, ev)
	if offerStatus != "" {
		if _, err := s.updateOfferStatusLocked(ex.OfferID, offerStatus); err != nil {
			return exchange.Exchange{}, err
		}
	}
	return ex, nil
}

func (s *Store) CompleteExchange(_ context.Context, ex exchange.Exchange, events []exchange.Event, debit, credit credits.Entry, grants []user.PointsGrant) (exchange.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.exchanges[ex.ID]
	if !ok {
		return exchange.Exchange{}, fault.NotFoundf("exchange", ex.ID)
	}
	if stored.Version != ex.Version {
		return exchange.Exchange{}, fault.New(fault.Conflict,
			"exchange %s version %d is stale", ex.ID, ex.Version)
	}

	// All-or-nothing: verify the debit is fundable and the grantees exist
	// before mutating anything, since the credit side cannot fail.
	if s.balanceLocked(debit.UserID)+debit.Amount < 0 {
		return exchange.Exchange{}, fault.New(fault.InsufficientBalance,
			"balance %d insufficient for %d", s.balanceLocked(debit.UserID), debit.Amount)
	}
	for _, g := range grants {
		if _, ok := s.users[g.UserID]; !ok {
			return exchange.Exchange{}, fault.NotFoundf("user", g.UserID)
		}
	}

	ex.Version = stored.Version + 1
	ex.CreatedAt = stored.CreatedAt
	ex.UpdatedAt = time.Now().UTC()
	s.exchanges[ex.ID] = ex

	for _, ev := range events {
		s.appendEventLocked(ex.ID, ev)
	}
	if _, err := s.updateOfferStatusLocked(ex.OfferID, offer.StatusCompleted); err != nil {
		return exchange.Exchange{}, err
	}

	// Sorted-user order mirrors the relational store's deadlock-avoidance
	// discipline; under the single store mutex it is cosmetic but keeps
	// the ledgers byte-comparable across backends.
	legs := []credits.Entry{debit, credit}
	sort.Slice(legs, func(i, j int) bool { return legs[i].UserID < legs[j].UserID })
	for _, leg := range legs {
		if _, err := s.appendEntryLocked(leg); err != nil {
			return exchange.Exchange{}, err
		}
	}

	if err := s.grantPointsLocked(grants); err != nil {
		return exchange.Exchange{}, err
	}
	return ex, nil
}

func (s *Store) appendEventLocked(exchangeID string, ev exchange.Event) {
	if ev.ID == "" {
		ev.ID = s.nextIDLocked()
	}
	ev.ExchangeID = exchangeID
	ev.CreatedAt = time.Now().UTC()
	s.events[exchangeID] = append(s.events[exchangeID], ev)
}

func (s *Store) ListUserExchanges(_ context.Context, userID string, limit int) ([]exchange.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []exchange.Exchange
	for _, ex := range s.exchanges {
		if ex.BuyerID == userID || ex.SellerID == userID {
			result = append(result, ex)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListExchangeEvents(_ context.Context, exchangeID string) ([]exchange.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.exchanges[exchangeID]; !ok {
		return nil, fault.NotFoundf("exchange", exchangeID)
	}
	events := make([]exchange.Event, len(s.events[exchangeID]))
	copy(events, s.events[exchangeID])
	return events, nil
}

// RewardStore implementation --------------------------------------------------

func (s *Store) CreateReward(_ context.Context, r reward.Reward) (reward.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = s.nextIDLocked()
	} else if _, exists := s.rewards[r.ID]; exists {
		return reward.Reward{}, fault.New(fault.Conflict, "reward %s already exists", r.ID)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.rewards[r.ID] = r
	return r, nil
}

func (s *Store) GetReward(_ context.Context, id string) (reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rewards[id]
	if !ok {
		return reward.Reward{}, fault.NotFoundf("reward", id)
	}
	return r, nil
}

func (s *Store) ListActiveRewards(_ context.Context, limit int) ([]reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []reward.Reward
	for _, r := range s.rewards {
		if r.Active && r.Stock > 0 {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreditsCost < result[j].CreditsCost })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ClaimReward(_ context.Context, c reward.Claim, debit credits.Entry) (reward.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rewards[c.RewardID]
	if !ok {
		return reward.Claim{}, fault.NotFoundf("reward", c.RewardID)
	}
	if !r.Active {
		return reward.Claim{}, fault.New(fault.RewardInactive, "reward %s is inactive", r.ID)
	}
	if r.Stock <= 0 {
		return reward.Claim{}, fault.New(fault.OutOfStock, "reward %s is out of stock", r.ID)
	}
	if s.balanceLocked(debit.UserID)+debit.Amount < 0 {
		return reward.Claim{}, fault.New(fault.InsufficientBalance,
			"balance %d insufficient for %d", s.balanceLocked(debit.UserID), debit.Amount)
	}

	r.Stock--
	r.UpdatedAt = time.Now().UTC()
	s.rewards[r.ID] = r

	if _, err := s.appendEntryLocked(debit); err != nil {
		return reward.Claim{}, err
	}

	if c.ID == "" {
		c.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.claims[c.ID] = c
	return c, nil
}

func (s *Store) GetClaim(_ context.Context, id string) (reward.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.claims[id]
	if !ok {
		return reward.Claim{}, fault.NotFoundf("reward claim", id)
	}
	return c, nil
}

func (s *Store) UpdateClaim(_ context.Context, c reward.Claim) (reward.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.claims[c.ID]
	if !ok {
		return reward.Claim{}, fault.NotFoundf("reward claim", c.ID)
	}
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.claims[c.ID] = c
	return c, nil
}

func (s *Store) ListUserClaims(_ context.Context, userID string, limit int) ([]reward.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []reward.Claim
	for _, c := range s.claims {
		if c.UserID == userID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListPendingClaims(_ context.Context, limit int) ([]reward.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []reward.Claim
	for _, c := range s.claims {
		if c.Status == reward.ClaimPending {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

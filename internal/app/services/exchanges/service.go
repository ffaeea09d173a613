// Package exchanges drives the trade lifecycle: proposal, acceptance, dual
// confirmation and settlement. Completion is triggered by the second
// confirmation and settles in one storage atomic unit: the status change,
// the event trail, the offer, both ledger legs and the gamification points
// all commit together or not at all.
package exchanges

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/exchange"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/domain/offer"
	"github.com/campusmarket/exchange_core/internal/app/domain/user"
	"github.com/campusmarket/exchange_core/internal/app/metrics"
	"github.com/campusmarket/exchange_core/internal/app/services/notify"
	"github.com/campusmarket/exchange_core/internal/app/storage"
	"github.com/campusmarket/exchange_core/pkg/logger"
)

// Default gamification points granted to each participant on completion.
const (
	DefaultSustainabilityPoints = 10
	DefaultExperiencePoints     = 15
)

// Points configures the per-participant completion grants.
type Points struct {
	Sustainability int64
	Experience     int64
}

// Service manages the exchange lifecycle.
type Service struct {
	store      storage.ExchangeStore
	offers     storage.OfferStore
	users      storage.UserStore
	dispatcher *notify.Dispatcher
	points     Points
	metrics    *metrics.Metrics
	log        *logger.Logger
	nowFn      func() time.Time
}

// New constructs an exchange service. Zero-valued points fall back to the
// defaults; dispatcher may be nil.
func New(store storage.ExchangeStore, offers storage.OfferStore, users storage.UserStore, dispatcher *notify.Dispatcher, points Points, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("exchanges")
	}
	if points.Sustainability <= 0 {
		points.Sustainability = DefaultSustainabilityPoints
	}
	if points.Experience <= 0 {
		points.Experience = DefaultExperiencePoints
	}
	return &Service{
		store:      store,
		offers:     offers,
		users:      users,
		dispatcher: dispatcher,
		points:     points,
		metrics:    m,
		log:        log,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Create proposes an exchange for an offer. The credit amount is frozen
// from the offer's current price and never changes afterwards. Retrying a
// create for the same buyer and offer returns the existing exchange.
func (s *Service) Create(ctx context.Context, buyerID, offerID, locationID string, scheduledAt time.Time) (exchange.Exchange, error) {
	buyerID = strings.TrimSpace(buyerID)
	offerID = strings.TrimSpace(offerID)
	if buyerID == "" || offerID == "" {
		return exchange.Exchange{}, fault.Invalidf("buyer_id and offer_id are required")
	}
	if _, err := s.users.GetUser(ctx, buyerID); err != nil {
		return exchange.Exchange{}, err
	}

	o, err := s.offers.GetOffer(ctx, offerID)
	if err != nil {
		return exchange.Exchange{}, err
	}
	if o.OwnerID == buyerID {
		return exchange.Exchange{}, fault.New(fault.AlreadyOwned,
			"cannot propose an exchange on your own offer")
	}

	ex, err := s.store.CreateExchange(ctx, exchange.Exchange{
		OfferID:       offerID,
		BuyerID:       buyerID,
		SellerID:      o.OwnerID,
		LocationID:    strings.TrimSpace(locationID),
		Status:        exchange.StatusPending,
		CreditsAmount: o.CreditsValue,
		ScheduledAt:   scheduledAt,
	}, exchange.Event{
		Type:    exchange.EventCreated,
		ActorID: buyerID,
	})
	if err != nil {
		return exchange.Exchange{}, err
	}

	if s.metrics != nil {
		s.metrics.ExchangesCreated.Inc()
	}
	s.log.WithField("exchange_id", ex.ID).
		WithField("offer_id", offerID).
		WithField("buyer_id", buyerID).
		WithField("credits_amount", ex.CreditsAmount).
		Info("exchange proposed")

	s.dispatch(notify.Message{
		UserID: ex.SellerID,
		Kind:   notify.KindExchangeCreated,
		Title:  fmt.Sprintf("New exchange proposed for %q", o.Title),
		RefID:  ex.ID,
	})
	return ex, nil
}

// Accept moves a pending exchange to accepted. Only the seller may accept.
func (s *Service) Accept(ctx context.Context, actorID, exchangeID string) (exchange.Exchange, error) {
	ex, err := s.participantExchange(ctx, actorID, exchangeID)
	if err != nil {
		return exchange.Exchange{}, err
	}
	if ex.RoleOf(actorID) != exchange.RoleSeller {
		return exchange.Exchange{}, fault.New(fault.Forbidden, "only the seller may accept")
	}
	if err := s.checkTransition(ex, exchange.StatusAccepted); err != nil {
		return exchange.Exchange{}, err
	}

	ex.Status = exchange.StatusAccepted
	ex, err = s.store.UpdateExchange(ctx, ex, exchange.Event{
		Type:    exchange.EventAccepted,
		ActorID: actorID,
	}, "")
	if err != nil {
		return exchange.Exchange{}, s.countConflict(err)
	}

	s.log.WithField("exchange_id", ex.ID).Info("exchange accepted")
	s.dispatch(notify.Message{
		UserID: ex.BuyerID,
		Kind:   notify.KindExchangeAccepted,
		Title:  "Your exchange was accepted",
		RefID:  ex.ID,
	})
	return ex, nil
}

// Reject lets the seller decline a pending exchange. The exchange ends
// cancelled and the offer returns to the market.
func (s *Service) Reject(ctx context.Context, actorID, exchangeID, reason string) (exchange.Exchange, error) {
	ex, err := s.participantExchange(ctx, actorID, exchangeID)
	if err != nil {
		return exchange.Exchange{}, err
	}
	if ex.RoleOf(actorID) != exchange.RoleSeller {
		return exchange.Exchange{}, fault.New(fault.Forbidden, "only the seller may reject")
	}
	if ex.Status != exchange.StatusPending {
		return exchange.Exchange{}, s.terminalOrInvalid(ex, "reject")
	}

	ex.Status = exchange.StatusCancelled
	ex.CancellationReason = strings.TrimSpace(reason)
	ex, err = s.store.UpdateExchange(ctx, ex, exchange.Event{
		Type:    exchange.EventRejected,
		ActorID: actorID,
		Notes:   ex.CancellationReason,
	}, offer.StatusActive)
	if err != nil {
		return exchange.Exchange{}, s.countConflict(err)
	}

	if s.metrics != nil {
		s.metrics.ExchangesCancelled.Inc()
	}
	s.log.WithField("exchange_id", ex.ID).Info("exchange rejected")
	s.dispatch(notify.Message{
		UserID: ex.BuyerID,
		Kind:   notify.KindExchangeRejected,
		Title:  "Your exchange was declined",
		RefID:  ex.ID,
	})
	return ex, nil
}

// Confirm records a participant's completion check-in. The first check-in
// moves an accepted exchange to in_progress; the second triggers settlement.
// When settlement fails, nothing persists, including the caller's check-in,
// so the confirm can be retried once the cause is resolved.
func (s *Service) Confirm(ctx context.Context, actorID, exchangeID, notes string) (exchange.Exchange, error) {
	ex, err := s.participantExchange(ctx, actorID, exchangeID)
	if err != nil {
		return exchange.Exchange{}, err
	}

	switch ex.Status {
	case exchange.StatusAccepted, exchange.StatusInProgress:
	case exchange.StatusCompleted:
		return exchange.Exchange{}, fault.New(fault.AlreadyCompleted, "exchange %s is completed", ex.ID)
	case exchange.StatusPending:
		return exchange.Exchange{}, fault.New(fault.InvalidState, "exchange %s has not been accepted", ex.ID)
	default:
		return exchange.Exchange{}, fault.New(fault.InvalidState, "exchange %s is %s", ex.ID, ex.Status)
	}

	now := s.nowFn()
	var checkIn exchange.EventType
	switch ex.RoleOf(actorID) {
	case exchange.RoleBuyer:
		if ex.BuyerConfirmed {
			return exchange.Exchange{}, fault.New(fault.AlreadyConfirmed, "buyer already confirmed")
		}
		ex.BuyerConfirmed = true
		ex.BuyerConfirmedAt = now
		checkIn = exchange.EventCheckInBuyer
	case exchange.RoleSeller:
		if ex.SellerConfirmed {
			return exchange.Exchange{}, fault.New(fault.AlreadyConfirmed, "seller already confirmed")
		}
		ex.SellerConfirmed = true
		ex.SellerConfirmedAt = now
		checkIn = exchange.EventCheckInSeller
	}

	if !ex.BothConfirmed() {
		if ex.Status == exchange.StatusAccepted {
			ex.Status = exchange.StatusInProgress
		}
		ex, err = s.store.UpdateExchange(ctx, ex, exchange.Event{
			Type:    checkIn,
			ActorID: actorID,
			Notes:   strings.TrimSpace(notes),
		}, "")
		if err != nil {
			return exchange.Exchange{}, s.countConflict(err)
		}

		s.log.WithField("exchange_id", ex.ID).
			WithField("actor_id", actorID).
			Info("exchange confirmation recorded")
		s.dispatch(notify.Message{
			UserID: s.counterparty(ex, actorID),
			Kind:   notify.KindExchangeConfirmed,
			Title:  "Your exchange partner checked in",
			RefID:  ex.ID,
		})
		return ex, nil
	}

	return s.complete(ctx, ex, actorID, checkIn, strings.TrimSpace(notes), now)
}

// complete settles a dually-confirmed exchange.
func (s *Service) complete(ctx context.Context, ex exchange.Exchange, actorID string, checkIn exchange.EventType, notes string, now time.Time) (exchange.Exchange, error) {
	ex.Status = exchange.StatusCompleted
	ex.CompletedAt = now

	events := []exchange.Event{
		{Type: checkIn, ActorID: actorID, Notes: notes},
		{Type: exchange.EventCompleted, ActorID: actorID},
	}
	debit := credits.Entry{
		UserID:      ex.BuyerID,
		Type:        credits.TxExchangePayment,
		Amount:      -ex.CreditsAmount,
		ReferenceID: ex.ID,
		Description: "exchange payment",
	}
	credit := credits.Entry{
		UserID:      ex.SellerID,
		Type:        credits.TxExchangeReceived,
		Amount:      ex.CreditsAmount,
		ReferenceID: ex.ID,
		Description: "exchange proceeds",
	}
	grants := []user.PointsGrant{
		{UserID: ex.BuyerID, Sustainability: s.points.Sustainability, Experience: s.points.Experience},
		{UserID: ex.SellerID, Sustainability: s.points.Sustainability, Experience: s.points.Experience},
	}

	ex, err := s.store.CompleteExchange(ctx, ex, events, debit, credit, grants)
	if err != nil {
		return exchange.Exchange{}, s.countConflict(err)
	}

	if s.metrics != nil {
		s.metrics.ExchangesCompleted.Inc()
		s.metrics.LedgerEntries.WithLabelValues(string(credits.TxExchangePayment)).Inc()
		s.metrics.LedgerEntries.WithLabelValues(string(credits.TxExchangeReceived)).Inc()
		s.metrics.CompletionSeconds.Observe(ex.CompletedAt.Sub(ex.CreatedAt).Seconds())
	}
	s.log.WithField("exchange_id", ex.ID).
		WithField("credits_amount", ex.CreditsAmount).
		WithField("buyer_id", ex.BuyerID).
		WithField("seller_id", ex.SellerID).
		Info("exchange completed")

	for _, userID := range []string{ex.BuyerID, ex.SellerID} {
		s.dispatch(notify.Message{
			UserID: userID,
			Kind:   notify.KindExchangeCompleted,
			Title:  "Exchange completed",
			RefID:  ex.ID,
		})
	}
	return ex, nil
}

// Cancel aborts a non-terminal exchange and returns the offer to the
// market. Confirmation flags already recorded stay on the row as history.
func (s *Service) Cancel(ctx context.Context, actorID, exchangeID, reason string) (exchange.Exchange, error) {
	ex, err := s.participantExchange(ctx, actorID, exchangeID)
	if err != nil {
		return exchange.Exchange{}, err
	}
	if err := s.checkTransition(ex, exchange.StatusCancelled); err != nil {
		return exchange.Exchange{}, err
	}

	ex.Status = exchange.StatusCancelled
	ex.CancellationReason = strings.TrimSpace(reason)
	ex, err = s.store.UpdateExchange(ctx, ex, exchange.Event{
		Type:    exchange.EventCancelled,
		ActorID: actorID,
		Notes:   ex.CancellationReason,
	}, offer.StatusActive)
	if err != nil {
		return exchange.Exchange{}, s.countConflict(err)
	}

	if s.metrics != nil {
		s.metrics.ExchangesCancelled.Inc()
	}
	s.log.WithField("exchange_id", ex.ID).
		WithField("actor_id", actorID).
		Info("exchange cancelled")
	s.dispatch(notify.Message{
		UserID: s.counterparty(ex, actorID),
		Kind:   notify.KindExchangeCancelled,
		Title:  "Your exchange was cancelled",
		RefID:  ex.ID,
	})
	return ex, nil
}

// Dispute flags an in-progress exchange for manual resolution. The offer is
// flagged alongside so it cannot silently return to the market.
func (s *Service) Dispute(ctx context.Context, actorID, exchangeID, notes string) (exchange.Exchange, error) {
	ex, err := s.participantExchange(ctx, actorID, exchangeID)
	if err != nil {
		return exchange.Exchange{}, err
	}
	if err := s.checkTransition(ex, exchange.StatusDisputed); err != nil {
		return exchange.Exchange{}, err
	}

	ex.Status = exchange.StatusDisputed
	ex, err = s.store.UpdateExchange(ctx, ex, exchange.Event{
		Type:    exchange.EventDisputed,
		ActorID: actorID,
		Notes:   strings.TrimSpace(notes),
	}, offer.StatusFlagged)
	if err != nil {
		return exchange.Exchange{}, s.countConflict(err)
	}

	s.log.WithField("exchange_id", ex.ID).
		WithField("actor_id", actorID).
		Warn("exchange disputed")
	s.dispatch(notify.Message{
		UserID: s.counterparty(ex, actorID),
		Kind:   notify.KindExchangeDisputed,
		Title:  "Your exchange was disputed",
		RefID:  ex.ID,
	})
	return ex, nil
}

// Get returns an exchange to one of its participants.
func (s *Service) Get(ctx context.Context, actorID, exchangeID string) (exchange.Exchange, error) {
	return s.participantExchange(ctx, actorID, exchangeID)
}

// ListMine returns the exchanges the user participates in, newest first.
func (s *Service) ListMine(ctx context.Context, userID string, limit int) ([]exchange.Exchange, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fault.Invalidf("user_id is required")
	}
	return s.store.ListUserExchanges(ctx, userID, limit)
}

// Events returns the exchange's event trail to one of its participants.
func (s *Service) Events(ctx context.Context, actorID, exchangeID string) ([]exchange.Event, error) {
	if _, err := s.participantExchange(ctx, actorID, exchangeID); err != nil {
		return nil, err
	}
	return s.store.ListExchangeEvents(ctx, exchangeID)
}

func (s *Service) participantExchange(ctx context.Context, actorID, exchangeID string) (exchange.Exchange, error) {
	actorID = strings.TrimSpace(actorID)
	exchangeID = strings.TrimSpace(exchangeID)
	if actorID == "" || exchangeID == "" {
		return exchange.Exchange{}, fault.Invalidf("actor_id and exchange_id are required")
	}
	ex, err := s.store.GetExchange(ctx, exchangeID)
	if err != nil {
		return exchange.Exchange{}, err
	}
	if !ex.Participant(actorID) {
		return exchange.Exchange{}, fault.New(fault.Forbidden,
			"user %s is not a participant of exchange %s", actorID, exchangeID)
	}
	return ex, nil
}

func (s *Service) checkTransition(ex exchange.Exchange, next exchange.Status) error {
	if ex.Status.CanTransitionTo(next) {
		return nil
	}
	return s.terminalOrInvalid(ex, string(next))
}

func (s *Service) terminalOrInvalid(ex exchange.Exchange, action string) error {
	if ex.Status == exchange.StatusCompleted {
		return fault.New(fault.AlreadyCompleted, "exchange %s is completed", ex.ID)
	}
	return fault.New(fault.InvalidState, "cannot %s exchange %s in status %s", action, ex.ID, ex.Status)
}

func (s *Service) counterparty(ex exchange.Exchange, actorID string) string {
	if actorID == ex.BuyerID {
		return ex.SellerID
	}
	return ex.BuyerID
}

func (s *Service) countConflict(err error) error {
	if s.metrics != nil && fault.IsCode(err, fault.Conflict) {
		s.metrics.ExchangeConflicts.Inc()
	}
	return err
}

func (s *Service) dispatch(msg notify.Message) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(msg)
	}
}

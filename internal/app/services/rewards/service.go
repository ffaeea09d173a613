// Package rewards manages the finite-stock reward catalog and claims. The
// stock decrement and the credit debit commit or fail together; the service
// layer validates and shapes the claim, the store owns the race.
package rewards

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/domain/reward"
	"github.com/campusmarket/exchange_core/internal/app/metrics"
	"github.com/campusmarket/exchange_core/internal/app/services/notify"
	"github.com/campusmarket/exchange_core/internal/app/storage"
	"github.com/campusmarket/exchange_core/pkg/logger"
)

// Service manages rewards and claims.
type Service struct {
	store      storage.RewardStore
	users      storage.UserStore
	dispatcher *notify.Dispatcher
	metrics    *metrics.Metrics
	log        *logger.Logger
	nowFn      func() time.Time
}

// New constructs a rewards service. dispatcher may be nil when notifications
// are not wanted.
func New(store storage.RewardStore, users storage.UserStore, dispatcher *notify.Dispatcher, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rewards")
	}
	return &Service{
		store:      store,
		users:      users,
		dispatcher: dispatcher,
		metrics:    m,
		log:        log,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateReward adds a catalog item.
func (s *Service) CreateReward(ctx context.Context, name, description string, creditsCost, stock int64) (reward.Reward, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return reward.Reward{}, fault.Invalidf("name is required")
	}
	if creditsCost < 0 {
		return reward.Reward{}, fault.Invalidf("credits_cost must not be negative")
	}
	if stock < 0 {
		return reward.Reward{}, fault.Invalidf("stock_quantity must not be negative")
	}
	return s.store.CreateReward(ctx, reward.Reward{
		Name:        name,
		Description: strings.TrimSpace(description),
		CreditsCost: creditsCost,
		Stock:       stock,
		Active:      true,
	})
}

// Get returns a reward by id.
func (s *Service) Get(ctx context.Context, id string) (reward.Reward, error) {
	return s.store.GetReward(ctx, id)
}

// ListAvailable returns claimable rewards, cheapest first.
func (s *Service) ListAvailable(ctx context.Context, limit int) ([]reward.Reward, error) {
	return s.store.ListActiveRewards(ctx, limit)
}

// Claim redeems a reward for the user. The stock decrement, the ledger
// debit and the claim row are one atomic unit in the store; any failure
// leaves stock and balance untouched.
func (s *Service) Claim(ctx context.Context, userID, rewardID, notes string) (reward.Claim, error) {
	userID = strings.TrimSpace(userID)
	rewardID = strings.TrimSpace(rewardID)
	if userID == "" || rewardID == "" {
		return reward.Claim{}, fault.Invalidf("user_id and reward_id are required")
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return reward.Claim{}, err
	}

	r, err := s.store.GetReward(ctx, rewardID)
	if err != nil {
		return reward.Claim{}, err
	}
	if !r.Active {
		return reward.Claim{}, fault.New(fault.RewardInactive, "reward %s is inactive", rewardID)
	}
	if r.Stock <= 0 {
		return reward.Claim{}, fault.New(fault.OutOfStock, "reward %s is out of stock", rewardID)
	}

	claimID := uuid.NewString()
	claim, err := s.store.ClaimReward(ctx, reward.Claim{
		ID:           claimID,
		RewardID:     rewardID,
		UserID:       userID,
		CreditsSpent: r.CreditsCost,
		Status:       reward.ClaimPending,
		Notes:        strings.TrimSpace(notes),
	}, credits.Entry{
		UserID:      userID,
		Type:        credits.TxRewardClaim,
		Amount:      -r.CreditsCost,
		ReferenceID: claimID,
		Description: "reward claim: " + r.Name,
	})
	if err != nil {
		return reward.Claim{}, err
	}

	if s.metrics != nil {
		s.metrics.RewardClaims.Inc()
		s.metrics.LedgerEntries.WithLabelValues(string(credits.TxRewardClaim)).Inc()
	}
	s.log.WithField("claim_id", claim.ID).
		WithField("user_id", userID).
		WithField("reward_id", rewardID).
		WithField("credits_spent", claim.CreditsSpent).
		Info("reward claimed")

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(notify.Message{
			UserID: userID,
			Kind:   notify.KindRewardClaimed,
			Title:  fmt.Sprintf("Claim for %q received", r.Name),
			RefID:  claim.ID,
		})
	}
	return claim, nil
}

// UpdateClaimStatus moves a claim along its fulfilment states. Repeating the
// current status is a no-op; anything outside pending -> approved|rejected,
// approved -> delivered is rejected.
func (s *Service) UpdateClaimStatus(ctx context.Context, claimID string, next reward.ClaimStatus, notes string) (reward.Claim, error) {
	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return reward.Claim{}, err
	}
	if claim.Status == next {
		return claim, nil
	}
	if !claim.Status.CanTransitionTo(next) {
		return reward.Claim{}, fault.New(fault.InvalidState,
			"claim %s cannot move from %s to %s", claimID, claim.Status, next)
	}

	now := s.nowFn()
	claim.Status = next
	switch next {
	case reward.ClaimApproved:
		claim.ApprovedAt = now
	case reward.ClaimDelivered:
		claim.DeliveredAt = now
	}
	if notes = strings.TrimSpace(notes); notes != "" {
		claim.Notes = notes
	}

	claim, err = s.store.UpdateClaim(ctx, claim)
	if err != nil {
		return reward.Claim{}, err
	}

	s.log.WithField("claim_id", claimID).
		WithField("status", string(next)).
		Info("reward claim updated")

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(notify.Message{
			UserID: claim.UserID,
			Kind:   notify.KindClaimUpdated,
			Title:  fmt.Sprintf("Your claim is now %s", next),
			RefID:  claim.ID,
		})
	}
	return claim, nil
}

// GetClaim returns a claim by id.
func (s *Service) GetClaim(ctx context.Context, id string) (reward.Claim, error) {
	return s.store.GetClaim(ctx, id)
}

// ListUserClaims returns the user's claims, most recent first.
func (s *Service) ListUserClaims(ctx context.Context, userID string, limit int) ([]reward.Claim, error) {
	return s.store.ListUserClaims(ctx, userID, limit)
}

// ListPendingClaims returns unfulfilled claims, oldest first.
func (s *Service) ListPendingClaims(ctx context.Context, limit int) ([]reward.Claim, error) {
	return s.store.ListPendingClaims(ctx, limit)
}

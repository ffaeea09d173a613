package exchanges

import (
	"context"
	"testing"
	"time"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/exchange"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/domain/offer"
	"github.com/campusmarket/exchange_core/internal/app/domain/user"
	"github.com/campusmarket/exchange_core/internal/app/storage/memory"
)

func seedUsers(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := store.CreateUser(context.Background(), user.User{ID: id, Active: true}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
}

func seedBalance(t *testing.T, store *memory.Store, userID string, amount int64) {
	t.Helper()
	_, err := store.AppendEntry(context.Background(), credits.Entry{
		UserID: userID,
		Type:   credits.TxInitialGrant,
		Amount: amount,
	})
	if err != nil {
		t.Fatalf("seed balance for %s: %v", userID, err)
	}
}

func seedOffer(t *testing.T, store *memory.Store, id, ownerID string, value int64) {
	t.Helper()
	_, err := store.CreateOffer(context.Background(), offer.Offer{
		ID:           id,
		OwnerID:      ownerID,
		Title:        "test offer",
		CreditsValue: value,
		Status:       offer.StatusActive,
	})
	if err != nil {
		t.Fatalf("create offer %s: %v", id, err)
	}
}

func balance(t *testing.T, store *memory.Store, userID string) int64 {
	t.Helper()
	b, err := store.BalanceSummary(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance for %s: %v", userID, err)
	}
	return b.Balance
}

func TestService_CompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUsers(t, store, "buyer", "seller")
	seedBalance(t, store, "buyer", 100)
	seedOffer(t, store, "offer1", "seller", 30)

	svc := New(store, store, store, nil, Points{}, nil, nil)

	ex, err := svc.Create(ctx, "buyer", "offer1", "library", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ex.Status != exchange.StatusPending {
		t.Fatalf("unexpected status: %s", ex.Status)
	}
	if ex.CreditsAmount != 30 {
		t.Fatalf("credits amount not frozen from offer: %d", ex.CreditsAmount)
	}
	if o, _ := store.GetOffer(ctx, "offer1"); o.Status != offer.StatusReserved {
		t.Fatalf("offer not reserved: %s", o.Status)
	}

	ex, err = svc.Accept(ctx, "seller", ex.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ex.Status != exchange.StatusAccepted {
		t.Fatalf("unexpected status after accept: %s", ex.Status)
	}

	ex, err = svc.Confirm(ctx, "buyer", ex.ID, "")
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if ex.Status != exchange.StatusInProgress {
		t.Fatalf("first confirm should move to in_progress: %s", ex.Status)
	}
	if !ex.BuyerConfirmed || ex.SellerConfirmed {
		t.Fatalf("confirmation flags wrong: buyer=%t seller=%t", ex.BuyerConfirmed, ex.SellerConfirmed)
	}

	ex, err = svc.Confirm(ctx, "seller", ex.ID, "")
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if ex.Status != exchange.StatusCompleted {
		t.Fatalf("unexpected status after dual confirm: %s", ex.Status)
	}
	if ex.CompletedAt.IsZero() {
		t.Fatal("completed_at not set")
	}

	if got := balance(t, store, "buyer"); got != 70 {
		t.Fatalf("buyer balance: %d", got)
	}
	if got := balance(t, store, "seller"); got != 30 {
		t.Fatalf("seller balance: %d", got)
	}
	if o, _ := store.GetOffer(ctx, "offer1"); o.Status != offer.StatusCompleted {
		t.Fatalf("offer not completed: %s", o.Status)
	}

	for _, id := range []string{"buyer", "seller"} {
		u, err := store.GetUser(ctx, id)
		if err != nil {
			t.Fatalf("get user %s: %v", id, err)
		}
		if u.SustainabilityPoints != DefaultSustainabilityPoints {
			t.Fatalf("%s sustainability points: %d", id, u.SustainabilityPoints)
		}
		if u.ExperiencePoints != DefaultExperiencePoints {
			t.Fatalf("%s experience points: %d", id, u.ExperiencePoints)
		}
	}

	events, err := svc.Events(ctx, "buyer", ex.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []exchange.EventType{
		exchange.EventCreated,
		exchange.EventAccepted,
		exchange.EventCheckInBuyer,
		exchange.EventCheckInSeller,
		exchange.EventCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("event count: got %d want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d: got %s want %s", i, ev.Type, want[i])
		}
	}
}

func TestService_InsufficientBalanceAbortsCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUsers(t, store, "buyer", "seller")
	seedBalance(t, store, "buyer", 10)
	seedOffer(t, store, "offer1", "seller", 30)

	svc := New(store, store, store, nil, Points{}, nil, nil)

	ex, err := svc.Create(ctx, "buyer", "offer1", "", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Accept(ctx, "seller", ex.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.Confirm(ctx, "buyer", ex.ID, ""); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}

	_, err = svc.Confirm(ctx, "seller", ex.ID, "")
	if !fault.IsCode(err, fault.InsufficientBalance) {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}

	// Nothing from the failed completion may persist, including the
	// seller's check-in.
	ex, err = svc.Get(ctx, "seller", ex.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ex.Status != exchange.StatusInProgress {
		t.Fatalf("status after failed completion: %s", ex.Status)
	}
	if ex.SellerConfirmed {
		t.Fatal("seller confirmation leaked from aborted completion")
	}
	if got := balance(t, store, "buyer"); got != 10 {
		t.Fatalf("buyer balance changed: %d", got)
	}
	if got := balance(t, store, "seller"); got != 0 {
		t.Fatalf("seller balance changed: %d", got)
	}

	// Top up and retry the same confirm.
	seedBalance(t, store, "buyer", 50)
	ex, err = svc.Confirm(ctx, "seller", ex.ID, "")
	if err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if ex.Status != exchange.StatusCompleted {
		t.Fatalf("status after retry: %s", ex.Status)
	}
	if got := balance(t, store, "buyer"); got != 30 {
		t.Fatalf("buyer balance after retry: %d", got)
	}
	if got := balance(t, store, "seller"); got != 30 {
		t.Fatalf("seller balance after retry: %d", got)
	}
}

func TestService_CreateRules(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUsers(t, store, "buyer", "buyer2", "seller")
	seedOffer(t, store, "offer1", "seller", 20)

	svc := New(store, store, store, nil, Points{}, nil, nil)

	if _, err := svc.Create(ctx, "seller", "offer1", "", time.Time{}); !fault.IsCode(err, fault.AlreadyOwned) {
		t.Fatalf("own offer should be rejected, got %v", err)
	}
	if _, err := svc.Create(ctx, "buyer", "missing", "", time.Time{}); !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("missing offer should be not_found, got %v", err)
	}

	ex, err := svc.Create(ctx, "buyer", "offer1", "", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Retrying the same proposal returns the existing exchange.
	again, err := svc.Create(ctx, "buyer", "offer1", "", time.Time{})
	if err != nil {
		t.Fatalf("retried create: %v", err)
	}
	if again.ID != ex.ID {
		t.Fatalf("retry created a second exchange: %s vs %s", again.ID, ex.ID)
	}

	// A different buyer cannot take a reserved offer.
	if _, err := svc.Create(ctx, "buyer2", "offer1", "", time.Time{}); !fault.IsCode(err, fault.OfferNotActive) {
		t.Fatalf("reserved offer should be offer_not_active, got %v", err)
	}
}

func TestService_ParticipantRules(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUsers(t, store, "buyer", "seller", "stranger")
	seedBalance(t, store, "buyer", 100)
	seedOffer(t, store, "offer1", "seller", 10)

	svc := New(store, store, store, nil, Points{}, nil, nil)

	ex, err := svc.Create(ctx, "buyer", "offer1", "", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, "stranger", ex.ID); !fault.IsCode(err, fault.Forbidden) {
		t.Fatalf("stranger read should be forbidden, got %v", err)
	}
	if _, err := svc.Accept(ctx, "buyer", ex.ID); !fault.IsCode(err, fault.Forbidden) {
		t.Fatalf("buyer accept should be forbidden, got %v", err)
	}
	if _, err := svc.Confirm(ctx, "buyer", ex.ID, ""); !fault.IsCode(err, fault.InvalidState) {
		t.Fatalf("confirm before accept should be invalid_state, got %v", err)
	}

	if _, err := svc.Accept(ctx, "seller", ex.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.Confirm(ctx, "buyer", ex.ID, ""); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if _, err := svc.Confirm(ctx, "buyer", ex.ID, ""); !fault.IsCode(err, fault.AlreadyConfirmed) {
		t.Fatalf("double confirm should be already_confirmed, got %v", err)
	}

	ex, err = svc.Confirm(ctx, "seller", ex.ID, "")
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if _, err := svc.Cancel(ctx, "buyer", ex.ID, "too late"); !fault.IsCode(err, fault.AlreadyCompleted) {
		t.Fatalf("cancel after completion should be already_completed, got %v", err)
	}
	if _, err := svc.Confirm(ctx, "seller", ex.ID, ""); !fault.IsCode(err, fault.AlreadyCompleted) {
		t.Fatalf("confirm after completion should be already_completed, got %v", err)
	}
}

func TestService_CancelReturnsOfferToMarket(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUsers(t, store, "buyer", "buyer2", "seller")
	seedOffer(t, store, "offer1", "seller", 10)

	svc := New(store, store, store, nil, Points{}, nil, nil)

	ex, err := svc.Create(ctx, "buyer", "offer1", "", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ex, err = svc.Cancel(ctx, "buyer", ex.ID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ex.Status != exchange.StatusCancelled {
		t.Fatalf("status after cancel: %s", ex.Status)
	}
	if ex.CancellationReason != "changed my mind" {
		t.Fatalf("cancellation reason: %q", ex.CancellationReason)
	}
	if o, _ := store.GetOffer(ctx, "offer1"); o.Status != offer.StatusActive {
		t.Fatalf("offer not returned to market: %s", o.Status)
	}

	if _, err := svc.Cancel(ctx, "buyer", ex.ID, "again"); !fault.IsCode(err, fault.InvalidState) {
		t.Fatalf("cancel of cancelled should be invalid_state, got %v", err)
	}

	// The freed offer is available to a fresh proposal.
	fresh, err := svc.Create(ctx, "buyer2", "offer1", "", time.Time{})
	if err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
	if fresh.ID == ex.ID {
		t.Fatal("re-proposal must be a new exchange")
	}
	if fresh.BuyerConfirmed || fresh.SellerConfirmed {
		t.Fatal("fresh exchange carries stale confirmations")
	}
}

func TestService_RejectAndDispute(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUsers(t, store, "buyer", "seller")
	seedBalance(t, store, "buyer", 100)
	seedOffer(t, store, "offer1", "seller", 10)

	svc := New(store, store, store, nil, Points{}, nil, nil)

	ex, err := svc.Create(ctx, "buyer", "offer1", "", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Reject(ctx, "buyer", ex.ID, ""); !fault.IsCode(err, fault.Forbidden) {
		t.Fatalf("buyer reject should be forbidden, got %v", err)
	}
	ex, err = svc.Reject(ctx, "seller", ex.ID, "not available")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if ex.Status != exchange.StatusCancelled {
		t.Fatalf("status after reject: %s", ex.Status)
	}
	if o, _ := store.GetOffer(ctx, "offer1"); o.Status != offer.StatusActive {
		t.Fatalf("offer after reject: %s", o.Status)
	}

	ex, err = svc.Create(ctx, "buyer", "offer1", "", time.Time{})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if _, err := svc.Dispute(ctx, "buyer", ex.ID, "no show"); !fault.IsCode(err, fault.InvalidState) {
		t.Fatalf("dispute of pending should be invalid_state, got %v", err)
	}
	if _, err := svc.Accept(ctx, "seller", ex.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.Confirm(ctx, "buyer", ex.ID, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	ex, err = svc.Dispute(ctx, "buyer", ex.ID, "item damaged")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if ex.Status != exchange.StatusDisputed {
		t.Fatalf("status after dispute: %s", ex.Status)
	}
	if o, _ := store.GetOffer(ctx, "offer1"); o.Status != offer.StatusFlagged {
		t.Fatalf("offer after dispute: %s", o.Status)
	}
	if _, err := svc.Confirm(ctx, "seller", ex.ID, ""); !fault.IsCode(err, fault.InvalidState) {
		t.Fatalf("confirm of disputed should be invalid_state, got %v", err)
	}
}

func TestService_ListMine(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedUsers(t, store, "buyer", "seller", "stranger")
	seedOffer(t, store, "offer1", "seller", 10)
	seedOffer(t, store, "offer2", "seller", 15)

	svc := New(store, store, store, nil, Points{}, nil, nil)

	if _, err := svc.Create(ctx, "buyer", "offer1", "", time.Time{}); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := svc.Create(ctx, "buyer", "offer2", "", time.Time{}); err != nil {
		t.Fatalf("create 2: %v", err)
	}

	mine, err := svc.ListMine(ctx, "seller", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("seller exchange count: %d", len(mine))
	}
	none, err := svc.ListMine(ctx, "stranger", 0)
	if err != nil {
		t.Fatalf("list stranger: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("stranger should have no exchanges: %d", len(none))
	}
}

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/exchange"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/domain/offer"
	"github.com/campusmarket/exchange_core/internal/app/domain/user"
)

func TestStore_AppendEntryDiscipline(t *testing.T) {
	ctx := context.Background()
	store := New()

	first, err := store.AppendEntry(ctx, credits.Entry{UserID: "u1", Type: credits.TxInitialGrant, Amount: 100})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq != 1 || first.BalanceAfter != 100 {
		t.Fatalf("first entry: seq=%d balance=%d", first.Seq, first.BalanceAfter)
	}

	second, err := store.AppendEntry(ctx, credits.Entry{UserID: "u1", Type: credits.TxAdminAdjustment, Amount: -30})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Seq != 2 || second.BalanceAfter != 70 {
		t.Fatalf("second entry: seq=%d balance=%d", second.Seq, second.BalanceAfter)
	}

	if _, err := store.AppendEntry(ctx, credits.Entry{UserID: "u1", Type: credits.TxAdminAdjustment, Amount: -71}); !fault.IsCode(err, fault.InsufficientBalance) {
		t.Fatalf("overdraft should be insufficient_balance, got %v", err)
	}

	// Sequences are per user.
	other, err := store.AppendEntry(ctx, credits.Entry{UserID: "u2", Type: credits.TxInitialGrant, Amount: 5})
	if err != nil {
		t.Fatalf("append other user: %v", err)
	}
	if other.Seq != 1 {
		t.Fatalf("other user seq: %d", other.Seq)
	}
}

func TestStore_ConcurrentAppendsKeepSeqDense(t *testing.T) {
	ctx := context.Background()
	store := New()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AppendEntry(ctx, credits.Entry{UserID: "u1", Type: credits.TxAdminAdjustment, Amount: 1}); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	latest, err := store.LatestEntry(ctx, "u1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Seq != n || latest.BalanceAfter != n {
		t.Fatalf("after %d appends: seq=%d balance=%d", n, latest.Seq, latest.BalanceAfter)
	}
}

func setupExchange(t *testing.T) (*Store, exchange.Exchange) {
	t.Helper()
	ctx := context.Background()
	store := New()
	for _, id := range []string{"buyer", "seller"} {
		if _, err := store.CreateUser(ctx, user.User{ID: id, Active: true}); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	if _, err := store.CreateOffer(ctx, offer.Offer{ID: "o1", OwnerID: "seller", CreditsValue: 30, Status: offer.StatusActive}); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	ex, err := store.CreateExchange(ctx, exchange.Exchange{
		OfferID:       "o1",
		BuyerID:       "buyer",
		SellerID:      "seller",
		Status:        exchange.StatusPending,
		CreditsAmount: 30,
	}, exchange.Event{Type: exchange.EventCreated, ActorID: "buyer"})
	if err != nil {
		t.Fatalf("create exchange: %v", err)
	}
	return store, ex
}

func TestStore_UpdateExchangeVersionCheck(t *testing.T) {
	ctx := context.Background()
	store, ex := setupExchange(t)

	stale := ex
	ex.Status = exchange.StatusAccepted
	if _, err := store.UpdateExchange(ctx, ex, exchange.Event{Type: exchange.EventAccepted}, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale.Status = exchange.StatusCancelled
	if _, err := store.UpdateExchange(ctx, stale, exchange.Event{Type: exchange.EventCancelled}, ""); !fault.IsCode(err, fault.Conflict) {
		t.Fatalf("stale write should conflict, got %v", err)
	}
}

func TestStore_CompleteExchangeAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store, ex := setupExchange(t)

	// Buyer has no credits: the completion must leave no trace.
	attempt := ex
	attempt.Status = exchange.StatusCompleted
	_, err := store.CompleteExchange(ctx, attempt,
		[]exchange.Event{{Type: exchange.EventCompleted}},
		credits.Entry{UserID: "buyer", Type: credits.TxExchangePayment, Amount: -30},
		credits.Entry{UserID: "seller", Type: credits.TxExchangeReceived, Amount: 30},
		[]user.PointsGrant{{UserID: "buyer", Sustainability: 10}})
	if !fault.IsCode(err, fault.InsufficientBalance) {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}

	got, err := store.GetExchange(ctx, ex.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != exchange.StatusPending || got.Version != ex.Version {
		t.Fatalf("failed completion mutated exchange: status=%s version=%d", got.Status, got.Version)
	}
	events, err := store.ListExchangeEvents(ctx, ex.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("failed completion appended events: %d", len(events))
	}
	if _, err := store.LatestEntry(ctx, "seller"); !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("failed completion credited seller: %v", err)
	}
	u, _ := store.GetUser(ctx, "buyer")
	if u.SustainabilityPoints != 0 {
		t.Fatalf("failed completion granted points: %d", u.SustainabilityPoints)
	}

	// Fund the buyer and settle for real.
	if _, err := store.AppendEntry(ctx, credits.Entry{UserID: "buyer", Type: credits.TxInitialGrant, Amount: 100}); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	done, err := store.CompleteExchange(ctx, attempt,
		[]exchange.Event{{Type: exchange.EventCompleted}},
		credits.Entry{UserID: "buyer", Type: credits.TxExchangePayment, Amount: -30},
		credits.Entry{UserID: "seller", Type: credits.TxExchangeReceived, Amount: 30},
		[]user.PointsGrant{{UserID: "buyer", Sustainability: 10, Experience: 15}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Version != ex.Version+1 {
		t.Fatalf("version after completion: %d", done.Version)
	}
	if o, _ := store.GetOffer(ctx, "o1"); o.Status != offer.StatusCompleted {
		t.Fatalf("offer after completion: %s", o.Status)
	}
	buyerEntry, _ := store.LatestEntry(ctx, "buyer")
	if buyerEntry.BalanceAfter != 70 {
		t.Fatalf("buyer balance: %d", buyerEntry.BalanceAfter)
	}
}

func TestStore_CompleteExchangeUnknownGrantee(t *testing.T) {
	ctx := context.Background()
	store, ex := setupExchange(t)

	if _, err := store.AppendEntry(ctx, credits.Entry{UserID: "buyer", Type: credits.TxInitialGrant, Amount: 100}); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}

	// A grant for a user that does not exist must leave no trace either.
	attempt := ex
	attempt.Status = exchange.StatusCompleted
	_, err := store.CompleteExchange(ctx, attempt,
		[]exchange.Event{{Type: exchange.EventCompleted}},
		credits.Entry{UserID: "buyer", Type: credits.TxExchangePayment, Amount: -30},
		credits.Entry{UserID: "seller", Type: credits.TxExchangeReceived, Amount: 30},
		[]user.PointsGrant{
			{UserID: "buyer", Sustainability: 10},
			{UserID: "ghost", Sustainability: 10},
		})
	if !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}

	got, err := store.GetExchange(ctx, ex.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != exchange.StatusPending || got.Version != ex.Version {
		t.Fatalf("failed completion mutated exchange: status=%s version=%d", got.Status, got.Version)
	}
	events, err := store.ListExchangeEvents(ctx, ex.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("failed completion appended events: %d", len(events))
	}
	if o, _ := store.GetOffer(ctx, "o1"); o.Status != offer.StatusReserved {
		t.Fatalf("failed completion moved offer: %s", o.Status)
	}
	buyerEntry, err := store.LatestEntry(ctx, "buyer")
	if err != nil {
		t.Fatalf("buyer entry: %v", err)
	}
	if buyerEntry.BalanceAfter != 100 {
		t.Fatalf("failed completion debited buyer: %d", buyerEntry.BalanceAfter)
	}
	if _, err := store.LatestEntry(ctx, "seller"); !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("failed completion credited seller: %v", err)
	}
	u, _ := store.GetUser(ctx, "buyer")
	if u.SustainabilityPoints != 0 {
		t.Fatalf("failed completion granted points: %d", u.SustainabilityPoints)
	}
}

func TestStore_CreateExchangeIdempotency(t *testing.T) {
	ctx := context.Background()
	store, ex := setupExchange(t)

	again, err := store.CreateExchange(ctx, exchange.Exchange{
		OfferID: "o1",
		BuyerID: "buyer",
	}, exchange.Event{Type: exchange.EventCreated})
	if err != nil {
		t.Fatalf("retried create: %v", err)
	}
	if again.ID != ex.ID {
		t.Fatalf("retry created new exchange: %s vs %s", again.ID, ex.ID)
	}

	if _, err := store.CreateExchange(ctx, exchange.Exchange{
		OfferID: "o1",
		BuyerID: "someone-else",
	}, exchange.Event{Type: exchange.EventCreated}); !fault.IsCode(err, fault.OfferNotActive) {
		t.Fatalf("reserved offer should be offer_not_active, got %v", err)
	}
}

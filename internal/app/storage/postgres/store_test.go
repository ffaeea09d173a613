package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/exchange"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/domain/offer"
	"github.com/campusmarket/exchange_core/internal/app/domain/reward"
	"github.com/campusmarket/exchange_core/internal/app/domain/user"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		mockDB.Close()
	})
	return New(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func TestStore_GetUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, full_name, sustainability_points").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetUser(context.Background(), "ghost")
	if !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestStore_AppendEntry(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO credit_entries").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "balance_after"}).AddRow(3, 120))

	entry, err := store.AppendEntry(context.Background(), credits.Entry{
		UserID: "u1",
		Type:   credits.TxAdminAdjustment,
		Amount: 20,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.Seq != 3 || entry.BalanceAfter != 120 {
		t.Fatalf("entry: seq=%d balance=%d", entry.Seq, entry.BalanceAfter)
	}
	if entry.ID == "" {
		t.Fatal("entry id not generated")
	}
}

func TestStore_AppendEntryBalanceGuard(t *testing.T) {
	store, mock := newMockStore(t)
	// No row returned means the conditional insert rejected the amount.
	mock.ExpectQuery("INSERT INTO credit_entries").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "balance_after"}))

	_, err := store.AppendEntry(context.Background(), credits.Entry{
		UserID: "u1",
		Type:   credits.TxAdminAdjustment,
		Amount: -500,
	})
	if !fault.IsCode(err, fault.InsufficientBalance) {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
}

func TestStore_AppendEntryUniqueCollision(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO credit_entries").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "credit_entries_user_id_seq_key"})

	_, err := store.AppendEntry(context.Background(), credits.Entry{
		UserID: "u1",
		Type:   credits.TxAdminAdjustment,
		Amount: 10,
	})
	if !fault.IsCode(err, fault.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStore_BalanceSummaryDriverFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("u1").
		WillReturnError(errors.New("connection refused"))

	_, err := store.BalanceSummary(context.Background(), "u1")
	if !fault.IsCode(err, fault.Unavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestStore_CreateExchangeReservedOffer(t *testing.T) {
	// A read failure while checking for the buyer's open exchange must
	// surface as a retryable failure, not offer_not_active.
	t.Run("driver failure propagates", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM offers").
			WithArgs("o1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("reserved"))
		mock.ExpectQuery("SELECT id, offer_id, buyer_id").
			WithArgs("o1").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := store.CreateExchange(context.Background(), exchange.Exchange{
			OfferID: "o1", BuyerID: "buyer", SellerID: "seller", Status: exchange.StatusPending,
		}, exchange.Event{Type: exchange.EventCreated})
		if !fault.IsCode(err, fault.Unavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	})

	t.Run("no open exchange means offer_not_active", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM offers").
			WithArgs("o1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("reserved"))
		mock.ExpectQuery("SELECT id, offer_id, buyer_id").
			WithArgs("o1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := store.CreateExchange(context.Background(), exchange.Exchange{
			OfferID: "o1", BuyerID: "buyer", SellerID: "seller", Status: exchange.StatusPending,
		}, exchange.Event{Type: exchange.EventCreated})
		if !fault.IsCode(err, fault.OfferNotActive) {
			t.Fatalf("expected offer_not_active, got %v", err)
		}
	})
}

func TestStore_UpdateExchangeStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE exchanges").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ex1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.UpdateExchange(context.Background(), exchange.Exchange{
		ID:      "ex1",
		Status:  exchange.StatusAccepted,
		Version: 2,
	}, exchange.Event{Type: exchange.EventAccepted}, "")
	if !fault.IsCode(err, fault.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStore_UpdateExchangeGone(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE exchanges").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ex1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := store.UpdateExchange(context.Background(), exchange.Exchange{
		ID:      "ex1",
		Status:  exchange.StatusAccepted,
		Version: 1,
	}, exchange.Event{Type: exchange.EventAccepted}, "")
	if !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestStore_ClaimRewardOutOfStock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE rewards").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT is_active, stock_quantity").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active", "stock_quantity"}).AddRow(true, 0))
	mock.ExpectRollback()

	_, err := store.ClaimReward(context.Background(),
		reward.Claim{RewardID: "r1", UserID: "u1", Status: reward.ClaimPending},
		credits.Entry{UserID: "u1", Type: credits.TxRewardClaim, Amount: -10})
	if !fault.IsCode(err, fault.OutOfStock) {
		t.Fatalf("expected out_of_stock, got %v", err)
	}
}

func TestStore_UpdateClaimNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE reward_claims").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateClaim(context.Background(), reward.Claim{
		ID:     "missing",
		Status: reward.ClaimApproved,
	})
	if !fault.IsCode(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

// TestStore_Integration exercises the full exchange and claim cycle against a
// real database. Set TEST_POSTGRES_DSN to run it.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	store := New(db)

	buyer, err := store.CreateUser(ctx, user.User{FullName: "Integration Buyer", Active: true})
	if err != nil {
		t.Fatalf("create buyer: %v", err)
	}
	seller, err := store.CreateUser(ctx, user.User{FullName: "Integration Seller", Active: true})
	if err != nil {
		t.Fatalf("create seller: %v", err)
	}
	if _, err := store.AppendEntry(ctx, credits.Entry{
		UserID: buyer.ID, Type: credits.TxInitialGrant, Amount: 100,
	}); err != nil {
		t.Fatalf("grant buyer: %v", err)
	}

	o, err := store.CreateOffer(ctx, offer.Offer{
		OwnerID: seller.ID, Title: "integration offer", CreditsValue: 30,
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	ex, err := store.CreateExchange(ctx, exchange.Exchange{
		OfferID:       o.ID,
		BuyerID:       buyer.ID,
		SellerID:      seller.ID,
		Status:        exchange.StatusPending,
		CreditsAmount: 30,
	}, exchange.Event{Type: exchange.EventCreated, ActorID: buyer.ID})
	if err != nil {
		t.Fatalf("create exchange: %v", err)
	}
	if got, _ := store.GetOffer(ctx, o.ID); got.Status != offer.StatusReserved {
		t.Fatalf("offer after exchange create: %s", got.Status)
	}

	// A stale version must be refused.
	stale := ex
	ex.Status = exchange.StatusAccepted
	ex, err = store.UpdateExchange(ctx, ex, exchange.Event{Type: exchange.EventAccepted, ActorID: seller.ID}, "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	stale.Status = exchange.StatusCancelled
	if _, err := store.UpdateExchange(ctx, stale, exchange.Event{Type: exchange.EventCancelled}, ""); !fault.IsCode(err, fault.Conflict) {
		t.Fatalf("stale update should conflict, got %v", err)
	}

	ex.Status = exchange.StatusCompleted
	ex.BuyerConfirmed = true
	ex.SellerConfirmed = true
	ex, err = store.CompleteExchange(ctx, ex,
		[]exchange.Event{{Type: exchange.EventCompleted}},
		credits.Entry{UserID: buyer.ID, Type: credits.TxExchangePayment, Amount: -30, ReferenceID: ex.ID},
		credits.Entry{UserID: seller.ID, Type: credits.TxExchangeReceived, Amount: 30, ReferenceID: ex.ID},
		[]user.PointsGrant{
			{UserID: buyer.ID, Sustainability: 10, Experience: 15},
			{UserID: seller.ID, Sustainability: 10, Experience: 15},
		})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	buyerBalance, err := store.BalanceSummary(ctx, buyer.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if buyerBalance.Balance != 70 {
		t.Fatalf("buyer balance: %d", buyerBalance.Balance)
	}
	sellerEntry, err := store.LatestEntry(ctx, seller.ID)
	if err != nil {
		t.Fatalf("seller entry: %v", err)
	}
	if sellerEntry.BalanceAfter != 30 {
		t.Fatalf("seller balance: %d", sellerEntry.BalanceAfter)
	}
	if got, _ := store.GetUser(ctx, buyer.ID); got.SustainabilityPoints != 10 || got.ExperiencePoints != 15 {
		t.Fatalf("buyer points: %+v", got)
	}

	events, err := store.ListExchangeEvents(ctx, ex.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("event count: %d", len(events))
	}

	r, err := store.CreateReward(ctx, reward.Reward{
		Name: "integration reward", CreditsCost: 20, Stock: 1, Active: true,
	})
	if err != nil {
		t.Fatalf("create reward: %v", err)
	}
	claim, err := store.ClaimReward(ctx,
		reward.Claim{RewardID: r.ID, UserID: buyer.ID, CreditsSpent: 20, Status: reward.ClaimPending},
		credits.Entry{UserID: buyer.ID, Type: credits.TxRewardClaim, Amount: -20})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.ClaimReward(ctx,
		reward.Claim{RewardID: r.ID, UserID: seller.ID, CreditsSpent: 20, Status: reward.ClaimPending},
		credits.Entry{UserID: seller.ID, Type: credits.TxRewardClaim, Amount: -20}); !fault.IsCode(err, fault.OutOfStock) {
		t.Fatalf("second claim should be out_of_stock, got %v", err)
	}
	if got, _ := store.GetClaim(ctx, claim.ID); got.Status != reward.ClaimPending {
		t.Fatalf("claim status: %s", got.Status)
	}
}

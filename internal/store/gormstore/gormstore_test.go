package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hexwaveai-gc/hexwave.ai-sub002/pkg/credits"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "credits.db")), &gorm.Config{})
	require.NoError(t, err)
	store := New(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func testService(t *testing.T, store credits.Store) *credits.Service {
	t.Helper()
	service, err := credits.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	require.NoError(t, err)
	return service
}

func TestAccountRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAccount(ctx, credits.Account{UserID: "user-1", Credits: 50}))
	// Implicit creation is idempotent.
	require.NoError(t, store.CreateAccount(ctx, credits.Account{UserID: "user-1", Credits: 999}))

	account, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, credits.Amount(50), account.Credits)

	_, err = store.GetAccount(ctx, "ghost")
	require.ErrorIs(t, err, credits.ErrUserNotFound)
}

func TestUpdateBalanceStampsVerification(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, credits.Account{UserID: "user-1"}))

	verifiedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateBalance(ctx, "user-1", 120, verifiedAt.Unix()))

	account, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, credits.Amount(120), account.Credits)
	require.Equal(t, verifiedAt.Unix(), account.BalanceVerifiedAtUnix)

	require.ErrorIs(t, store.UpdateBalance(ctx, "ghost", 1, verifiedAt.Unix()), credits.ErrUserNotFound)
}

func TestInsertEntryEnforcesIdempotencyKeyUniqueness(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, credits.Account{UserID: "user-1"}))

	entry := credits.Entry{
		EntryID:        "11111111-1111-4111-8111-111111111111",
		TransactionRef: "txn_a",
		UserID:         "user-1",
		Type:           credits.EntryPurchase,
		Amount:         100,
		BalanceBefore:  0,
		BalanceAfter:   100,
		Status:         credits.EntryStatusCompleted,
		Source:         credits.SourcePaddleWebhook,
		IdempotencyKey: "paddle_txn_1",
		CreatedUnixUTC: time.Now().Unix(),
	}
	require.NoError(t, store.InsertEntry(ctx, entry))

	duplicate := entry
	duplicate.EntryID = "22222222-2222-4222-8222-222222222222"
	duplicate.TransactionRef = "txn_b"
	require.ErrorIs(t, store.InsertEntry(ctx, duplicate), credits.ErrDuplicateEntry)

	found, err := store.FindEntryByIdempotencyKey(ctx, "paddle_txn_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "txn_a", found.TransactionRef)
}

func TestInsertEntryEnforcesTransactionClassUniqueness(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, credits.Account{UserID: "user-1"}))

	grant := credits.Entry{
		EntryID:        "11111111-1111-4111-8111-111111111111",
		TransactionRef: "txn_a",
		UserID:         "user-1",
		Type:           credits.EntryPurchase,
		Amount:         100,
		BalanceAfter:   100,
		Status:         credits.EntryStatusCompleted,
		Source:         credits.SourcePaddleWebhook,
		Correlation:    credits.Correlation{TransactionID: "ext-1"},
		CreatedUnixUTC: time.Now().Unix(),
	}
	require.NoError(t, store.InsertEntry(ctx, grant))

	renewal := grant
	renewal.EntryID = "22222222-2222-4222-8222-222222222222"
	renewal.TransactionRef = "txn_b"
	renewal.Type = credits.EntrySubscriptionRenewal
	require.ErrorIs(t, store.InsertEntry(ctx, renewal), credits.ErrDuplicateEntry)

	// A refund with the same external id lives in a different class.
	refund := grant
	refund.EntryID = "33333333-3333-4333-8333-333333333333"
	refund.TransactionRef = "txn_c"
	refund.Type = credits.EntryRefund
	require.NoError(t, store.InsertEntry(ctx, refund))

	found, err := store.FindEntryByTransaction(ctx, "ext-1", credits.TypeClassRefund)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "txn_c", found.TransactionRef)
}

func TestEngineWebhookRedeliveryAgainstRealStore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, credits.Account{UserID: "user-1"}))
	service := testService(t, store)

	userID, err := credits.NewUserID("user-1")
	require.NoError(t, err)
	request := credits.AddRequest{
		UserID:         userID,
		Amount:         3000,
		Type:           credits.EntrySubscriptionCredit,
		Source:         credits.SourcePaddleWebhook,
		Correlation:    credits.Correlation{TransactionID: "txn_1"},
		IdempotencyKey: "paddle_txn_txn_1",
	}

	first, err := service.AddCredits(ctx, request)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := service.AddCredits(ctx, request)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.BalanceAfter, second.BalanceAfter)

	balance, err := service.GetBalance(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, credits.Amount(3000), balance)

	verification, err := service.VerifyBalance(ctx, userID)
	require.NoError(t, err)
	require.True(t, verification.Valid)
}

func TestListEntriesAndSchedules(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Unix()

	require.NoError(t, store.CreateAccount(ctx, credits.Account{
		UserID: "annual-user",
		Subscription: credits.Subscription{
			SubscriptionID: "sub_1",
			PriceID:        "pri_1",
			Status:         credits.SubscriptionStatusActive,
			BillingCycle:   credits.BillingCycleYear,
			NextCreditDate: now - 60,
		},
	}))
	require.NoError(t, store.CreateAccount(ctx, credits.Account{
		UserID: "monthly-user",
		Subscription: credits.Subscription{
			Status:         credits.SubscriptionStatusActive,
			BillingCycle:   credits.BillingCycleMonth,
			NextCreditDate: now - 60,
		},
	}))

	due, err := store.ListDueCreditSchedules(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"annual-user"}, due)

	require.NoError(t, store.UpdateCreditSchedule(ctx, "annual-user", now+3600, now-60))
	due, err = store.ListDueCreditSchedules(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	service := testService(t, store)
	userID, err := credits.NewUserID("annual-user")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := service.AddCredits(ctx, credits.AddRequest{UserID: userID, Amount: 10})
		require.NoError(t, err)
	}
	entries, err := store.ListEntries(ctx, "annual-user", credits.HistoryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

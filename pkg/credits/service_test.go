package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestAddCreditsRaisesBalanceAndAppendsEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 100)
	service := mustNewService(test, store)

	result, err := service.AddCredits(context.Background(), AddRequest{
		UserID:      mustUserID(test, "user-1"),
		Amount:      3000,
		Type:        EntrySubscriptionCredit,
		Description: "annual plan first month",
		Source:      SourcePaddleWebhook,
		Correlation: Correlation{TransactionID: "txn_ext_1", SubscriptionID: "sub_1"},
	})
	if err != nil {
		test.Fatalf("add credits: %v", err)
	}
	if !result.Success || result.Duplicate {
		test.Fatalf("unexpected result: %+v", result)
	}
	if result.BalanceBefore != 100 || result.BalanceAfter != 3100 {
		test.Fatalf("unexpected balance chain: %d -> %d", result.BalanceBefore, result.BalanceAfter)
	}
	if len(store.state.entries) != 1 {
		test.Fatalf("expected 1 ledger entry, got %d", len(store.state.entries))
	}
	entry := store.state.entries[0]
	if entry.Status != EntryStatusCompleted {
		test.Fatalf("expected completed entry, got %s", entry.Status)
	}
	if entry.BalanceAfter-entry.BalanceBefore != entry.Amount {
		test.Fatalf("entry delta broken: before=%d after=%d amount=%d", entry.BalanceBefore, entry.BalanceAfter, entry.Amount)
	}
	if store.state.accounts["user-1"].Credits != 3100 {
		test.Fatalf("cached balance not updated: %d", store.state.accounts["user-1"].Credits)
	}
}

func TestAddCreditsRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 0)
	service := mustNewService(test, store)

	for _, amount := range []Amount{0, -5} {
		result, err := service.AddCredits(context.Background(), AddRequest{
			UserID: mustUserID(test, "user-1"),
			Amount: amount,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("expected ErrInvalidAmount for %d, got %v", amount, err)
		}
		if result.ErrorCode != ErrorCodeInvalidAmount {
			test.Fatalf("expected INVALID_AMOUNT code, got %q", result.ErrorCode)
		}
	}
	if len(store.state.entries) != 0 {
		test.Fatalf("invalid amount must not write, got %d entries", len(store.state.entries))
	}
}

func TestAddCreditsRejectsDebitType(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 0)
	service := mustNewService(test, store)

	_, err := service.AddCredits(context.Background(), AddRequest{
		UserID: mustUserID(test, "user-1"),
		Amount: 10,
		Type:   EntryUsage,
	})
	if !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestAddCreditsUnknownUser(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	result, err := service.AddCredits(context.Background(), AddRequest{
		UserID: mustUserID(test, "ghost"),
		Amount: 50,
	})
	if !errors.Is(err, ErrUserNotFound) {
		test.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if result.ErrorCode != ErrorCodeUserNotFound {
		test.Fatalf("expected USER_NOT_FOUND code, got %q", result.ErrorCode)
	}
}

func TestDeductCreditsSpendsExactBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 1000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	result, err := service.DeductCredits(context.Background(), DeductRequest{
		UserID:       userID,
		Amount:       1000,
		Description:  "generate image",
		UsageDetails: mustMetadata(test, `{"action":"generate_image","model":"sd-xl"}`),
	})
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if result.BalanceAfter != 0 {
		test.Fatalf("expected zero balance, got %d", result.BalanceAfter)
	}
	entry := store.state.entries[0]
	if entry.Amount != -1000 {
		test.Fatalf("expected negative ledger amount, got %d", entry.Amount)
	}
	if entry.Type != EntryUsage || entry.Source != SourceAPIUsage {
		test.Fatalf("unexpected entry type/source: %s/%s", entry.Type, entry.Source)
	}

	followUp, err := service.DeductCredits(context.Background(), DeductRequest{
		UserID:      userID,
		Amount:      1,
		Description: "generate image",
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if followUp.ErrorCode != ErrorCodeInsufficientBalance {
		test.Fatalf("expected INSUFFICIENT_BALANCE code, got %q", followUp.ErrorCode)
	}
	if store.state.accounts["user-1"].Credits != 0 {
		test.Fatalf("failed deduction must leave balance unchanged, got %d", store.state.accounts["user-1"].Credits)
	}
	if len(store.state.entries) != 1 {
		test.Fatalf("failed deduction must not write, got %d entries", len(store.state.entries))
	}
}

func TestRefundRoundTrip(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 200)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	deduction, err := service.DeductCredits(context.Background(), DeductRequest{
		UserID:      userID,
		Amount:      50,
		Description: "generate video",
	})
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}

	refund, err := service.RefundCredits(context.Background(), RefundRequest{
		UserID:      userID,
		Amount:      50,
		Description: "generation failed",
		RelatedRef:  deduction.TransactionRef,
	})
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refund.BalanceAfter != 200 {
		test.Fatalf("expected balance restored to 200, got %d", refund.BalanceAfter)
	}
	if len(store.state.entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(store.state.entries))
	}
	if net := store.state.entries[0].Amount + store.state.entries[1].Amount; net != 0 {
		test.Fatalf("expected zero net change, got %d", net)
	}
	refundEntry := store.state.entries[1]
	if refundEntry.Type != EntryRefund || refundEntry.RelatedRef != deduction.TransactionRef {
		test.Fatalf("refund entry not linked to original: %+v", refundEntry)
	}
	if refundEntry.Source != SourceSystem {
		test.Fatalf("expected default system source, got %s", refundEntry.Source)
	}
}

func TestRefundIgnoresBalanceLevel(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 0)
	service := mustNewService(test, store)

	result, err := service.RefundCredits(context.Background(), RefundRequest{
		UserID:      mustUserID(test, "user-1"),
		Amount:      75,
		Description: "goodwill refund",
	})
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if result.BalanceAfter != 75 {
		test.Fatalf("expected balance 75, got %d", result.BalanceAfter)
	}
}

func TestGetBalanceReadsCachedValueOnly(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 420)
	service := mustNewService(test, store)

	balance, err := service.GetBalance(context.Background(), mustUserID(test, "user-1"))
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance != 420 {
		test.Fatalf("expected 420, got %d", balance)
	}
}

func TestValidateBalanceComputesShortfall(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 30)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	validation, err := service.ValidateBalance(context.Background(), userID, 100)
	if err != nil {
		test.Fatalf("validate: %v", err)
	}
	if validation.Valid || validation.Shortfall != 70 || validation.Balance != 30 {
		test.Fatalf("unexpected validation: %+v", validation)
	}

	validation, err = service.ValidateBalance(context.Background(), userID, 20)
	if err != nil {
		test.Fatalf("validate: %v", err)
	}
	if !validation.Valid || validation.Shortfall != 0 {
		test.Fatalf("unexpected validation: %+v", validation)
	}
}

func TestConcurrentDeductionsNeverOverdraw(test *testing.T) {
	test.Parallel()
	const workers = 50
	store := newStubStore(test)
	store.seedAccount(test, "user-1", workers)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	var waitGroup sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.DeductCredits(context.Background(), DeductRequest{
				UserID:      userID,
				Amount:      1,
				Description: "concurrent usage",
			})
			errCh <- err
		}()
	}
	waitGroup.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			test.Fatalf("deduct failed: %v", err)
		}
	}
	if got := store.state.accounts["user-1"].Credits; got != 0 {
		test.Fatalf("expected final balance 0, got %d", got)
	}
	if got := len(store.state.entries); got != workers {
		test.Fatalf("expected %d entries, got %d", workers, got)
	}

	verification, err := service.VerifyBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if !verification.Valid {
		test.Fatalf("ledger out of sync after concurrent deductions: %+v", verification)
	}
}

func TestOperationLoggerReceivesOutcomes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "user-1", 10)
	recorder := &recordingLogger{}
	service := mustNewService(test, store, WithOperationLogger(recorder))

	if _, err := service.DeductCredits(context.Background(), DeductRequest{
		UserID: mustUserID(test, "user-1"),
		Amount: 5,
	}); err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if _, err := service.DeductCredits(context.Background(), DeductRequest{
		UserID: mustUserID(test, "user-1"),
		Amount: 50,
	}); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if len(recorder.logs) != 2 {
		test.Fatalf("expected 2 operation logs, got %d", len(recorder.logs))
	}
	if recorder.logs[0].Status != operationStatusOK {
		test.Fatalf("expected ok status, got %s", recorder.logs[0].Status)
	}
	if recorder.logs[1].Status != operationStatusError {
		test.Fatalf("expected error status, got %s", recorder.logs[1].Status)
	}
}

type recordingLogger struct {
	mu   sync.Mutex
	logs []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.logs = append(logger.logs, entry)
}

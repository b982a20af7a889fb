package credits

import (
	"context"
	"sync"
	"testing"
)

// stubState is the shared in-memory data behind stubStore. Unique-key maps
// model the schema-level idempotency constraints of the real stores.
type stubState struct {
	accounts   map[string]Account
	entries    []Entry
	byIdem     map[string]int
	byTxnClass map[string]int

	// concurrentDuplicate simulates a racing delivery: in-transaction dedup
	// lookups miss, the insert hits the unique constraint, and the
	// post-rollback lookup finds the winner's entry.
	concurrentDuplicate *Entry

	failUpdateScheduleOnce bool
}

// stubStore is an in-memory Store. One mutex spans each transaction, which
// models the per-user row lock the real stores take.
type stubStore struct {
	mu    sync.Mutex
	state *stubState
}

// txStub is the view handed to WithTx closures; the transaction mutex is
// already held, so methods touch state directly.
type txStub struct {
	state *stubState
	inTx  bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		state: &stubState{
			accounts:   make(map[string]Account),
			byIdem:     make(map[string]int),
			byTxnClass: make(map[string]int),
		},
	}
}

func (store *stubStore) seedAccount(test *testing.T, userID string, credits Amount) {
	test.Helper()
	store.state.accounts[userID] = Account{UserID: userID, Credits: credits}
}

func (store *stubStore) seedSubscription(test *testing.T, userID string, credits Amount, subscription Subscription) {
	test.Helper()
	store.state.accounts[userID] = Account{UserID: userID, Credits: credits, Subscription: subscription}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	state := store.state

	snapshotAccounts := make(map[string]Account, len(state.accounts))
	for key, value := range state.accounts {
		snapshotAccounts[key] = value
	}
	snapshotEntries := len(state.entries)
	snapshotIdem := make(map[string]int, len(state.byIdem))
	for key, value := range state.byIdem {
		snapshotIdem[key] = value
	}
	snapshotTxn := make(map[string]int, len(state.byTxnClass))
	for key, value := range state.byTxnClass {
		snapshotTxn[key] = value
	}

	if err := fn(ctx, txStub{state: state, inTx: true}); err != nil {
		state.accounts = snapshotAccounts
		state.entries = state.entries[:snapshotEntries]
		state.byIdem = snapshotIdem
		state.byTxnClass = snapshotTxn
		return err
	}
	return nil
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.CreateAccount(ctx, account)
}

func (store *stubStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.GetAccount(ctx, userID)
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID string) (Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *stubStore) UpdateBalance(ctx context.Context, userID string, balance Amount, verifiedAtUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.UpdateBalance(ctx, userID, balance, verifiedAtUnixUTC)
}

func (store *stubStore) UpdateSubscription(ctx context.Context, userID string, subscription Subscription) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.UpdateSubscription(ctx, userID, subscription)
}

func (store *stubStore) UpdateCreditSchedule(ctx context.Context, userID string, nextUnixUTC int64, lastUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.UpdateCreditSchedule(ctx, userID, nextUnixUTC, lastUnixUTC)
}

func (store *stubStore) ListDueCreditSchedules(ctx context.Context, dueAtUnixUTC int64, limit int) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.ListDueCreditSchedules(ctx, dueAtUnixUTC, limit)
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.InsertEntry(ctx, entry)
}

func (store *stubStore) FindEntryByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.FindEntryByIdempotencyKey(ctx, key)
}

func (store *stubStore) FindEntryByTransaction(ctx context.Context, transactionID string, class TypeClass) (*Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.FindEntryByTransaction(ctx, transactionID, class)
}

func (store *stubStore) SumCompleted(ctx context.Context, userID string) (Amount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.SumCompleted(ctx, userID)
}

func (store *stubStore) ListEntries(ctx context.Context, userID string, filter HistoryFilter) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return txStub{state: store.state}.ListEntries(ctx, userID, filter)
}

func (view txStub) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, view)
}

func (view txStub) CreateAccount(ctx context.Context, account Account) error {
	view.state.accounts[account.UserID] = account
	return nil
}

func (view txStub) GetAccount(ctx context.Context, userID string) (Account, error) {
	account, ok := view.state.accounts[userID]
	if !ok {
		return Account{}, ErrUserNotFound
	}
	return account, nil
}

func (view txStub) GetAccountForUpdate(ctx context.Context, userID string) (Account, error) {
	return view.GetAccount(ctx, userID)
}

func (view txStub) UpdateBalance(ctx context.Context, userID string, balance Amount, verifiedAtUnixUTC int64) error {
	account, ok := view.state.accounts[userID]
	if !ok {
		return ErrUserNotFound
	}
	account.Credits = balance
	account.BalanceVerifiedAtUnix = verifiedAtUnixUTC
	view.state.accounts[userID] = account
	return nil
}

func (view txStub) UpdateSubscription(ctx context.Context, userID string, subscription Subscription) error {
	account, ok := view.state.accounts[userID]
	if !ok {
		return ErrUserNotFound
	}
	account.Subscription = subscription
	view.state.accounts[userID] = account
	return nil
}

func (view txStub) UpdateCreditSchedule(ctx context.Context, userID string, nextUnixUTC int64, lastUnixUTC int64) error {
	if view.state.failUpdateScheduleOnce {
		view.state.failUpdateScheduleOnce = false
		return WrapError("store", "account", "update_schedule", ErrInvalidServiceConfig)
	}
	account, ok := view.state.accounts[userID]
	if !ok {
		return ErrUserNotFound
	}
	account.Subscription.NextCreditDate = nextUnixUTC
	account.Subscription.LastCreditDate = lastUnixUTC
	view.state.accounts[userID] = account
	return nil
}

func (view txStub) ListDueCreditSchedules(ctx context.Context, dueAtUnixUTC int64, limit int) ([]string, error) {
	due := make([]string, 0)
	for userID, account := range view.state.accounts {
		subscription := account.Subscription
		if subscription.Status != SubscriptionStatusActive || subscription.BillingCycle != BillingCycleYear {
			continue
		}
		if subscription.NextCreditDate == 0 || subscription.NextCreditDate > dueAtUnixUTC {
			continue
		}
		due = append(due, userID)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (view txStub) InsertEntry(ctx context.Context, entry Entry) error {
	if view.state.concurrentDuplicate != nil {
		return ErrDuplicateEntry
	}
	if entry.IdempotencyKey != "" {
		if _, exists := view.state.byIdem[entry.IdempotencyKey]; exists {
			return ErrDuplicateEntry
		}
	}
	if entry.Correlation.TransactionID != "" {
		if _, exists := view.state.byTxnClass[txnClassKey(entry.Correlation.TransactionID, entry.Type.Class())]; exists {
			return ErrDuplicateEntry
		}
	}
	view.state.entries = append(view.state.entries, entry)
	index := len(view.state.entries) - 1
	if entry.IdempotencyKey != "" {
		view.state.byIdem[entry.IdempotencyKey] = index
	}
	if entry.Correlation.TransactionID != "" {
		view.state.byTxnClass[txnClassKey(entry.Correlation.TransactionID, entry.Type.Class())] = index
	}
	return nil
}

func (view txStub) FindEntryByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	if racing := view.state.concurrentDuplicate; racing != nil {
		if view.inTx {
			return nil, nil
		}
		if racing.IdempotencyKey == key {
			entry := *racing
			return &entry, nil
		}
		return nil, nil
	}
	index, ok := view.state.byIdem[key]
	if !ok {
		return nil, nil
	}
	entry := view.state.entries[index]
	return &entry, nil
}

func (view txStub) FindEntryByTransaction(ctx context.Context, transactionID string, class TypeClass) (*Entry, error) {
	if racing := view.state.concurrentDuplicate; racing != nil {
		if view.inTx {
			return nil, nil
		}
		if racing.Correlation.TransactionID == transactionID && racing.Type.Class() == class {
			entry := *racing
			return &entry, nil
		}
		return nil, nil
	}
	index, ok := view.state.byTxnClass[txnClassKey(transactionID, class)]
	if !ok {
		return nil, nil
	}
	entry := view.state.entries[index]
	return &entry, nil
}

func (view txStub) SumCompleted(ctx context.Context, userID string) (Amount, error) {
	var sum Amount
	for _, entry := range view.state.entries {
		if entry.UserID == userID && entry.Status == EntryStatusCompleted {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (view txStub) ListEntries(ctx context.Context, userID string, filter HistoryFilter) ([]Entry, error) {
	matched := make([]Entry, 0)
	for index := len(view.state.entries) - 1; index >= 0; index-- {
		entry := view.state.entries[index]
		if entry.UserID != userID {
			continue
		}
		if filter.SinceUnixUTC != 0 && entry.CreatedUnixUTC < filter.SinceUnixUTC {
			continue
		}
		if filter.BeforeUnixUTC != 0 && entry.CreatedUnixUTC >= filter.BeforeUnixUTC {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, entry.Type) {
			continue
		}
		matched = append(matched, entry)
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}
	return matched, nil
}

func txnClassKey(transactionID string, class TypeClass) string {
	return transactionID + "|" + string(class)
}

func containsType(types []EntryType, entryType EntryType) bool {
	for _, candidate := range types {
		if candidate == entryType {
			return true
		}
	}
	return false
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

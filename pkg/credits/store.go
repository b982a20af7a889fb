package credits

import "context"

// Store is the persistence contract used by Service.
//
// Mutations run inside WithTx; implementations must make GetAccountForUpdate
// block concurrent writers for the same user until the transaction ends, and
// must enforce uniqueness of idempotency keys and of (transaction id, type
// class) pairs at the schema level, returning ErrDuplicateEntry on conflict.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, userID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID string) (Account, error)
	UpdateBalance(ctx context.Context, userID string, balance Amount, verifiedAtUnixUTC int64) error
	UpdateSubscription(ctx context.Context, userID string, subscription Subscription) error
	UpdateCreditSchedule(ctx context.Context, userID string, nextUnixUTC int64, lastUnixUTC int64) error
	ListDueCreditSchedules(ctx context.Context, dueAtUnixUTC int64, limit int) ([]string, error)

	InsertEntry(ctx context.Context, entry Entry) error
	FindEntryByIdempotencyKey(ctx context.Context, key string) (*Entry, error)
	FindEntryByTransaction(ctx context.Context, transactionID string, class TypeClass) (*Entry, error)
	SumCompleted(ctx context.Context, userID string) (Amount, error)
	ListEntries(ctx context.Context, userID string, filter HistoryFilter) ([]Entry, error)
}

package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hexwaveai-gc/hexwave.ai-sub002/pkg/credits"
)

const (
	constraintIdempotencyKey   = "uniq_ledger_idem"
	constraintTransactionClass = "uniq_ledger_txn_class"
	constraintTransactionRef   = "ledger_entries_transaction_ref_key"
	pgUniqueViolationCode      = "23505"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectSchedule    = "schedule"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"

	sqlInsertAccount = `
		insert into accounts(
			user_id, credits, balance_verified_at,
			subscription_id, customer_id, price_id, subscription_status, billing_cycle,
			current_period_end, next_credit_date, last_credit_date
		)
		values(
			$1, $2, to_timestamp(nullif($3,0)),
			nullif($4,''), nullif($5,''), nullif($6,''), nullif($7,''), nullif($8,''),
			to_timestamp(nullif($9,0)), to_timestamp(nullif($10,0)), to_timestamp(nullif($11,0))
		)
		on conflict (user_id) do nothing
	`

	sqlAccountColumns = `
		user_id,
		credits,
		coalesce(extract(epoch from balance_verified_at)::bigint,0),
		coalesce(subscription_id,''),
		coalesce(customer_id,''),
		coalesce(price_id,''),
		coalesce(subscription_status,''),
		coalesce(billing_cycle,''),
		coalesce(extract(epoch from current_period_end)::bigint,0),
		coalesce(extract(epoch from next_credit_date)::bigint,0),
		coalesce(extract(epoch from last_credit_date)::bigint,0)
	`

	sqlSelectAccount          = `select ` + sqlAccountColumns + ` from accounts where user_id = $1`
	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateBalance = `
		update accounts
		set credits = $2, balance_verified_at = to_timestamp($3), updated_at = now()
		where user_id = $1
	`

	sqlUpdateSubscription = `
		update accounts
		set subscription_id = nullif($2,''),
			customer_id = nullif($3,''),
			price_id = nullif($4,''),
			subscription_status = nullif($5,''),
			billing_cycle = nullif($6,''),
			current_period_end = to_timestamp(nullif($7,0)),
			next_credit_date = to_timestamp(nullif($8,0)),
			last_credit_date = to_timestamp(nullif($9,0)),
			updated_at = now()
		where user_id = $1
	`

	sqlUpdateCreditSchedule = `
		update accounts
		set next_credit_date = to_timestamp(nullif($2,0)),
			last_credit_date = to_timestamp(nullif($3,0)),
			updated_at = now()
		where user_id = $1
	`

	sqlListDueCreditSchedules = `
		select user_id from accounts
		where subscription_status = 'active'
		and billing_cycle = 'year'
		and next_credit_date is not null
		and next_credit_date <= to_timestamp($1)
		order by next_credit_date
		limit $2
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, transaction_ref, user_id, type, type_class, amount,
			balance_before, balance_after, status, source, description,
			transaction_id, subscription_id, customer_id, price_id, product_id,
			related_ref, idempotency_key, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, nullif($10,''), nullif($11,''),
			nullif($12,''), nullif($13,''), nullif($14,''), nullif($15,''), nullif($16,''),
			nullif($17,''), nullif($18,''),
			coalesce(nullif($19,''),'{}')::jsonb,
			to_timestamp($20)
		)
	`

	sqlEntryColumns = `
		entry_id::text,
		transaction_ref,
		user_id,
		type,
		amount,
		balance_before,
		balance_after,
		status,
		coalesce(source,''),
		coalesce(description,''),
		coalesce(transaction_id,''),
		coalesce(subscription_id,''),
		coalesce(customer_id,''),
		coalesce(price_id,''),
		coalesce(product_id,''),
		coalesce(related_ref,''),
		coalesce(idempotency_key,''),
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlSelectEntryByIdempotencyKey = `
		select ` + sqlEntryColumns + ` from ledger_entries where idempotency_key = $1
	`

	sqlSelectEntryByTransaction = `
		select ` + sqlEntryColumns + ` from ledger_entries
		where transaction_id = $1 and type_class = $2
	`

	sqlSumCompleted = `
		select coalesce(sum(amount),0) from ledger_entries
		where user_id = $1 and status = 'completed'
	`

	sqlListEntries = `
		select ` + sqlEntryColumns + ` from ledger_entries
		where user_id = $1
		and ($2::text[] is null or type = any($2))
		and ($3 = 0 or created_at < to_timestamp($3))
		and ($4 = 0 or created_at >= to_timestamp($4))
		order by created_at desc
		limit $5::bigint
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the accounts and ledger tables when absent.
func (store *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`create table if not exists accounts(
			user_id text primary key,
			credits bigint not null default 0,
			balance_verified_at timestamptz,
			subscription_id text,
			customer_id text,
			price_id text,
			subscription_status text,
			billing_cycle text,
			current_period_end timestamptz,
			next_credit_date timestamptz,
			last_credit_date timestamptz,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		)`,
		`create index if not exists idx_accounts_next_credit on accounts(next_credit_date) where next_credit_date is not null`,
		`create table if not exists ledger_entries(
			entry_id uuid primary key,
			transaction_ref text not null unique,
			user_id text not null references accounts(user_id),
			type text not null,
			type_class text not null,
			amount bigint not null,
			balance_before bigint not null,
			balance_after bigint not null,
			status text not null,
			source text,
			description text,
			transaction_id text,
			subscription_id text,
			customer_id text,
			price_id text,
			product_id text,
			related_ref text,
			idempotency_key text,
			metadata jsonb not null default '{}',
			created_at timestamptz not null
		)`,
		`create unique index if not exists uniq_ledger_idem on ledger_entries(idempotency_key) where idempotency_key is not null`,
		`create unique index if not exists uniq_ledger_txn_class on ledger_entries(transaction_id, type_class) where transaction_id is not null`,
		`create index if not exists idx_ledger_user_created on ledger_entries(user_id, created_at desc)`,
	}
	for _, statement := range statements {
		if _, err := store.pool.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
		}
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) error {
	return createAccount(ctx, store.pool, account)
}

func (store *Store) GetAccount(ctx context.Context, userID string) (credits.Account, error) {
	return selectAccount(ctx, store.pool, sqlSelectAccount, userID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (credits.Account, error) {
	return selectAccount(ctx, store.pool, sqlSelectAccountForUpdate, userID)
}

func (store *Store) UpdateBalance(ctx context.Context, userID string, balance credits.Amount, verifiedAtUnixUTC int64) error {
	return execAccountUpdate(ctx, store.pool, sqlUpdateBalance, userID, balance.Int64(), verifiedAtUnixUTC)
}

func (store *Store) UpdateSubscription(ctx context.Context, userID string, subscription credits.Subscription) error {
	return updateSubscription(ctx, store.pool, userID, subscription)
}

func (store *Store) UpdateCreditSchedule(ctx context.Context, userID string, nextUnixUTC int64, lastUnixUTC int64) error {
	return execAccountUpdate(ctx, store.pool, sqlUpdateCreditSchedule, userID, nextUnixUTC, lastUnixUTC)
}

func (store *Store) ListDueCreditSchedules(ctx context.Context, dueAtUnixUTC int64, limit int) ([]string, error) {
	return listDueCreditSchedules(ctx, store.pool, dueAtUnixUTC, limit)
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.Entry) error {
	return insertEntry(ctx, store.pool, entry)
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, key string) (*credits.Entry, error) {
	return selectEntry(ctx, store.pool, sqlSelectEntryByIdempotencyKey, key)
}

func (store *Store) FindEntryByTransaction(ctx context.Context, transactionID string, class credits.TypeClass) (*credits.Entry, error) {
	return selectEntry(ctx, store.pool, sqlSelectEntryByTransaction, transactionID, string(class))
}

func (store *Store) SumCompleted(ctx context.Context, userID string) (credits.Amount, error) {
	return sumCompleted(ctx, store.pool, userID)
}

func (store *Store) ListEntries(ctx context.Context, userID string, filter credits.HistoryFilter) ([]credits.Entry, error) {
	return listEntries(ctx, store.pool, userID, filter)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) CreateAccount(ctx context.Context, account credits.Account) error {
	return createAccount(ctx, store.tx, account)
}

func (store *TxStore) GetAccount(ctx context.Context, userID string) (credits.Account, error) {
	return selectAccount(ctx, store.tx, sqlSelectAccount, userID)
}

func (store *TxStore) GetAccountForUpdate(ctx context.Context, userID string) (credits.Account, error) {
	return selectAccount(ctx, store.tx, sqlSelectAccountForUpdate, userID)
}

func (store *TxStore) UpdateBalance(ctx context.Context, userID string, balance credits.Amount, verifiedAtUnixUTC int64) error {
	return execAccountUpdate(ctx, store.tx, sqlUpdateBalance, userID, balance.Int64(), verifiedAtUnixUTC)
}

func (store *TxStore) UpdateSubscription(ctx context.Context, userID string, subscription credits.Subscription) error {
	return updateSubscription(ctx, store.tx, userID, subscription)
}

func (store *TxStore) UpdateCreditSchedule(ctx context.Context, userID string, nextUnixUTC int64, lastUnixUTC int64) error {
	return execAccountUpdate(ctx, store.tx, sqlUpdateCreditSchedule, userID, nextUnixUTC, lastUnixUTC)
}

func (store *TxStore) ListDueCreditSchedules(ctx context.Context, dueAtUnixUTC int64, limit int) ([]string, error) {
	return listDueCreditSchedules(ctx, store.tx, dueAtUnixUTC, limit)
}

func (store *TxStore) InsertEntry(ctx context.Context, entry credits.Entry) error {
	return insertEntry(ctx, store.tx, entry)
}

func (store *TxStore) FindEntryByIdempotencyKey(ctx context.Context, key string) (*credits.Entry, error) {
	return selectEntry(ctx, store.tx, sqlSelectEntryByIdempotencyKey, key)
}

func (store *TxStore) FindEntryByTransaction(ctx context.Context, transactionID string, class credits.TypeClass) (*credits.Entry, error) {
	return selectEntry(ctx, store.tx, sqlSelectEntryByTransaction, transactionID, string(class))
}

func (store *TxStore) SumCompleted(ctx context.Context, userID string) (credits.Amount, error) {
	return sumCompleted(ctx, store.tx, userID)
}

func (store *TxStore) ListEntries(ctx context.Context, userID string, filter credits.HistoryFilter) ([]credits.Entry, error) {
	return listEntries(ctx, store.tx, userID, filter)
}

func createAccount(ctx context.Context, runner querier, account credits.Account) error {
	subscription := account.Subscription
	_, err := runner.Exec(ctx, sqlInsertAccount,
		account.UserID,
		account.Credits.Int64(),
		account.BalanceVerifiedAtUnix,
		subscription.SubscriptionID,
		subscription.CustomerID,
		subscription.PriceID,
		subscription.Status,
		subscription.BillingCycle,
		subscription.CurrentPeriodEnd,
		subscription.NextCreditDate,
		subscription.LastCreditDate,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func selectAccount(ctx context.Context, runner querier, query string, userID string) (credits.Account, error) {
	var (
		account      credits.Account
		subscription credits.Subscription
	)
	err := runner.QueryRow(ctx, query, userID).Scan(
		&account.UserID,
		&account.Credits,
		&account.BalanceVerifiedAtUnix,
		&subscription.SubscriptionID,
		&subscription.CustomerID,
		&subscription.PriceID,
		&subscription.Status,
		&subscription.BillingCycle,
		&subscription.CurrentPeriodEnd,
		&subscription.NextCreditDate,
		&subscription.LastCreditDate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrUserNotFound)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account.Subscription = subscription
	return account, nil
}

func execAccountUpdate(ctx context.Context, runner querier, query string, userID string, args ...any) error {
	tag, err := runner.Exec(ctx, query, append([]any{userID}, args...)...)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrUserNotFound)
	}
	return nil
}

func updateSubscription(ctx context.Context, runner querier, userID string, subscription credits.Subscription) error {
	tag, err := runner.Exec(ctx, sqlUpdateSubscription,
		userID,
		subscription.SubscriptionID,
		subscription.CustomerID,
		subscription.PriceID,
		subscription.Status,
		subscription.BillingCycle,
		subscription.CurrentPeriodEnd,
		subscription.NextCreditDate,
		subscription.LastCreditDate,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrUserNotFound)
	}
	return nil
}

func listDueCreditSchedules(ctx context.Context, runner querier, dueAtUnixUTC int64, limit int) ([]string, error) {
	rows, err := runner.Query(ctx, sqlListDueCreditSchedules, dueAtUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSchedule, errorCodeList, err)
	}
	defer rows.Close()
	userIDs := make([]string, 0, limit)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, wrapStoreError(errorSubjectSchedule, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSchedule, errorCodeList, err)
	}
	return userIDs, nil
}

func insertEntry(ctx context.Context, runner querier, entry credits.Entry) error {
	_, err := runner.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.TransactionRef,
		entry.UserID,
		entry.Type.String(),
		string(entry.Type.Class()),
		entry.Amount.Int64(),
		entry.BalanceBefore.Int64(),
		entry.BalanceAfter.Int64(),
		string(entry.Status),
		string(entry.Source),
		entry.Description,
		entry.Correlation.TransactionID,
		entry.Correlation.SubscriptionID,
		entry.Correlation.CustomerID,
		entry.Correlation.PriceID,
		entry.Correlation.ProductID,
		entry.RelatedRef,
		entry.IdempotencyKey,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
	if isDedupConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, credits.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func selectEntry(ctx context.Context, runner querier, query string, args ...any) (*credits.Entry, error) {
	entry, err := scanEntry(runner.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return &entry, nil
}

func sumCompleted(ctx context.Context, runner querier, userID string) (credits.Amount, error) {
	var sum int64
	if err := runner.QueryRow(ctx, sqlSumCompleted, userID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return credits.Amount(sum), nil
}

func listEntries(ctx context.Context, runner querier, userID string, filter credits.HistoryFilter) ([]credits.Entry, error) {
	var typeFilter []string
	if len(filter.Types) > 0 {
		typeFilter = make([]string, 0, len(filter.Types))
		for _, entryType := range filter.Types {
			typeFilter = append(typeFilter, entryType.String())
		}
	}
	// A null limit reads as "limit all"; zero would return nothing.
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := runner.Query(ctx, sqlListEntries, userID, typeFilter, filter.BeforeUnixUTC, filter.SinceUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]credits.Entry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (credits.Entry, error) {
	var (
		entry     credits.Entry
		entryType string
		status    string
		source    string
	)
	err := row.Scan(
		&entry.EntryID,
		&entry.TransactionRef,
		&entry.UserID,
		&entryType,
		&entry.Amount,
		&entry.BalanceBefore,
		&entry.BalanceAfter,
		&status,
		&source,
		&entry.Description,
		&entry.Correlation.TransactionID,
		&entry.Correlation.SubscriptionID,
		&entry.Correlation.CustomerID,
		&entry.Correlation.PriceID,
		&entry.Correlation.ProductID,
		&entry.RelatedRef,
		&entry.IdempotencyKey,
		&entry.MetadataJSON,
		&entry.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Entry{}, err
	}
	parsedType, err := credits.ParseEntryType(entryType)
	if err != nil {
		return credits.Entry{}, err
	}
	entry.Type = parsedType
	entry.Status = credits.EntryStatus(status)
	entry.Source = credits.Source(source)
	return entry, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isDedupConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolationCode {
		return false
	}
	switch pgErr.ConstraintName {
	case constraintIdempotencyKey, constraintTransactionClass, constraintTransactionRef:
		return true
	}
	return false
}

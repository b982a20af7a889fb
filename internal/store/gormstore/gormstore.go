package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hexwaveai-gc/hexwave.ai-sub002/pkg/credits"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"
	errorSubjectAccount = "account"
	errorSubjectBalance = "balance"
	errorSubjectEntry   = "entry"
	errorCodeCreate     = "create"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeLookup     = "lookup"
	errorCodeSum        = "sum"
	errorCodeUpdate     = "update"
)

// Store implements credits.Store using GORM, for SQLite and Postgres alike.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema. Intended for SQLite and tests; Postgres
// deployments manage the schema through pgstore.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) error {
	model := accountModel(account)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (credits.Account, error) {
	return store.getAccount(ctx, userID, false)
}

// GetAccountForUpdate locks the account row until the surrounding
// transaction ends, serializing concurrent mutations for the user.
func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (credits.Account, error) {
	return store.getAccount(ctx, userID, true)
}

func (store *Store) getAccount(ctx context.Context, userID string, forUpdate bool) (credits.Account, error) {
	query := store.db.WithContext(ctx)
	// SQLite rejects FOR UPDATE and serializes writers on its own; the row
	// lock is only needed on Postgres.
	if forUpdate && store.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrUserNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) UpdateBalance(ctx context.Context, userID string, balance credits.Amount, verifiedAtUnixUTC int64) error {
	verifiedAt := time.Unix(verifiedAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"credits":             balance.Int64(),
			"balance_verified_at": verifiedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrUserNotFound)
	}
	return nil
}

func (store *Store) UpdateSubscription(ctx context.Context, userID string, subscription credits.Subscription) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"subscription_id":     subscription.SubscriptionID,
			"customer_id":         subscription.CustomerID,
			"price_id":            subscription.PriceID,
			"subscription_status": subscription.Status,
			"billing_cycle":       subscription.BillingCycle,
			"current_period_end":  unixToTime(subscription.CurrentPeriodEnd),
			"next_credit_date":    unixToTime(subscription.NextCreditDate),
			"last_credit_date":    unixToTime(subscription.LastCreditDate),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrUserNotFound)
	}
	return nil
}

func (store *Store) UpdateCreditSchedule(ctx context.Context, userID string, nextUnixUTC int64, lastUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"next_credit_date": unixToTime(nextUnixUTC),
			"last_credit_date": unixToTime(lastUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrUserNotFound)
	}
	return nil
}

func (store *Store) ListDueCreditSchedules(ctx context.Context, dueAtUnixUTC int64, limit int) ([]string, error) {
	dueAt := time.Unix(dueAtUnixUTC, 0).UTC()
	var userIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("subscription_status = ?", credits.SubscriptionStatusActive).
		Where("billing_cycle = ?", credits.BillingCycleYear).
		Where("next_credit_date is not null and next_credit_date <= ?", dueAt).
		Order("next_credit_date asc").
		Limit(limit).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return userIDs, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.Entry) error {
	model := LedgerEntry{
		EntryID:        entry.EntryID,
		TransactionRef: entry.TransactionRef,
		UserID:         entry.UserID,
		Type:           entry.Type.String(),
		Amount:         entry.Amount.Int64(),
		BalanceBefore:  entry.BalanceBefore.Int64(),
		BalanceAfter:   entry.BalanceAfter.Int64(),
		Status:         string(entry.Status),
		Source:         string(entry.Source),
		Description:    entry.Description,
		TransactionID:  nullableString(entry.Correlation.TransactionID),
		TypeClass:      string(entry.Type.Class()),
		SubscriptionID: entry.Correlation.SubscriptionID,
		CustomerID:     entry.Correlation.CustomerID,
		PriceID:        entry.Correlation.PriceID,
		ProductID:      entry.Correlation.ProductID,
		RelatedRef:     entry.RelatedRef,
		IdempotencyKey: nullableString(entry.IdempotencyKey),
		Metadata:       datatypesJSON(entry.MetadataJSON),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return credits.ErrDuplicateEntry
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, key string) (*credits.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapLedgerEntry(model)
}

func (store *Store) FindEntryByTransaction(ctx context.Context, transactionID string, class credits.TypeClass) (*credits.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("transaction_id = ? and type_class = ?", transactionID, string(class)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapLedgerEntry(model)
}

func (store *Store) SumCompleted(ctx context.Context, userID string) (credits.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? and status = ?", userID, string(credits.EntryStatusCompleted)).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return credits.Amount(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, filter credits.HistoryFilter) ([]credits.Entry, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.SinceUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.SinceUnixUTC, 0).UTC())
	}
	if filter.BeforeUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(filter.BeforeUnixUTC, 0).UTC())
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, entryType := range filter.Types {
			types = append(types, entryType.String())
		}
		query = query.Where("type in ?", types)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []LedgerEntry
	if err := query.Order("created_at desc, entry_id desc").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func accountModel(account credits.Account) Account {
	subscription := account.Subscription
	return Account{
		UserID:             account.UserID,
		Credits:            account.Credits.Int64(),
		BalanceVerifiedAt:  unixToTime(account.BalanceVerifiedAtUnix),
		SubscriptionID:     subscription.SubscriptionID,
		CustomerID:         subscription.CustomerID,
		PriceID:            subscription.PriceID,
		SubscriptionStatus: subscription.Status,
		BillingCycle:       subscription.BillingCycle,
		CurrentPeriodEnd:   unixToTime(subscription.CurrentPeriodEnd),
		NextCreditDate:     unixToTime(subscription.NextCreditDate),
		LastCreditDate:     unixToTime(subscription.LastCreditDate),
	}
}

func mapAccount(model Account) credits.Account {
	return credits.Account{
		UserID:                model.UserID,
		Credits:               credits.Amount(model.Credits),
		BalanceVerifiedAtUnix: timeOrZero(model.BalanceVerifiedAt),
		Subscription: credits.Subscription{
			SubscriptionID:   model.SubscriptionID,
			CustomerID:       model.CustomerID,
			PriceID:          model.PriceID,
			Status:           model.SubscriptionStatus,
			BillingCycle:     model.BillingCycle,
			CurrentPeriodEnd: timeOrZero(model.CurrentPeriodEnd),
			NextCreditDate:   timeOrZero(model.NextCreditDate),
			LastCreditDate:   timeOrZero(model.LastCreditDate),
		},
	}
}

func mapLedgerEntry(row LedgerEntry) (*credits.Entry, error) {
	entryType, err := credits.ParseEntryType(row.Type)
	if err != nil {
		return nil, err
	}
	entry := credits.Entry{
		EntryID:        row.EntryID,
		TransactionRef: row.TransactionRef,
		UserID:         row.UserID,
		Type:           entryType,
		Amount:         credits.Amount(row.Amount),
		BalanceBefore:  credits.Amount(row.BalanceBefore),
		BalanceAfter:   credits.Amount(row.BalanceAfter),
		Status:         credits.EntryStatus(row.Status),
		Source:         credits.Source(row.Source),
		Description:    row.Description,
		Correlation: credits.Correlation{
			TransactionID:  stringOrEmpty(row.TransactionID),
			SubscriptionID: row.SubscriptionID,
			CustomerID:     row.CustomerID,
			PriceID:        row.PriceID,
			ProductID:      row.ProductID,
		},
		RelatedRef:     row.RelatedRef,
		IdempotencyKey: stringOrEmpty(row.IdempotencyKey),
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	return &entry, nil
}

func unixToTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

package credits

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Amount is an integer credit quantity. Entries store it signed:
// positive values credit the account, negative values debit it.
type Amount int64

// Int64 returns the raw amount.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary operation metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryPurchase            EntryType = "purchase"
	EntrySubscriptionCredit  EntryType = "subscription_credit"
	EntrySubscriptionRenewal EntryType = "subscription_renewal"
	EntryUsage               EntryType = "usage"
	EntryRefund              EntryType = "refund"
	EntrySyncAdjustment      EntryType = "sync_adjustment"
)

// ParseEntryType validates a raw entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryPurchase, EntrySubscriptionCredit, EntrySubscriptionRenewal, EntryUsage, EntryRefund, EntrySyncAdjustment:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the raw entry type.
func (entryType EntryType) String() string {
	return string(entryType)
}

// TypeClass groups entry types for external-transaction dedup so a renewal
// and a manual grant sharing an external id do not cross-suppress.
type TypeClass string

const (
	TypeClassGrant  TypeClass = "grant"
	TypeClassDebit  TypeClass = "debit"
	TypeClassRefund TypeClass = "refund"
)

// Class returns the dedup class for an entry type.
func (entryType EntryType) Class() TypeClass {
	switch entryType {
	case EntryUsage:
		return TypeClassDebit
	case EntryRefund:
		return TypeClassRefund
	default:
		return TypeClassGrant
	}
}

// GrantTypes lists the credit-granting entry types sharing the grant class.
func GrantTypes() []EntryType {
	return []EntryType{EntryPurchase, EntrySubscriptionCredit, EntrySubscriptionRenewal, EntrySyncAdjustment}
}

// EntryStatus tracks ledger entry completion. The engine only ever writes
// completed entries; failures short-circuit before any write.
type EntryStatus string

const (
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusFailed    EntryStatus = "failed"
	EntryStatusPending   EntryStatus = "pending"
)

// Source enumerates the origin of a ledger entry.
type Source string

const (
	SourcePaddleWebhook Source = "paddle_webhook"
	SourceAPIUsage      Source = "api_usage"
	SourceSystem        Source = "system"
	SourceSync          Source = "sync"
)

// Correlation carries external identifiers recorded alongside an entry.
type Correlation struct {
	TransactionID  string
	SubscriptionID string
	CustomerID     string
	PriceID        string
	ProductID      string
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	TransactionRef string
	UserID         string
	Type           EntryType
	Amount         Amount
	BalanceBefore  Amount
	BalanceAfter   Amount
	Status         EntryStatus
	Source         Source
	Description    string
	Correlation    Correlation
	RelatedRef     string
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Subscription mirrors the billing state kept on the account record.
type Subscription struct {
	SubscriptionID   string
	CustomerID       string
	PriceID          string
	Status           string
	BillingCycle     string
	CurrentPeriodEnd int64
	NextCreditDate   int64
	LastCreditDate   int64
}

const (
	SubscriptionStatusActive = "active"
	BillingCycleMonth        = "month"
	BillingCycleYear         = "year"
)

// Account is the cached balance record for one user.
type Account struct {
	UserID                string
	Credits               Amount
	BalanceVerifiedAtUnix int64
	Subscription          Subscription
}

// ErrorCode is the closed set of expected failure codes.
type ErrorCode string

const (
	ErrorCodeNone                ErrorCode = ""
	ErrorCodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	ErrorCodeUserNotFound        ErrorCode = "USER_NOT_FOUND"
	ErrorCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrorCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Result reports the outcome of a mutation operation. Duplicate results
// replay the original entry's amounts without a new side effect.
type Result struct {
	Success        bool
	Duplicate      bool
	TransactionRef string
	Amount         Amount
	BalanceBefore  Amount
	BalanceAfter   Amount
	ErrorCode      ErrorCode
}

// AddRequest describes a credit grant.
type AddRequest struct {
	UserID         UserID
	Amount         Amount
	Type           EntryType
	Description    string
	Source         Source
	Correlation    Correlation
	IdempotencyKey string
	Metadata       MetadataJSON
}

// DeductRequest describes a usage deduction.
type DeductRequest struct {
	UserID         UserID
	Amount         Amount
	Description    string
	UsageDetails   MetadataJSON
	IdempotencyKey string
}

// RefundRequest describes a refund. Refunds carry no balance check.
type RefundRequest struct {
	UserID        UserID
	Amount        Amount
	Description   string
	RelatedRef    string
	TransactionID string
	Source        Source
}

// Validation reports an advisory pre-check against the cached balance.
type Validation struct {
	Valid     bool
	Balance   Amount
	Shortfall Amount
}

// Verification compares the cached balance against the ledger sum.
type Verification struct {
	Valid             bool
	StoredBalance     Amount
	CalculatedBalance Amount
	Discrepancy       Amount
}

// DayUsage is one day of the usage summary breakdown.
type DayUsage struct {
	Date  string
	Used  Amount
	Added Amount
}

// UsageSummary aggregates ledger activity over a trailing window.
type UsageSummary struct {
	WindowDays int
	Used       Amount
	Added      Amount
	Refunded   Amount
	ByDay      []DayUsage
}

// HistoryFilter narrows GetTransactionHistory results.
type HistoryFilter struct {
	Types         []EntryType
	BeforeUnixUTC int64
	SinceUnixUTC  int64
	Limit         int
}

// MonthlyOutcome describes what ProcessMonthlyCredits did for a user.
type MonthlyOutcome string

const (
	MonthlyOutcomeNoSchedule MonthlyOutcome = "no_schedule"
	MonthlyOutcomeScheduled  MonthlyOutcome = "scheduled"
	MonthlyOutcomeSkipped    MonthlyOutcome = "skipped"
	MonthlyOutcomeGranted    MonthlyOutcome = "granted"
)

// MonthlyResult reports a monthly drip evaluation.
type MonthlyResult struct {
	Outcome        MonthlyOutcome
	Granted        Amount
	NextCreditDate int64
}

// PriceResolver maps a billing price id to one month's credit allowance.
type PriceResolver interface {
	MonthlyCredits(priceID string) (Amount, bool)
}

// PriceMap is a static PriceResolver.
type PriceMap map[string]Amount

// MonthlyCredits looks up the monthly allowance for a price id.
func (prices PriceMap) MonthlyCredits(priceID string) (Amount, bool) {
	amount, ok := prices[priceID]
	return amount, ok
}

package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table: the cached balance plus the billing
// state the monthly drip reads.
type Account struct {
	UserID             string `gorm:"primaryKey"`
	Credits            int64  `gorm:"not null;default:0"`
	BalanceVerifiedAt  *time.Time
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	SubscriptionStatus string
	BillingCycle       string
	CurrentPeriodEnd   *time.Time
	NextCreditDate     *time.Time `gorm:"index:idx_accounts_next_credit"`
	LastCreditDate     *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only; the
// unique indexes back idempotency for retried deliveries.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	TransactionRef string         `gorm:"not null;index:uniq_ledger_ref,unique"`
	UserID         string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceBefore  int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	Status         string         `gorm:"not null"`
	Source         string         `gorm:"not null"`
	Description    string         `gorm:""`
	TransactionID  *string        `gorm:"index:uniq_ledger_txn_class,unique,priority:1"`
	TypeClass      string         `gorm:"not null;index:uniq_ledger_txn_class,unique,priority:2"`
	SubscriptionID string         `gorm:""`
	CustomerID     string         `gorm:""`
	PriceID        string         `gorm:""`
	ProductID      string         `gorm:""`
	RelatedRef     string         `gorm:""`
	IdempotencyKey *string        `gorm:"index:uniq_ledger_idem,unique"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

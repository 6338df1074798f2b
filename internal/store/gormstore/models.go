package gormstore

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account is the per-user row locked before balance-affecting decisions.
type Account struct {
	UserID    string    `gorm:"primaryKey;size:191"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	UserID         string         `gorm:"size:191;not null;uniqueIndex:uniq_ledger_user_idem,priority:1;index:idx_ledger_user_created,priority:1;index:idx_ledger_user_correlation,priority:1"`
	AmountCents    int64          `gorm:"not null"`
	Source         string         `gorm:"size:32;not null"`
	SourceRef      string         `gorm:"size:191"`
	IdempotencyKey string         `gorm:"size:191;not null;uniqueIndex:uniq_ledger_user_idem,priority:2"`
	EntryType      string         `gorm:"size:32;not null"`
	Status         string         `gorm:"size:16;not null;index:idx_ledger_status_created,priority:1"`
	CorrelationID  *string        `gorm:"size:64;index:idx_ledger_user_correlation,priority:2"`
	Description    string         `gorm:"size:512"`
	Currency       string         `gorm:"size:8"`
	PackKey        string         `gorm:"size:64"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2;index:idx_ledger_status_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// UsageRecord mirrors the usage_records table owned by the settlement orchestrator.
type UsageRecord struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement"`
	UserID             string    `gorm:"size:191;not null;uniqueIndex:uniq_usage_user_idem,priority:1"`
	IdempotencyKey     string    `gorm:"size:191;not null;uniqueIndex:uniq_usage_user_idem,priority:2"`
	Status             string    `gorm:"size:16;not null"`
	Model              string    `gorm:"size:128"`
	CorrelationID      string    `gorm:"size:64"`
	ReservedCents      int64     `gorm:"not null;default:0"`
	ActualCents        int64     `gorm:"not null;default:0"`
	RefundedCents      int64     `gorm:"not null;default:0"`
	PromptTokens       int64     `gorm:"not null;default:0"`
	CompletionTokens   int64     `gorm:"not null;default:0"`
	BalanceAfterCents  int64     `gorm:"not null;default:0"`
	ResponseText       string    `gorm:"type:text"`
	ProviderResponseID string    `gorm:"size:191"`
	ErrorMessage       string    `gorm:"size:1024"`
	Version            int64     `gorm:"not null;default:0"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// Migrate creates or updates every table the store relies on.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &UsageRecord{})
}

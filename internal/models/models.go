package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB stores free-form JSON in a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return json.Unmarshal([]byte(value.(string)), j)
	}
	return json.Unmarshal(bytes, j)
}

// ReceiptStatus is the canonical receipt lifecycle.
type ReceiptStatus string

const (
	ReceiptStatusPending   ReceiptStatus = "PENDING"
	ReceiptStatusConfirmed ReceiptStatus = "CONFIRMED"
	ReceiptStatusFailed    ReceiptStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s ReceiptStatus) Terminal() bool {
	return s == ReceiptStatusConfirmed || s == ReceiptStatusFailed
}

// Receipt is the persisted canonical record of one transfer attempt.
// Identity key is (chain_id, receipt_id); user_op_hash and tx_hash are
// alternate lookup keys that must resolve to the same row.
type Receipt struct {
	ChainID   uint64 `json:"chain_id" gorm:"primaryKey;autoIncrement:false"`
	ReceiptID string `json:"receipt_id" gorm:"primaryKey;size:66"`

	UserOpHash string `json:"user_op_hash,omitempty" gorm:"index;size:66"`
	TxHash     string `json:"tx_hash,omitempty" gorm:"index;size:66"`

	Status  ReceiptStatus `json:"status" gorm:"size:20;not null;default:PENDING"`
	Success bool          `json:"success"`
	Lane    string        `json:"lane" gorm:"size:20"`
	FeeMode string        `json:"fee_mode" gorm:"size:20"`

	Token    string `json:"token" gorm:"size:42"`
	To       string `json:"to" gorm:"size:42"`
	Sender   string `json:"sender" gorm:"size:42"`
	OwnerEoa string `json:"owner_eoa" gorm:"size:42;index"`

	// Raw token-smallest-unit integers, stored as decimal strings since
	// uint256 exceeds every native SQL integer type.
	AmountRaw    string `json:"amount_raw" gorm:"size:78"`
	NetAmountRaw string `json:"net_amount_raw" gorm:"size:78"`
	FeeAmountRaw string `json:"fee_amount_raw" gorm:"size:78"`

	Meta JSONB `json:"meta,omitempty" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Receipt.
func (Receipt) TableName() string {
	return "receipts"
}

// StipendVoucherRecord tracks one issued stipend voucher. The nonce is
// single-use; the unique index enforces that at the store level.
type StipendVoucherRecord struct {
	ID         uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	ChainID    uint64    `json:"chain_id" gorm:"not null;uniqueIndex:idx_stipend_chain_nonce"`
	Nonce      uint64    `json:"nonce" gorm:"not null;uniqueIndex:idx_stipend_chain_nonce"`
	OwnerEoa   string    `json:"owner_eoa" gorm:"size:42;index;not null"`
	Token      string    `json:"token" gorm:"size:42;not null"`
	StipendWei string    `json:"stipend_wei" gorm:"size:78;not null"`
	Deadline   time.Time `json:"deadline" gorm:"not null"`
	UserOpHash string    `json:"user_op_hash,omitempty" gorm:"size:66;index"`
	Status     string    `json:"status" gorm:"size:20;not null;default:issued"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName specifies the table name for StipendVoucherRecord.
func (StipendVoucherRecord) TableName() string {
	return "stipend_vouchers"
}

// RateLimitCounter is one fixed-window request counter, shared across API
// replicas through the database.
type RateLimitCounter struct {
	Scope       string    `json:"scope" gorm:"primaryKey;size:120"`
	WindowStart time.Time `json:"window_start" gorm:"primaryKey"`
	Count       int64     `json:"count" gorm:"not null;default:0"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for RateLimitCounter.
func (RateLimitCounter) TableName() string {
	return "rate_limit_counters"
}

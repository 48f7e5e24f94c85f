package models

import (
	"time"

	"edupay/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction is one payment attempt for a course.
type Transaction struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	Code        string            `gorm:"size:40;uniqueIndex;not null" json:"code"` // gateway-side reference, immutable
	UserID      uint              `gorm:"not null;index:idx_tx_user_status" json:"user_id"`
	CourseID    uint              `gorm:"not null;index" json:"course_id"`
	Amount      decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"amount"`
	Currency    string            `gorm:"size:3;not null;default:'VND'" json:"currency"`
	Method      string            `gorm:"size:30;not null" json:"method"`
	Status      string            `gorm:"size:20;not null;index:idx_tx_user_status;index:idx_tx_status_created" json:"status"`
	Details     datatypes.JSONMap `json:"-"` // written and read only by the gateway adapter that owns the method
	Notes       string            `gorm:"type:text" json:"notes"`
	PaymentDate *time.Time        `json:"payment_date"`
	CreatedAt   time.Time         `gorm:"index:idx_tx_status_created" json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`

	History []PaymentHistory `gorm:"foreignKey:TransactionID;constraint:OnDelete:CASCADE" json:"history,omitempty"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) IsPending() bool { return t.Status == domain.TxStatusPending }

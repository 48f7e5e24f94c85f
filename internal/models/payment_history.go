package models

import "time"

// PaymentHistory is the append-only audit log of a transaction. Status is the status
// being recorded, which can differ from the transaction's current status.
type PaymentHistory struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TransactionID uint      `gorm:"not null;index" json:"transaction_id"`
	Status        string    `gorm:"size:30;not null" json:"status"`
	Message       string    `gorm:"type:text" json:"message"`
	IPAddress     string    `gorm:"size:45" json:"ip_address"`
	UserAgent     string    `gorm:"size:512" json:"user_agent"`
	CreatedAt     time.Time `json:"created_at"`
}

func (PaymentHistory) TableName() string {
	return "payment_histories"
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Course is owned by the catalogue; this service reads the price and bumps EnrolledCount.
type Course struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	Title         string          `gorm:"size:255;not null" json:"title"`
	Price         decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"price"`
	Currency      string          `gorm:"size:3;not null;default:'VND'" json:"currency"`
	EnrolledCount int64           `gorm:"not null;default:0" json:"enrolled_count"`
	IsPublished   bool            `gorm:"default:true" json:"is_published"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Course) TableName() string {
	return "courses"
}

func (c *Course) IsFree() bool { return c.Price.Sign() <= 0 }

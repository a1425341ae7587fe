package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment is the confirmed settlement of exactly one Ticket. The unique
// transaction id is the dedup guard against webhook redelivery.
type Payment struct {
	ID            uint64          `gorm:"primaryKey"`
	TicketID      uint64          `gorm:"not null;uniqueIndex"`
	Amount        decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	PaymentMethod string          `gorm:"size:32;not null"`
	TransactionID string          `gorm:"size:128;not null;uniqueIndex"`
	PaidAt        time.Time       `gorm:"autoCreateTime"`
}

func (Payment) TableName() string { return "payment" }

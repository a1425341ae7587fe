package model

import "time"

// Ticket records a user's claim on an event seat. The only mutation it
// ever sees is the one-way flip is_paid false -> true at settlement.
type Ticket struct {
	ID        uint64    `gorm:"primaryKey"`
	UserID    uint64    `gorm:"not null;index"`
	EventID   uint64    `gorm:"not null;index"`
	IsPaid    bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (Ticket) TableName() string { return "ticket" }

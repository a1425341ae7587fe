package model

import "time"

// EventNotification is the per-(user,event) unread-update marker. At most
// one row per pair ever exists; broadcasts upsert it back to unviewed.
type EventNotification struct {
	ID         uint64    `gorm:"primaryKey"`
	UserID     uint64    `gorm:"not null;uniqueIndex:ux_notification_user_event"`
	EventID    uint64    `gorm:"not null;uniqueIndex:ux_notification_user_event"`
	IsViewed   bool      `gorm:"not null;default:false"`
	NotifiedAt time.Time `gorm:"not null"`
}

func (EventNotification) TableName() string { return "event_notification" }

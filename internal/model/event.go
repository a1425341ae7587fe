package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventTypeInPerson = "in_person"
	EventTypeVirtual  = "virtual"
	EventTypeHybrid   = "hybrid"
)

type Event struct {
	ID              uint64          `gorm:"primaryKey"`
	Title           string          `gorm:"size:255;not null"`
	Description     string          `gorm:"type:text"`
	Date            time.Time       `gorm:"not null"`
	EventType       string          `gorm:"size:10;not null;default:'in_person'"`
	Location        *string         `gorm:"size:255"`
	VirtualLocation *string         `gorm:"size:255"`
	TicketPrice     decimal.Decimal `gorm:"type:numeric(10,2);not null;default:'0'"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime"`
}

func (Event) TableName() string { return "event" }

// Validate checks that the locations an event carries match its type:
// in-person needs a physical location, virtual a virtual one, hybrid both.
func (e *Event) Validate() error {
	hasLocation := e.Location != nil && *e.Location != ""
	hasVirtual := e.VirtualLocation != nil && *e.VirtualLocation != ""
	switch e.EventType {
	case EventTypeInPerson:
		if !hasLocation {
			return errors.New("an in-person event must have a physical location")
		}
	case EventTypeVirtual:
		if !hasVirtual {
			return errors.New("a virtual event must have a virtual location")
		}
	case EventTypeHybrid:
		if !hasLocation || !hasVirtual {
			return errors.New("a hybrid event must have both a physical and a virtual location")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	return nil
}

// EventAttendee is one row of the event/user attendee relation.
// The composite key makes attendee-add naturally idempotent.
type EventAttendee struct {
	EventID uint64    `gorm:"primaryKey;autoIncrement:false"`
	UserID  uint64    `gorm:"primaryKey;autoIncrement:false"`
	AddedAt time.Time `gorm:"autoCreateTime"`
}

func (EventAttendee) TableName() string { return "event_attendees" }

type EventOrganizer struct {
	EventID uint64 `gorm:"primaryKey;autoIncrement:false"`
	UserID  uint64 `gorm:"primaryKey;autoIncrement:false"`
}

func (EventOrganizer) TableName() string { return "event_organizers" }

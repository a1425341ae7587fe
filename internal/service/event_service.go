package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sees-platform/event-service/internal/bus"
	"github.com/sees-platform/event-service/internal/model"
	"github.com/sees-platform/event-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotOrganizer means the caller may not modify the event.
var ErrNotOrganizer = errors.New("only an organizer can modify this event")

// ErrEventInvalid means the update would leave the event without the
// locations its type requires.
var ErrEventInvalid = errors.New("invalid event")

// EventService carries the thin slice of event CRUD this core needs: a
// field update that broadcasts, and direct attendee additions. It
// publishes domain events instead of relying on save hooks.
type EventService struct {
	repo repo.RepositoryInterface
	bus  *bus.Bus
	log  *zap.SugaredLogger
}

func NewEventService(r repo.RepositoryInterface, b *bus.Bus, log *zap.SugaredLogger) *EventService {
	return &EventService{repo: r, bus: b, log: log}
}

// EventUpdate is a partial field update; nil means leave unchanged.
type EventUpdate struct {
	Title           *string
	Description     *string
	Date            *time.Time
	EventType       *string
	Location        *string
	VirtualLocation *string
	TicketPrice     *decimal.Decimal
}

// Update applies field changes and publishes EventUpdated, which the
// notification engine consumes synchronously.
func (s *EventService) Update(ctx context.Context, organizerID, eventID uint64, upd EventUpdate) (*model.Event, error) {
	var ev *model.Event
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if ev, err = s.repo.GetEvent(ctx, tx, eventID); err != nil {
			return err
		}
		organizer, err := s.repo.IsOrganizer(ctx, tx, eventID, organizerID)
		if err != nil {
			return err
		}
		if !organizer {
			return ErrNotOrganizer
		}

		if upd.Title != nil {
			ev.Title = *upd.Title
		}
		if upd.Description != nil {
			ev.Description = *upd.Description
		}
		if upd.Date != nil {
			ev.Date = *upd.Date
		}
		if upd.EventType != nil {
			ev.EventType = *upd.EventType
		}
		if upd.Location != nil {
			ev.Location = upd.Location
		}
		if upd.VirtualLocation != nil {
			ev.VirtualLocation = upd.VirtualLocation
		}
		if upd.TicketPrice != nil {
			ev.TicketPrice = *upd.TicketPrice
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrEventInvalid, err)
		}
		if err := s.repo.SaveEvent(ctx, tx, ev); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{"event_id": ev.ID, "title": ev.Title})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Event", AggregateID: ev.ID, EventType: model.OutboxEventUpdated, Payload: string(payload),
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.bus.PublishEventUpdated(ctx, bus.EventUpdated{EventID: ev.ID}); err != nil {
		// the update itself is committed; the broadcast failing is an
		// engine problem, not the caller's
		s.log.Errorf("event-updated publish for event %d: %v", ev.ID, err)
	}
	return ev, nil
}

// AddAttendees inserts the given users into the attendee relation and
// publishes AttendeeAdded carrying only the genuinely new members.
func (s *EventService) AddAttendees(ctx context.Context, organizerID, eventID uint64, userIDs []uint64) ([]uint64, error) {
	var added []uint64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.GetEvent(ctx, tx, eventID); err != nil {
			return err
		}
		organizer, err := s.repo.IsOrganizer(ctx, tx, eventID, organizerID)
		if err != nil {
			return err
		}
		if !organizer {
			return ErrNotOrganizer
		}

		for _, userID := range userIDs {
			if _, err := s.repo.GetUser(ctx, tx, userID); err != nil {
				return err
			}
			attending, err := s.repo.IsAttendee(ctx, tx, eventID, userID)
			if err != nil {
				return err
			}
			if attending {
				continue
			}
			if err := s.repo.AddAttendee(ctx, tx, eventID, userID); err != nil {
				return err
			}
			added = append(added, userID)
		}
		if len(added) == 0 {
			return nil
		}
		payload, _ := json.Marshal(map[string]interface{}{"event_id": eventID, "user_ids": added})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Event", AggregateID: eventID, EventType: model.OutboxAttendeeAdded, Payload: string(payload),
		})
	})
	if err != nil {
		return nil, err
	}

	if len(added) > 0 {
		if err := s.bus.PublishAttendeeAdded(ctx, bus.AttendeeAdded{EventID: eventID, UserIDs: added}); err != nil {
			s.log.Errorf("attendee-added publish for event %d: %v", eventID, err)
		}
	}
	return added, nil
}

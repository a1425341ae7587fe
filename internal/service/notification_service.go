package service

import (
	"context"
	"fmt"

	"github.com/sees-platform/event-service/internal/bus"
	"github.com/sees-platform/event-service/internal/mailer"
	"github.com/sees-platform/event-service/internal/model"
	"github.com/sees-platform/event-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NotificationService is the attendee notification engine: it consumes
// EventUpdated and AttendeeAdded from the bus and owns the per-(user,event)
// unread markers.
type NotificationService struct {
	repo   repo.RepositoryInterface
	mailer mailer.Mailer
	log    *zap.SugaredLogger

	// sendAsync is swapped out in tests to make email sends observable
	sendAsync func(ctx context.Context, to, subject, body string)
}

func NewNotificationService(r repo.RepositoryInterface, m mailer.Mailer, log *zap.SugaredLogger) *NotificationService {
	s := &NotificationService{repo: r, mailer: m, log: log}
	s.sendAsync = func(_ context.Context, to, subject, body string) {
		go func() {
			if err := m.Send(context.Background(), to, subject, body); err != nil {
				log.Errorf("send mail to %s: %v", to, err)
			}
		}()
	}
	return s
}

// HandleEventUpdated resets the unread marker for every current attendee.
// The broadcast is unconditional: no field diffing, and a previously
// viewed notification flips back to unviewed.
func (s *NotificationService) HandleEventUpdated(ctx context.Context, e bus.EventUpdated) error {
	var attendees []uint64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if attendees, err = s.repo.ListAttendeeIDs(ctx, tx, e.EventID); err != nil {
			return err
		}
		for _, userID := range attendees {
			if err := s.repo.UpsertNotification(ctx, tx, userID, e.EventID, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.repo.DropUnreadCount(ctx, attendees...); err != nil {
		s.log.Warnf("drop unread counters after event %d update: %v", e.EventID, err)
	}
	return nil
}

// HandleAttendeeAdded sends the one-off registration email to each newly
// added member. No EventNotification row is touched here.
func (s *NotificationService) HandleAttendeeAdded(ctx context.Context, e bus.AttendeeAdded) error {
	db := s.repo.DB(ctx)
	ev, err := s.repo.GetEvent(ctx, db, e.EventID)
	if err != nil {
		return err
	}
	for _, userID := range e.UserIDs {
		user, err := s.repo.GetUser(ctx, db, userID)
		if err != nil {
			s.log.Errorf("registration mail: resolve user %d: %v", userID, err)
			continue
		}
		subject := fmt.Sprintf("Your Ticket Confirmation for %s", ev.Title)
		body := fmt.Sprintf(
			"Hello %s,\n\nYou are registered for %s on %s.\n\nYou can view your ticket details in your account.\n\nThank you,\nSEES Team\n",
			user.FullName(), ev.Title, ev.Date.Format("Jan 2, 2006 15:04 MST"),
		)
		s.sendAsync(ctx, user.Email, subject, body)
	}
	return nil
}

// MarkViewed get-or-creates the (user,event) row and sets it viewed.
// Idempotent: repeated calls converge to the same single row.
func (s *NotificationService) MarkViewed(ctx context.Context, userID, eventID uint64) error {
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.GetEvent(ctx, tx, eventID); err != nil {
			return err
		}
		return s.repo.UpsertNotification(ctx, tx, userID, eventID, true)
	})
	if err != nil {
		return err
	}
	if err := s.repo.DropUnreadCount(ctx, userID); err != nil {
		s.log.Warnf("drop unread counter for user %d: %v", userID, err)
	}
	return nil
}

// List returns the user's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, userID uint64) ([]model.EventNotification, error) {
	return s.repo.ListNotifications(ctx, userID)
}

// UnreadCount serves the badge counter through the Redis cache.
func (s *NotificationService) UnreadCount(ctx context.Context, userID uint64) (int64, error) {
	if n, err := s.repo.GetCachedUnreadCount(ctx, userID); err == nil {
		return n, nil
	}
	ns, err := s.repo.ListNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, notif := range ns {
		if !notif.IsViewed {
			n++
		}
	}
	if err := s.repo.CacheUnreadCount(ctx, userID, n); err != nil {
		s.log.Warnf("cache unread counter for user %d: %v", userID, err)
	}
	return n, nil
}

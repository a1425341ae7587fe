package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sees-platform/event-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetUser(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error)
	GetEvent(ctx context.Context, tx *gorm.DB, id uint64) (*model.Event, error)
	SaveEvent(ctx context.Context, tx *gorm.DB, ev *model.Event) error

	IsAttendee(ctx context.Context, tx *gorm.DB, eventID, userID uint64) (bool, error)
	IsOrganizer(ctx context.Context, tx *gorm.DB, eventID, userID uint64) (bool, error)
	AddAttendee(ctx context.Context, tx *gorm.DB, eventID, userID uint64) error
	ListAttendeeIDs(ctx context.Context, tx *gorm.DB, eventID uint64) ([]uint64, error)

	CreateTicket(ctx context.Context, tx *gorm.DB, t *model.Ticket) error
	GetTicketForUpdate(ctx context.Context, tx *gorm.DB, ticketID uint64) (*model.Ticket, error)
	MarkTicketPaid(ctx context.Context, tx *gorm.DB, ticketID uint64) error
	ListTickets(ctx context.Context, userID, eventID uint64) ([]model.Ticket, error)
	ListPaidTicketsWithoutPayment(ctx context.Context, limit int) ([]model.Ticket, error)

	CreatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment) error
	PaymentByTransactionID(ctx context.Context, tx *gorm.DB, transactionID string) (*model.Payment, error)

	UpsertNotification(ctx context.Context, tx *gorm.DB, userID, eventID uint64, viewed bool) error
	ListNotifications(ctx context.Context, userID uint64) ([]model.EventNotification, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheUnreadCount(ctx context.Context, userID uint64, n int64) error
	GetCachedUnreadCount(ctx context.Context, userID uint64) (int64, error)
	DropUnreadCount(ctx context.Context, userIDs ...uint64) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetUser fetches one user row.
func (r *Repository) GetUser(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error) {
	var u model.User
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &u, nil
}

// GetEvent fetches one event row.
func (r *Repository) GetEvent(ctx context.Context, tx *gorm.DB, id uint64) (*model.Event, error) {
	var ev model.Event
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &ev, nil
}

// SaveEvent persists field changes on an existing event.
func (r *Repository) SaveEvent(ctx context.Context, tx *gorm.DB, ev *model.Event) error {
	return tx.WithContext(ctx).Save(ev).Error
}

// IsAttendee checks membership in the attendee relation.
func (r *Repository) IsAttendee(ctx context.Context, tx *gorm.DB, eventID, userID uint64) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.EventAttendee{}).
		Where("event_id = ? AND user_id = ?", eventID, userID).Count(&n).Error
	return n > 0, err
}

// IsOrganizer checks membership in the organizer relation.
func (r *Repository) IsOrganizer(ctx context.Context, tx *gorm.DB, eventID, userID uint64) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.EventOrganizer{}).
		Where("event_id = ? AND user_id = ?", eventID, userID).Count(&n).Error
	return n > 0, err
}

// AddAttendee inserts into the attendee relation; adding an existing
// member is a no-op.
func (r *Repository) AddAttendee(ctx context.Context, tx *gorm.DB, eventID, userID uint64) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.EventAttendee{EventID: eventID, UserID: userID}).Error
}

// ListAttendeeIDs returns every current attendee of the event.
func (r *Repository) ListAttendeeIDs(ctx context.Context, tx *gorm.DB, eventID uint64) ([]uint64, error) {
	var ids []uint64
	err := tx.WithContext(ctx).Model(&model.EventAttendee{}).
		Where("event_id = ?", eventID).Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

// CreateTicket inserts record.
func (r *Repository) CreateTicket(ctx context.Context, tx *gorm.DB, t *model.Ticket) error {
	return tx.WithContext(ctx).Create(t).Error
}

// GetTicketForUpdate locks the ticket row for settlement.
func (r *Repository) GetTicketForUpdate(ctx context.Context, tx *gorm.DB, ticketID uint64) (*model.Ticket, error) {
	var t model.Ticket
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", ticketID).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ticket %d: %w", ticketID, ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

// MarkTicketPaid flips is_paid to true. The WHERE keeps the transition
// one-way: a paid ticket is never written back to pending.
func (r *Repository) MarkTicketPaid(ctx context.Context, tx *gorm.DB, ticketID uint64) error {
	return tx.WithContext(ctx).Model(&model.Ticket{}).
		Where("id = ? AND is_paid = ?", ticketID, false).
		Update("is_paid", true).Error
}

// ListTickets returns the user's tickets for one event.
func (r *Repository) ListTickets(ctx context.Context, userID, eventID uint64) ([]model.Ticket, error) {
	var ts []model.Ticket
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND event_id = ?", userID, eventID).
		Order("created_at").Find(&ts).Error
	return ts, err
}

// ListPaidTicketsWithoutPayment finds paid tickets for priced events that
// have no payment row (reconciliation audit).
func (r *Repository) ListPaidTicketsWithoutPayment(ctx context.Context, limit int) ([]model.Ticket, error) {
	var ts []model.Ticket
	err := r.db.WithContext(ctx).
		Select("ticket.*").
		Joins("JOIN event ON event.id = ticket.event_id").
		Joins("LEFT JOIN payment ON payment.ticket_id = ticket.id").
		Where("ticket.is_paid = ? AND event.ticket_price > 0 AND payment.id IS NULL", true).
		Limit(limit).Find(&ts).Error
	return ts, err
}

// CreatePayment inserts the settlement record. Uniqueness of the gateway
// transaction id is enforced by the index; callers decide how to treat a
// duplicate-key error.
func (r *Repository) CreatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment) error {
	return tx.WithContext(ctx).Create(p).Error
}

// PaymentByTransactionID resolves a payment by its gateway transaction id.
func (r *Repository) PaymentByTransactionID(ctx context.Context, tx *gorm.DB, transactionID string) (*model.Payment, error) {
	var p model.Payment
	err := tx.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
	}
	return nil, err
}

// UpsertNotification writes the (user,event) notification row, creating it
// on first touch. The unique index guarantees at most one row per pair.
func (r *Repository) UpsertNotification(ctx context.Context, tx *gorm.DB, userID, eventID uint64, viewed bool) error {
	n := model.EventNotification{
		UserID:     userID,
		EventID:    eventID,
		IsViewed:   viewed,
		NotifiedAt: time.Now(),
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "event_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"is_viewed": viewed, "notified_at": n.NotifiedAt}),
		}).
		Create(&n).Error
}

// ListNotifications returns the user's notifications, newest first.
func (r *Repository) ListNotifications(ctx context.Context, userID uint64) ([]model.EventNotification, error) {
	var ns []model.EventNotification
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).Order("notified_at desc").Find(&ns).Error
	return ns, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d", evt.EventType, evt.AggregateID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheUnreadCount writes Redis.
func (r *Repository) CacheUnreadCount(ctx context.Context, userID uint64, n int64) error {
	return r.rdb.Set(ctx, unreadKey(userID), n, 5*time.Minute).Err()
}

// GetCachedUnreadCount reads Redis.
func (r *Repository) GetCachedUnreadCount(ctx context.Context, userID uint64) (int64, error) {
	return r.rdb.Get(ctx, unreadKey(userID)).Int64()
}

// DropUnreadCount invalidates cached counters after a broadcast or
// mark-viewed.
func (r *Repository) DropUnreadCount(ctx context.Context, userIDs ...uint64) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, unreadKey(id))
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func unreadKey(userID uint64) string {
	return fmt.Sprintf("notifications:unread:%d", userID)
}

// IsDuplicateKey reports whether err is a unique-constraint violation.
// Postgres and sqlite phrase it differently, and older driver versions
// do not translate to gorm.ErrDuplicatedKey.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

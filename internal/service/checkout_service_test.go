package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/sees-platform/event-service/internal/bus"
	"github.com/sees-platform/event-service/internal/gateway"
	"github.com/sees-platform/event-service/internal/logger"
	"github.com/sees-platform/event-service/internal/model"
	"github.com/sees-platform/event-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu         sync.Mutex
	requests   []gateway.SessionRequest
	failCreate bool
}

func (f *fakeGateway) CreateSession(_ context.Context, req gateway.SessionRequest) (gateway.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return gateway.Session{}, fmt.Errorf("%w: connection refused", gateway.ErrGateway)
	}
	f.requests = append(f.requests, req)
	return gateway.Session{
		ID:  fmt.Sprintf("cs_test_%d", len(f.requests)),
		URL: fmt.Sprintf("https://pay.example.com/cs_test_%d", len(f.requests)),
	}, nil
}

func (f *fakeGateway) VerifyAndParse([]byte, string) (gateway.WebhookEvent, error) {
	return gateway.WebhookEvent{}, gateway.ErrInvalidSignature
}

type recordMailer struct {
	mu    sync.Mutex
	sends []string // "to|subject"
}

func (m *recordMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, to+"|"+subject)
	return nil
}

func (m *recordMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

type testEnv struct {
	checkout *CheckoutService
	notify   *NotificationService
	events   *EventService
	repo     repo.RepositoryInterface
	gw       *fakeGateway
	mail     *recordMailer
}

func newTestEnv(t *testing.T) (*testEnv, context.Context) {
	// per-test in-memory DB so tests never share state
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Event{}, &model.EventAttendee{}, &model.EventOrganizer{},
		&model.Ticket{}, &model.Payment{}, &model.EventNotification{}, &model.OutboxEvent{},
	))

	rdb, _ := redismock.NewClientMock()
	log := logger.NewNop()
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)

	b := bus.New(log)
	mail := &recordMailer{}
	notify := NewNotificationService(repository, mail, log)
	// deliver emails synchronously so tests can observe them
	notify.sendAsync = func(ctx context.Context, to, subject, body string) {
		_ = mail.Send(ctx, to, subject, body)
	}
	b.Subscribe(notify)

	gw := &fakeGateway{}
	checkout := NewCheckoutService(repository, gw, b, log,
		"https://app.example.com/success", "https://app.example.com/cancel", "usd")
	events := NewEventService(repository, b, log)

	return &testEnv{checkout: checkout, notify: notify, events: events, repo: repository, gw: gw, mail: mail}, context.Background()
}

func (e *testEnv) seedUser(t *testing.T, ctx context.Context, id uint64) *model.User {
	u := &model.User{ID: id, FirstName: "User", LastName: fmt.Sprintf("%d", id), Email: fmt.Sprintf("user%d@example.com", id)}
	assert.NoError(t, e.repo.DB(ctx).Create(u).Error)
	return u
}

func (e *testEnv) seedEvent(t *testing.T, ctx context.Context, id uint64, price string) *model.Event {
	vloc := fmt.Sprintf("https://meet.example.com/event-%d", id)
	ev := &model.Event{
		ID:              id,
		Title:           fmt.Sprintf("Event %d", id),
		Description:     "desc",
		Date:            time.Now().Add(30 * 24 * time.Hour),
		EventType:       model.EventTypeVirtual,
		VirtualLocation: &vloc,
		TicketPrice:     decimal.RequireFromString(price),
	}
	assert.NoError(t, e.repo.DB(ctx).Create(ev).Error)
	return ev
}

func TestCheckout_FreeEventRegistersImmediately(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)
	env.seedEvent(t, ctx, 10, "0.00")

	res, err := env.checkout.Checkout(ctx, 1, 10)
	assert.NoError(t, err)
	assert.True(t, res.Registered)
	assert.NotZero(t, res.TicketID)
	assert.Empty(t, res.RedirectURL)

	var ticket model.Ticket
	assert.NoError(t, env.repo.DB(ctx).First(&ticket, res.TicketID).Error)
	assert.True(t, ticket.IsPaid)

	attending, err := env.repo.IsAttendee(ctx, env.repo.DB(ctx), 10, 1)
	assert.NoError(t, err)
	assert.True(t, attending)

	var payments int64
	env.repo.DB(ctx).Model(&model.Payment{}).Count(&payments)
	assert.Zero(t, payments)

	// gateway never touched, join email sent
	assert.Empty(t, env.gw.requests)
	assert.Equal(t, 1, env.mail.count())
}

func TestCheckout_PaidEventCreatesPendingTicketAndSession(t *testing.T) {
	env, ctx := newTestEnv(t)
	user := env.seedUser(t, ctx, 1)
	env.seedEvent(t, ctx, 10, "25.00")

	res, err := env.checkout.Checkout(ctx, 1, 10)
	assert.NoError(t, err)
	assert.False(t, res.Registered)
	assert.Equal(t, "cs_test_1", res.SessionID)
	assert.NotEmpty(t, res.RedirectURL)

	var ticket model.Ticket
	assert.NoError(t, env.repo.DB(ctx).First(&ticket, res.TicketID).Error)
	assert.False(t, ticket.IsPaid)

	attending, err := env.repo.IsAttendee(ctx, env.repo.DB(ctx), 10, 1)
	assert.NoError(t, err)
	assert.False(t, attending)

	// 25.00 -> 2500 minor units, metadata echoes all three ids
	assert.Len(t, env.gw.requests, 1)
	req := env.gw.requests[0]
	assert.Len(t, req.LineItems, 1)
	assert.Equal(t, int64(2500), req.LineItems[0].UnitAmount)
	assert.Equal(t, "Event 10", req.LineItems[0].Name)
	assert.Equal(t, user.Email, req.CustomerEmail)
	assert.Equal(t, "10", req.Metadata["event_id"])
	assert.Equal(t, "1", req.Metadata["user_id"])
	assert.Equal(t, fmt.Sprintf("%d", res.TicketID), req.Metadata["ticket_id"])

	assert.Zero(t, env.mail.count())
}

func TestCheckout_AlreadyRegistered(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)
	env.seedEvent(t, ctx, 10, "0.00")

	_, err := env.checkout.Checkout(ctx, 1, 10)
	assert.NoError(t, err)

	_, err = env.checkout.Checkout(ctx, 1, 10)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// no second ticket from the rejected attempt
	var tickets int64
	env.repo.DB(ctx).Model(&model.Ticket{}).Count(&tickets)
	assert.Equal(t, int64(1), tickets)
}

func TestCheckout_EventNotFound(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)

	_, err := env.checkout.Checkout(ctx, 1, 404)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCheckout_GatewayFailureLeavesPendingTicket(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)
	env.seedEvent(t, ctx, 10, "49.99")
	env.gw.failCreate = true

	_, err := env.checkout.Checkout(ctx, 1, 10)
	assert.ErrorIs(t, err, gateway.ErrGateway)

	// the pending ticket is deliberately not rolled back
	var tickets []model.Ticket
	assert.NoError(t, env.repo.DB(ctx).Find(&tickets).Error)
	assert.Len(t, tickets, 1)
	assert.False(t, tickets[0].IsPaid)
}

func TestSettle_MarksPaidAddsAttendeeCreatesPayment(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)
	env.seedEvent(t, ctx, 10, "25.00")

	res, err := env.checkout.Checkout(ctx, 1, 10)
	assert.NoError(t, err)

	err = env.checkout.Settle(ctx, SettleInput{
		EventID: 10, UserID: 1, TicketID: res.TicketID,
		AmountMinor: 2500, TransactionID: "pi_abc123",
	})
	assert.NoError(t, err)

	var ticket model.Ticket
	assert.NoError(t, env.repo.DB(ctx).First(&ticket, res.TicketID).Error)
	assert.True(t, ticket.IsPaid)

	attending, err := env.repo.IsAttendee(ctx, env.repo.DB(ctx), 10, 1)
	assert.NoError(t, err)
	assert.True(t, attending)

	var payments []model.Payment
	assert.NoError(t, env.repo.DB(ctx).Find(&payments).Error)
	assert.Len(t, payments, 1)
	assert.Equal(t, res.TicketID, payments[0].TicketID)
	assert.Equal(t, "25", payments[0].Amount.String())
	assert.Equal(t, "pi_abc123", payments[0].TransactionID)
	assert.Equal(t, "card", payments[0].PaymentMethod)

	assert.Equal(t, 1, env.mail.count())
}

func TestSettle_DuplicateDeliveryIsNoOp(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)
	env.seedEvent(t, ctx, 10, "25.00")

	res, err := env.checkout.Checkout(ctx, 1, 10)
	assert.NoError(t, err)

	in := SettleInput{EventID: 10, UserID: 1, TicketID: res.TicketID, AmountMinor: 2500, TransactionID: "pi_dup"}
	assert.NoError(t, env.checkout.Settle(ctx, in))
	assert.NoError(t, env.checkout.Settle(ctx, in))

	var payments int64
	env.repo.DB(ctx).Model(&model.Payment{}).Count(&payments)
	assert.Equal(t, int64(1), payments)

	var ticket model.Ticket
	assert.NoError(t, env.repo.DB(ctx).First(&ticket, res.TicketID).Error)
	assert.True(t, ticket.IsPaid)

	// only the first delivery sends the confirmation email
	assert.Equal(t, 1, env.mail.count())
}

func TestSettle_ConcurrentDuplicateDeliveries(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)
	env.seedEvent(t, ctx, 10, "25.00")

	res, err := env.checkout.Checkout(ctx, 1, 10)
	assert.NoError(t, err)

	in := SettleInput{EventID: 10, UserID: 1, TicketID: res.TicketID, AmountMinor: 2500, TransactionID: "pi_race"}

	// simultaneous redeliveries of the same confirmation: exactly one
	// wins the payment insert, the rest settle as no-ops
	const deliveries = 8
	wg := sync.WaitGroup{}
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.checkout.Settle(ctx, in)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "delivery %d", i+1)
	}

	var payments int64
	env.repo.DB(ctx).Model(&model.Payment{}).Count(&payments)
	assert.Equal(t, int64(1), payments)

	var ticket model.Ticket
	assert.NoError(t, env.repo.DB(ctx).First(&ticket, res.TicketID).Error)
	assert.True(t, ticket.IsPaid)

	assert.Equal(t, 1, env.mail.count())
}

func TestSettle_UnknownTicket(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)
	env.seedEvent(t, ctx, 10, "25.00")

	err := env.checkout.Settle(ctx, SettleInput{
		EventID: 10, UserID: 1, TicketID: 999, AmountMinor: 2500, TransactionID: "pi_missing",
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	var payments int64
	env.repo.DB(ctx).Model(&model.Payment{}).Count(&payments)
	assert.Zero(t, payments)
}

func TestSettle_EveryPaymentBelongsToPaidTicket(t *testing.T) {
	env, ctx := newTestEnv(t)
	for i := uint64(1); i <= 3; i++ {
		env.seedUser(t, ctx, i)
	}
	env.seedEvent(t, ctx, 10, "149.99")

	for i := uint64(1); i <= 3; i++ {
		res, err := env.checkout.Checkout(ctx, i, 10)
		assert.NoError(t, err)
		err = env.checkout.Settle(ctx, SettleInput{
			EventID: 10, UserID: i, TicketID: res.TicketID,
			AmountMinor: 14999, TransactionID: fmt.Sprintf("pi_%d", i),
		})
		assert.NoError(t, err)
	}

	var payments []model.Payment
	assert.NoError(t, env.repo.DB(ctx).Find(&payments).Error)
	assert.Len(t, payments, 3)
	for _, p := range payments {
		var ticket model.Ticket
		assert.NoError(t, env.repo.DB(ctx).First(&ticket, p.TicketID).Error)
		assert.True(t, ticket.IsPaid, "payment %s references an unpaid ticket", p.TransactionID)
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(2500), MinorUnits(decimal.RequireFromString("25.00")))
	assert.Equal(t, int64(4999), MinorUnits(decimal.RequireFromString("49.99")))
	assert.Equal(t, int64(0), MinorUnits(decimal.RequireFromString("0")))
	assert.Equal(t, int64(0), MinorUnits(decimal.RequireFromString("-5")))
	assert.Equal(t, int64(1000), MinorUnits(decimal.RequireFromString("9.999")))

	assert.Equal(t, "25", AmountFromMinor(2500).String())
	assert.Equal(t, "49.99", AmountFromMinor(4999).String())
}

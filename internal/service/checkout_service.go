package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/sees-platform/event-service/internal/bus"
	"github.com/sees-platform/event-service/internal/gateway"
	"github.com/sees-platform/event-service/internal/model"
	"github.com/sees-platform/event-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAlreadyRegistered means the user is already an attendee of the event.
var ErrAlreadyRegistered = errors.New("already registered for this event")

// errDuplicateSettlement forces the losing transaction of a concurrent
// duplicate delivery to roll back; callers treat it as success.
var errDuplicateSettlement = errors.New("settlement already recorded")

var minorUnitsPerMajor = decimal.NewFromInt(100)

// CheckoutService owns the purchase flow: the interactive checkout entry
// point and the asynchronous settlement triggered by the gateway webhook.
type CheckoutService struct {
	repo     repo.RepositoryInterface
	gw       gateway.Client
	bus      *bus.Bus
	log      *zap.SugaredLogger
	success  string
	cancel   string
	currency string
}

func NewCheckoutService(r repo.RepositoryInterface, gw gateway.Client, b *bus.Bus, log *zap.SugaredLogger, successURL, cancelURL, currency string) *CheckoutService {
	return &CheckoutService{
		repo:     r,
		gw:       gw,
		bus:      b,
		log:      log,
		success:  successURL,
		cancel:   cancelURL,
		currency: currency,
	}
}

// CheckoutResult is returned to the interactive caller. Registered is set
// for free events; SessionID/RedirectURL for priced ones.
type CheckoutResult struct {
	TicketID    uint64
	Registered  bool
	SessionID   string
	RedirectURL string
}

// Checkout starts a purchase for (user, event). Free events settle
// immediately; priced events get a pending ticket and a remote session.
func (s *CheckoutService) Checkout(ctx context.Context, userID, eventID uint64) (CheckoutResult, error) {
	var (
		ev   *model.Event
		user *model.User
	)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if ev, err = s.repo.GetEvent(ctx, tx, eventID); err != nil {
			return err
		}
		if user, err = s.repo.GetUser(ctx, tx, userID); err != nil {
			return err
		}
		attending, err := s.repo.IsAttendee(ctx, tx, eventID, userID)
		if err != nil {
			return err
		}
		if attending {
			return ErrAlreadyRegistered
		}
		return nil
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	if ev.TicketPrice.LessThanOrEqual(decimal.Zero) {
		return s.registerFree(ctx, user, ev)
	}
	return s.startPaidCheckout(ctx, user, ev)
}

// registerFree settles a free event on the spot: paid ticket plus
// attendee membership in one transaction, no payment row, no gateway.
func (s *CheckoutService) registerFree(ctx context.Context, user *model.User, ev *model.Event) (CheckoutResult, error) {
	t := &model.Ticket{UserID: user.ID, EventID: ev.ID, IsPaid: true}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTicket(ctx, tx, t); err != nil {
			return err
		}
		if err := s.repo.AddAttendee(ctx, tx, ev.ID, user.ID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{"event_id": ev.ID, "user_id": user.ID, "ticket_id": t.ID})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Event", AggregateID: ev.ID, EventType: model.OutboxAttendeeAdded, Payload: string(payload),
		})
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	if err := s.bus.PublishAttendeeAdded(ctx, bus.AttendeeAdded{EventID: ev.ID, UserIDs: []uint64{user.ID}}); err != nil {
		s.log.Warnf("attendee-added publish after free registration: %v", err)
	}
	return CheckoutResult{TicketID: t.ID, Registered: true}, nil
}

// startPaidCheckout creates the pending ticket and the remote session.
// If the gateway call fails the pending ticket stays behind; there is no
// automatic rollback or expiry for abandoned checkouts.
func (s *CheckoutService) startPaidCheckout(ctx context.Context, user *model.User, ev *model.Event) (CheckoutResult, error) {
	t := &model.Ticket{UserID: user.ID, EventID: ev.ID, IsPaid: false}
	if err := s.repo.CreateTicket(ctx, s.repo.DB(ctx), t); err != nil {
		return CheckoutResult{}, err
	}

	sess, err := s.gw.CreateSession(ctx, gateway.SessionRequest{
		LineItems: []gateway.LineItem{{
			Name:       ev.Title,
			UnitAmount: MinorUnits(ev.TicketPrice),
			Quantity:   1,
			Currency:   s.currency,
		}},
		SuccessURL:    s.success,
		CancelURL:     s.cancel,
		CustomerEmail: user.Email,
		Metadata: map[string]string{
			"event_id":  strconv.FormatUint(ev.ID, 10),
			"user_id":   strconv.FormatUint(user.ID, 10),
			"ticket_id": strconv.FormatUint(t.ID, 10),
		},
	})
	if err != nil {
		s.log.Errorf("create session for ticket %d: %v", t.ID, err)
		return CheckoutResult{}, err
	}
	return CheckoutResult{TicketID: t.ID, SessionID: sess.ID, RedirectURL: sess.URL}, nil
}

// HandleWebhook processes one verified-or-rejected gateway delivery.
// Returned errors are signature/parse failures only; everything after
// verification is acknowledged so the gateway never redelivers a payload
// we will not act on.
func (s *CheckoutService) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	evt, err := s.gw.VerifyAndParse(payload, sigHeader)
	if err != nil {
		return err
	}
	if evt.Type != gateway.CheckoutSessionCompleted {
		return nil
	}

	sess := evt.Data.Object
	eventID, err1 := strconv.ParseUint(sess.Metadata["event_id"], 10, 64)
	userID, err2 := strconv.ParseUint(sess.Metadata["user_id"], 10, 64)
	ticketID, err3 := strconv.ParseUint(sess.Metadata["ticket_id"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		// acknowledge-and-drop: a permanently bad metadata bundle must
		// not cause a redelivery storm
		s.log.Errorf("webhook %s: unusable metadata %v", evt.ID, sess.Metadata)
		return nil
	}

	transactionID := sess.PaymentIntent
	if transactionID == "" {
		transactionID = sess.ID
	}

	err = s.Settle(ctx, SettleInput{
		EventID:       eventID,
		UserID:        userID,
		TicketID:      ticketID,
		AmountMinor:   sess.AmountTotal,
		TransactionID: transactionID,
	})
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		s.log.Errorf("webhook %s: unresolvable reference, dropping: %v", evt.ID, err)
	default:
		s.log.Errorf("webhook %s: settlement failed: %v", evt.ID, err)
	}
	return nil
}

// SettleInput correlates a gateway confirmation back to local state.
type SettleInput struct {
	EventID       uint64
	UserID        uint64
	TicketID      uint64
	AmountMinor   int64
	TransactionID string
}

// Settle applies the one-way transition pending -> paid: ticket flip,
// attendee add and payment insert in a single transaction. A transaction
// id that already settled makes the whole call a successful no-op, which
// is the defense against at-least-once webhook delivery.
func (s *CheckoutService) Settle(ctx context.Context, in SettleInput) error {
	var user *model.User
	var ev *model.Event
	var alreadySettled bool

	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.PaymentByTransactionID(ctx, tx, in.TransactionID); err == nil {
			alreadySettled = true
			return nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		if _, err := s.repo.GetTicketForUpdate(ctx, tx, in.TicketID); err != nil {
			return err
		}
		var err error
		if ev, err = s.repo.GetEvent(ctx, tx, in.EventID); err != nil {
			return err
		}
		if user, err = s.repo.GetUser(ctx, tx, in.UserID); err != nil {
			return err
		}

		if err := s.repo.MarkTicketPaid(ctx, tx, in.TicketID); err != nil {
			return err
		}
		if err := s.repo.AddAttendee(ctx, tx, in.EventID, in.UserID); err != nil {
			return err
		}

		p := &model.Payment{
			TicketID:      in.TicketID,
			Amount:        AmountFromMinor(in.AmountMinor),
			PaymentMethod: "card",
			TransactionID: in.TransactionID,
		}
		if err := s.repo.CreatePayment(ctx, tx, p); err != nil {
			if repo.IsDuplicateKey(err) {
				// a concurrent delivery won the insert; roll this one
				// back, the winner's state is the settled state
				return errDuplicateSettlement
			}
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"ticket_id":      in.TicketID,
			"event_id":       in.EventID,
			"user_id":        in.UserID,
			"transaction_id": in.TransactionID,
			"amount":         p.Amount,
		})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Ticket", AggregateID: in.TicketID, EventType: model.OutboxTicketPaid, Payload: string(payload),
		})
	})
	if errors.Is(err, errDuplicateSettlement) {
		alreadySettled = true
		err = nil
	}
	if err != nil {
		return err
	}
	if alreadySettled {
		s.log.Infof("transaction %s already settled, no-op", in.TransactionID)
		return nil
	}

	// join email is best-effort and must never undo the settlement
	if err := s.bus.PublishAttendeeAdded(ctx, bus.AttendeeAdded{EventID: ev.ID, UserIDs: []uint64{user.ID}}); err != nil {
		s.log.Errorf("attendee-added publish after settlement of ticket %d: %v", in.TicketID, err)
	}
	return nil
}

// MinorUnits converts a decimal price into integer minor currency units
// (25.00 -> 2500). Never negative.
func MinorUnits(price decimal.Decimal) int64 {
	if price.IsNegative() {
		return 0
	}
	return price.Mul(minorUnitsPerMajor).Round(0).IntPart()
}

// AmountFromMinor converts minor units back to a decimal amount.
func AmountFromMinor(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(minorUnitsPerMajor)
}

// Tickets lists the caller's tickets for one event.
func (s *CheckoutService) Tickets(ctx context.Context, userID, eventID uint64) ([]model.Ticket, error) {
	return s.repo.ListTickets(ctx, userID, eventID)
}

package bus

import (
	"context"

	"go.uber.org/zap"
)

// EventUpdated means an existing event's fields changed.
type EventUpdated struct {
	EventID uint64
}

// AttendeeAdded carries only the newly added members, never the
// pre-existing ones.
type AttendeeAdded struct {
	EventID uint64
	UserIDs []uint64
}

// Handler consumes domain events synchronously.
type Handler interface {
	HandleEventUpdated(ctx context.Context, e EventUpdated) error
	HandleAttendeeAdded(ctx context.Context, e AttendeeAdded) error
}

// Bus is an in-process, synchronous dispatcher. It replaces the implicit
// save-hook coupling between the CRUD layer and the notification engine
// with explicit publication.
type Bus struct {
	handlers []Handler
	log      *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a handler. Not safe for concurrent use; wire all
// handlers at startup.
func (b *Bus) Subscribe(h Handler) {
	b.handlers = append(b.handlers, h)
}

// PublishEventUpdated dispatches to every handler in order; the first
// error stops dispatch and is returned to the publisher.
func (b *Bus) PublishEventUpdated(ctx context.Context, e EventUpdated) error {
	for _, h := range b.handlers {
		if err := h.HandleEventUpdated(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// PublishAttendeeAdded dispatches to every handler in order.
func (b *Bus) PublishAttendeeAdded(ctx context.Context, e AttendeeAdded) error {
	for _, h := range b.handlers {
		if err := h.HandleAttendeeAdded(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

package service

import (
	"testing"

	"github.com/sees-platform/event-service/internal/bus"
	"github.com/sees-platform/event-service/internal/model"
	"github.com/sees-platform/event-service/internal/repo"
	"github.com/stretchr/testify/assert"
)

func TestEventUpdatedBroadcast_ResetsUnreadForAttendeesOnly(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedEvent(t, ctx, 10, "0.00")
	for i := uint64(1); i <= 3; i++ {
		env.seedUser(t, ctx, i)
	}
	// users 1 and 2 attend; user 3 does not
	assert.NoError(t, env.repo.AddAttendee(ctx, env.repo.DB(ctx), 10, 1))
	assert.NoError(t, env.repo.AddAttendee(ctx, env.repo.DB(ctx), 10, 2))

	assert.NoError(t, env.notify.HandleEventUpdated(ctx, bus.EventUpdated{EventID: 10}))

	var ns []model.EventNotification
	assert.NoError(t, env.repo.DB(ctx).Order("user_id").Find(&ns).Error)
	assert.Len(t, ns, 2)
	for _, n := range ns {
		assert.False(t, n.IsViewed)
		assert.Equal(t, uint64(10), n.EventID)
	}
	assert.Equal(t, uint64(1), ns[0].UserID)
	assert.Equal(t, uint64(2), ns[1].UserID)

	// broadcasts never email anyone
	assert.Zero(t, env.mail.count())
}

func TestEventUpdatedBroadcast_FlipsViewedBackToUnviewed(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedEvent(t, ctx, 10, "0.00")
	env.seedUser(t, ctx, 1)
	assert.NoError(t, env.repo.AddAttendee(ctx, env.repo.DB(ctx), 10, 1))

	assert.NoError(t, env.notify.HandleEventUpdated(ctx, bus.EventUpdated{EventID: 10}))
	assert.NoError(t, env.notify.MarkViewed(ctx, 1, 10))
	assert.NoError(t, env.notify.HandleEventUpdated(ctx, bus.EventUpdated{EventID: 10}))

	// still a single row per (user,event), back to unviewed
	var ns []model.EventNotification
	assert.NoError(t, env.repo.DB(ctx).Find(&ns).Error)
	assert.Len(t, ns, 1)
	assert.False(t, ns[0].IsViewed)
}

func TestMarkViewed_Idempotent(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedEvent(t, ctx, 10, "0.00")
	env.seedUser(t, ctx, 1)

	assert.NoError(t, env.notify.MarkViewed(ctx, 1, 10))
	assert.NoError(t, env.notify.MarkViewed(ctx, 1, 10))

	var ns []model.EventNotification
	assert.NoError(t, env.repo.DB(ctx).Find(&ns).Error)
	assert.Len(t, ns, 1)
	assert.True(t, ns[0].IsViewed)
}

func TestMarkViewed_UnknownEvent(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedUser(t, ctx, 1)

	assert.ErrorIs(t, env.notify.MarkViewed(ctx, 1, 404), repo.ErrNotFound)
}

func TestAttendeeAdded_EmailsNewMembersOnly(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedEvent(t, ctx, 10, "0.00")
	for i := uint64(1); i <= 3; i++ {
		env.seedUser(t, ctx, i)
	}
	// user 1 is a pre-existing attendee
	assert.NoError(t, env.repo.AddAttendee(ctx, env.repo.DB(ctx), 10, 1))

	// users 2 and 3 are the newly added members
	assert.NoError(t, env.notify.HandleAttendeeAdded(ctx, bus.AttendeeAdded{EventID: 10, UserIDs: []uint64{2, 3}}))

	assert.Equal(t, 2, env.mail.count())
	assert.Contains(t, env.mail.sends[0], "user2@example.com")
	assert.Contains(t, env.mail.sends[1], "user3@example.com")
	assert.Contains(t, env.mail.sends[0], "Your Ticket Confirmation for Event 10")

	// transient side effect only: no notification rows from this path
	var ns int64
	env.repo.DB(ctx).Model(&model.EventNotification{}).Count(&ns)
	assert.Zero(t, ns)
}

func TestEventService_UpdateBroadcastsToAttendees(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedEvent(t, ctx, 10, "0.00")
	env.seedUser(t, ctx, 1)
	env.seedUser(t, ctx, 2)
	assert.NoError(t, env.repo.DB(ctx).Create(&model.EventOrganizer{EventID: 10, UserID: 1}).Error)
	assert.NoError(t, env.repo.AddAttendee(ctx, env.repo.DB(ctx), 10, 2))

	desc := "rescheduled to the main hall"
	ev, err := env.events.Update(ctx, 1, 10, EventUpdate{Description: &desc})
	assert.NoError(t, err)
	assert.Equal(t, desc, ev.Description)

	var ns []model.EventNotification
	assert.NoError(t, env.repo.DB(ctx).Find(&ns).Error)
	assert.Len(t, ns, 1)
	assert.Equal(t, uint64(2), ns[0].UserID)
	assert.False(t, ns[0].IsViewed)
}

func TestEventService_UpdateRequiresOrganizer(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedEvent(t, ctx, 10, "0.00")
	env.seedUser(t, ctx, 1)

	title := "hijacked"
	_, err := env.events.Update(ctx, 1, 10, EventUpdate{Title: &title})
	assert.ErrorIs(t, err, ErrNotOrganizer)
}

func TestEventService_UpdateValidatesLocationForType(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedEvent(t, ctx, 10, "0.00")
	env.seedUser(t, ctx, 1)
	assert.NoError(t, env.repo.DB(ctx).Create(&model.EventOrganizer{EventID: 10, UserID: 1}).Error)

	// switching to in-person without a physical location is rejected
	inPerson := model.EventTypeInPerson
	_, err := env.events.Update(ctx, 1, 10, EventUpdate{EventType: &inPerson})
	assert.ErrorIs(t, err, ErrEventInvalid)

	hall := "Main Hall"
	ev, err := env.events.Update(ctx, 1, 10, EventUpdate{EventType: &inPerson, Location: &hall})
	assert.NoError(t, err)
	assert.Equal(t, model.EventTypeInPerson, ev.EventType)

	// hybrid needs both; the seed already carries the virtual link
	hybrid := model.EventTypeHybrid
	ev, err = env.events.Update(ctx, 1, 10, EventUpdate{EventType: &hybrid})
	assert.NoError(t, err)
	assert.Equal(t, model.EventTypeHybrid, ev.EventType)

	// a virtual event cannot lose its virtual location
	virtual := model.EventTypeVirtual
	empty := ""
	_, err = env.events.Update(ctx, 1, 10, EventUpdate{EventType: &virtual, VirtualLocation: &empty})
	assert.ErrorIs(t, err, ErrEventInvalid)

	bogus := "metaverse"
	_, err = env.events.Update(ctx, 1, 10, EventUpdate{EventType: &bogus})
	assert.ErrorIs(t, err, ErrEventInvalid)
}

func TestEventService_AddAttendeesEmailsOnlyNewMembers(t *testing.T) {
	env, ctx := newTestEnv(t)
	env.seedEvent(t, ctx, 10, "0.00")
	for i := uint64(1); i <= 4; i++ {
		env.seedUser(t, ctx, i)
	}
	assert.NoError(t, env.repo.DB(ctx).Create(&model.EventOrganizer{EventID: 10, UserID: 1}).Error)
	assert.NoError(t, env.repo.AddAttendee(ctx, env.repo.DB(ctx), 10, 2))

	added, err := env.events.AddAttendees(ctx, 1, 10, []uint64{2, 3, 4})
	assert.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, added)

	// one email per new member, none for the pre-existing attendee
	assert.Equal(t, 2, env.mail.count())
}

package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/puretik/modmail-relay/domain/infra"
	"github.com/puretik/modmail-relay/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time instead of sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRouter() (*Router, *infra.Memory, *fakeClock) {
	ds := infra.NewMemory()
	clock := newFakeClock()
	r := NewRouter(ds, clock, "C_MODMAIL", 600*time.Second)
	return r, ds, clock
}

func TestRouter_FirstMessageCreatesTicket(t *testing.T) {
	r, ds, _ := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hello mods")
	require.NoError(t, err)
	assert.True(t, inst.NewTicket)
	assert.Equal(t, "U1", inst.UserID)
	assert.Equal(t, "C_MODMAIL", inst.ChannelID)
	assert.Equal(t, "hello mods", inst.Text)
	assert.Empty(t, inst.ThreadTS)

	stored, err := ds.GetOpenTicket("U1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, inst.TicketID, stored.ID)
}

func TestRouter_SameUserBurstSingleTicket(t *testing.T) {
	r, _, _ := newTestRouter()
	defer r.Stop()

	const n = 25
	insts := make([]*model.PostToTicket, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := r.HandleUserMessage(context.Background(), "U1", "msg")
			require.NoError(t, err)
			insts[i] = inst
		}(i)
	}
	wg.Wait()

	created := 0
	for _, inst := range insts {
		assert.Equal(t, insts[0].TicketID, inst.TicketID)
		if inst.NewTicket {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestRouter_ThreeMessagesOneTicket(t *testing.T) {
	r, _, _ := newTestRouter()
	defer r.Stop()

	var ids []string
	for i := 0; i < 3; i++ {
		inst, err := r.HandleUserMessage(context.Background(), "U1", "msg")
		require.NoError(t, err)
		ids = append(ids, inst.TicketID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

func TestRouter_DistinctUsersDistinctTickets(t *testing.T) {
	r, _, _ := newTestRouter()
	defer r.Stop()

	a, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	b, err := r.HandleUserMessage(context.Background(), "U2", "hi")
	require.NoError(t, err)
	assert.NotEqual(t, a.TicketID, b.TicketID)
}

func TestRouter_ModeratorReplyByThread(t *testing.T) {
	r, ds, clock := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.BindThread(inst.TicketID, "C_MODMAIL", "111.222"))

	clock.Advance(time.Minute)
	dm, err := r.HandleModeratorReply(context.Background(), ReplyTarget{ThreadTS: "111.222"}, "UMOD", "here to help")
	require.NoError(t, err)
	assert.Equal(t, "U1", dm.UserID)
	assert.Equal(t, "UMOD", dm.ModeratorID)
	assert.Equal(t, "here to help", dm.Text)

	stored, err := ds.GetTicket(inst.TicketID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), stored.LastActivityAt)
}

func TestRouter_ModeratorReplyByUserID(t *testing.T) {
	r, _, _ := newTestRouter()
	defer r.Stop()

	_, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)

	dm, err := r.HandleModeratorReply(context.Background(), ReplyTarget{UserID: "U1"}, "UMOD", "hello")
	require.NoError(t, err)
	assert.Equal(t, "U1", dm.UserID)
}

func TestRouter_ModeratorReplyUnknownTarget(t *testing.T) {
	r, _, _ := newTestRouter()
	defer r.Stop()

	dm, err := r.HandleModeratorReply(context.Background(), ReplyTarget{UserID: "U404"}, "UMOD", "anyone there")
	assert.ErrorIs(t, err, model.ErrUnknownTicket)
	assert.Nil(t, dm)
}

func TestRouter_ModeratorReplyRevivesClosing(t *testing.T) {
	r, ds, _ := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.BindThread(inst.TicketID, "C_MODMAIL", "111.222"))
	require.NoError(t, ds.MarkClosing(inst.TicketID))

	dm, err := r.HandleModeratorReply(context.Background(), ReplyTarget{ThreadTS: "111.222"}, "UMOD", "still here")
	require.NoError(t, err)
	assert.Equal(t, "U1", dm.UserID)

	stored, err := ds.GetTicket(inst.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, stored.State)
}

func TestRouter_ModeratorReplyByUserIDRevivesClosing(t *testing.T) {
	r, ds, _ := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.MarkClosing(inst.TicketID))

	// The user handle reaches the closing ticket just like a thread reply.
	dm, err := r.HandleModeratorReply(context.Background(), ReplyTarget{UserID: "U1"}, "UMOD", "hold on")
	require.NoError(t, err)
	assert.Equal(t, "U1", dm.UserID)

	stored, err := ds.GetTicket(inst.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, stored.State)
}

func TestRouter_ReplyToClosedTicket(t *testing.T) {
	r, ds, _ := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.BindThread(inst.TicketID, "C_MODMAIL", "111.222"))
	require.NoError(t, ds.MarkClosing(inst.TicketID))
	require.NoError(t, r.ConfirmClosed(context.Background(), inst.TicketID, "U1"))

	// All three handles resolve to an explicit "closed" rejection.
	for _, target := range []ReplyTarget{
		{TicketID: inst.TicketID},
		{ThreadTS: "111.222"},
		{UserID: "U1"},
	} {
		dm, err := r.HandleModeratorReply(context.Background(), target, "UMOD", "too late")
		assert.ErrorIs(t, err, model.ErrTicketClosed)
		assert.Nil(t, dm)
	}
}

func TestRouter_UserMessageAfterCloseOpensFreshTicket(t *testing.T) {
	r, ds, _ := newTestRouter()
	defer r.Stop()

	first, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.MarkClosing(first.TicketID))

	// The prior ticket is still closing; the user gets a fresh one.
	second, err := r.HandleUserMessage(context.Background(), "U1", "hi again")
	require.NoError(t, err)
	assert.True(t, second.NewTicket)
	assert.NotEqual(t, first.TicketID, second.TicketID)
}

func TestRouter_HandleExpired(t *testing.T) {
	r, ds, clock := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.BindThread(inst.TicketID, "C_MODMAIL", "111.222"))
	clock.Advance(601 * time.Second)
	require.NoError(t, ds.MarkClosing(inst.TicketID))

	insts, err := r.HandleExpired(context.Background(), inst.TicketID, "U1")
	require.NoError(t, err)
	require.Len(t, insts, 2)

	archive, ok := insts[0].(model.ArchiveTicket)
	require.True(t, ok)
	assert.Equal(t, inst.TicketID, archive.TicketID)
	assert.Equal(t, "111.222", archive.ThreadTS)

	closure, ok := insts[1].(model.NotifyClosure)
	require.True(t, ok)
	assert.Equal(t, "U1", closure.UserID)
}

func TestRouter_HandleExpiredRevivedTicket(t *testing.T) {
	r, ds, clock := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.MarkClosing(inst.TicketID))
	// Revived between the sweep and the expiry handling.
	require.NoError(t, ds.Touch(inst.TicketID, clock.Now()))

	insts, err := r.HandleExpired(context.Background(), inst.TicketID, "U1")
	require.NoError(t, err)
	assert.Nil(t, insts)
}

func TestRouter_HandleExpiredFreshActivity(t *testing.T) {
	r, ds, clock := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.BindThread(inst.TicketID, "C_MODMAIL", "111.222"))
	clock.Advance(601 * time.Second)

	// The reply lands after the sweep's idle scan picked the ticket but
	// before the CLOSING transition, so the touch hits an OPEN ticket and
	// the state alone no longer proves the ticket is idle.
	_, err = r.HandleModeratorReply(context.Background(), ReplyTarget{ThreadTS: "111.222"}, "UMOD", "on it")
	require.NoError(t, err)
	require.NoError(t, ds.MarkClosing(inst.TicketID))

	insts, err := r.HandleExpired(context.Background(), inst.TicketID, "U1")
	require.NoError(t, err)
	assert.Nil(t, insts)

	stored, err := ds.GetTicket(inst.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, stored.State)
}

func TestRouter_ConfirmClosedIdempotent(t *testing.T) {
	r, ds, _ := newTestRouter()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.MarkClosing(inst.TicketID))

	require.NoError(t, r.ConfirmClosed(context.Background(), inst.TicketID, "U1"))
	require.NoError(t, r.ConfirmClosed(context.Background(), inst.TicketID, "U1"))
}

func TestRouter_Reconfigure(t *testing.T) {
	r, _, _ := newTestRouter()
	defer r.Stop()

	first, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "C_MODMAIL", first.ChannelID)

	r.SetChannel("C_NEW")
	r.SetTimeout(120 * time.Second)
	assert.Equal(t, "C_NEW", r.Channel())
	assert.Equal(t, 120*time.Second, r.IdleTimeout())

	// Existing tickets are not moved.
	again, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "C_MODMAIL", again.ChannelID)

	// New tickets land in the new channel.
	fresh, err := r.HandleUserMessage(context.Background(), "U2", "hi")
	require.NoError(t, err)
	assert.Equal(t, "C_NEW", fresh.ChannelID)
}

func TestRouter_LockTimeoutSurfaced(t *testing.T) {
	r, _, _ := newTestRouter()
	defer r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.HandleUserMessage(ctx, "U1", "hi")
	// A pre-cancelled context may still win the race for an uncontended
	// lock; only a timeout error is acceptable otherwise.
	if err != nil {
		assert.ErrorIs(t, err, model.ErrLockTimeout)
	}
}

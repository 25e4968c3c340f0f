package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/puretik/modmail-relay/domain/infra"
	"github.com/puretik/modmail-relay/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instructionRecorder struct {
	insts []model.Instruction
	err   error
}

func (rec *instructionRecorder) deliver(_ context.Context, insts ...model.Instruction) error {
	if rec.err != nil {
		return rec.err
	}
	rec.insts = append(rec.insts, insts...)
	return nil
}

func newTestSweeper() (*Sweeper, *Router, *infra.Memory, *fakeClock, *instructionRecorder) {
	ds := infra.NewMemory()
	clock := newFakeClock()
	router := NewRouter(ds, clock, "C_MODMAIL", 600*time.Second)
	rec := &instructionRecorder{}
	s := NewSweeper(ds, router, clock, 30*time.Second, rec.deliver)
	return s, router, ds, clock, rec
}

func TestSweeper_ClosesIdleTicket(t *testing.T) {
	s, r, ds, clock, rec := newTestSweeper()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.BindThread(inst.TicketID, "C_MODMAIL", "111.222"))

	clock.Advance(601 * time.Second)
	s.sweep(context.Background())

	require.Len(t, rec.insts, 2)
	archive, ok := rec.insts[0].(model.ArchiveTicket)
	require.True(t, ok)
	assert.Equal(t, inst.TicketID, archive.TicketID)
	closure, ok := rec.insts[1].(model.NotifyClosure)
	require.True(t, ok)
	assert.Equal(t, "U1", closure.UserID)

	open, err := ds.GetOpenTicket("U1")
	require.NoError(t, err)
	assert.Nil(t, open)
	assert.Empty(t, s.pending)
}

func TestSweeper_ActiveTicketNotSwept(t *testing.T) {
	s, r, _, clock, rec := newTestSweeper()
	defer r.Stop()

	_, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)

	clock.Advance(599 * time.Second)
	s.sweep(context.Background())
	assert.Empty(t, rec.insts)

	// Activity inside the window pushes expiry out again.
	_, err = r.HandleUserMessage(context.Background(), "U1", "still here")
	require.NoError(t, err)
	clock.Advance(599 * time.Second)
	s.sweep(context.Background())
	assert.Empty(t, rec.insts)
}

func TestSweeper_SweepsOnlyOnce(t *testing.T) {
	s, r, _, clock, rec := newTestSweeper()
	defer r.Stop()

	_, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)

	clock.Advance(601 * time.Second)
	s.sweep(context.Background())
	s.sweep(context.Background())

	assert.Len(t, rec.insts, 2)
}

func TestSweeper_RevivedTicketCancelsPendingClose(t *testing.T) {
	s, r, ds, clock, rec := newTestSweeper()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	require.NoError(t, ds.BindThread(inst.TicketID, "C_MODMAIL", "111.222"))
	require.NoError(t, ds.MarkClosing(inst.TicketID))
	s.pending[inst.TicketID] = &pendingClose{userID: "U1"}

	// A moderator reply lands before the closure is finalized.
	_, err = r.HandleModeratorReply(context.Background(), ReplyTarget{ThreadTS: "111.222"}, "UMOD", "sorry for the wait")
	require.NoError(t, err)

	s.sweep(context.Background())

	assert.Empty(t, rec.insts)
	assert.Empty(t, s.pending)
	stored, err := ds.GetTicket(inst.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, stored.State)

	// And it is not swept until it goes idle again.
	clock.Advance(599 * time.Second)
	s.sweep(context.Background())
	assert.Empty(t, rec.insts)
}

func TestSweeper_RetryBudgetForceCloses(t *testing.T) {
	s, r, ds, clock, rec := newTestSweeper()
	defer r.Stop()

	inst, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)

	rec.err = errors.New("slack is down")
	clock.Advance(601 * time.Second)

	for i := 0; i < maxCloseAttempts; i++ {
		s.sweep(context.Background())
	}

	// The ticket is closed despite delivery never succeeding, so it
	// cannot pin the user's session forever.
	assert.Empty(t, s.pending)
	stored, err := ds.GetTicket(inst.TicketID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, err = r.HandleModeratorReply(context.Background(), ReplyTarget{UserID: "U1"}, "UMOD", "too late")
	assert.ErrorIs(t, err, model.ErrTicketClosed)
}

func TestSweeper_FailedDeliveryRetriedNextTick(t *testing.T) {
	s, r, _, clock, rec := newTestSweeper()
	defer r.Stop()

	_, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)

	rec.err = errors.New("slack is down")
	clock.Advance(601 * time.Second)
	s.sweep(context.Background())
	assert.Len(t, s.pending, 1)

	rec.err = nil
	s.sweep(context.Background())
	assert.Len(t, rec.insts, 2)
	assert.Empty(t, s.pending)
}

func TestSweeper_OldestTicketsFirst(t *testing.T) {
	s, r, _, clock, rec := newTestSweeper()
	defer r.Stop()

	oldest, err := r.HandleUserMessage(context.Background(), "U1", "hi")
	require.NoError(t, err)
	clock.Advance(100 * time.Second)
	newer, err := r.HandleUserMessage(context.Background(), "U2", "hi")
	require.NoError(t, err)

	clock.Advance(601 * time.Second)
	s.sweep(context.Background())

	require.Len(t, rec.insts, 4)
	first, ok := rec.insts[0].(model.ArchiveTicket)
	require.True(t, ok)
	assert.Equal(t, oldest.TicketID, first.TicketID)
	third, ok := rec.insts[2].(model.ArchiveTicket)
	require.True(t, ok)
	assert.Equal(t, newer.TicketID, third.TicketID)
}

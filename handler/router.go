package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/puretik/modmail-relay/domain/infra"
	"github.com/puretik/modmail-relay/domain/model"
)

// closedRetention is how long a closed ticket's handles stay resolvable,
// so a moderator replying to a just-closed ticket gets "no longer active"
// instead of "unknown".
const closedRetention = 30 * time.Minute

// Router coordinates the ticket store, the per-user locks and the expiry
// path. It turns inbound traffic into delivery instructions; it never
// talks to Slack itself.
type Router struct {
	ds     infra.Datastore
	locks  *infra.LockTable
	clock  infra.Clock
	closed *ttlcache.Cache[string, string]

	mu          sync.RWMutex
	channelID   string
	idleTimeout time.Duration
}

func NewRouter(ds infra.Datastore, clock infra.Clock, channelID string, idleTimeout time.Duration) *Router {
	r := &Router{
		ds:          ds,
		locks:       infra.NewLockTable(),
		clock:       clock,
		closed:      ttlcache.New(ttlcache.WithTTL[string, string](closedRetention)),
		channelID:   channelID,
		idleTimeout: idleTimeout,
	}
	go r.closed.Start()
	return r
}

// Channel returns the current modmail channel id.
func (r *Router) Channel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelID
}

// IdleTimeout returns the current inactivity window.
func (r *Router) IdleTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idleTimeout
}

// SetChannel points subsequent tickets at a new modmail channel. Tickets
// already bound to a thread stay where they are.
func (r *Router) SetChannel(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channelID = channelID
}

// SetTimeout changes the inactivity window for subsequent sweeps.
func (r *Router) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleTimeout = d
}

// HandleUserMessage finds or creates the user's ticket under their lock
// and returns the instruction to post the message into its thread.
// Concurrent messages from one user serialize here; the second caller
// observes the first's ticket and reuses it.
func (r *Router) HandleUserMessage(ctx context.Context, userID, text string) (*model.PostToTicket, error) {
	var inst *model.PostToTicket
	err := r.locks.WithLock(ctx, userID, func() error {
		now := r.clock.Now()
		t, err := r.ds.GetOpenTicket(userID)
		if err != nil {
			return fmt.Errorf("GetOpenTicket failed: %w", err)
		}
		created := false
		if t == nil {
			t = &model.Ticket{
				ID:             uuid.NewString(),
				UserID:         userID,
				ChannelID:      r.Channel(),
				State:          model.StateOpen,
				CreatedAt:      now,
				LastActivityAt: now,
			}
			if err := r.ds.CreateTicket(t); err != nil {
				if errors.Is(err, model.ErrDuplicateTicket) {
					// The lock makes this unreachable. Do not paper over it.
					slog.Error("duplicate ticket despite user lock",
						slog.String("user", userID), slog.Any("err", err))
				}
				return fmt.Errorf("CreateTicket failed: %w", err)
			}
			created = true
		} else {
			if err := r.ds.Touch(t.ID, now); err != nil {
				return fmt.Errorf("Touch failed: %w", err)
			}
		}
		inst = &model.PostToTicket{
			TicketID:  t.ID,
			UserID:    userID,
			ChannelID: t.ChannelID,
			ThreadTS:  t.ThreadTS,
			Text:      text,
			NewTicket: created,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ReplyTarget identifies the ticket a moderator is replying to. Exactly
// one field is expected; ThreadTS wins if several are set.
type ReplyTarget struct {
	ThreadTS string
	TicketID string
	UserID   string
}

// HandleModeratorReply resolves the target ticket, refreshes its activity
// (reviving a ticket the sweeper started closing) and returns the
// instruction to DM the user. Unresolvable targets get ErrUnknownTicket,
// or ErrTicketClosed when the ticket closed recently.
func (r *Router) HandleModeratorReply(ctx context.Context, target ReplyTarget, moderatorID, text string) (*model.DMToUser, error) {
	t, err := r.resolveReply(target)
	if err != nil {
		return nil, err
	}
	err = r.locks.WithLock(ctx, t.UserID, func() error {
		if err := r.ds.Touch(t.ID, r.clock.Now()); err != nil {
			if errors.Is(err, model.ErrTicketNotFound) {
				return model.ErrTicketClosed
			}
			return fmt.Errorf("Touch failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &model.DMToUser{
		UserID:      t.UserID,
		ModeratorID: moderatorID,
		Text:        text,
	}, nil
}

func (r *Router) resolveReply(target ReplyTarget) (*model.Ticket, error) {
	var key string
	var t *model.Ticket
	var err error
	switch {
	case target.ThreadTS != "":
		key = target.ThreadTS
		t, err = r.ds.GetTicketByThread(target.ThreadTS)
	case target.TicketID != "":
		key = target.TicketID
		t, err = r.ds.GetTicket(target.TicketID)
	case target.UserID != "":
		key = target.UserID
		t, err = r.ds.GetOpenTicket(target.UserID)
		if err == nil && t == nil {
			// The open index drops a ticket once the sweeper marks it
			// CLOSING, but a reply should still reach and revive it,
			// the same as a reply in the ticket's thread.
			t, err = r.ds.GetClosingTicket(target.UserID)
		}
	default:
		return nil, model.ErrUnknownTicket
	}
	if err != nil {
		return nil, fmt.Errorf("ticket lookup failed: %w", err)
	}
	if t == nil || !t.Active() {
		if r.closed.Get(key) != nil {
			return nil, model.ErrTicketClosed
		}
		return nil, model.ErrUnknownTicket
	}
	return t, nil
}

// HandleExpired consumes a sweeper expiry. It returns the instructions to
// archive the thread and notify the user, or nil when the ticket was
// revived (or already finalized) since the sweep marked it.
func (r *Router) HandleExpired(ctx context.Context, ticketID, userID string) ([]model.Instruction, error) {
	var insts []model.Instruction
	err := r.locks.WithLock(ctx, userID, func() error {
		t, err := r.ds.GetTicket(ticketID)
		if err != nil {
			return fmt.Errorf("GetTicket failed: %w", err)
		}
		if t == nil || t.State != model.StateClosing {
			return nil
		}
		// Activity can land between the sweep's scan and the CLOSING
		// transition. Such a ticket is not idle anymore; put it back
		// instead of archiving it.
		if t.LastActivityAt.After(r.clock.Now().Add(-r.IdleTimeout())) {
			if err := r.ds.Touch(t.ID, t.LastActivityAt); err != nil {
				return fmt.Errorf("Touch failed: %w", err)
			}
			return nil
		}
		insts = []model.Instruction{
			model.ArchiveTicket{TicketID: t.ID, ChannelID: t.ChannelID, ThreadTS: t.ThreadTS},
			model.NotifyClosure{TicketID: t.ID, UserID: t.UserID},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return insts, nil
}

// ConfirmClosed finalizes a CLOSING ticket after the transport delivered
// (or gave up delivering) the closure messages. Idempotent.
func (r *Router) ConfirmClosed(ctx context.Context, ticketID, userID string) error {
	return r.locks.WithLock(ctx, userID, func() error {
		t, err := r.ds.GetTicket(ticketID)
		if err != nil {
			return fmt.Errorf("GetTicket failed: %w", err)
		}
		if t == nil || t.State != model.StateClosing {
			return nil
		}
		if err := r.ds.MarkClosed(ticketID); err != nil {
			return fmt.Errorf("MarkClosed failed: %w", err)
		}
		r.closed.Set(t.ID, t.UserID, ttlcache.DefaultTTL)
		if t.ThreadTS != "" {
			r.closed.Set(t.ThreadTS, t.UserID, ttlcache.DefaultTTL)
		}
		r.closed.Set(t.UserID, t.ID, ttlcache.DefaultTTL)
		return nil
	})
}

// OpenTickets lists every open ticket, longest idle first.
func (r *Router) OpenTickets() ([]model.Ticket, error) {
	return r.ds.ListIdle(r.clock.Now())
}

// Stop releases the router's background resources.
func (r *Router) Stop() {
	r.closed.Stop()
}

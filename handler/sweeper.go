package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/puretik/modmail-relay/domain/infra"
	"github.com/puretik/modmail-relay/domain/model"
)

// maxCloseAttempts bounds how many sweeps may retry delivering a
// ticket's closure messages before the ticket is closed anyway.
const maxCloseAttempts = 3

// DeliverFunc sends instructions through the transport. An error means
// the sweeper should retry on its next tick.
type DeliverFunc func(ctx context.Context, insts ...model.Instruction) error

// Sweeper closes tickets that saw no activity for the configured idle
// window. It never holds a user lock across a whole scan; each closing
// decision goes through the router one ticket at a time.
type Sweeper struct {
	ds       infra.Datastore
	router   *Router
	clock    infra.Clock
	interval time.Duration
	deliver  DeliverFunc

	// tickets marked CLOSING whose closure delivery has not succeeded
	// yet, with attempt counts. Only the sweeper goroutine touches this.
	pending map[string]*pendingClose
}

type pendingClose struct {
	userID   string
	attempts int
}

func NewSweeper(ds infra.Datastore, router *Router, clock infra.Clock, interval time.Duration, deliver DeliverFunc) *Sweeper {
	return &Sweeper{
		ds:       ds,
		router:   router,
		clock:    clock,
		interval: interval,
		deliver:  deliver,
		pending:  map[string]*pendingClose{},
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep is one pass: retry pending closures first, then mark and close
// newly idle tickets.
func (s *Sweeper) sweep(ctx context.Context) {
	for id, p := range s.pending {
		s.finalize(ctx, id, p.userID)
	}

	threshold := s.clock.Now().Add(-s.router.IdleTimeout())
	idle, err := s.ds.ListIdle(threshold)
	if err != nil {
		slog.Error("ListIdle failed", slog.Any("err", err))
		return
	}
	for _, t := range idle {
		if err := s.ds.MarkClosing(t.ID); err != nil {
			slog.Error("MarkClosing failed", slog.String("ticket", t.ID), slog.Any("err", err))
			continue
		}
		slog.Info("ticket expired", slog.String("ticket", t.ID), slog.String("user", t.UserID))
		s.pending[t.ID] = &pendingClose{userID: t.UserID}
		s.finalize(ctx, t.ID, t.UserID)
	}
}

// finalize attempts to deliver the closure messages for one CLOSING
// ticket and confirm the close. Failures stay pending until the retry
// budget runs out, then the ticket is force-closed so it cannot pin the
// user's session forever.
func (s *Sweeper) finalize(ctx context.Context, ticketID, userID string) {
	insts, err := s.router.HandleExpired(ctx, ticketID, userID)
	if err != nil {
		slog.Error("HandleExpired failed", slog.String("ticket", ticketID), slog.Any("err", err))
		s.recordFailure(ctx, ticketID, userID)
		return
	}
	if insts == nil {
		// Revived or already finalized, nothing left to do.
		delete(s.pending, ticketID)
		return
	}
	if err := s.deliver(ctx, insts...); err != nil {
		slog.Error("closure delivery failed", slog.String("ticket", ticketID), slog.Any("err", err))
		s.recordFailure(ctx, ticketID, userID)
		return
	}
	if err := s.router.ConfirmClosed(ctx, ticketID, userID); err != nil {
		slog.Error("ConfirmClosed failed", slog.String("ticket", ticketID), slog.Any("err", err))
		s.recordFailure(ctx, ticketID, userID)
		return
	}
	delete(s.pending, ticketID)
}

func (s *Sweeper) recordFailure(ctx context.Context, ticketID, userID string) {
	p, ok := s.pending[ticketID]
	if !ok {
		p = &pendingClose{userID: userID}
		s.pending[ticketID] = p
	}
	p.attempts++
	if p.attempts < maxCloseAttempts {
		return
	}
	slog.Warn("retry budget exhausted, force closing ticket", slog.String("ticket", ticketID))
	if err := s.router.ConfirmClosed(ctx, ticketID, userID); err != nil {
		slog.Error("force close failed", slog.String("ticket", ticketID), slog.Any("err", err))
	}
	delete(s.pending, ticketID)
}

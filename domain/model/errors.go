package model

import "errors"

var (
	// ErrDuplicateTicket means a second open ticket was about to be created
	// for a user. The per-user lock makes this unreachable; seeing it in the
	// logs means a caller bypassed the lock.
	ErrDuplicateTicket = errors.New("open ticket already exists for user")

	// ErrTicketNotFound is returned by store operations that target a
	// ticket that is absent or already closed.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrUnknownTicket means a moderator reply could not be resolved to an
	// active ticket.
	ErrUnknownTicket = errors.New("no active ticket for reply target")

	// ErrTicketClosed is a variant of ErrUnknownTicket for tickets that
	// closed recently enough to still be remembered.
	ErrTicketClosed = errors.New("ticket is no longer active")

	// ErrLockTimeout means a per-user lock could not be acquired within the
	// caller's deadline. Transient, safe to retry.
	ErrLockTimeout = errors.New("timed out waiting for user lock")

	// ErrInvalidState rejects an out-of-order lifecycle transition.
	ErrInvalidState = errors.New("invalid ticket state transition")

	// ErrRateLimited propagates transport backpressure to the caller.
	ErrRateLimited = errors.New("rate limited by messaging platform")
)

package infra

import (
	"time"

	"github.com/puretik/modmail-relay/domain/model"
)

// Datastore is the authoritative user/ticket mapping. Callers hold only
// ids; ticket fields are mutated through the store, never through shared
// pointers. Create/Touch callers are expected to hold the user's lock.
type Datastore interface {
	// GetOpenTicket returns the user's OPEN ticket, or nil when absent.
	GetOpenTicket(userID string) (*model.Ticket, error)
	// GetClosingTicket returns the user's CLOSING ticket, or nil. Lets a
	// reply reach a ticket the sweeper already removed from the open index.
	GetClosingTicket(userID string) (*model.Ticket, error)
	// GetTicket returns a ticket by id regardless of state, or nil.
	GetTicket(ticketID string) (*model.Ticket, error)
	// GetTicketByThread resolves a channel thread to its ticket, or nil.
	GetTicketByThread(threadTS string) (*model.Ticket, error)
	// CreateTicket stores a new OPEN ticket. Returns ErrDuplicateTicket
	// when the user already has one.
	CreateTicket(t *model.Ticket) error
	// BindThread records the thread key once the head message is posted.
	BindThread(ticketID, channelID, threadTS string) error
	// Touch updates last activity. A CLOSING ticket reverts to OPEN unless
	// the user already opened a newer ticket. Returns ErrTicketNotFound
	// for absent or CLOSED tickets.
	Touch(ticketID string, at time.Time) error
	// MarkClosing moves OPEN to CLOSING. No-op on CLOSING and CLOSED.
	MarkClosing(ticketID string) error
	// MarkClosed finalizes a CLOSING ticket. Idempotent on CLOSED, rejects
	// OPEN with ErrInvalidState.
	MarkClosed(ticketID string) error
	// ListIdle returns OPEN tickets whose last activity is at or before
	// the threshold, oldest first.
	ListIdle(threshold time.Time) ([]model.Ticket, error)
}

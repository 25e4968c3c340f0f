package model

import "time"

// TicketState is the lifecycle state of a ticket.
type TicketState string

const (
	StateOpen    TicketState = "OPEN"
	StateClosing TicketState = "CLOSING"
	StateClosed  TicketState = "CLOSED"
)

// Ticket is one user's open conversation with the moderators. The thread
// fields are bound by the transport once the head message has been posted
// to the modmail channel.
type Ticket struct {
	ID             string      `gorm:"type:varchar(40);primary_key"`
	UserID         string      `gorm:"type:varchar(50);index"`
	ChannelID      string      `gorm:"type:varchar(50)"`
	ThreadTS       string      `gorm:"type:varchar(20);index"`
	State          TicketState `gorm:"type:varchar(10)"`
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Active reports whether the ticket still accepts traffic. A CLOSING
// ticket is active: a reply that lands before it is finalized revives it.
func (t *Ticket) Active() bool {
	return t.State == StateOpen || t.State == StateClosing
}

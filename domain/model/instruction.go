package model

// Instruction is an outbound delivery request for the transport layer.
// The router decides what to send and to whom; the transport decides how.
type Instruction interface {
	instruction()
}

// PostToTicket posts a user's message into the ticket thread. ThreadTS is
// empty for a freshly created ticket; the transport posts the thread head
// first and binds it to the ticket.
type PostToTicket struct {
	TicketID  string
	UserID    string
	ChannelID string
	ThreadTS  string
	Text      string
	NewTicket bool
}

// DMToUser sends a moderator's reply to the user's direct message channel.
type DMToUser struct {
	UserID      string
	ModeratorID string
	Text        string
}

// ArchiveTicket asks the transport to finalize the ticket thread.
type ArchiveTicket struct {
	TicketID  string
	ChannelID string
	ThreadTS  string
}

// NotifyClosure tells the user their conversation was closed for inactivity.
type NotifyClosure struct {
	TicketID string
	UserID   string
}

func (PostToTicket) instruction()  {}
func (DMToUser) instruction()      {}
func (ArchiveTicket) instruction() {}
func (NotifyClosure) instruction() {}

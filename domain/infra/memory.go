package infra

import (
	"sort"
	"sync"
	"time"

	"github.com/puretik/modmail-relay/domain/model"
)

// Memory is the default Datastore. Ticket state lives only for the
// lifetime of the process; restarting the bot simply starts every user
// from a clean slate.
type Memory struct {
	mu         sync.RWMutex
	byID       map[string]*model.Ticket
	openByUser map[string]string // user id -> OPEN ticket id
	byThread   map[string]string // thread ts -> ticket id
}

func NewMemory() *Memory {
	return &Memory{
		byID:       map[string]*model.Ticket{},
		openByUser: map[string]string{},
		byThread:   map[string]string{},
	}
}

func (m *Memory) GetOpenTicket(userID string) (*model.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.openByUser[userID]
	if !ok {
		return nil, nil
	}
	return copyTicket(m.byID[id]), nil
}

func (m *Memory) GetClosingTicket(userID string) (*model.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.byID {
		if t.UserID == userID && t.State == model.StateClosing {
			return copyTicket(t), nil
		}
	}
	return nil, nil
}

func (m *Memory) GetTicket(ticketID string) (*model.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyTicket(m.byID[ticketID]), nil
}

func (m *Memory) GetTicketByThread(threadTS string) (*model.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byThread[threadTS]
	if !ok {
		return nil, nil
	}
	return copyTicket(m.byID[id]), nil
}

func (m *Memory) CreateTicket(t *model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.openByUser[t.UserID]; ok {
		return model.ErrDuplicateTicket
	}
	stored := *t
	stored.State = model.StateOpen
	m.byID[stored.ID] = &stored
	m.openByUser[stored.UserID] = stored.ID
	if stored.ThreadTS != "" {
		m.byThread[stored.ThreadTS] = stored.ID
	}
	return nil
}

func (m *Memory) BindThread(ticketID, channelID, threadTS string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[ticketID]
	if !ok {
		return model.ErrTicketNotFound
	}
	t.ChannelID = channelID
	t.ThreadTS = threadTS
	m.byThread[threadTS] = ticketID
	return nil
}

func (m *Memory) Touch(ticketID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[ticketID]
	if !ok || t.State == model.StateClosed {
		return model.ErrTicketNotFound
	}
	t.LastActivityAt = at
	if t.State == model.StateClosing {
		// Revive, unless the user already moved on to a newer ticket in
		// which case this one keeps heading for closure.
		if cur, ok := m.openByUser[t.UserID]; !ok || cur == t.ID {
			t.State = model.StateOpen
			m.openByUser[t.UserID] = t.ID
		}
	}
	return nil
}

func (m *Memory) MarkClosing(ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[ticketID]
	if !ok {
		// Already closed and pruned. Closing twice is not an error.
		return nil
	}
	if t.State != model.StateOpen {
		return nil
	}
	t.State = model.StateClosing
	if m.openByUser[t.UserID] == t.ID {
		delete(m.openByUser, t.UserID)
	}
	return nil
}

func (m *Memory) MarkClosed(ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[ticketID]
	if !ok {
		return nil
	}
	if t.State == model.StateOpen {
		return model.ErrInvalidState
	}
	t.State = model.StateClosed
	delete(m.byID, t.ID)
	if t.ThreadTS != "" {
		delete(m.byThread, t.ThreadTS)
	}
	return nil
}

func (m *Memory) ListIdle(threshold time.Time) ([]model.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var idle []model.Ticket
	for _, id := range m.openByUser {
		t := m.byID[id]
		if !t.LastActivityAt.After(threshold) {
			idle = append(idle, *t)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActivityAt.Before(idle[j].LastActivityAt)
	})
	return idle, nil
}

func copyTicket(t *model.Ticket) *model.Ticket {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

package client

import (
	"sort"
	"sync"

	"obscomm/models"
	"obscomm/protocol"
)

// Presence tracks who is online right now. State is rebuilt wholesale
// from every server snapshot: no persistence, no incremental drift. A
// user absent from the map is offline.
type Presence struct {
	mu       sync.RWMutex
	statuses map[int64]protocol.UserStatus
	onChange func()
}

func newPresence() *Presence {
	return &Presence{statuses: make(map[int64]protocol.UserStatus)}
}

// OnChange registers a single observer invoked after every mutation.
func (p *Presence) OnChange(f func()) {
	p.mu.Lock()
	p.onChange = f
	p.mu.Unlock()
}

// ApplySnapshot replaces the whole presence state. Idempotent bulk
// replace, per the reconnect contract.
func (p *Presence) ApplySnapshot(users []protocol.UserStatus) {
	p.mu.Lock()
	p.statuses = make(map[int64]protocol.UserStatus, len(users))
	for _, u := range users {
		if u.Status != models.StatusOffline {
			p.statuses[u.UserID] = u
		}
	}
	f := p.onChange
	p.mu.Unlock()

	if f != nil {
		f()
	}
}

// Apply upserts a single status change.
func (p *Presence) Apply(u protocol.UserStatus) {
	p.mu.Lock()
	if u.Status == models.StatusOffline {
		delete(p.statuses, u.UserID)
	} else {
		p.statuses[u.UserID] = u
	}
	f := p.onChange
	p.mu.Unlock()

	if f != nil {
		f()
	}
}

func (p *Presence) IsOnline(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.statuses[userID]
	return ok && u.Status == models.StatusOnline
}

// Status returns the live status of a user; anyone unknown is offline.
func (p *Presence) Status(userID int64) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if u, ok := p.statuses[userID]; ok {
		return u.Status
	}
	return models.StatusOffline
}

// OnlineUsers returns everyone currently online or away, ordered by id.
func (p *Presence) OnlineUsers() []protocol.UserStatus {
	p.mu.RLock()
	users := make([]protocol.UserStatus, 0, len(p.statuses))
	for _, u := range p.statuses {
		users = append(users, u)
	}
	p.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

package internal

import (
	"sync"

	"github.com/samber/lo"
)

// PresenceRegistry keeps counts of active websocket connections per username.
// A name is online while at least one of its connections is open.
type PresenceRegistry struct {
	mu     sync.Mutex
	online map[string]int
	order  []string
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{online: make(map[string]int)}
}

// Add reports whether the name was not online before.
func (p *PresenceRegistry) Add(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[username]++
	if p.online[username] == 1 {
		p.order = append(p.order, username)
		return true
	}
	return false
}

// Remove reports whether the name went offline. Unknown names are ignored.
func (p *PresenceRegistry) Remove(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.online[username]
	if !ok {
		return false
	}
	if count > 1 {
		p.online[username] = count - 1
		return false
	}
	delete(p.online, username)
	p.order = lo.Without(p.order, username)
	return true
}

// Snapshot lists online names in first-join order.
func (p *PresenceRegistry) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func (p *PresenceRegistry) Online(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[username] > 0
}

func (p *PresenceRegistry) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

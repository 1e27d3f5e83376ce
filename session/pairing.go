package session

import "sync"

// Pairing maps a child's identity to its two master-side sessions: the
// ToClient session facing the browser and the ToPrisoner session facing
// the child process. Keeping this indirection separate from Session
// itself means a ToClient and a ToPrisoner session never hold a direct
// pointer to one another; each looks the other up by ChildID at the
// moment it needs to forward.
type Pairing struct {
	mu        sync.Mutex
	clients   map[uint64]*Session
	prisoners map[uint64]*Session
}

// NewPairing returns an empty pairing table.
func NewPairing() *Pairing {
	return &Pairing{
		clients:   make(map[uint64]*Session),
		prisoners: make(map[uint64]*Session),
	}
}

// SetClient registers the ToClient session for a child.
func (p *Pairing) SetClient(childID uint64, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[childID] = s
}

// SetPrisoner registers the ToPrisoner session for a child.
func (p *Pairing) SetPrisoner(childID uint64, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prisoners[childID] = s
}

// Peer returns the session paired with the one calling from the given
// polarity, or nil if no such session is currently registered.
func (p *Pairing) Peer(childID uint64, from Polarity) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch from {
	case ToClient:
		return p.prisoners[childID]
	case ToPrisoner:
		return p.clients[childID]
	default:
		return nil
	}
}

// Unpair removes the registration for one side of a pairing. It does not
// touch the other side's entry: the other session is torn down by its own
// call to Unpair, or by observing its channel being force-closed.
func (p *Pairing) Unpair(childID uint64, from Polarity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch from {
	case ToClient:
		delete(p.clients, childID)
	case ToPrisoner:
		delete(p.prisoners, childID)
	}
}

// Paired reports whether both sides of a child's pairing are currently
// registered.
func (p *Pairing) Paired(childID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, hasClient := p.clients[childID]
	_, hasPrisoner := p.prisoners[childID]
	return hasClient && hasPrisoner
}

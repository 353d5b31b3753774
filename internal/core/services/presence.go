package services

import (
	"sort"

	"chatrelay/internal/core/domain"

	"github.com/samber/lo"
)

// Presence derives online/offline status from the set of live connections
// per identity. Owned by the hub loop.
type Presence struct {
	conns map[domain.IdentityID]map[domain.ConnectionID]struct{}
}

// NewPresence creates an empty presence tracker.
func NewPresence() *Presence {
	return &Presence{conns: make(map[domain.IdentityID]map[domain.ConnectionID]struct{})}
}

// Connect records a connection and reports whether the identity just came
// online.
func (p *Presence) Connect(identity domain.IdentityID, conn domain.ConnectionID) bool {
	set, ok := p.conns[identity]
	if !ok {
		set = make(map[domain.ConnectionID]struct{})
		p.conns[identity] = set
	}
	set[conn] = struct{}{}
	return !ok
}

// Disconnect removes a connection and reports whether it was the identity's
// last one.
func (p *Presence) Disconnect(identity domain.IdentityID, conn domain.ConnectionID) bool {
	set, ok := p.conns[identity]
	if !ok {
		return false
	}
	if _, in := set[conn]; !in {
		return false
	}
	delete(set, conn)
	if len(set) > 0 {
		return false
	}
	delete(p.conns, identity)
	return true
}

// IsOnline reports whether identity has at least one live connection.
func (p *Presence) IsOnline(identity domain.IdentityID) bool {
	return len(p.conns[identity]) > 0
}

// ConnectionsOf returns the live connections of identity.
func (p *Presence) ConnectionsOf(identity domain.IdentityID) []domain.ConnectionID {
	out := lo.Keys(p.conns[identity])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Presence) OnlineCount() int {
	return len(p.conns)
}

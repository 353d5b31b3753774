package services

import (
	"sync"
	"testing"

	"chatrelay/internal/core/domain"
	"chatrelay/pkg/protocol"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeEndpoint records every frame handed to it.
type fakeEndpoint struct {
	id       domain.ConnectionID
	identity domain.Identity
	capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newEndpoint(conn string, identity string) *fakeEndpoint {
	return &fakeEndpoint{
		id:       domain.ConnectionID(conn),
		identity: domain.Identity{ID: domain.IdentityID(identity), DisplayName: identity, Role: domain.RoleUser},
		capacity: -1,
	}
}

func (f *fakeEndpoint) ID() domain.ConnectionID   { return f.id }
func (f *fakeEndpoint) Identity() domain.Identity { return f.identity }

func (f *fakeEndpoint) TrySend(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || (f.capacity >= 0 && len(f.frames) >= f.capacity) {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeEndpoint) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeEndpoint) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// events decodes and clears the recorded frames.
func (f *fakeEndpoint) events(t *testing.T) []protocol.Outbound {
	t.Helper()
	f.mu.Lock()
	frames := f.frames
	f.frames = nil
	f.mu.Unlock()

	out := make([]protocol.Outbound, 0, len(frames))
	for _, frame := range frames {
		ev, err := protocol.DecodeOutbound(frame)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func (f *fakeEndpoint) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, ev := range f.events(t) {
		out = append(out, ev.OutboundType())
	}
	return out
}

func (f *fakeEndpoint) caller() Caller {
	return Caller{Conn: f.id, Identity: f.identity}
}

// callFixture wires a registry, relay and coordinator with attached endpoints
// that already sit in their personal and global rooms.
type callFixture struct {
	registry    *Registry
	relay       *Relay
	coordinator *Coordinator
	records     []domain.CallRecord
}

func newCallFixture(t *testing.T, cfg CoordinatorConfig) *callFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	f := &callFixture{registry: NewRegistry()}
	f.relay = NewRelay(f.registry, nil, logger)
	f.coordinator = NewCoordinator(cfg, f.registry, f.relay, nil, logger, func(r domain.CallRecord) {
		f.records = append(f.records, r)
	})
	return f
}

func (f *callFixture) connect(eps ...*fakeEndpoint) {
	for _, ep := range eps {
		f.relay.Attach(ep)
		f.registry.Join(ep.id, domain.PersonalRoom(ep.identity.ID))
		f.registry.Join(ep.id, domain.GlobalRoom)
	}
}

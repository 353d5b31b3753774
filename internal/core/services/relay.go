package services

import (
	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"
	"chatrelay/pkg/protocol"

	"go.uber.org/zap"
)

// Target selects the recipients of a publish.
type Target interface {
	resolve(r *Registry) []domain.ConnectionID
}

// ToRoom addresses every connection in a room, optionally skipping the sender.
type ToRoom struct {
	Room   domain.RoomID
	Except domain.ConnectionID
}

// ToIdentity addresses every connection of one identity via its personal room.
type ToIdentity struct {
	ID domain.IdentityID
}

// ToGlobal addresses every authenticated connection.
type ToGlobal struct {
	Except domain.ConnectionID
}

// ToConnections addresses an explicit connection list.
type ToConnections struct {
	IDs []domain.ConnectionID
}

func (t ToRoom) resolve(r *Registry) []domain.ConnectionID {
	return without(r.MembersOf(t.Room), t.Except)
}

func (t ToIdentity) resolve(r *Registry) []domain.ConnectionID {
	return r.MembersOf(domain.PersonalRoom(t.ID))
}

func (t ToGlobal) resolve(r *Registry) []domain.ConnectionID {
	return without(r.MembersOf(domain.GlobalRoom), t.Except)
}

func (t ToConnections) resolve(*Registry) []domain.ConnectionID {
	return t.IDs
}

func without(ids []domain.ConnectionID, except domain.ConnectionID) []domain.ConnectionID {
	if except == "" {
		return ids
	}
	out := ids[:0]
	for _, id := range ids {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

// closePolicyViolation is the WebSocket close code sent to a connection that
// cannot keep up with point-to-point signaling.
const closePolicyViolation = 1008

// signalingTypes are relayed exactly once to their addressee. A recipient
// whose queue cannot take one is closed, so its peers see it leave instead of
// waiting on a negotiation that lost a message.
var signalingTypes = map[string]bool{
	protocol.TypeOfferReceived:  true,
	protocol.TypeAnswerReceived: true,
	protocol.TypeICECandidate:   true,
}

// Delivery summarises one publish. Recipients with no live endpoint or a
// full send queue count as dropped; that is not an error.
type Delivery struct {
	Recipients int
	Delivered  int
	Dropped    int
}

// Relay resolves targets against the registry and enqueues encoded frames on
// the recipients' endpoints. Owned by the hub loop.
type Relay struct {
	registry  *Registry
	endpoints map[domain.ConnectionID]ports.Endpoint
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
}

// NewRelay creates a relay over registry. A nil metrics records nothing.
func NewRelay(registry *Registry, metrics ports.Metrics, logger *zap.SugaredLogger) *Relay {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Relay{
		registry:  registry,
		endpoints: make(map[domain.ConnectionID]ports.Endpoint),
		metrics:   metrics,
		logger:    logger,
	}
}

// Attach makes ep reachable by publishes.
func (r *Relay) Attach(ep ports.Endpoint) {
	r.endpoints[ep.ID()] = ep
}

// Detach forgets the endpoint; later publishes count it as dropped.
func (r *Relay) Detach(id domain.ConnectionID) {
	delete(r.endpoints, id)
}

// Endpoint returns the attached endpoint for id.
func (r *Relay) Endpoint(id domain.ConnectionID) (ports.Endpoint, bool) {
	ep, ok := r.endpoints[id]
	return ep, ok
}

// ConnectionCount returns the number of attached endpoints.
func (r *Relay) ConnectionCount() int {
	return len(r.endpoints)
}

// Publish encodes ev once and delivers it to every resolved recipient.
func (r *Relay) Publish(target Target, ev protocol.Outbound) Delivery {
	frame, err := protocol.Encode(ev)
	if err != nil {
		r.logger.Errorw("failed to encode outbound event", "type", ev.OutboundType(), "error", err)
		return Delivery{}
	}

	ids := target.resolve(r.registry)
	d := Delivery{Recipients: len(ids)}
	for _, id := range ids {
		ep, ok := r.endpoints[id]
		if !ok {
			d.Dropped++
			continue
		}
		if !ep.TrySend(frame) {
			d.Dropped++
			if signalingTypes[ev.OutboundType()] {
				r.logger.Warnw("closing connection that fell behind on signaling",
					"conn_id", id, "type", ev.OutboundType())
				ep.Close(closePolicyViolation, "send queue full")
			}
			continue
		}
		d.Delivered++
	}

	if d.Dropped > 0 {
		r.logger.Debugw("event partially delivered",
			"type", ev.OutboundType(),
			"recipients", d.Recipients,
			"dropped", d.Dropped,
		)
	}
	r.metrics.Relayed(ev.OutboundType(), d.Delivered, d.Dropped)
	return d
}

// Send delivers ev to a single connection.
func (r *Relay) Send(conn domain.ConnectionID, ev protocol.Outbound) bool {
	return r.Publish(ToConnections{IDs: []domain.ConnectionID{conn}}, ev).Delivered == 1
}

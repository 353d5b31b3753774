package services

import (
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"
	"chatrelay/pkg/protocol"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

type CoordinatorConfig struct {
	MinRecordDuration time.Duration
	EndedRetention    time.Duration
}

// Caller is the connection and identity an operation is performed for.
type Caller struct {
	Conn     domain.ConnectionID
	Identity domain.Identity
}

type InviteRequest struct {
	CallID  domain.CallID
	ChatID  domain.ChatID
	Type    domain.CallType
	Targets []domain.IdentityID
}

type SignalKind int

const (
	SignalOffer SignalKind = iota
	SignalAnswer
	SignalICE
)

type Signal struct {
	Kind    SignalKind
	To      domain.IdentityID
	CallID  domain.CallID
	Payload json.RawMessage
}

type FlagKind int

const (
	FlagMuted FlagKind = iota
	FlagVideoOff
	FlagScreenShare
)

// Coordinator owns call sessions and their rooms. Like the registry it is
// driven exclusively from the hub loop.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry
	relay    *Relay
	metrics  ports.Metrics
	logger   *zap.SugaredLogger
	now      func() time.Time
	onRecord func(domain.CallRecord)

	calls map[domain.CallID]*domain.CallSession
	// members tracks which connection of which identity sits in each call room.
	members  map[domain.CallID]map[domain.ConnectionID]domain.IdentityID
	connCall map[domain.ConnectionID]domain.CallID
}

// NewCoordinator creates a coordinator publishing through relay.
func NewCoordinator(
	cfg CoordinatorConfig,
	registry *Registry,
	relay *Relay,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	onRecord func(domain.CallRecord),
) *Coordinator {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if onRecord == nil {
		onRecord = func(domain.CallRecord) {}
	}
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		relay:    relay,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		onRecord: onRecord,
		calls:    make(map[domain.CallID]*domain.CallSession),
		members:  make(map[domain.CallID]map[domain.ConnectionID]domain.IdentityID),
		connCall: make(map[domain.ConnectionID]domain.CallID),
	}
}

// Invite creates a call, or extends a live one with additional targets. The
// caller's conversation membership must already be confirmed.
func (c *Coordinator) Invite(caller Caller, req InviteRequest) (domain.CallSnapshot, error) {
	if !req.Type.Valid() {
		return domain.CallSnapshot{}, domain.ErrInvalidCallType
	}
	targets := lo.Without(lo.Uniq(req.Targets), caller.Identity.ID)
	if len(targets) == 0 {
		return domain.CallSnapshot{}, domain.ErrNoTargets
	}

	if s, ok := c.calls[req.CallID]; ok {
		return c.extendInvite(caller, s, req, targets)
	}

	if cur, busy := c.connCall[caller.Conn]; busy {
		return domain.CallSnapshot{}, fmt.Errorf("%w: %s", domain.ErrAlreadyInCall, cur)
	}

	now := c.now()
	s := domain.NewCallSession(req.CallID, req.ChatID, req.Type, caller.Identity, now)
	c.calls[s.ID] = s
	s.AddParticipant(caller.Identity, now)
	c.enterRoom(caller, s.ID)
	c.metrics.CallStarted(s.Type)

	c.sendInvites(s, targets)

	c.logger.Infow("call created",
		"call_id", s.ID,
		"chat_id", s.ChatID,
		"inviter", caller.Identity.ID,
		"targets", len(targets),
	)
	return s.Snapshot(), nil
}

func (c *Coordinator) extendInvite(caller Caller, s *domain.CallSession, req InviteRequest, targets []domain.IdentityID) (domain.CallSnapshot, error) {
	if s.IsEnded() {
		return domain.CallSnapshot{}, domain.ErrCallEnded
	}
	if s.ChatID != req.ChatID {
		return domain.CallSnapshot{}, fmt.Errorf("%w: %s belongs to another conversation", domain.ErrCallExists, s.ID)
	}
	if !s.IsParticipant(caller.Identity.ID) {
		return domain.CallSnapshot{}, domain.ErrNotParticipant
	}

	fresh := lo.Filter(targets, func(id domain.IdentityID, _ int) bool {
		return !s.IsParticipant(id) && !s.IsInvited(id)
	})
	c.sendInvites(s, fresh)
	return s.Snapshot(), nil
}

func (c *Coordinator) sendInvites(s *domain.CallSession, targets []domain.IdentityID) {
	ev := protocol.CallInvitation{
		CallID: string(s.ID),
		ChatID: string(s.ChatID),
		Type:   string(s.Type),
		From:   identityInfo(s.Inviter),
	}
	for _, id := range targets {
		s.Invitees[id] = struct{}{}
		c.relay.Publish(ToIdentity{ID: id}, ev)
	}
}

// Join admits the caller's connection into the call room.
func (c *Coordinator) Join(caller Caller, id domain.CallID) error {
	s, err := c.liveCall(id)
	if err != nil {
		return err
	}
	if !s.MayJoin(caller.Identity.ID) {
		return domain.ErrNotInvited
	}
	if cur, busy := c.connCall[caller.Conn]; busy && cur != id {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyInCall, cur)
	}

	added, activated := s.AddParticipant(caller.Identity, c.now())
	c.enterRoom(caller, id)

	c.relay.Send(caller.Conn, protocol.CallJoined{
		CallID:       string(s.ID),
		ChatID:       string(s.ChatID),
		Type:         string(s.Type),
		State:        string(s.State),
		Participants: participantInfos(s.ParticipantViews(caller.Identity.ID)),
	})
	if added {
		c.relay.Publish(ToRoom{Room: domain.CallRoom(id), Except: caller.Conn}, protocol.ParticipantJoined{
			CallID:      string(id),
			UserID:      string(caller.Identity.ID),
			DisplayName: caller.Identity.DisplayName,
		})
	}
	if activated {
		c.logger.Infow("call active", "call_id", id, "joined_by", caller.Identity.ID)
	}
	return nil
}

// Reject declines a pending invitation. A call nobody is still ringing for
// and that never became active is discarded.
func (c *Coordinator) Reject(caller Caller, id domain.CallID) error {
	s, err := c.liveCall(id)
	if err != nil {
		return err
	}
	removed, discard := s.RemoveInvitee(caller.Identity.ID)
	if !removed {
		return domain.ErrNotInvited
	}

	c.relay.Publish(ToRoom{Room: domain.CallRoom(id)}, protocol.CallRejected{
		CallID: string(id),
		UserID: string(caller.Identity.ID),
	})
	if discard {
		c.finish(s, caller.Identity.ID, protocol.EndReasonRejected)
	}
	return nil
}

// Leave removes the caller's connection from the call room.
func (c *Coordinator) Leave(caller Caller, id domain.CallID) error {
	s, err := c.liveCall(id)
	if err != nil {
		return err
	}
	if c.connCall[caller.Conn] != id {
		return domain.ErrNotInCall
	}
	c.leaveRoom(caller.Conn, s)
	return nil
}

// End terminates the call for everyone.
func (c *Coordinator) End(caller Caller, id domain.CallID) error {
	s, err := c.liveCall(id)
	if err != nil {
		return err
	}
	if !s.IsParticipant(caller.Identity.ID) {
		return domain.ErrNotParticipant
	}
	c.finish(s, caller.Identity.ID, protocol.EndReasonHangup)
	return nil
}

// Signal forwards an offer, answer or ICE candidate to the target's
// connections inside the call room. A target with no such connection is a
// delivery miss, not an error.
func (c *Coordinator) Signal(caller Caller, sig Signal) (Delivery, error) {
	cur, inCall := c.connCall[caller.Conn]
	if !inCall || (sig.CallID != "" && sig.CallID != cur) {
		return Delivery{}, domain.ErrNotInCall
	}
	if sig.To == caller.Identity.ID {
		return Delivery{}, domain.ErrSelfSignal
	}

	var targets []domain.ConnectionID
	for conn, owner := range c.members[cur] {
		if owner == sig.To {
			targets = append(targets, conn)
		}
	}
	if len(targets) == 0 {
		c.logger.Debugw("signal target not in call", "call_id", cur, "from", caller.Identity.ID, "to", sig.To)
		return Delivery{}, nil
	}

	from := string(caller.Identity.ID)
	var ev protocol.Outbound
	switch sig.Kind {
	case SignalOffer:
		ev = protocol.OfferReceived{CallID: string(cur), From: from, Offer: sig.Payload}
	case SignalAnswer:
		ev = protocol.AnswerReceived{CallID: string(cur), From: from, Answer: sig.Payload}
	default:
		ev = protocol.ICECandidateReceived{CallID: string(cur), From: from, Candidate: sig.Payload}
	}
	return c.relay.Publish(ToConnections{IDs: targets}, ev), nil
}

// SetFlag commits a participant media flag and broadcasts it to the rest of
// the call room in the same step.
func (c *Coordinator) SetFlag(caller Caller, id domain.CallID, kind FlagKind, on bool) error {
	s, err := c.liveCall(id)
	if err != nil {
		return err
	}
	if c.connCall[caller.Conn] != id {
		return domain.ErrNotInCall
	}
	p, ok := s.Participants[caller.Identity.ID]
	if !ok {
		return domain.ErrNotParticipant
	}

	user := string(caller.Identity.ID)
	var ev protocol.Outbound
	switch kind {
	case FlagMuted:
		p.Flags.Muted = on
		ev = protocol.ParticipantMuted{CallID: string(id), UserID: user, IsMuted: on}
	case FlagVideoOff:
		p.Flags.VideoOff = on
		ev = protocol.ParticipantVideoOff{CallID: string(id), UserID: user, IsVideoOff: on}
	case FlagScreenShare:
		p.Flags.ScreenSharing = on
		if on {
			ev = protocol.ScreenShareStarted{CallID: string(id), UserID: user}
		} else {
			ev = protocol.ScreenShareStopped{CallID: string(id), UserID: user}
		}
	default:
		return fmt.Errorf("unknown flag kind %d", kind)
	}
	c.relay.Publish(ToRoom{Room: domain.CallRoom(id), Except: caller.Conn}, ev)
	return nil
}

// Disconnect is the implicit leave performed when a connection goes away.
func (c *Coordinator) Disconnect(conn domain.ConnectionID) {
	id, ok := c.connCall[conn]
	if !ok {
		return
	}
	if s, ok := c.calls[id]; ok && !s.IsEnded() {
		c.leaveRoom(conn, s)
	}
}

// IsCallParticipant reports whether identity is currently in call id.
func (c *Coordinator) IsCallParticipant(identity domain.IdentityID, id domain.CallID) bool {
	s, ok := c.calls[id]
	return ok && !s.IsEnded() && s.IsParticipant(identity)
}

// Snapshot returns a copy of the call, including ended calls still in retention.
func (c *Coordinator) Snapshot(id domain.CallID) (domain.CallSnapshot, bool) {
	s, ok := c.calls[id]
	if !ok {
		return domain.CallSnapshot{}, false
	}
	return s.Snapshot(), true
}

// CallOf returns the call a connection is in, if any.
func (c *Coordinator) CallOf(conn domain.ConnectionID) (domain.CallID, bool) {
	id, ok := c.connCall[conn]
	return id, ok
}

// ActiveCount counts calls that have not ended.
func (c *Coordinator) ActiveCount() int {
	return lo.CountBy(lo.Values(c.calls), func(s *domain.CallSession) bool { return !s.IsEnded() })
}

// Sweep drops ended sessions older than the retention window and returns how
// many were removed.
func (c *Coordinator) Sweep() int {
	cutoff := c.now().Add(-c.cfg.EndedRetention)
	removed := 0
	for id, s := range c.calls {
		if s.IsEnded() && s.EndedAt.Before(cutoff) {
			delete(c.calls, id)
			removed++
		}
	}
	return removed
}

func (c *Coordinator) liveCall(id domain.CallID) (*domain.CallSession, error) {
	s, ok := c.calls[id]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if s.IsEnded() {
		return nil, domain.ErrCallEnded
	}
	return s, nil
}

func (c *Coordinator) enterRoom(caller Caller, id domain.CallID) {
	conns, ok := c.members[id]
	if !ok {
		conns = make(map[domain.ConnectionID]domain.IdentityID)
		c.members[id] = conns
	}
	conns[caller.Conn] = caller.Identity.ID
	c.connCall[caller.Conn] = id
	c.registry.Join(caller.Conn, domain.CallRoom(id))
}

func (c *Coordinator) leaveRoom(conn domain.ConnectionID, s *domain.CallSession) {
	conns := c.members[s.ID]
	identity := conns[conn]
	delete(conns, conn)
	delete(c.connCall, conn)
	c.registry.Leave(conn, domain.CallRoom(s.ID))

	stillPresent := lo.Contains(lo.Values(conns), identity)
	if !stillPresent && s.RemoveParticipant(identity) {
		c.relay.Publish(ToRoom{Room: domain.CallRoom(s.ID)}, protocol.ParticipantLeft{
			CallID: string(s.ID),
			UserID: string(identity),
		})
	}

	if len(conns) == 0 {
		c.finish(s, identity, protocol.EndReasonEmpty)
	}
}

// finish ends the session, notifies the room and anyone still ringing, tears
// the room down and hands the summary to the record sink when it qualifies.
func (c *Coordinator) finish(s *domain.CallSession, by domain.IdentityID, reason string) {
	s.End(by, c.now())

	ev := protocol.CallEnded{
		CallID:     string(s.ID),
		EndedBy:    string(by),
		Reason:     reason,
		DurationMs: s.Duration().Milliseconds(),
	}
	c.relay.Publish(ToRoom{Room: domain.CallRoom(s.ID)}, ev)
	for invitee := range s.Invitees {
		c.relay.Publish(ToIdentity{ID: invitee}, ev)
	}
	s.Invitees = make(map[domain.IdentityID]struct{})

	for conn := range c.members[s.ID] {
		delete(c.connCall, conn)
	}
	delete(c.members, s.ID)
	c.registry.Teardown(domain.CallRoom(s.ID))

	record, ok := s.Record(c.cfg.MinRecordDuration)
	c.metrics.CallEnded(s.Type, s.Duration(), ok)
	c.logger.Infow("call ended",
		"call_id", s.ID,
		"ended_by", by,
		"reason", reason,
		"duration", s.Duration(),
		"recorded", ok,
	)
	if ok {
		c.onRecord(record)
	}
}

func identityInfo(id domain.Identity) protocol.IdentityInfo {
	return protocol.IdentityInfo{ID: string(id.ID), DisplayName: id.DisplayName, Role: string(id.Role)}
}

func participantInfos(views []domain.ParticipantView) []protocol.ParticipantInfo {
	return lo.Map(views, func(v domain.ParticipantView, _ int) protocol.ParticipantInfo {
		return protocol.ParticipantInfo{
			ID:              string(v.ID),
			DisplayName:     v.DisplayName,
			IsMuted:         v.Muted,
			IsVideoOff:      v.VideoOff,
			IsScreenSharing: v.ScreenSharing,
		}
	})
}

package domain

import (
	"sort"
	"time"
)

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is audio or video.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallState string

const (
	CallStateInvited CallState = "invited"
	CallStateActive  CallState = "active"
	CallStateEnded   CallState = "ended"
)

type ParticipantFlags struct {
	Muted         bool `json:"isMuted"`
	VideoOff      bool `json:"isVideoOff"`
	ScreenSharing bool `json:"isScreenSharing"`
}

type Participant struct {
	Identity Identity
	Flags    ParticipantFlags
	JoinedAt time.Time
}

// CallSession is the coordinator-owned record of one call.
// Only the coordinator mutates it; readers get Snapshot copies.
type CallSession struct {
	ID       CallID
	ChatID   ChatID
	Type     CallType
	State    CallState
	Inviter  Identity
	Invitees map[IdentityID]struct{}
	// Participants are identities currently in the call room.
	Participants map[IdentityID]*Participant
	// EverJoined tracks every identity that joined at least once.
	EverJoined map[IdentityID]struct{}
	CreatedAt  time.Time
	StartedAt  time.Time
	EndedAt    time.Time
	EndedBy    IdentityID
}

// NewCallSession creates a session in the invited state with no participants.
func NewCallSession(id CallID, chatID ChatID, callType CallType, inviter Identity, now time.Time) *CallSession {
	return &CallSession{
		ID:           id,
		ChatID:       chatID,
		Type:         callType,
		State:        CallStateInvited,
		Inviter:      inviter,
		Invitees:     make(map[IdentityID]struct{}),
		Participants: make(map[IdentityID]*Participant),
		EverJoined:   make(map[IdentityID]struct{}),
		CreatedAt:    now,
	}
}

// IsEnded reports whether the session reached the ended state.
func (s *CallSession) IsEnded() bool {
	return s.State == CallStateEnded
}

func (s *CallSession) IsInvited(id IdentityID) bool {
	_, ok := s.Invitees[id]
	return ok
}

func (s *CallSession) IsParticipant(id IdentityID) bool {
	_, ok := s.Participants[id]
	return ok
}

// MayJoin reports whether the identity is allowed into the call room.
func (s *CallSession) MayJoin(id IdentityID) bool {
	if s.IsEnded() {
		return false
	}
	if id == s.Inviter.ID {
		return true
	}
	if s.IsInvited(id) || s.IsParticipant(id) {
		return true
	}
	_, joinedBefore := s.EverJoined[id]
	return joinedBefore
}

// AddParticipant records a join. It reports whether the identity was new to
// the room and whether this join activated the call.
func (s *CallSession) AddParticipant(identity Identity, now time.Time) (added, activated bool) {
	delete(s.Invitees, identity.ID)
	s.EverJoined[identity.ID] = struct{}{}

	if _, ok := s.Participants[identity.ID]; !ok {
		s.Participants[identity.ID] = &Participant{Identity: identity, JoinedAt: now}
		added = true
	}

	if s.State == CallStateInvited && identity.ID != s.Inviter.ID {
		s.State = CallStateActive
		s.StartedAt = now
		activated = true
	}
	return added, activated
}

// RemoveParticipant drops id and reports whether it was present.
func (s *CallSession) RemoveParticipant(id IdentityID) bool {
	if _, ok := s.Participants[id]; !ok {
		return false
	}
	delete(s.Participants, id)
	return true
}

// RemoveInvitee drops a pending invitee. It reports whether the session should
// be discarded: nobody is pending anymore and no invitee ever joined.
func (s *CallSession) RemoveInvitee(id IdentityID) (removed, discard bool) {
	if _, ok := s.Invitees[id]; !ok {
		return false, false
	}
	delete(s.Invitees, id)
	return true, len(s.Invitees) == 0 && s.State == CallStateInvited
}

// End moves the session to ended.
func (s *CallSession) End(by IdentityID, now time.Time) {
	s.State = CallStateEnded
	s.EndedAt = now
	s.EndedBy = by
}

// Duration is measured from the first non-inviter join, not from the invite.
func (s *CallSession) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// RealParticipants lists everyone other than the inviter who ever joined.
func (s *CallSession) RealParticipants() []IdentityID {
	out := make([]IdentityID, 0, len(s.EverJoined))
	for id := range s.EverJoined {
		if id != s.Inviter.ID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Record builds the call summary handed to the record store. It reports
// false when the call falls below the recording threshold.
func (s *CallSession) Record(minDuration time.Duration) (CallRecord, bool) {
	joined := s.RealParticipants()
	if !s.IsEnded() || len(joined) == 0 || s.StartedAt.IsZero() || s.Duration() < minDuration {
		return CallRecord{}, false
	}
	all := make([]IdentityID, 0, len(joined)+1)
	all = append(all, s.Inviter.ID)
	all = append(all, joined...)
	return CallRecord{
		CallID:       s.ID,
		ChatID:       s.ChatID,
		Type:         s.Type,
		InitiatorID:  s.Inviter.ID,
		Participants: all,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Duration:     s.Duration(),
		EndedBy:      s.EndedBy,
	}, true
}

type ParticipantView struct {
	ID          IdentityID `json:"id"`
	DisplayName string     `json:"displayName"`
	ParticipantFlags
}

type CallSnapshot struct {
	ID           CallID            `json:"callId"`
	ChatID       ChatID            `json:"chatId"`
	Type         CallType          `json:"type"`
	State        CallState         `json:"state"`
	InviterID    IdentityID        `json:"inviterId"`
	Pending      []IdentityID      `json:"pending"`
	Participants []ParticipantView `json:"participants"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
}

// Snapshot returns a copy that is safe to use outside the hub loop.
func (s *CallSession) Snapshot() CallSnapshot {
	snap := CallSnapshot{
		ID:        s.ID,
		ChatID:    s.ChatID,
		Type:      s.Type,
		State:     s.State,
		InviterID: s.Inviter.ID,
		CreatedAt: s.CreatedAt,
	}
	for id := range s.Invitees {
		snap.Pending = append(snap.Pending, id)
	}
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i] < snap.Pending[j] })
	snap.Participants = s.ParticipantViews("")
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		snap.StartedAt = &t
	}
	if !s.EndedAt.IsZero() {
		t := s.EndedAt
		snap.EndedAt = &t
	}
	return snap
}

// ParticipantViews lists current participants ordered by join time, skipping except.
func (s *CallSession) ParticipantViews(except IdentityID) []ParticipantView {
	ps := make([]*Participant, 0, len(s.Participants))
	for id, p := range s.Participants {
		if id != except {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].Identity.ID < ps[j].Identity.ID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
	out := make([]ParticipantView, 0, len(ps))
	for _, p := range ps {
		out = append(out, ParticipantView{
			ID:               p.Identity.ID,
			DisplayName:      p.Identity.DisplayName,
			ParticipantFlags: p.Flags,
		})
	}
	return out
}

// CallRecord is the finalized summary written to the CRUD collaborator.
type CallRecord struct {
	CallID       CallID        `json:"callId"`
	ChatID       ChatID        `json:"chatId"`
	Type         CallType      `json:"type"`
	InitiatorID  IdentityID    `json:"initiatorId"`
	Participants []IdentityID  `json:"participants"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      time.Time     `json:"endedAt"`
	Duration     time.Duration `json:"duration"`
	EndedBy      IdentityID    `json:"endedBy"`
}

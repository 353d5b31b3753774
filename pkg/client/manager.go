package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/pkg/protocol"
	"chatrelay/pkg/validation"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	DefaultMaxICERestarts = 3
	DefaultJoinTimeout    = 15 * time.Second
)

var (
	ErrCallInProgress = errors.New("already in a call")
	ErrNoCall         = errors.New("not in a call")
	// ErrJoinRefused wraps the relay's message when it refuses a join or invite.
	ErrJoinRefused    = errors.New("call join refused")
	// ErrJoinTimeout is reported when the relay never confirms a join. Refusals
	// for authorization reasons are silent on the socket.
	ErrJoinTimeout    = errors.New("no answer to call join")
)

type CallManagerConfig struct {
	// Self is the local identity; it never gets a peer entry.
	Self           string
	MaxICERestarts int
	JoinTimeout    time.Duration
	OnInvitation   func(protocol.CallInvitation)
	OnCallEnded    func(protocol.CallEnded)
	// OnJoinFailed runs after the call was torn down because the relay refused
	// or never confirmed it.
	OnJoinFailed   func(callID string, err error)
}

// CallManager runs the local side of a mesh call: one peer connection per
// remote participant, negotiated over the relay's point-to-point signaling.
//
// Pion callbacks arrive on pion goroutines and take mu; peer connections are
// only closed after mu is released.
type CallManager struct {
	mu       sync.Mutex
	cfg      CallManagerConfig
	signaler Signaler
	source   MediaSource
	newPeer  PeerFactory
	logger   *zap.SugaredLogger

	callID  string
	media   *LocalMedia
	peers   *PeerTable
	sharing bool

	// awaiting is the request type still unconfirmed by the relay, empty once
	// the call is established.
	awaiting  string
	joinTimer *time.Timer
}

// NewCallManager creates a manager with no call in progress.
func NewCallManager(cfg CallManagerConfig, signaler Signaler, source MediaSource, newPeer PeerFactory, logger *zap.SugaredLogger) *CallManager {
	if cfg.MaxICERestarts <= 0 {
		cfg.MaxICERestarts = DefaultMaxICERestarts
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &CallManager{
		cfg:      cfg,
		signaler: signaler,
		source:   source,
		newPeer:  newPeer,
		logger:   logger,
		peers:    NewPeerTable(),
	}
}

// Start acquires local media and invites targets to a new call.
func (m *CallManager) Start(callID, chatID, callType string, targets []string) error {
	return m.begin(callID, callType == "video", protocol.CallInvite{
		CallID:  callID,
		ChatID:  chatID,
		Type:    callType,
		Targets: targets,
	})
}

// Join acquires local media and accepts an invitation. When media cannot be
// acquired nothing is sent and the call is left untouched for the others.
func (m *CallManager) Join(callID string, video bool) error {
	return m.begin(callID, video, protocol.CallJoin{CallID: callID})
}

func (m *CallManager) begin(callID string, video bool, ev protocol.Inbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callID != "" {
		return ErrCallInProgress
	}

	media, err := AcquireLocalMedia(m.source, m.cfg.Self, video, m.logger)
	if err != nil {
		return err
	}
	if err := m.signaler.Send(ev); err != nil {
		if rerr := media.Release(); rerr != nil {
			m.logger.Warnw("failed to release media", "error", rerr)
		}
		return err
	}

	m.callID = callID
	m.media = media
	m.awaiting = ev.InboundType()
	if m.awaiting == protocol.TypeCallJoin {
		m.joinTimer = time.AfterFunc(m.cfg.JoinTimeout, func() {
			m.failJoin(callID, ErrJoinTimeout)
		})
	}
	m.logger.Infow("call started", "call_id", callID, "audio_only", media.AudioOnly())
	return nil
}

// failJoin tears down callID if it is still unconfirmed and reports why.
func (m *CallManager) failJoin(callID string, cause error) error {
	m.mu.Lock()
	if m.callID != callID || m.awaiting == "" {
		m.mu.Unlock()
		return nil
	}
	d := m.detach()
	m.mu.Unlock()

	err := m.release(d)
	m.logger.Infow("call join failed", "call_id", callID, "error", cause)
	if m.cfg.OnJoinFailed != nil {
		m.cfg.OnJoinFailed(callID, cause)
	}
	return err
}

// Leave quits the call; media and peers are released even when the relay
// cannot be told.
func (m *CallManager) Leave() error {
	return m.quit(func(id string) protocol.Inbound { return protocol.CallLeave{CallID: id} })
}

// End ends the call for everyone.
func (m *CallManager) End() error {
	return m.quit(func(id string) protocol.Inbound { return protocol.CallEnd{CallID: id} })
}

func (m *CallManager) quit(event func(callID string) protocol.Inbound) error {
	m.mu.Lock()
	callID := m.callID
	m.mu.Unlock()
	if callID == "" {
		return ErrNoCall
	}

	sendErr := m.signaler.Send(event(callID))
	return errors.Join(sendErr, m.teardown())
}

type detached struct {
	callID string
	peers  []*Peer
	media  *LocalMedia
}

func (m *CallManager) teardown() error {
	m.mu.Lock()
	d := m.detach()
	m.mu.Unlock()
	return m.release(d)
}

// detach clears the call state. Must hold mu.
func (m *CallManager) detach() detached {
	d := detached{callID: m.callID, peers: m.peers.drain(), media: m.media}
	if m.joinTimer != nil {
		m.joinTimer.Stop()
		m.joinTimer = nil
	}
	m.callID, m.media, m.sharing, m.awaiting = "", nil, false, ""
	return d
}

// release closes what detach took out of the manager. Called without mu.
func (m *CallManager) release(d detached) error {
	var errs []error
	if err := closePeers(d.peers); err != nil {
		errs = append(errs, err)
	}
	if d.media != nil {
		if err := d.media.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.callID != "" {
		m.logger.Infow("call torn down", "call_id", d.callID, "peers", len(d.peers))
	}
	return errors.Join(errs...)
}

// Run feeds relay events into the manager until ctx is done or the stream
// closes, then tears the call down.
func (m *CallManager) Run(ctx context.Context, events <-chan protocol.Outbound) error {
	defer func() {
		if err := m.teardown(); err != nil {
			m.logger.Warnw("teardown failed", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrSignalingClosed
			}
			if err := m.HandleEvent(ev); err != nil {
				m.logger.Warnw("failed to handle relay event", "type", ev.OutboundType(), "error", err)
			}
		}
	}
}

// HandleEvent applies one relay event.
func (m *CallManager) HandleEvent(ev protocol.Outbound) error {
	switch e := ev.(type) {
	case protocol.CallInvitation:
		if m.cfg.OnInvitation != nil {
			m.cfg.OnInvitation(e)
		}
		return nil
	case protocol.CallEnded:
		m.mu.Lock()
		current := m.callID == e.CallID
		m.mu.Unlock()
		if !current {
			return nil
		}
		err := m.teardown()
		if m.cfg.OnCallEnded != nil {
			m.cfg.OnCallEnded(e)
		}
		return err
	case protocol.ErrorEvent:
		m.mu.Lock()
		callID, refused := m.callID, e.Ref != "" && e.Ref == m.awaiting
		m.mu.Unlock()
		if !refused {
			return nil
		}
		return m.failJoin(callID, fmt.Errorf("%w: %s", ErrJoinRefused, e.Message))
	}

	m.mu.Lock()
	stale, err := m.handle(ev)
	m.mu.Unlock()

	if cerr := closePeers(stale); cerr != nil {
		m.logger.Warnw("failed to close peer connection", "error", cerr)
	}
	return err
}

func (m *CallManager) handle(ev protocol.Outbound) ([]*Peer, error) {
	if m.callID == "" {
		return nil, nil
	}

	switch e := ev.(type) {
	case protocol.CallJoined:
		if e.CallID != m.callID {
			return nil, nil
		}
		m.established()
		// The newcomer offers to everyone already present.
		var errs []error
		for _, p := range e.Participants {
			if p.ID == m.cfg.Self {
				continue
			}
			peer, err := m.ensurePeer(p.ID, p.DisplayName)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			peer.Flags = Flags{Muted: p.IsMuted, VideoOff: p.IsVideoOff, ScreenSharing: p.IsScreenSharing}
			if err := m.offer(peer, false); err != nil {
				errs = append(errs, err)
			}
		}
		return nil, errors.Join(errs...)

	case protocol.ParticipantJoined:
		if e.CallID != m.callID || e.UserID == m.cfg.Self {
			return nil, nil
		}
		// An inviter hears nothing else once its call is accepted.
		m.established()
		_, err := m.ensurePeer(e.UserID, e.DisplayName)
		return nil, err

	case protocol.ParticipantLeft:
		if e.CallID != m.callID {
			return nil, nil
		}
		if p, ok := m.peers.remove(e.UserID); ok {
			return []*Peer{p}, nil
		}
		return nil, nil

	case protocol.OfferReceived:
		if !m.sameCall(e.CallID) {
			return nil, nil
		}
		return nil, m.answer(e.From, e.Offer)

	case protocol.AnswerReceived:
		if !m.sameCall(e.CallID) {
			return nil, nil
		}
		p, ok := m.peers.Get(e.From)
		if !ok {
			return nil, fmt.Errorf("answer from unknown participant %s", e.From)
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(e.Answer, &desc); err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
		if err := p.pc.SetRemoteDescription(desc); err != nil {
			return nil, err
		}
		p.pendingOffer = nil
		return nil, m.remoteDescriptionSet(p)

	case protocol.ICECandidateReceived:
		if !m.sameCall(e.CallID) {
			return nil, nil
		}
		p, ok := m.peers.Get(e.From)
		if !ok {
			return nil, nil
		}
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(e.Candidate, &candidate); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		if !p.remoteSet {
			p.candidates = append(p.candidates, candidate)
			return nil, nil
		}
		return nil, p.pc.AddICECandidate(candidate)

	case protocol.ParticipantMuted:
		m.updateFlags(e.CallID, e.UserID, func(f *Flags) { f.Muted = e.IsMuted })
	case protocol.ParticipantVideoOff:
		m.updateFlags(e.CallID, e.UserID, func(f *Flags) { f.VideoOff = e.IsVideoOff })
	case protocol.ScreenShareStarted:
		m.updateFlags(e.CallID, e.UserID, func(f *Flags) { f.ScreenSharing = true })
		if p, ok := m.peers.Get(e.UserID); ok && e.CallID == m.callID {
			return nil, m.requestKeyframe(p)
		}
	case protocol.ScreenShareStopped:
		m.updateFlags(e.CallID, e.UserID, func(f *Flags) { f.ScreenSharing = false })
	}
	return nil, nil
}

func (m *CallManager) established() {
	m.awaiting = ""
	if m.joinTimer != nil {
		m.joinTimer.Stop()
		m.joinTimer = nil
	}
}

// polite reports whether the local side yields when its offer to p collides
// with one from p. The lower identity of a pair keeps its offer and is the
// only one to restart ICE.
func (m *CallManager) polite(p *Peer) bool {
	return m.cfg.Self > p.Identity
}

// sameCall accepts signaling without a call id as belonging to the current call.
func (m *CallManager) sameCall(callID string) bool {
	return callID == "" || callID == m.callID
}

func (m *CallManager) updateFlags(callID, identity string, apply func(*Flags)) {
	if callID != m.callID {
		return
	}
	if p, ok := m.peers.Get(identity); ok {
		apply(&p.Flags)
	}
}

func (m *CallManager) ensurePeer(identity, displayName string) (*Peer, error) {
	if p, ok := m.peers.Get(identity); ok {
		if displayName != "" {
			p.DisplayName = displayName
		}
		return p, nil
	}

	pc, err := m.newPeer()
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", identity, err)
	}
	p := &Peer{
		Identity:    identity,
		DisplayName: displayName,
		State:       PeerConnecting,
		pc:          pc,
		senders:     make(map[string]TrackSender),
	}

	if err := m.addLocalTracks(p); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			m.sendCandidate(identity, pc, c.ToJSON())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		m.iceStateChanged(identity, pc, s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.attachRemote(identity, pc, RemoteTrack{
			ID:    track.ID(),
			Kind:  track.Kind(),
			SSRC:  uint32(track.SSRC()),
			Track: track,
		})
	})

	m.peers.add(p)
	return p, nil
}

func (m *CallManager) addLocalTracks(p *Peer) error {
	if audio := m.media.Audio(); audio != nil {
		sender, err := p.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		p.senders[TrackAudio] = sender
	}

	var video webrtc.TrackLocal
	if m.sharing {
		if screen, err := m.media.StartScreen(); err == nil {
			video = screen
		}
	} else if camera := m.media.Video(); camera != nil {
		video = camera
	}
	if video != nil {
		sender, err := p.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		p.senders[TrackVideo] = sender
	}
	return nil
}

// current returns the live entry for identity if it still uses pc.
func (m *CallManager) current(identity string, pc PeerConnection) (*Peer, bool) {
	p, ok := m.peers.Get(identity)
	if !ok || p.pc != pc {
		return nil, false
	}
	return p, true
}

func (m *CallManager) offer(p *Peer, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", p.Identity, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", p.Identity, err)
	}
	p.pendingOffer = &offer
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return m.signaler.Send(protocol.CallOffer{To: p.Identity, CallID: m.callID, Offer: raw})
}

func (m *CallManager) answer(from string, rawOffer json.RawMessage) error {
	if err := validation.ValidateSessionDescription(rawOffer); err != nil {
		return fmt.Errorf("offer from %s: %w", from, err)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(rawOffer, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	p, err := m.ensurePeer(from, "")
	if err != nil {
		return err
	}
	reoffer := false
	if p.pendingOffer != nil {
		if !m.polite(p) {
			m.logger.Debugw("ignoring colliding offer", "call_id", m.callID, "identity_id", from)
			return nil
		}
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: p.pendingOffer.SDP}
		if err := p.pc.SetLocalDescription(rollback); err != nil {
			return fmt.Errorf("roll back local offer for %s: %w", from, err)
		}
		p.pendingOffer = nil
		reoffer = true
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer from %s: %w", from, err)
	}
	if err := m.remoteDescriptionSet(p); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", from, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", from, err)
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	if err := m.signaler.Send(protocol.CallAnswer{To: from, CallID: m.callID, Answer: raw}); err != nil {
		return err
	}
	if reoffer {
		// The rolled-back offer still carries local changes the peer lacks.
		return m.offer(p, false)
	}
	return nil
}

// remoteDescriptionSet flushes candidates that arrived before the description.
func (m *CallManager) remoteDescriptionSet(p *Peer) error {
	p.remoteSet = true
	pending := p.candidates
	p.candidates = nil

	var errs []error
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *CallManager) sendCandidate(identity string, pc PeerConnection, candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	_, ok := m.current(identity, pc)
	callID := m.callID
	m.mu.Unlock()
	if !ok {
		return
	}

	raw, err := json.Marshal(candidate)
	if err != nil {
		return
	}
	if err := m.signaler.Send(protocol.CallICE{To: identity, CallID: callID, Candidate: raw}); err != nil {
		m.logger.Debugw("failed to send ice candidate", "to", identity, "error", err)
	}
}

// iceStateChanged restarts ICE on failure up to the configured limit, then
// marks the participant lost. Other peers are unaffected. Only the impolite
// side of a pair sends the restart offer; the other side counts the failure
// and waits for it.
func (m *CallManager) iceStateChanged(identity string, pc PeerConnection, state webrtc.ICEConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.current(identity, pc)
	if !ok {
		return
	}

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.State = PeerConnected
		p.restarts = 0
	case webrtc.ICEConnectionStateFailed:
		if p.restarts >= m.cfg.MaxICERestarts {
			p.State = PeerConnectionLost
			m.logger.Warnw("connection lost with participant", "call_id", m.callID, "identity_id", identity)
			return
		}
		p.restarts++
		p.State = PeerConnecting
		if m.polite(p) {
			m.logger.Infow("waiting for ice restart", "call_id", m.callID, "identity_id", identity, "attempt", p.restarts)
			return
		}
		m.logger.Infow("restarting ice", "call_id", m.callID, "identity_id", identity, "attempt", p.restarts)
		if err := m.offer(p, true); err != nil {
			m.logger.Warnw("ice restart failed", "identity_id", identity, "error", err)
		}
	}
}

func (m *CallManager) attachRemote(identity string, pc PeerConnection, track RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.current(identity, pc)
	if !ok {
		return
	}
	p.Tracks = append(p.Tracks, track)
	if track.Kind == webrtc.RTPCodecTypeVideo && p.Flags.ScreenSharing {
		if err := m.requestKeyframe(p); err != nil {
			m.logger.Debugw("keyframe request failed", "identity_id", identity, "error", err)
		}
	}
}

// requestKeyframe sends a PLI for every incoming video track of p.
func (m *CallManager) requestKeyframe(p *Peer) error {
	var pkts []rtcp.Packet
	for _, t := range p.Tracks {
		if t.Kind == webrtc.RTPCodecTypeVideo {
			pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: t.SSRC})
		}
	}
	if len(pkts) == 0 {
		return nil
	}
	return p.pc.WriteRTCP(pkts)
}

// SetMuted gates the outgoing audio and tells the other participants.
func (m *CallManager) SetMuted(muted bool) error {
	m.mu.Lock()
	if m.callID == "" {
		m.mu.Unlock()
		return ErrNoCall
	}
	if audio := m.media.Audio(); audio != nil {
		audio.SetEnabled(!muted)
	}
	callID := m.callID
	m.mu.Unlock()

	return m.signaler.Send(protocol.CallMuted{CallID: callID, IsMuted: muted})
}

// SetVideoOff gates the outgoing camera and tells the other participants.
func (m *CallManager) SetVideoOff(off bool) error {
	m.mu.Lock()
	if m.callID == "" {
		m.mu.Unlock()
		return ErrNoCall
	}
	if video := m.media.Video(); video != nil {
		video.SetEnabled(!off)
	}
	callID := m.callID
	m.mu.Unlock()

	return m.signaler.Send(protocol.CallVideoOff{CallID: callID, IsVideoOff: off})
}

// StartScreenShare substitutes the outgoing video with a screen capture on
// every peer and renegotiates.
func (m *CallManager) StartScreenShare() error {
	m.mu.Lock()
	if m.callID == "" {
		m.mu.Unlock()
		return ErrNoCall
	}
	if m.sharing {
		m.mu.Unlock()
		return nil
	}
	screen, err := m.media.StartScreen()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.sharing = true
	err = m.substituteVideo(screen)
	callID := m.callID
	m.mu.Unlock()

	return errors.Join(err, m.signaler.Send(protocol.CallScreenStart{CallID: callID}))
}

// StopScreenShare restores the camera track, if any, and renegotiates.
func (m *CallManager) StopScreenShare() error {
	m.mu.Lock()
	if m.callID == "" {
		m.mu.Unlock()
		return ErrNoCall
	}
	if !m.sharing {
		m.mu.Unlock()
		return nil
	}
	m.sharing = false
	var camera webrtc.TrackLocal
	if video := m.media.Video(); video != nil {
		camera = video
	}
	err := m.substituteVideo(camera)
	if serr := m.media.StopScreen(); serr != nil {
		err = errors.Join(err, serr)
	}
	callID := m.callID
	m.mu.Unlock()

	return errors.Join(err, m.signaler.Send(protocol.CallScreenStop{CallID: callID}))
}

// substituteVideo swaps the video sender's track on every peer, adding a
// sender where the call was audio-only, and sends a fresh offer.
func (m *CallManager) substituteVideo(track webrtc.TrackLocal) error {
	var errs []error
	for _, id := range m.peers.IDs() {
		p, _ := m.peers.Get(id)
		if sender, ok := p.senders[TrackVideo]; ok {
			if err := sender.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("replace video for %s: %w", id, err))
				continue
			}
		} else if track != nil {
			sender, err := p.pc.AddTrack(track)
			if err != nil {
				errs = append(errs, fmt.Errorf("add video for %s: %w", id, err))
				continue
			}
			p.senders[TrackVideo] = sender
		}
		if err := m.offer(p, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type PeerView struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	State       PeerState `json:"state"`
	Flags       Flags     `json:"flags"`
	Tracks      int       `json:"tracks"`
}

type CallView struct {
	CallID        string     `json:"callId"`
	AudioOnly     bool       `json:"audioOnly"`
	ScreenSharing bool       `json:"screenSharing"`
	Peers         []PeerView `json:"peers"`
}

// Snapshot reports the current call for display; ok is false outside a call.
func (m *CallManager) Snapshot() (CallView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callID == "" {
		return CallView{}, false
	}

	view := CallView{
		CallID:        m.callID,
		AudioOnly:     m.media.AudioOnly(),
		ScreenSharing: m.sharing,
	}
	for _, id := range m.peers.IDs() {
		p, _ := m.peers.Get(id)
		view.Peers = append(view.Peers, PeerView{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			State:       p.State,
			Flags:       p.Flags,
			Tracks:      len(p.Tracks),
		})
	}
	return view, true
}

package client

import (
	"errors"
	"sort"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// TrackSender is the sending half of an outgoing track on one peer.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection is the subset of a pion peer connection the call manager drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// PeerFactory creates a fresh peer connection for one remote participant.
type PeerFactory func() (PeerConnection, error)

// NewPionPeerFactory returns a factory backed by pion/webrtc.
func NewPionPeerFactory(cfg webrtc.Configuration) PeerFactory {
	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{PeerConnection: pc}, nil
	}
}

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Interceptors only see RTCP that is read.
	go func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

type PeerState string

const (
	PeerConnecting     PeerState = "connecting"
	PeerConnected      PeerState = "connected"
	PeerConnectionLost PeerState = "connection-lost"
)

// RemoteTrack is an incoming track attributed to a participant.
type RemoteTrack struct {
	ID    string
	Kind  webrtc.RTPCodecType
	SSRC  uint32
	Track *webrtc.TrackRemote
}

type Flags struct {
	Muted         bool `json:"isMuted"`
	VideoOff      bool `json:"isVideoOff"`
	ScreenSharing bool `json:"isScreenSharing"`
}

// Peer is the table entry for one remote participant.
type Peer struct {
	Identity    string
	DisplayName string
	State       PeerState
	Flags       Flags
	Tracks      []RemoteTrack

	pc         PeerConnection
	senders    map[string]TrackSender
	restarts   int
	remoteSet  bool
	candidates []webrtc.ICECandidateInit

	// pendingOffer is the local offer still waiting for an answer.
	pendingOffer *webrtc.SessionDescription
}

// PeerTable maps remote identities to their peer connection. Not safe for
// concurrent use; the call manager guards it.
type PeerTable struct {
	peers map[string]*Peer
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*Peer)}
}

// Get returns the peer for identity.
func (t *PeerTable) Get(identity string) (*Peer, bool) {
	p, ok := t.peers[identity]
	return p, ok
}

func (t *PeerTable) add(p *Peer) {
	t.peers[p.Identity] = p
}

// remove detaches the entry; the caller closes the connection.
func (t *PeerTable) remove(identity string) (*Peer, bool) {
	p, ok := t.peers[identity]
	if ok {
		delete(t.peers, identity)
	}
	return p, ok
}

// drain detaches every entry.
func (t *PeerTable) drain() []*Peer {
	out := make([]*Peer, 0, len(t.peers))
	for id, p := range t.peers {
		out = append(out, p)
		delete(t.peers, id)
	}
	return out
}

func (t *PeerTable) Len() int {
	return len(t.peers)
}

// IDs returns the remote identities, sorted.
func (t *PeerTable) IDs() []string {
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func closePeers(peers []*Peer) error {
	var errs []error
	for _, p := range peers {
		if err := p.pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package client

import (
	"errors"
	"io"
	"sync"

	"chatrelay/pkg/protocol"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

type fakeCapture struct {
	codec    webrtc.RTPCodecCapability
	packets  chan *rtp.Packet
	closed   chan struct{}
	once     sync.Once
	closeErr error
}

func newFakeCapture(codec webrtc.RTPCodecCapability) *fakeCapture {
	return &fakeCapture{
		codec:   codec,
		packets: make(chan *rtp.Packet),
		closed:  make(chan struct{}),
	}
}

func (c *fakeCapture) Codec() webrtc.RTPCodecCapability { return c.codec }

func (c *fakeCapture) ReadRTP() (*rtp.Packet, error) {
	select {
	case p := <-c.packets:
		return p, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeCapture) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.closeErr
}

func (c *fakeCapture) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeSource struct {
	mu        sync.Mutex
	audioErr  error
	videoErr  error
	screenErr error
	opened    map[string][]*fakeCapture
}

func newFakeSource() *fakeSource {
	return &fakeSource{opened: make(map[string][]*fakeCapture)}
}

func (s *fakeSource) open(kind string, codec webrtc.RTPCodecCapability, err error) (Capture, error) {
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := newFakeCapture(codec)
	s.opened[kind] = append(s.opened[kind], c)
	return c, nil
}

func (s *fakeSource) OpenAudio() (Capture, error)  { return s.open(TrackAudio, opusCodec, s.audioErr) }
func (s *fakeSource) OpenVideo() (Capture, error)  { return s.open(TrackVideo, vp8Codec, s.videoErr) }
func (s *fakeSource) OpenScreen() (Capture, error) { return s.open(TrackScreen, vp8Codec, s.screenErr) }

func (s *fakeSource) captures(kind string) []*fakeCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeCapture(nil), s.opened[kind]...)
}

func (s *fakeSource) allClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.opened {
		for _, c := range cs {
			if !c.isClosed() {
				return false
			}
		}
	}
	return true
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []protocol.Inbound
	err  error
}

func (s *fakeSignaler) Send(ev protocol.Inbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSignaler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func sentOf[T protocol.Inbound](s *fakeSignaler) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for _, ev := range s.sent {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced = append(s.replaced, track)
	return nil
}

func (s *fakeSender) current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakePeer struct {
	mu         sync.Mutex
	senders    []*fakeSender
	offers     []bool
	answers    int
	local      []webrtc.SDPType
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	rtcp       []rtcp.Packet
	closed     bool
	closeErr   error

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.ICEConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, opts != nil && opts.ICERestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, desc.Type)
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate))                 { p.onICE = f }
func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))    { p.onTrack = f }
func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) { p.onState = f }

func (p *fakePeer) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

func (p *fakePeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offers)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakePeer
	// closeErrs is applied to peers in creation order.
	closeErrs []error
}

func (f *fakeFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	if len(f.closeErrs) > len(f.created) {
		p.closeErr = f.closeErrs[len(f.created)]
	}
	f.created = append(f.created, p)
	return p, nil
}

var errCloseFailed = errors.New("close failed")

package client

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrMediaUnavailable is returned when no usable microphone could be opened.
var ErrMediaUnavailable = errors.New("camera/microphone unavailable")

const (
	TrackAudio  = "audio"
	TrackVideo  = "video"
	TrackScreen = "screen"
)

// Capture is an open device that yields RTP packets until closed. ReadRTP
// returns io.EOF once the device is released.
type Capture interface {
	Codec() webrtc.RTPCodecCapability
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// MediaSource opens capture devices.
type MediaSource interface {
	OpenAudio() (Capture, error)
	OpenVideo() (Capture, error)
	OpenScreen() (Capture, error)
}

// GatedTrack is an outgoing track whose packets can be suppressed without
// renegotiating the session. Mute and video-off close the gate.
type GatedTrack struct {
	*webrtc.TrackLocalStaticRTP
	open    atomic.Bool
	dropped atomic.Uint64
}

func newGatedTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*GatedTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	g := &GatedTrack{TrackLocalStaticRTP: track}
	g.open.Store(true)
	return g, nil
}

func (g *GatedTrack) WriteRTP(p *rtp.Packet) error {
	if !g.open.Load() {
		g.dropped.Add(1)
		return nil
	}
	return g.TrackLocalStaticRTP.WriteRTP(p)
}

func (g *GatedTrack) SetEnabled(on bool) { g.open.Store(on) }
func (g *GatedTrack) Enabled() bool      { return g.open.Load() }

// Dropped counts packets suppressed while the gate was closed.
func (g *GatedTrack) Dropped() uint64 { return g.dropped.Load() }

type feed struct {
	capture Capture
	track   *GatedTrack
	done    chan struct{}
}

// LocalMedia holds the local outgoing tracks and the devices feeding them.
type LocalMedia struct {
	mu       sync.Mutex
	source   MediaSource
	streamID string
	audio    *feed
	video    *feed
	screen   *feed
	released bool
	logger   *zap.SugaredLogger
}

// AcquireLocalMedia opens the microphone and, when wantVideo is set, the
// camera. A missing camera degrades to audio-only; a missing microphone
// fails with ErrMediaUnavailable and leaves nothing open.
func AcquireLocalMedia(source MediaSource, streamID string, wantVideo bool, logger *zap.SugaredLogger) (*LocalMedia, error) {
	m := &LocalMedia{source: source, streamID: streamID, logger: logger}

	audio, err := m.open(source.OpenAudio, TrackAudio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	m.audio = audio

	if wantVideo {
		video, err := m.open(source.OpenVideo, TrackVideo)
		if err != nil {
			logger.Warnw("camera unavailable, continuing audio-only", "error", err)
		} else {
			m.video = video
		}
	}
	return m, nil
}

func (m *LocalMedia) open(openFn func() (Capture, error), id string) (*feed, error) {
	capture, err := openFn()
	if err != nil {
		return nil, err
	}
	track, err := newGatedTrack(capture.Codec(), id, m.streamID)
	if err != nil {
		capture.Close()
		return nil, err
	}
	f := &feed{capture: capture, track: track, done: make(chan struct{})}
	go m.pump(f)
	return f, nil
}

func (m *LocalMedia) pump(f *feed) {
	defer close(f.done)
	for {
		pkt, err := f.capture.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debugw("capture stopped", "track", f.track.ID(), "error", err)
			}
			return
		}
		if err := f.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.logger.Debugw("failed to write local packet", "track", f.track.ID(), "error", err)
		}
	}
}

// Audio returns the microphone track.
func (m *LocalMedia) Audio() *GatedTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio == nil {
		return nil
	}
	return m.audio.track
}

// Video returns the camera track, or nil when running audio-only.
func (m *LocalMedia) Video() *GatedTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		return nil
	}
	return m.video.track
}

// AudioOnly reports whether no camera is open.
func (m *LocalMedia) AudioOnly() bool {
	return m.Video() == nil
}

// StartScreen opens a screen capture track.
func (m *LocalMedia) StartScreen() (*GatedTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil, ErrMediaUnavailable
	}
	if m.screen != nil {
		return m.screen.track, nil
	}
	f, err := m.open(m.source.OpenScreen, TrackScreen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	m.screen = f
	return f.track, nil
}

// StopScreen closes the screen capture if one is open.
func (m *LocalMedia) StopScreen() error {
	m.mu.Lock()
	f := m.screen
	m.screen = nil
	m.mu.Unlock()
	return stop(f)
}

// Release closes every device. Safe to call more than once.
func (m *LocalMedia) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	feeds := []*feed{m.audio, m.video, m.screen}
	m.audio, m.video, m.screen = nil, nil, nil
	m.mu.Unlock()

	var errs []error
	for _, f := range feeds {
		if err := stop(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stop(f *feed) error {
	if f == nil {
		return nil
	}
	err := f.capture.Close()
	<-f.done
	if err != nil {
		return fmt.Errorf("close %s capture: %w", f.track.ID(), err)
	}
	return nil
}

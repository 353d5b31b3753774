// Package client is the participant side of the relay: a signaling
// connection plus a mesh call manager that owns one peer connection per
// remote participant.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"chatrelay/pkg/protocol"
	"chatrelay/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrSignalingClosed = errors.New("signaling connection closed")

const (
	signalingWriteTimeout = 10 * time.Second
	signalingBuffer       = 64
)

// Signaler sends client events to the relay.
type Signaler interface {
	Send(ev protocol.Inbound) error
}

// Signaling is a WebSocket connection to the relay. Decoded events are
// delivered in order on Events until the connection closes.
type Signaling struct {
	conn    *websocket.Conn
	events  chan protocol.Outbound
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error

	logger *zap.SugaredLogger
}

// Dial connects to the relay endpoint, presenting token as a query parameter.
func Dial(ctx context.Context, endpoint, token string, logger *zap.SugaredLogger) (*Signaling, error) {
	if err := validation.ValidateURL(endpoint); err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	s := &Signaling{
		conn:   conn,
		events: make(chan protocol.Outbound, signalingBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.readLoop()
	return s, nil
}

// Events returns the stream of relay events. It is closed when the
// connection ends; Err then reports why.
func (s *Signaling) Events() <-chan protocol.Outbound {
	return s.events
}

// Send encodes and writes one frame to the relay.
func (s *Signaling) Send(ev protocol.Inbound) error {
	frame, err := protocol.EncodeInbound(ev)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSignalingClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(signalingWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.fail(err)
		return fmt.Errorf("send %s: %w", ev.InboundType(), err)
	}
	return nil
}

// Close sends a normal closure and releases the connection.
func (s *Signaling) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	s.fail(ErrSignalingClosed)
	return nil
}

// Err returns why the connection closed, or nil while it is open.
func (s *Signaling) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Signaling) fail(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
		s.conn.Close()
	})
}

func (s *Signaling) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fail(ErrSignalingClosed)
			} else {
				s.fail(err)
			}
			return
		}

		ev, err := protocol.DecodeOutbound(data)
		if err != nil {
			s.logger.Warnw("dropping undecodable relay frame", "error", err)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

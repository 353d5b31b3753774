package signal

import (
	"sync"
	"time"

	"chatrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// connection is the hub-facing endpoint of one WebSocket. Frames are queued
// on a bounded channel and written by a single writer goroutine.
type connection struct {
	id       domain.ConnectionID
	identity domain.Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func newConnection(id domain.ConnectionID, identity domain.Identity, ws *websocket.Conn, cfg Config, logger *zap.SugaredLogger) *connection {
	return &connection{
		id:           id,
		identity:     identity,
		ws:           ws,
		send:         make(chan []byte, cfg.SendQueueSize),
		done:         make(chan struct{}),
		closeCode:    websocket.CloseNormalClosure,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.With("conn_id", id, "identity_id", identity.ID),
	}
}

func (c *connection) ID() domain.ConnectionID   { return c.id }
func (c *connection) Identity() domain.Identity { return c.identity }

// TrySend never blocks; a full queue or a closing connection drops the frame.
func (c *connection) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the writer to send a close frame and stop. Only the first call
// decides the code.
func (c *connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debugw("write failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("error sending ping", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

// flush writes whatever is already queued so that a close frame follows the
// last event rather than overtaking it.
func (c *connection) flush() {
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"
	apperrors "chatrelay/pkg/errors"
	"chatrelay/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const authFailedMessage = "authentication failed"

var ErrHandshakeTimeout = errors.New("no authenticate frame before handshake timeout")

// Hub is the event loop the server hands authenticated connections to.
type Hub interface {
	Register(ctx context.Context, ep ports.Endpoint) error
	Dispatch(ctx context.Context, conn domain.ConnectionID, ev protocol.Inbound) error
	Disconnect(conn domain.ConnectionID)
}

type Config struct {
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
	AllowedOrigins    []string
}

// DefaultConfig returns the limits used when the config file leaves them unset.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendQueueSize:     256,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 30,
		Burst:             60,
		AllowedOrigins:    []string{"*"},
	}
}

type WebSocketServer struct {
	hub      Hub
	verifier ports.TokenVerifier
	metrics  ports.Metrics
	cfg      Config
	upgrader websocket.Upgrader

	connections map[domain.ConnectionID]*connection
	closing     bool
	mu          sync.RWMutex
	handlers    sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewWebSocketServer creates a server that hands authenticated connections to hub.
func NewWebSocketServer(hub Hub, verifier ports.TokenVerifier, metrics ports.Metrics, cfg Config, logger *zap.SugaredLogger) *WebSocketServer {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	s := &WebSocketServer{
		hub:         hub,
		verifier:    verifier,
		metrics:     metrics,
		cfg:         cfg,
		connections: make(map[domain.ConnectionID]*connection),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// checkOrigin accepts requests without an Origin header (non-browser clients)
// and origins listed in allowed. "*" allows everything.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket upgrades the request, authenticates the peer and pumps its
// frames into the hub until either side closes.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.handlers.Done()

	if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= s.cfg.MaxConnections {
		s.logger.Warnw("connection limit reached", "limit", s.cfg.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	identity, err := s.authenticate(ws, r.URL.Query().Get("token"))
	if err != nil {
		s.metrics.AuthFailed()
		s.logger.Infow("authentication failed", "remote_addr", r.RemoteAddr, "error", err)
		s.refuse(ws)
		return
	}

	conn := newConnection(domain.ConnectionID(uuid.NewString()), identity, ws, s.cfg, s.logger)
	if !s.track(conn) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		ws.Close()
		return
	}
	defer s.untrack(conn.id)

	writerDone := make(chan struct{})
	go func() {
		conn.writePump()
		close(writerDone)
	}()

	ctx := context.Background()
	if err := s.hub.Register(ctx, conn); err != nil {
		s.logger.Warnw("hub refused connection", "conn_id", conn.id, "error", err)
		conn.Close(websocket.CloseTryAgainLater, "server unavailable")
		<-writerDone
		return
	}
	s.logger.Infow("connection authenticated", "conn_id", conn.id, "identity_id", identity.ID)

	s.readPump(ctx, conn)

	s.hub.Disconnect(conn.id)
	conn.Close(websocket.CloseNormalClosure, "")
	<-writerDone
	s.logger.Infow("connection closed", "conn_id", conn.id, "identity_id", identity.ID)
}

// authenticate resolves the connection identity from the token query
// parameter or, failing that, from an authenticate frame sent within the
// handshake timeout.
func (s *WebSocketServer) authenticate(ws *websocket.Conn, token string) (domain.Identity, error) {
	if token == "" {
		ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return domain.Identity{}, ErrHandshakeTimeout
			}
			return domain.Identity{}, err
		}
		ev, err := protocol.DecodeInbound(data)
		if err != nil {
			return domain.Identity{}, err
		}
		auth, ok := ev.(protocol.Authenticate)
		if !ok {
			return domain.Identity{}, domain.ErrNotAuthenticated
		}
		token = auth.Token
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	return s.verifier.Verify(ctx, token)
}

// refuse reports a failed handshake and closes with a policy violation. The
// message never says why.
func (s *WebSocketServer) refuse(ws *websocket.Conn) {
	defer ws.Close()
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if frame, err := protocol.Encode(protocol.AuthError{Message: authFailedMessage}); err == nil {
		ws.SetWriteDeadline(deadline)
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, authFailedMessage)
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (s *WebSocketServer) readPump(ctx context.Context, conn *connection) {
	ws := conn.ws
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				conn.logger.Infow("error reading message", "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			s.metrics.EventRejected("", string(apperrors.ErrCodeRateLimit))
			s.sendError(conn, apperrors.NewRateLimitError(), "")
			continue
		}

		ev, err := protocol.DecodeInbound(data)
		if err != nil {
			appErr := decodeError(err)
			s.metrics.EventRejected("", string(appErr.Code))
			conn.logger.Debugw("rejected inbound frame", "error", err)
			s.sendError(conn, appErr, "")
			continue
		}

		if err := s.hub.Dispatch(ctx, conn.id, ev); err != nil {
			conn.logger.Warnw("hub unavailable, closing connection", "error", err)
			return
		}
	}
}

func decodeError(err error) *apperrors.AppError {
	if errors.Is(err, protocol.ErrUnknownType) {
		return apperrors.NewUnknownEventError(strings.TrimPrefix(err.Error(), protocol.ErrUnknownType.Error()+": "))
	}
	return apperrors.NewInvalidInputError(err.Error())
}

func (s *WebSocketServer) sendError(conn *connection, appErr *apperrors.AppError, ref string) {
	frame, err := protocol.Encode(protocol.ErrorEvent{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Ref:     ref,
	})
	if err != nil {
		return
	}
	conn.TrySend(frame)
}

// enter registers a running handler unless the server is shutting down.
func (s *WebSocketServer) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}

func (s *WebSocketServer) track(conn *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.connections[conn.id] = conn
	return true
}

func (s *WebSocketServer) untrack(id domain.ConnectionID) {
	s.mu.Lock()
	delete(s.connections, id)
	s.mu.Unlock()
}

// ConnectionCount reports the connections currently tracked by this server.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsConnected(id domain.ConnectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[id]
	return ok
}

// Shutdown sends a going-away close to every open connection and refuses new
// ones. It returns once every handler has posted its disconnect to the hub,
// or when ctx expires.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, conn := range s.connections {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
	open := len(s.connections)
	s.mu.Unlock()
	s.logger.Infow("closing websocket connections", "count", open)

	finished := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

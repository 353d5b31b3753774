package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"
	apperrors "chatrelay/pkg/errors"
	"chatrelay/pkg/protocol"
	"chatrelay/pkg/retry"
	"chatrelay/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrHubStopped = errors.New("hub stopped")

type HubConfig struct {
	QueueSize          int
	SweepInterval      time.Duration
	MetricsInterval    time.Duration
	LookupTimeout      time.Duration
	RecordWriteTimeout time.Duration
	RecordRetry        retry.Config
	Calls              CoordinatorConfig
}

type Stats struct {
	Connections      int `json:"connections"`
	OnlineIdentities int `json:"onlineIdentities"`
	Rooms            int `json:"rooms"`
	ActiveCalls      int `json:"activeCalls"`
}

type PresenceInfo struct {
	IdentityID  domain.IdentityID `json:"identityId"`
	Online      bool              `json:"online"`
	Connections int               `json:"connections"`
}

type client struct {
	ep          ports.Endpoint
	identity    domain.Identity
	connectedAt time.Time
}

func (c *client) caller() Caller {
	return Caller{Conn: c.ep.ID(), Identity: c.identity}
}

type joinKey struct {
	conn domain.ConnectionID
	room domain.RoomID
}

// Hub serialises every registry, presence and call mutation on a single
// goroutine. Collaborator round trips run on separate goroutines and post
// their outcome back as another command.
type Hub struct {
	cfg HubConfig

	cmds chan func()
	done chan struct{}
	stop sync.Once

	registry    *Registry
	presence    *Presence
	relay       *Relay
	coordinator *Coordinator
	clients     map[domain.ConnectionID]*client

	// pending maps each conversation join awaiting its directory lookup to
	// the token the lookup must still hold when it reports back.
	pending map[joinKey]uint64
	joinSeq uint64

	directory ports.MembershipDirectory
	records   ports.CallRecordStore
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time

	jobsMu     sync.Mutex
	jobs       sync.WaitGroup
	draining   bool
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
}

// NewHub wires the registry, presence, relay and coordinator behind one
// event loop. Run must be started before any other method is used.
func NewHub(
	cfg HubConfig,
	directory ports.MembershipDirectory,
	records ports.CallRecordStore,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Hub {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 15 * time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}
	if cfg.RecordWriteTimeout <= 0 {
		cfg.RecordWriteTimeout = 30 * time.Second
	}

	jobsCtx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	relay := NewRelay(registry, metrics, logger)
	h := &Hub{
		cfg:        cfg,
		cmds:       make(chan func(), cfg.QueueSize),
		done:       make(chan struct{}),
		registry:   registry,
		presence:   NewPresence(),
		relay:      relay,
		clients:    make(map[domain.ConnectionID]*client),
		pending:    make(map[joinKey]uint64),
		directory:  directory,
		records:    records,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		jobsCtx:    jobsCtx,
		cancelJobs: cancel,
	}
	h.coordinator = NewCoordinator(cfg.Calls, registry, relay, metrics, logger, h.saveRecord)
	return h
}

// Run executes commands until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()
	gauges := time.NewTicker(h.cfg.MetricsInterval)
	defer gauges.Stop()
	defer h.stop.Do(func() { close(h.done) })

	h.logger.Infow("hub started", "queue_size", h.cfg.QueueSize)
	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("hub stopped", "connections", len(h.clients))
			return
		case fn := <-h.cmds:
			fn()
		case <-sweep.C:
			if n := h.coordinator.Sweep(); n > 0 {
				h.logger.Debugw("swept ended calls", "count", n)
			}
		case <-gauges.C:
			h.metrics.SetRooms(h.registry.RoomCountByKind())
			h.metrics.SetOnlineIdentities(h.presence.OnlineCount())
		}
	}
}

// Shutdown processes every command queued so far, so that disconnects posted
// by closing connections end their calls, then waits for background
// collaborator writes. Whatever is still running when ctx expires is
// cancelled. No new background work starts once Shutdown has passed the
// queue.
func (h *Hub) Shutdown(ctx context.Context) error {
	defer h.cancelJobs()
	if err := h.call(ctx, func() {}); err != nil && !errors.Is(err, ErrHubStopped) {
		return err
	}

	h.jobsMu.Lock()
	h.draining = true
	h.jobsMu.Unlock()

	finished := make(chan struct{})
	go func() {
		h.jobs.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) do(ctx context.Context, fn func()) error {
	select {
	case h.cmds <- fn:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := h.do(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs a collaborator job off the loop. It reports false when the hub
// is draining and the job was not started.
func (h *Hub) spawn(from context.Context, job func(ctx context.Context)) bool {
	h.jobsMu.Lock()
	defer h.jobsMu.Unlock()
	if h.draining {
		return false
	}
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		job(tracing.Detach(h.jobsCtx, from))
	}()
	return true
}

// Register admits an authenticated connection. It joins the personal and
// global rooms, acknowledges the connection and announces presence.
func (h *Hub) Register(ctx context.Context, ep ports.Endpoint) error {
	return h.call(ctx, func() {
		id := ep.ID()
		if _, dup := h.clients[id]; dup {
			return
		}
		identity := ep.Identity()
		h.clients[id] = &client{ep: ep, identity: identity, connectedAt: h.now()}
		h.relay.Attach(ep)
		h.registry.Join(id, domain.PersonalRoom(identity.ID))
		h.registry.Join(id, domain.GlobalRoom)
		online := h.presence.Connect(identity.ID, id)
		h.metrics.ConnectionOpened()

		h.relay.Send(id, protocol.Connected{ConnectionID: string(id), Identity: identityInfo(identity)})
		if online {
			h.relay.Publish(ToGlobal{Except: id}, protocol.UserOnline{UserID: string(identity.ID)})
		}
		h.logger.Infow("connection registered", "conn_id", id, "identity_id", identity.ID, "first", online)
	})
}

// Disconnect is the single teardown path for a connection: implicit call
// leave, room cleanup and presence update. It is safe to call twice.
func (h *Hub) Disconnect(conn domain.ConnectionID) {
	_ = h.do(context.Background(), func() {
		cl, ok := h.clients[conn]
		if !ok {
			return
		}
		delete(h.clients, conn)
		for key := range h.pending {
			if key.conn == conn {
				delete(h.pending, key)
			}
		}

		h.coordinator.Disconnect(conn)
		rooms := h.registry.LeaveAll(conn)
		h.relay.Detach(conn)
		offline := h.presence.Disconnect(cl.identity.ID, conn)
		if offline {
			h.relay.Publish(ToGlobal{}, protocol.UserOffline{UserID: string(cl.identity.ID)})
		}
		h.metrics.ConnectionClosed(h.now().Sub(cl.connectedAt))
		h.logger.Infow("connection removed",
			"conn_id", conn,
			"identity_id", cl.identity.ID,
			"rooms", len(rooms),
			"last", offline,
		)
	})
}

// Dispatch queues one decoded client event for the connection.
func (h *Hub) Dispatch(ctx context.Context, conn domain.ConnectionID, ev protocol.Inbound) error {
	return h.do(ctx, func() {
		cl, ok := h.clients[conn]
		if !ok {
			return
		}
		h.handle(ctx, cl, ev)
	})
}

func (h *Hub) alive(cl *client) bool {
	return h.clients[cl.ep.ID()] == cl
}

func (h *Hub) handle(parent context.Context, cl *client, ev protocol.Inbound) {
	ctx, span := tracing.TraceSocketEvent(parent, ev.InboundType(), string(cl.ep.ID()), string(cl.identity.ID))
	defer span.End()
	h.metrics.EventReceived(ev.InboundType())

	caller := cl.caller()
	var err error
	switch e := ev.(type) {
	case protocol.Authenticate:
		err = apperrors.NewInvalidStateError(errors.New("connection already authenticated"))
	case protocol.JoinRoom:
		err = h.joinRoom(ctx, cl, domain.RoomID(e.RoomID))
	case protocol.LeaveRoom:
		err = h.leaveRoom(cl, domain.RoomID(e.RoomID))
	case protocol.Typing:
		h.typing(cl, domain.RoomID(e.RoomID), true)
	case protocol.StopTyping:
		h.typing(cl, domain.RoomID(e.RoomID), false)
	case protocol.CallInvite:
		h.invite(ctx, cl, e)
	case protocol.CallJoin:
		err = cannotJoin(h.coordinator.Join(caller, domain.CallID(e.CallID)))
	case protocol.CallReject:
		err = h.coordinator.Reject(caller, domain.CallID(e.CallID))
	case protocol.CallLeave:
		err = h.coordinator.Leave(caller, domain.CallID(e.CallID))
	case protocol.CallEnd:
		err = h.coordinator.End(caller, domain.CallID(e.CallID))
	case protocol.CallOffer:
		_, err = h.coordinator.Signal(caller, Signal{Kind: SignalOffer, To: domain.IdentityID(e.To), CallID: domain.CallID(e.CallID), Payload: e.Offer})
	case protocol.CallAnswer:
		_, err = h.coordinator.Signal(caller, Signal{Kind: SignalAnswer, To: domain.IdentityID(e.To), CallID: domain.CallID(e.CallID), Payload: e.Answer})
	case protocol.CallICE:
		_, err = h.coordinator.Signal(caller, Signal{Kind: SignalICE, To: domain.IdentityID(e.To), CallID: domain.CallID(e.CallID), Payload: e.Candidate})
	case protocol.CallMuted:
		err = h.coordinator.SetFlag(caller, domain.CallID(e.CallID), FlagMuted, e.IsMuted)
	case protocol.CallVideoOff:
		err = h.coordinator.SetFlag(caller, domain.CallID(e.CallID), FlagVideoOff, e.IsVideoOff)
	case protocol.CallScreenStart:
		err = h.coordinator.SetFlag(caller, domain.CallID(e.CallID), FlagScreenShare, true)
	case protocol.CallScreenStop:
		err = h.coordinator.SetFlag(caller, domain.CallID(e.CallID), FlagScreenShare, false)
	default:
		err = apperrors.NewUnknownEventError(ev.InboundType())
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		h.reject(cl, ev.InboundType(), err)
	}
}

func (h *Hub) joinRoom(ctx context.Context, cl *client, room domain.RoomID) error {
	check, err := h.registry.CheckClientJoin(cl.identity, room)
	if err != nil {
		h.metrics.JoinRefused(room.Kind())
		return err
	}
	if check.Chat == "" {
		h.commitJoin(cl, room)
		return nil
	}

	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(room)))
	key := joinKey{conn: cl.ep.ID(), room: room}
	h.joinSeq++
	token := h.joinSeq
	h.pending[key] = token

	identity := cl.identity.ID
	started := h.spawn(ctx, func(jobCtx context.Context) {
		member, lookupErr := h.isMember(jobCtx, identity, check.Chat)
		_ = h.do(jobCtx, func() {
			// A later leave, eviction or join for the same room replaced
			// this attempt.
			if h.pending[key] != token {
				return
			}
			delete(h.pending, key)
			if !h.alive(cl) {
				return
			}
			switch {
			case lookupErr != nil:
				h.logger.Warnw("membership lookup failed, refusing join",
					"conn_id", cl.ep.ID(), "room_id", room, "error", lookupErr)
				h.metrics.JoinRefused(room.Kind())
			case !member:
				h.metrics.JoinRefused(room.Kind())
				h.reject(cl, protocol.TypeJoinRoom, fmt.Errorf("%w: %s", domain.ErrNotMember, room))
			default:
				h.commitJoin(cl, room)
			}
		})
	})
	if !started {
		delete(h.pending, key)
		return apperrors.NewServiceUnavailableError("relay is shutting down")
	}
	return nil
}

// commitJoin acknowledges only after the registry holds the membership, so
// anything published to the room after the ack reaches this connection.
func (h *Hub) commitJoin(cl *client, room domain.RoomID) {
	h.registry.Join(cl.ep.ID(), room)
	h.relay.Send(cl.ep.ID(), protocol.RoomJoined{RoomID: string(room)})
}

func (h *Hub) leaveRoom(cl *client, room domain.RoomID) error {
	switch room.Kind() {
	case domain.RoomKindCall:
		return h.coordinator.Leave(cl.caller(), room.CallID())
	case domain.RoomKindConversation:
		delete(h.pending, joinKey{conn: cl.ep.ID(), room: room})
		if h.registry.Leave(cl.ep.ID(), room) {
			h.relay.Send(cl.ep.ID(), protocol.RoomLeft{RoomID: string(room)})
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", domain.ErrRoomNotJoinable, room)
	}
}

func (h *Hub) typing(cl *client, room domain.RoomID, active bool) {
	if room.Kind() != domain.RoomKindConversation || !h.registry.Contains(room, cl.ep.ID()) {
		h.logger.Debugw("typing outside a joined conversation dropped", "conn_id", cl.ep.ID(), "room_id", room)
		return
	}
	target := ToRoom{Room: room, Except: cl.ep.ID()}
	if active {
		h.relay.Publish(target, protocol.UserTyping{
			RoomID:      string(room),
			UserID:      string(cl.identity.ID),
			DisplayName: cl.identity.DisplayName,
		})
		return
	}
	h.relay.Publish(target, protocol.UserStopTyping{RoomID: string(room), UserID: string(cl.identity.ID)})
}

func (h *Hub) invite(ctx context.Context, cl *client, e protocol.CallInvite) {
	req := InviteRequest{
		CallID: domain.CallID(e.CallID),
		ChatID: domain.ChatID(e.ChatID),
		Type:   domain.CallType(e.Type),
	}
	for _, t := range e.Targets {
		req.Targets = append(req.Targets, domain.IdentityID(t))
	}
	tracing.AddSpanAttributes(ctx, tracing.CallIDKey.String(e.CallID))

	identity := cl.identity.ID
	started := h.spawn(ctx, func(jobCtx context.Context) {
		member, lookupErr := h.isMember(jobCtx, identity, req.ChatID)
		_ = h.do(jobCtx, func() {
			if !h.alive(cl) {
				return
			}
			if lookupErr != nil {
				h.logger.Warnw("membership lookup failed, refusing invite",
					"conn_id", cl.ep.ID(), "call_id", req.CallID, "error", lookupErr)
				h.reject(cl, protocol.TypeCallInvite, apperrors.NewServiceUnavailableError("membership directory unavailable"))
				return
			}
			if !member {
				h.reject(cl, protocol.TypeCallInvite, fmt.Errorf("%w: chat %s", domain.ErrNotMember, req.ChatID))
				return
			}
			if _, err := h.coordinator.Invite(cl.caller(), req); err != nil {
				h.reject(cl, protocol.TypeCallInvite, err)
			}
		})
	})
	if !started {
		h.reject(cl, protocol.TypeCallInvite, apperrors.NewServiceUnavailableError("relay is shutting down"))
	}
}

func (h *Hub) isMember(ctx context.Context, identity domain.IdentityID, chat domain.ChatID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.LookupTimeout)
	defer cancel()

	start := time.Now()
	ok, err := h.directory.IsConversationMember(ctx, identity, chat)
	h.metrics.DirectoryLookup(err, time.Since(start))
	return ok, err
}

// saveRecord runs on the loop when a call qualifies for a record; the write
// itself is retried off the loop.
func (h *Hub) saveRecord(record domain.CallRecord) {
	if h.records == nil {
		return
	}
	started := h.spawn(context.Background(), func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, h.cfg.RecordWriteTimeout)
		defer cancel()
		ctx, span := tracing.TraceCallOperation(ctx, "save_record", string(record.CallID))
		defer span.End()

		err := retry.Do(ctx, h.cfg.RecordRetry, func(ctx context.Context) error {
			return h.records.SaveCallRecord(ctx, record)
		})
		h.metrics.CallRecordWrite(err)
		if err != nil {
			tracing.RecordError(ctx, err)
			h.logger.Errorw("failed to save call record", "call_id", record.CallID, "error", err)
			return
		}
		h.logger.Debugw("call record saved", "call_id", record.CallID, "duration", record.Duration)
	})
	if !started {
		h.logger.Errorw("hub draining, call record dropped", "call_id", record.CallID)
	}
}

// reject turns a handler error into the client-visible outcome. Authorization
// failures are never reported on the socket.
func (h *Hub) reject(cl *client, eventType string, err error) {
	appErr := classify(err)
	if appErr == nil {
		h.metrics.EventRejected(eventType, string(apperrors.ErrCodeForbidden))
		h.logger.Warnw("request refused",
			"conn_id", cl.ep.ID(),
			"identity_id", cl.identity.ID,
			"event", eventType,
			"reason", err.Error(),
		)
		return
	}

	h.metrics.EventRejected(eventType, string(appErr.Code))
	if appErr.Code == apperrors.ErrCodeInternal {
		h.logger.Errorw("event handling failed", "conn_id", cl.ep.ID(), "event", eventType, "error", err)
	}
	h.relay.Send(cl.ep.ID(), protocol.ErrorEvent{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Ref:     eventType,
	})
}

// cannotJoin gives every refused call join the same client-facing message,
// whether the call ended or never existed.
func cannotJoin(err error) error {
	if errors.Is(err, domain.ErrCallNotFound) || errors.Is(err, domain.ErrCallEnded) {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidState, "cannot join: call ended or not found", http.StatusConflict)
	}
	return err
}

// classify maps an error to the AppError sent to the client, or nil when it
// must stay silent.
func classify(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case domain.IsAuthorizationError(err):
		return nil
	case domain.IsInvalidStateError(err):
		return apperrors.NewInvalidStateError(err)
	case errors.Is(err, domain.ErrInvalidCallType),
		errors.Is(err, domain.ErrNoTargets),
		errors.Is(err, domain.ErrSelfSignal):
		return apperrors.NewInvalidInputError(err.Error())
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// Publish delivers a server-originated event, typically from the CRUD service.
func (h *Hub) Publish(ctx context.Context, target Target, ev protocol.Outbound) (Delivery, error) {
	var d Delivery
	err := h.call(ctx, func() {
		d = h.relay.Publish(target, ev)
	})
	tracing.AddSpanAttributes(ctx,
		tracing.EventTypeKey.String(ev.OutboundType()),
		attribute.Int("relay.delivered", d.Delivered),
	)
	return d, err
}

// SyncConversation removes connections whose identity is no longer a member
// from the conversation room and tells them so.
func (h *Hub) SyncConversation(ctx context.Context, chat domain.ChatID, members []domain.IdentityID) (int, error) {
	allowed := make(map[domain.IdentityID]struct{}, len(members))
	for _, id := range members {
		allowed[id] = struct{}{}
	}
	return h.evict(ctx, chat, func(id domain.IdentityID) bool {
		_, keep := allowed[id]
		return !keep
	})
}

// EvictMember removes every connection of identity from the conversation room.
func (h *Hub) EvictMember(ctx context.Context, chat domain.ChatID, identity domain.IdentityID) (int, error) {
	return h.evict(ctx, chat, func(id domain.IdentityID) bool {
		return id == identity
	})
}

func (h *Hub) evict(ctx context.Context, chat domain.ChatID, drop func(domain.IdentityID) bool) (int, error) {
	evicted := 0
	err := h.call(ctx, func() {
		room := domain.ConversationRoom(chat)
		for key := range h.pending {
			if key.room != room {
				continue
			}
			if cl, ok := h.clients[key.conn]; !ok || drop(cl.identity.ID) {
				delete(h.pending, key)
			}
		}
		for _, conn := range h.registry.MembersOf(room) {
			cl, ok := h.clients[conn]
			if !ok || !drop(cl.identity.ID) {
				continue
			}
			h.registry.Leave(conn, room)
			h.relay.Send(conn, protocol.RoomLeft{RoomID: string(room)})
			evicted++
		}
	})
	return evicted, err
}

// CallSnapshot returns the call as seen from the hub loop.
func (h *Hub) CallSnapshot(ctx context.Context, id domain.CallID) (domain.CallSnapshot, bool, error) {
	var (
		snap domain.CallSnapshot
		ok   bool
	)
	err := h.call(ctx, func() {
		snap, ok = h.coordinator.Snapshot(id)
	})
	return snap, ok, err
}

// IsCallParticipant reports whether identity is in call id.
func (h *Hub) IsCallParticipant(ctx context.Context, identity domain.IdentityID, id domain.CallID) (bool, error) {
	var ok bool
	err := h.call(ctx, func() {
		ok = h.coordinator.IsCallParticipant(identity, id)
	})
	return ok, err
}

// Presence reports whether identity is online and on how many connections.
func (h *Hub) Presence(ctx context.Context, identity domain.IdentityID) (PresenceInfo, error) {
	info := PresenceInfo{IdentityID: identity}
	err := h.call(ctx, func() {
		info.Connections = len(h.presence.ConnectionsOf(identity))
		info.Online = info.Connections > 0
	})
	return info, err
}

// Stats returns connection, room and call counts.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.call(ctx, func() {
		s = Stats{
			Connections:      h.relay.ConnectionCount(),
			OnlineIdentities: h.presence.OnlineCount(),
			Rooms:            h.registry.RoomCount(),
			ActiveCalls:      h.coordinator.ActiveCount(),
		}
	})
	return s, err
}

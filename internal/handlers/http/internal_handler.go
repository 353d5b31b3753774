package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"
	"chatrelay/internal/core/services"
	"chatrelay/internal/infrastructure/distributed"
	apperrors "chatrelay/pkg/errors"
	"chatrelay/pkg/protocol"
	"chatrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Publish modes accepted by POST /events.
const (
	ModeRoom     = "room"
	ModeIdentity = distributed.ModeIdentity
	ModeGlobal   = distributed.ModeGlobal
)

// RelayHub is the part of the hub the internal API drives.
type RelayHub interface {
	Publish(ctx context.Context, target services.Target, ev protocol.Outbound) (services.Delivery, error)
	SyncConversation(ctx context.Context, chat domain.ChatID, members []domain.IdentityID) (int, error)
	EvictMember(ctx context.Context, chat domain.ChatID, identity domain.IdentityID) (int, error)
	CallSnapshot(ctx context.Context, id domain.CallID) (domain.CallSnapshot, bool, error)
	Presence(ctx context.Context, identity domain.IdentityID) (services.PresenceInfo, error)
	Stats(ctx context.Context) (services.Stats, error)
}

// Mirror forwards identity and global publishes to other relay instances.
type Mirror interface {
	Mirror(ctx context.Context, mode, target, eventType string, payload json.RawMessage) error
}

type InternalHandler struct {
	hub     RelayHub
	members ports.MembershipWriter
	records ports.CallRecordStore
	mirror  Mirror
	logger  *zap.SugaredLogger
}

// NewInternalHandler wires the internal API. mirror may be nil when the relay
// runs as a single instance.
func NewInternalHandler(
	hub RelayHub,
	members ports.MembershipWriter,
	records ports.CallRecordStore,
	mirror Mirror,
	logger *zap.SugaredLogger,
) *InternalHandler {
	return &InternalHandler{
		hub:     hub,
		members: members,
		records: records,
		mirror:  mirror,
		logger:  logger,
	}
}

// SetupRoutes registers the handlers on an already authenticated group.
func (h *InternalHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/events", h.PublishEvent)
	api.PUT("/conversations/:id/members", h.SetMembers)
	api.POST("/conversations/:id/members/:userId", h.AddMember)
	api.DELETE("/conversations/:id/members/:userId", h.RemoveMember)
	api.GET("/conversations/:id/calls", h.ListCalls)
	api.GET("/calls/:id", h.GetCall)
	api.GET("/presence/:id", h.GetPresence)
	api.GET("/stats", h.GetStats)
}

type PublishRequest struct {
	Mode    string          `json:"mode" binding:"required,oneof=room identity global"`
	Target  string          `json:"target"`
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type PublishResponse struct {
	Recipients int  `json:"recipients"`
	Delivered  int  `json:"delivered"`
	Dropped    int  `json:"dropped"`
	Mirrored   bool `json:"mirrored"`
}

func (h *InternalHandler) PublishEvent(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	if !protocol.PublishableTypes[req.Type] {
		c.Error(apperrors.NewInvalidInputError("event type is not publishable").WithContext("type", req.Type))
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		c.Error(apperrors.NewInvalidInputError("payload must be valid JSON"))
		return
	}

	target, err := publishTarget(req.Mode, req.Target)
	if err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	ctx := c.Request.Context()
	delivery, err := h.hub.Publish(ctx, target, protocol.Opaque{Type: req.Type, Payload: req.Payload})
	if err != nil {
		c.Error(hubError(err))
		return
	}

	resp := PublishResponse{
		Recipients: delivery.Recipients,
		Delivered:  delivery.Delivered,
		Dropped:    delivery.Dropped,
	}
	if h.mirror != nil && req.Mode != ModeRoom {
		if err := h.mirror.Mirror(ctx, req.Mode, req.Target, req.Type, req.Payload); err != nil {
			h.logger.Warnw("failed to mirror publish", "mode", req.Mode, "type", req.Type, "error", err)
		} else {
			resp.Mirrored = true
		}
	}

	c.JSON(http.StatusAccepted, resp)
}

func publishTarget(mode, target string) (services.Target, error) {
	switch mode {
	case ModeRoom:
		if err := validation.ValidateRoomID(target); err != nil {
			return nil, err
		}
		return services.ToRoom{Room: domain.RoomID(target)}, nil
	case ModeIdentity:
		if err := validation.ValidateID(target, "target"); err != nil {
			return nil, err
		}
		return services.ToIdentity{ID: domain.IdentityID(target)}, nil
	case ModeGlobal:
		return services.ToGlobal{}, nil
	}
	return nil, errors.New("mode must be room, identity or global")
}

// ApplyMirrored delivers a publish mirrored by another instance to the local
// connections. It never mirrors again.
func (h *InternalHandler) ApplyMirrored(ctx context.Context, ev *distributed.Event) error {
	if ev.Type != distributed.EventRelayPublish {
		return nil
	}
	if ev.Mode == ModeRoom || !protocol.PublishableTypes[ev.EventType] {
		return fmt.Errorf("refusing mirrored %s publish of %q", ev.Mode, ev.EventType)
	}
	target, err := publishTarget(ev.Mode, ev.Target)
	if err != nil {
		return err
	}
	delivery, err := h.hub.Publish(ctx, target, protocol.Opaque{Type: ev.EventType, Payload: ev.Payload})
	if err != nil {
		return err
	}
	h.logger.Debugw("applied mirrored publish",
		"origin", ev.InstanceID,
		"mode", ev.Mode,
		"type", ev.EventType,
		"delivered", delivery.Delivered,
	)
	return nil
}

type SetMembersRequest struct {
	Members []string `json:"members"`
}

// SetMembers replaces a chat's members and evicts connections that lost access.
func (h *InternalHandler) SetMembers(c *gin.Context) {
	chat, ok := chatParam(c)
	if !ok {
		return
	}

	var req SetMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	members := make([]domain.IdentityID, 0, len(req.Members))
	for _, m := range req.Members {
		if err := validation.ValidateID(m, "member"); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
		members = append(members, domain.IdentityID(m))
	}

	ctx := c.Request.Context()
	if err := h.members.SetConversationMembers(ctx, chat, members); err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "membership store unavailable", http.StatusServiceUnavailable))
		return
	}
	evicted, err := h.hub.SyncConversation(ctx, chat, members)
	if err != nil {
		c.Error(hubError(err))
		return
	}

	h.logger.Infow("conversation members synced", "chat_id", chat, "members", len(members), "evicted", evicted)
	c.JSON(http.StatusOK, gin.H{"members": len(members), "evicted": evicted})
}

func (h *InternalHandler) AddMember(c *gin.Context) {
	chat, ok := chatParam(c)
	if !ok {
		return
	}
	identity, ok := identityParam(c, "userId")
	if !ok {
		return
	}

	if err := h.members.AddConversationMember(c.Request.Context(), chat, identity); err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "membership store unavailable", http.StatusServiceUnavailable))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *InternalHandler) RemoveMember(c *gin.Context) {
	chat, ok := chatParam(c)
	if !ok {
		return
	}
	identity, ok := identityParam(c, "userId")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.members.RemoveConversationMember(ctx, chat, identity); err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "membership store unavailable", http.StatusServiceUnavailable))
		return
	}
	evicted, err := h.hub.EvictMember(ctx, chat, identity)
	if err != nil {
		c.Error(hubError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": evicted})
}

// ListCalls returns stored call records for a chat.
func (h *InternalHandler) ListCalls(c *gin.Context) {
	chat, ok := chatParam(c)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			c.Error(apperrors.NewInvalidInputError("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	records, err := h.records.ListCallRecords(c.Request.Context(), chat, limit)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "call record store unavailable", http.StatusServiceUnavailable))
		return
	}
	if records == nil {
		records = []domain.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

// GetCall returns a live or recently ended call.
func (h *InternalHandler) GetCall(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateID(id, "call id"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	snap, found, err := h.hub.CallSnapshot(c.Request.Context(), domain.CallID(id))
	if err != nil {
		c.Error(hubError(err))
		return
	}
	if !found {
		c.Error(apperrors.NewNotFoundError("call"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": snap})
}

func (h *InternalHandler) GetPresence(c *gin.Context) {
	identity, ok := identityParam(c, "id")
	if !ok {
		return
	}

	info, err := h.hub.Presence(c.Request.Context(), identity)
	if err != nil {
		c.Error(hubError(err))
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetStats returns hub counters.
func (h *InternalHandler) GetStats(c *gin.Context) {
	stats, err := h.hub.Stats(c.Request.Context())
	if err != nil {
		c.Error(hubError(err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func chatParam(c *gin.Context) (domain.ChatID, bool) {
	id := c.Param("id")
	if err := validation.ValidateID(id, "conversation id"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.ChatID(id), true
}

func identityParam(c *gin.Context, name string) (domain.IdentityID, bool) {
	id := c.Param(name)
	if err := validation.ValidateID(id, "user id"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.IdentityID(id), true
}

func hubError(err error) *apperrors.AppError {
	if errors.Is(err, services.ErrHubStopped) {
		return apperrors.NewServiceUnavailableError("relay is shutting down")
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "relay unavailable", http.StatusInternalServerError)
}

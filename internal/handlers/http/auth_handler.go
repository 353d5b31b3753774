package http

import (
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/services"
	apperrors "chatrelay/pkg/errors"
	"chatrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

const defaultTokenTTL = time.Hour

// AuthHandler mints relay tokens on behalf of the chat backend, which owns
// the user accounts.
type AuthHandler struct {
	authService services.AuthService
	maxTTL      time.Duration
}

func NewAuthHandler(authService services.AuthService, maxTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		maxTTL:      maxTTL,
	}
}

func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/tokens", h.IssueToken)
}

type IssueTokenRequest struct {
	UserID      string `json:"userId" binding:"required"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	TTLSeconds  int    `json:"ttlSeconds" binding:"min=0"`
}

// IssueToken mints a relay token for the identity in the request body.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if err := validation.ValidateID(req.UserID, "userId"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.DisplayName != "" {
		if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}

	role := domain.Role(req.Role)
	switch role {
	case "":
		role = domain.RoleUser
	case domain.RoleUser, domain.RoleAdmin:
	default:
		c.Error(apperrors.NewInvalidInputError("role must be user or admin"))
		return
	}

	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if h.maxTTL > 0 && ttl > h.maxTTL {
		ttl = h.maxTTL
	}

	token, err := h.authService.GenerateToken(domain.Identity{
		ID:          domain.IdentityID(req.UserID),
		DisplayName: req.DisplayName,
		Role:        role,
	}, ttl)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"expires_in": int(ttl / time.Second),
	})
}

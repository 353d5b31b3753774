package middleware

import (
	"strings"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"
	apperrors "chatrelay/pkg/errors"
	"chatrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// ServiceAuthMiddleware admits requests carrying a bearer token whose
// identity has one of the given roles. The identity is stored on the gin
// context for handlers.
func ServiceAuthMiddleware(verifier ports.TokenVerifier, roles ...domain.Role) gin.HandlerFunc {
	allowed := make(map[domain.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWith(c, apperrors.NewUnauthorizedError("bearer token required"))
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			abortWith(c, apperrors.NewAuthenticationError(err))
			return
		}
		if !allowed[identity.Role] {
			abortWith(c, apperrors.NewForbiddenError("insufficient role"))
			return
		}

		tracing.AddSpanAttributes(c.Request.Context(), tracing.IdentityIDKey.String(string(identity.ID)))
		c.Set(identityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by ServiceAuthMiddleware.
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	identity, ok := v.(domain.Identity)
	return identity, ok
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	_ = c.Error(appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(appErr))
}

func errorBody(appErr *apperrors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

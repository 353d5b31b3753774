package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func authRouter(t *testing.T, auth services.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.Use(ServiceAuthMiddleware(auth, domain.RoleService))
	router.GET("/whoami", func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"id": identity.ID})
	})
	return router
}

func TestServiceAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("test-secret", "chatrelay")
	router := authRouter(t, auth)

	serviceToken, err := auth.GenerateToken(domain.Identity{ID: "crud", Role: domain.RoleService}, time.Minute)
	require.NoError(t, err)
	userToken, err := auth.GenerateToken(domain.Identity{ID: "alice", Role: domain.RoleUser}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing header", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong scheme", "Basic " + serviceToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"garbage token", "Bearer nope", http.StatusUnauthorized, "AUTHENTICATION_FAILED"},
		{"user role", "Bearer " + userToken, http.StatusForbidden, "FORBIDDEN"},
		{"service role", "Bearer " + serviceToken, http.StatusOK, ""},
		{"lowercase scheme", "bearer " + serviceToken, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.code != "" {
				assert.Equal(t, tt.code, body["error"])
			} else {
				assert.Equal(t, "crud", body["id"])
			}
		})
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/state", func(c *gin.Context) {
		_ = c.Error(domain.ErrCallEnded)
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, w.Body.String(), domain.ErrCallEnded.Error())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

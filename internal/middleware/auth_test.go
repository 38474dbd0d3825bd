package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore-backend/pkg/jwt"
)

type stubRevocation struct {
	revoked bool
	err     error
}

func (s stubRevocation) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	return s.revoked, s.err
}

func newAuthRouter(manager *jwt.JWTManager, checker RevocationChecker, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(manager, checker)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c).String())
	})
	r.GET("/me", handlers...)
	return r
}

func doGet(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareSetsUser(t *testing.T) {
	manager := jwt.NewJWTManager("secret", time.Minute)
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "alice", jwt.RoleUser)
	require.NoError(t, err)

	rec := doGet(newAuthRouter(manager, nil), token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID.String(), rec.Body.String())
}

func TestAuthMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	manager := jwt.NewJWTManager("secret", time.Minute)
	r := newAuthRouter(manager, nil)

	assert.Equal(t, http.StatusUnauthorized, doGet(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doGet(r, "garbage").Code)
}

func TestAuthMiddlewareRevocation(t *testing.T) {
	manager := jwt.NewJWTManager("secret", time.Minute)
	token, err := manager.GenerateAccessToken(uuid.New(), "alice", jwt.RoleUser)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, doGet(newAuthRouter(manager, stubRevocation{revoked: true}), token).Code)
	// Redis failures fail open
	assert.Equal(t, http.StatusOK, doGet(newAuthRouter(manager, stubRevocation{err: errors.New("down")}), token).Code)
}

func TestAuthMiddlewareAcceptsQueryTokenOnUpgrade(t *testing.T) {
	manager := jwt.NewJWTManager("secret", time.Minute)
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "alice", jwt.RoleUser)
	require.NoError(t, err)
	r := newAuthRouter(manager, nil)

	req := httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID.String(), rec.Body.String())

	// plain requests must use the header
	req = httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	manager := jwt.NewJWTManager("secret", time.Minute)
	userToken, err := manager.GenerateAccessToken(uuid.New(), "alice", jwt.RoleUser)
	require.NoError(t, err)
	serviceToken, err := manager.GenerateAccessToken(uuid.New(), "chat-service", jwt.RoleService)
	require.NoError(t, err)

	r := newAuthRouter(manager, nil, RequireRole(jwt.RoleService))
	assert.Equal(t, http.StatusForbidden, doGet(r, userToken).Code)
	assert.Equal(t, http.StatusOK, doGet(r, serviceToken).Code)
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

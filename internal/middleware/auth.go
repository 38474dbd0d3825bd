package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/jwt"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/response"
)

const (
	ctxUserID   = "user_id"
	ctxUsername = "username"
	ctxRole     = "role"
)

// RevocationChecker defines interface for checking if a token is revoked (blacklisted)
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
}

// AuthMiddleware validates the bearer token and sets user_id, username and
// role in the Gin context. revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok && c.IsWebsocket() {
			// Browsers cannot set headers on the upgrade request
			tokenString = c.Query("access_token")
			ok = tokenString != ""
		}
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.Error(c, http.StatusUnauthorized, string(apperrors.ErrCodeSessionExpired), "Token expired")
			} else {
				response.Unauthorized(c, "Invalid token")
			}
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), tokenString)
			if err != nil {
				// Fail open: the signature already verified
				logger.FromContext(c.Request.Context()).Warn("Revocation check failed",
					zap.String("user_id", claims.UserID.String()),
					zap.Error(err))
			} else if revoked {
				response.Unauthorized(c, "Token revoked")
				c.Abort()
				return
			}
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose token role differs
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != role {
			response.Forbidden(c, "Insufficient role")
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user, uuid.Nil when unauthenticated
func UserID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(ctxUserID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Context keys set by AuthMiddleware.
const (
	ContextUserID = "user_id"
	ContextRole   = "user_role"
	ContextClaims = "claims"
)

func abortWithError(c *gin.Context, status int, category, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":     category,
			"category": category,
			"message":  message,
		},
	})
}

// bearerToken reads the token from the Authorization header, falling back to
// the token query parameter for WebSocket upgrades that cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader || token == "" {
			return "", false
		}
		return token, true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", "Authorization required. Use: Bearer <token>")
			return
		}

		claims, err := utils.ValidateToken(tokenString, jwtSecret)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", "Invalid or expired token")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextRole, claims.Role)
		c.Set(ContextClaims, claims)

		c.Next()
	}
}

// RequireModerator allows moderators and admins through.
func RequireModerator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CurrentRole(c).CanModerate() {
			abortWithError(c, http.StatusForbidden, "forbidden", "Moderator access required")
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user id, or uuid.Nil.
func CurrentUser(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(ContextUserID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// CurrentRole returns the authenticated role, defaulting to a plain user.
func CurrentRole(c *gin.Context) models.Role {
	if v, ok := c.Get(ContextRole); ok {
		if role, ok := v.(models.Role); ok {
			return role
		}
	}
	return models.RoleUser
}

package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"secureconnect-callcore/pkg/jwt"
	"secureconnect-callcore/pkg/logger"
	"secureconnect-callcore/pkg/response"
)

// ContextUserID is the gin context key holding the authenticated user
const ContextUserID = "user_id"

// AgentAuth validates the bearer token and only lets through the user this
// agent acts for. Browsers cannot set headers on a websocket upgrade, so the
// token is also accepted from the access_token query parameter.
func AgentAuth(jwtManager *jwt.JWTManager, agentUserID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			logger.FromContext(c.Request.Context()).Debug("Rejected token", zap.Error(err))
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if claims.UserID != agentUserID {
			response.Forbidden(c, "Token does not belong to this agent")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return c.Query("access_token")
}

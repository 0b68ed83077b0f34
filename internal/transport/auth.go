package transport

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/liveserver/interaction/internal/auth"
)

// identityContextKey is the gin context key a resolved auth.Identity is
// stored under once RequireAuth succeeds.
const identityContextKey = "identity"

// RequireAuth validates the bearer credential (header for HTTP, "token"
// query parameter for the WebSocket upgrade, since browsers cannot set
// headers on the handshake request) and stores the resolved identity in the
// gin context for downstream handlers and the rate limiter. Grounded on the
// teacher's session.Hub.ServeWs token-from-query-param pattern.
func RequireAuth(validator auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Message: "credential not provided"})
			return
		}

		identity, err := validator.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Message: "invalid credential"})
			return
		}

		c.Set(identityContextKey, identity)
		c.Set("userId", identity.UserId)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// identityFromContext returns the authenticated identity stored by
// RequireAuth, if any.
func identityFromContext(c *gin.Context) (*auth.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*auth.Identity)
	return identity, ok
}

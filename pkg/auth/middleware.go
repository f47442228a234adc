package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderName is the request header carrying the API key secret.
const HeaderName = "X-API-Key"

const contextKeyName = "auth.apikey"

// Middleware validates API keys on administrative routes.
type Middleware struct {
	manager     *APIKeyManager
	requireAuth bool
}

// NewMiddleware creates authentication middleware. With requireAuth false
// every request passes through, which is the development default.
func NewMiddleware(manager *APIKeyManager, requireAuth bool) *Middleware {
	return &Middleware{
		manager:     manager,
		requireAuth: requireAuth,
	}
}

// RequirePermission returns a handler that rejects requests whose API key is
// missing, invalid, or lacks the given permission.
func (m *Middleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.requireAuth {
			c.Next()
			return
		}

		secret := c.GetHeader(HeaderName)
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing API key in " + HeaderName + " header",
			})
			return
		}

		key, err := m.manager.Validate(secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid API key",
			})
			return
		}

		if !key.HasPermission(permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "permission '" + permission + "' required",
			})
			return
		}

		c.Set(contextKeyName, key)
		c.Next()
	}
}

// KeyFromContext retrieves the authenticated API key from a gin context.
func KeyFromContext(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(contextKeyName)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

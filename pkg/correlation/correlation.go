// Package correlation propagates a per-request correlation identifier across
// service boundaries. Every inbound request gets an id (reusing the caller's
// when present), the id travels through the request context, and the response
// echoes it so downstream callers can forward it further.
package correlation

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header is the request and response header carrying the correlation id.
const Header = "X-Correlation-Id"

type contextKey struct{}

// NewID generates a fresh correlation identifier.
func NewID() string {
	return uuid.NewString()
}

// WithID returns a context carrying the given correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the correlation id carried by ctx, or "" when absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Middleware reads the correlation id from the inbound request, generating a
// new one when missing, stores it on the request context and sets it on the
// response header. Identifier generation never fails.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(Header)
		if id == "" {
			id = NewID()
		}

		c.Writer.Header().Set(Header, id)
		c.Request = c.Request.WithContext(WithID(c.Request.Context(), id))
		c.Next()
	}
}

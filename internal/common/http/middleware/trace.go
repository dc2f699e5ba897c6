package middleware

import (
	"context"
	"strings"

	"codesandbox/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
)

// TraceContextMiddleware ensures trace and request ids are present in the gin
// context, the request context and the response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = bindID(c, ctx, traceIDHeader, contextkey.TraceID)
		ctx = bindID(c, ctx, requestIDHeader, contextkey.RequestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bindID(c *gin.Context, ctx context.Context, header string, key contextkey.Key) context.Context {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(string(key), id)
	c.Writer.Header().Set(header, id)
	return context.WithValue(ctx, key, id)
}

package server

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/logx"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/requestid"
)

// requestIDMiddleware echoes an inbound X-Request-Id header, or generates
// one, stashing it in the gin context for handlers and the access logger.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestid.HeaderKey)
		if id == "" {
			id = requestid.Gen()
		}
		c.Set(requestid.HeaderKey, id)
		c.Header(requestid.HeaderKey, id)
		c.Next()
	}
}

// The ctx* keys namespace the gin-context fields a handler sets for the
// access logger to read back after c.Next() returns.
const (
	ctxProvider = "prism.provider"
	ctxAccount  = "prism.account"
	ctxModel    = "prism.model"
	ctxDedup    = "prism.dedup"
	ctxOutcome  = "prism.outcome"
	ctxCandidate = "prism.candidate"
)

// requestLogger logs one line per request, in the style of
// logx.FormatRequestLine, reading back whatever fields the handler stashed
// in the gin context during c.Next().
func requestLogger(l *log.Logger) gin.HandlerFunc {
	if l == nil {
		l = log.New(os.Stdout, "", 0)
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)

		fields := map[string]any{}
		if v, ok := c.Get(requestid.HeaderKey); ok {
			fields["request_id"] = v
		}
		if v, ok := c.Get(ctxProvider); ok {
			fields["provider"] = v
		}
		if v, ok := c.Get(ctxAccount); ok {
			fields["account"] = v
		}
		if v, ok := c.Get(ctxModel); ok {
			fields["model"] = v
		}
		if v, ok := c.Get(ctxCandidate); ok {
			fields["candidate"] = v
		}
		if v, ok := c.Get(ctxDedup); ok {
			fields["dedup"] = v
		}
		if v, ok := c.Get(ctxOutcome); ok {
			fields["outcome"] = v
		}

		l.Println(logx.FormatRequestLine(time.Now(), status, latency, c.ClientIP(), c.Request.Method, c.Request.URL.Path, fields))
	}
}

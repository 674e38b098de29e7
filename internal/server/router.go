package server

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter wires every handler onto a fresh gin.Engine. There is no
// operator API-key gate here: the balancer forwards the client's own
// upstream credentials rather than authenticating callers itself.
func NewRouter(st *State, logger *log.Logger) *gin.Engine {
	r := gin.New()
	r.Use(requestIDMiddleware())
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", healthzHandler(st))
	r.GET("/providers", providersHandler(st))
	r.GET("/metrics", gin.WrapH(st.Metrics.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/messages", messagesHandler(st))

	oauth := r.Group("/oauth")
	oauth.GET("/generate-url", oauthGenerateURLHandler(st))
	oauth.POST("/exchange-code", oauthExchangeCodeHandler(st))
	oauth.POST("/refresh/:account_email", oauthRefreshHandler(st))
	oauth.GET("/status", oauthStatusHandler(st))
	oauth.DELETE("/tokens", oauthDeleteAllHandler(st))
	oauth.DELETE("/tokens/:account_email", oauthDeleteOneHandler(st))

	r.NoRoute(func(c *gin.Context) {
		writeAnthropicError(c, http.StatusNotFound, "not_found_error", "no such route")
	})

	return r
}

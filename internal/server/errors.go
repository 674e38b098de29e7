package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/dispatcher"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/routeresolve"
)

// anthropicError is the {"type":"error","error":{"type","message"}}
// envelope the Anthropic /v1/messages API uses for both normal and
// streaming error responses.
type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func marshalAnthropicError(kind, message string) []byte {
	e := anthropicError{Type: "error"}
	e.Error.Type = kind
	e.Error.Message = message
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"type":"error","error":{"type":"internal_error","message":"failed to marshal error"}}`)
	}
	return b
}

// dispatchErrorResponse is what classifyDispatchError reduces a dispatcher
// error down to: either a synthesized Anthropic-shaped body, or an
// upstream's own body and content type to forward verbatim.
type dispatchErrorResponse struct {
	status      int
	kind        string
	message     string
	rawBody     []byte // non-nil: write this verbatim instead of the synthesized envelope
	contentType string
}

func (r dispatchErrorResponse) write(c *gin.Context) {
	if r.rawBody != nil {
		contentType := r.contentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(r.status, contentType, r.rawBody)
		return
	}
	c.Data(r.status, "application/json", marshalAnthropicError(r.kind, r.message))
}

// classifyDispatchError maps a dispatcher-level error (returned from
// Dispatch itself, or as a broadcaster's terminal close error) to the
// client-facing response per the documented error taxonomy. A single
// non-retryable candidate failure is passed through to the client
// verbatim, body and content type intact; every other kind is synthesized
// as an Anthropic-shaped error envelope.
func classifyDispatchError(err error) dispatchErrorResponse {
	switch {
	case errors.Is(err, routeresolve.ErrNoRoute):
		return dispatchErrorResponse{
			status:  http.StatusBadRequest,
			kind:    "no_route",
			message: "no configured route matches the requested model",
		}

	case errors.Is(err, dispatcher.ErrAuthRequired):
		msg := err.Error()
		var authErr *dispatcher.AuthRequiredError
		if errors.As(err, &authErr) {
			msg = dispatcher.AuthRequiredInstructions(authErr.ProviderName, authErr.AccountID)
		}
		return dispatchErrorResponse{status: http.StatusUnauthorized, kind: "auth_required", message: msg}

	case errors.Is(err, dispatcher.ErrDeduplicationTimeout):
		return dispatchErrorResponse{
			status:  http.StatusGatewayTimeout,
			kind:    "deduplication_timeout",
			message: "timed out waiting for the in-flight request to complete",
		}

	case errors.Is(err, dispatcher.ErrAllProvidersFailed):
		return dispatchErrorResponse{
			status:  http.StatusBadGateway,
			kind:    "all_providers_failed",
			message: "every candidate provider for this route failed",
		}

	default:
		var upstreamErr *dispatcher.UpstreamError
		if errors.As(err, &upstreamErr) {
			return dispatchErrorResponse{
				status:      upstreamErr.StatusCode,
				rawBody:     fallbackBody(upstreamErr),
				contentType: upstreamErr.ContentType,
			}
		}
		return dispatchErrorResponse{status: http.StatusBadRequest, kind: "invalid_request_error", message: err.Error()}
	}
}

// fallbackBody guarantees a non-nil body even for an UpstreamError
// produced before any bytes were read (e.g. a classified-retryable status
// with its body discarded), so the verbatim passthrough path never writes
// an empty response with no explanation.
func fallbackBody(e *dispatcher.UpstreamError) []byte {
	if len(e.Body) > 0 {
		return e.Body
	}
	return marshalAnthropicError("upstream_error", "upstream request failed")
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/broadcast"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/dispatcher"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthclient"
)

// writeAnthropicError is the shorthand used by handlers that synthesize a
// one-off error outside classifyDispatchError's taxonomy (validation
// failures, internal errors reaching an OAuth endpoint).
func writeAnthropicError(c *gin.Context, status int, kind, message string) {
	c.Data(status, "application/json", marshalAnthropicError(kind, message))
}

// maxRequestBodyBytes bounds how much of the client body the handler will
// buffer before giving up, mirroring the dispatcher's own 32MB background
// buffering ceiling.
const maxRequestBodyBytes = 32 << 20

// readLimitedBody reads up to limit+1 bytes so an over-limit body can be
// distinguished from one that landed exactly on the boundary.
func readLimitedBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errors.New("request body exceeds maximum size")
	}
	return body, nil
}

// messagesHandler serves POST /v1/messages: dispatch the request, then
// either stream the broadcaster's chunks as they arrive or wait for and
// return its single buffered body, depending on the client's stream flag.
func messagesHandler(st *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readLimitedBody(c.Request.Body, maxRequestBodyBytes)
		if err != nil {
			c.Set(ctxOutcome, "invalid_request_error")
			writeAnthropicError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}

		broadcaster, isLeader, err := st.Dispatcher.Dispatch(c.Request.Context(), body, c.Request.Header.Clone())
		if err != nil {
			resp := classifyDispatchError(err)
			c.Set(ctxOutcome, resp.kind)
			resp.write(c)
			return
		}
		if isLeader {
			c.Set(ctxDedup, "leader")
		} else {
			c.Set(ctxDedup, "follower")
		}
		if st.Metrics != nil {
			st.Metrics.RecordDedupOutcome(!isLeader)
		}

		sub := broadcaster.Subscribe()
		defer sub.Detach()

		ctx := c.Request.Context()
		if !isLeader {
			if timeout := st.DedupTimeout(); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
		}

		if requestWantsStream(body) {
			streamResponse(c, sub, ctx)
			return
		}
		bufferedResponse(c, sub, ctx)
	}
}

// requestWantsStream re-parses just the stream flag out of the raw body;
// the dispatcher already parsed the full request once, but it doesn't
// hand that back to the caller, and re-parsing one field is cheaper than
// threading it through the Dispatch signature.
func requestWantsStream(body []byte) bool {
	var partial struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &partial)
	return partial.Stream
}

func streamResponse(c *gin.Context, sub *broadcast.Subscription, ctx context.Context) {
	chunk, ok, err := sub.Next(ctx)
	if !ok {
		if err == nil {
			c.Set(ctxOutcome, "success")
			c.Status(http.StatusOK)
			return
		}
		resp := classifyDispatchError(wrapSubscriberErr(err))
		c.Set(ctxOutcome, resp.kind)
		resp.write(c)
		return
	}

	c.Set(ctxOutcome, "success")
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	writeChunk(c, chunk)

	for {
		chunk, ok, err = sub.Next(ctx)
		if !ok {
			if err != nil {
				writeStreamErrorSentinel(c, err)
			}
			return
		}
		writeChunk(c, chunk)
	}
}

func bufferedResponse(c *gin.Context, sub *broadcast.Subscription, ctx context.Context) {
	var body []byte
	for {
		chunk, ok, err := sub.Next(ctx)
		if !ok {
			if err != nil {
				resp := classifyDispatchError(wrapSubscriberErr(err))
				c.Set(ctxOutcome, resp.kind)
				resp.write(c)
				return
			}
			break
		}
		body = append(body, chunk...)
	}
	c.Set(ctxOutcome, "success")
	c.Data(http.StatusOK, "application/json", body)
}

func writeChunk(c *gin.Context, chunk []byte) {
	_, _ = c.Writer.Write(chunk)
	if f, ok := c.Writer.(http.Flusher); ok {
		f.Flush()
	}
}

// writeStreamErrorSentinel appends a terminal SSE error event once bytes
// have already been committed to the wire and the status code can no
// longer change. Best-effort: the client may have already disconnected.
func writeStreamErrorSentinel(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	resp := classifyDispatchError(wrapSubscriberErr(err))
	body := resp.rawBody
	if body == nil {
		body = marshalAnthropicError(resp.kind, resp.message)
	}
	_, _ = c.Writer.Write([]byte("event: error\ndata: "))
	_, _ = c.Writer.Write(body)
	_, _ = c.Writer.Write([]byte("\n\n"))
	if f, ok := c.Writer.(http.Flusher); ok {
		f.Flush()
	}
}

// wrapSubscriberErr maps a subscriber's own context deadline to
// deduplication_timeout; any other error (including one originating from
// the broadcaster's own close) passes through unchanged.
func wrapSubscriberErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return dispatcher.ErrDeduplicationTimeout
	}
	return err
}

// providersHandler serves GET /providers: every configured provider
// identity paired with its current health snapshot.
func providersHandler(st *State) gin.HandlerFunc {
	type providerView struct {
		Name              string     `json:"name"`
		AccountID         string     `json:"account_id,omitempty"`
		Type              string     `json:"type"`
		Enabled           bool       `json:"enabled"`
		Health            string     `json:"health"`
		ConsecutiveErrors int        `json:"consecutive_errors"`
		LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
		LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
		CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	}

	return func(c *gin.Context) {
		providers := st.Registry().Snapshot()
		out := make([]providerView, 0, len(providers))
		for _, p := range providers {
			snap := st.Health().Get(p.Identity())
			view := providerView{
				Name:              p.Name,
				AccountID:         p.AccountID,
				Type:              string(p.Type),
				Enabled:           p.Enabled,
				Health:            string(snap.State),
				ConsecutiveErrors: snap.ConsecutiveErrors,
			}
			if !snap.LastErrorAt.IsZero() {
				view.LastErrorAt = &snap.LastErrorAt
			}
			if !snap.LastSuccessAt.IsZero() {
				view.LastSuccessAt = &snap.LastSuccessAt
			}
			if !snap.CooldownUntil.IsZero() {
				view.CooldownUntil = &snap.CooldownUntil
			}
			out = append(out, view)
		}
		c.JSON(http.StatusOK, gin.H{"providers": out})
	}
}

// oauthGenerateURLHandler serves GET /oauth/generate-url: begins a fresh
// PKCE authorization flow and remembers the verifier under its state
// token until the matching exchange-code call consumes it.
func oauthGenerateURLHandler(st *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		pkce, err := oauthclient.GeneratePKCE()
		if err != nil {
			writeAnthropicError(c, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		state, err := oauthclient.RandomState()
		if err != nil {
			writeAnthropicError(c, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		authorizeURL, err := oauthclient.BuildAuthorizeURL(st.OAuthCfg, state, pkce.Challenge)
		if err != nil {
			writeAnthropicError(c, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		st.BeginOAuthSession(state, pkce.Verifier)
		c.JSON(http.StatusOK, gin.H{"authorize_url": authorizeURL, "state": state})
	}
}

// oauthExchangeCodeRequest is the POST /oauth/exchange-code body. code is
// Anthropic's manual-flow display value, "<auth-code>#<state>" — the
// embedded state is what ties this call back to the generate-url session
// that produced the matching PKCE verifier.
type oauthExchangeCodeRequest struct {
	Code         string `json:"code"`
	AccountEmail string `json:"account_email"`
}

func splitCodeAndState(raw string) (code, state string) {
	raw = strings.TrimSpace(raw)
	if idx := strings.LastIndex(raw, "#"); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return raw, ""
}

func oauthExchangeCodeHandler(st *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req oauthExchangeCodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeAnthropicError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		if strings.TrimSpace(req.AccountEmail) == "" {
			writeAnthropicError(c, http.StatusBadRequest, "invalid_request_error", "account_email is required")
			return
		}

		code, state := splitCodeAndState(req.Code)
		verifier, ok := st.TakeOAuthSession(state)
		if !ok {
			writeAnthropicError(c, http.StatusBadRequest, "invalid_request_error", "no pending authorization for this code; call GET /oauth/generate-url first")
			return
		}

		tok, err := st.OAuthClient.ExchangeCode(c.Request.Context(), st.OAuthCfg, code, verifier)
		if err != nil {
			if st.Metrics != nil {
				st.Metrics.RecordOAuthRefresh(req.AccountEmail, "failure")
			}
			writeAnthropicError(c, http.StatusBadGateway, "upstream_error", err.Error())
			return
		}
		if err := st.OAuth.Put(req.AccountEmail, tok); err != nil {
			writeAnthropicError(c, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_email": req.AccountEmail, "expires_at": tok.ExpiresAt})
	}
}

// oauthRefreshHandler serves POST /oauth/refresh/{account_email}: forces a
// refresh regardless of whether the token is currently inside its refresh
// window, unlike the store's own lazy Acquire-triggered refresh.
func oauthRefreshHandler(st *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountEmail := c.Param("account_email")
		existing, ok := st.OAuth.Get(accountEmail)
		if !ok {
			writeAnthropicError(c, http.StatusNotFound, "not_found_error", "no token on file for this account")
			return
		}
		refreshed, err := st.OAuthClient.Refresh(c.Request.Context(), st.OAuthCfg, existing.RefreshToken)
		if err != nil {
			if st.Metrics != nil {
				st.Metrics.RecordOAuthRefresh(accountEmail, "failure")
			}
			writeAnthropicError(c, http.StatusBadGateway, "upstream_error", err.Error())
			return
		}
		if err := st.OAuth.Put(accountEmail, refreshed); err != nil {
			writeAnthropicError(c, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if st.Metrics != nil {
			st.Metrics.RecordOAuthRefresh(accountEmail, "success")
		}
		c.JSON(http.StatusOK, gin.H{"account_email": accountEmail, "expires_at": refreshed.ExpiresAt})
	}
}

type oauthStatusView struct {
	AccountEmail string    `json:"account_email"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
	UsageCount   int64     `json:"usage_count"`
}

// oauthStatusHandler serves GET /oauth/status: every tracked account's
// token metadata, with the access/refresh token values themselves
// redacted.
func oauthStatusHandler(st *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		all := st.OAuth.All()
		out := make([]oauthStatusView, 0, len(all))
		for accountID, tok := range all {
			out = append(out, oauthStatusView{
				AccountEmail: accountID,
				ExpiresAt:    tok.ExpiresAt,
				Scopes:       tok.Scopes,
				LastUsedAt:   tok.LastUsedAt,
				UsageCount:   tok.UsageCount,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].AccountEmail < out[j].AccountEmail })
		c.JSON(http.StatusOK, gin.H{"accounts": out})
	}
}

// oauthDeleteAllHandler serves DELETE /oauth/tokens.
func oauthDeleteAllHandler(st *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		for accountID := range st.OAuth.All() {
			if err := st.OAuth.Delete(accountID); err != nil {
				writeAnthropicError(c, http.StatusInternalServerError, "internal_error", err.Error())
				return
			}
		}
		c.Status(http.StatusNoContent)
	}
}

// oauthDeleteOneHandler serves DELETE /oauth/tokens/{account_email}.
func oauthDeleteOneHandler(st *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountEmail := c.Param("account_email")
		if _, ok := st.OAuth.Get(accountEmail); !ok {
			writeAnthropicError(c, http.StatusNotFound, "not_found_error", "no token on file for this account")
			return
		}
		if err := st.OAuth.Delete(accountEmail); err != nil {
			writeAnthropicError(c, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// healthzHandler serves GET /healthz: a trivial liveness probe, distinct
// from GET /providers's per-upstream health detail.
func healthzHandler(st *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "started_at": st.StartedAt(), "uptime_seconds": time.Since(st.StartedAt()).Seconds()})
	}
}

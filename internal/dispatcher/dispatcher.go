// Package dispatcher orchestrates one inbound request end to end:
// fingerprint, join-or-lead deduplication, candidate resolution, credential
// acquisition, upstream call with failover, and health accounting.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/adapter"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/broadcast"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/dedup"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/fingerprint"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/health"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthstore"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/routeresolve"
)

// TimeoutPhase is one non_streaming/streaming connect/read/pool timeout
// triple.
type TimeoutPhase struct {
	Connect time.Duration
	Read    time.Duration
	Pool    time.Duration
}

// TestingSettings mirrors the settings.testing knobs integration tests use
// to force a slow upstream deterministically, so failover/timeout paths
// can be exercised without a real flaky provider.
type TestingSettings struct {
	SimulateDelay        bool
	DelaySeconds         time.Duration
	DelayTriggerKeywords []string
}

// Settings is the request-time-relevant subset of configuration, swapped
// independently of the providers/routes the Dispatcher resolves against.
type Settings struct {
	StreamingMode               string
	DeduplicationEnabled        bool
	DeduplicationTimeout        time.Duration
	IncludeMaxTokensInSignature bool
	EnableAutoRefresh           bool
	NonStreaming                TimeoutPhase
	Streaming                   TimeoutPhase
	Testing                     TestingSettings
}

// Dispatcher ties every other component together for one request.
type Dispatcher struct {
	Resolver *routeresolve.Resolver
	Health   *health.Tracker
	Dedup    *dedup.Table
	OAuth    *oauthstore.Store
	Refresh  oauthstore.RefreshFunc

	settingsMu sync.RWMutex
	settings   Settings

	classifierMu sync.RWMutex
	classifier   *Classifier

	clientsMu sync.Mutex
	clients   map[clientKey]*http.Client
}

type clientKey struct {
	streaming bool
	proxyURL  string
}

// New builds a Dispatcher.
func New(resolver *routeresolve.Resolver, tracker *health.Tracker, dd *dedup.Table, store *oauthstore.Store, refresh oauthstore.RefreshFunc, settings Settings, classifier *Classifier) *Dispatcher {
	return &Dispatcher{
		Resolver:   resolver,
		Health:     tracker,
		Dedup:      dd,
		OAuth:      store,
		Refresh:    refresh,
		settings:   settings,
		classifier: classifier,
		clients:    map[clientKey]*http.Client{},
	}
}

// SetSettings atomically swaps the request-time settings, for config
// hot-reload.
func (d *Dispatcher) SetSettings(s Settings) {
	d.settingsMu.Lock()
	d.settings = s
	d.settingsMu.Unlock()
}

func (d *Dispatcher) getSettings() Settings {
	d.settingsMu.RLock()
	defer d.settingsMu.RUnlock()
	return d.settings
}

// SetClassifier atomically swaps the outcome classifier, for config
// hot-reload.
func (d *Dispatcher) SetClassifier(c *Classifier) {
	d.classifierMu.Lock()
	d.classifier = c
	d.classifierMu.Unlock()
}

func (d *Dispatcher) getClassifier() *Classifier {
	d.classifierMu.RLock()
	defer d.classifierMu.RUnlock()
	return d.classifier
}

// dedupHandle binds a dedup.Table entry to the fingerprint it was
// installed under, so the leader can retire it without threading the
// fingerprint string through every call.
type dedupHandle struct {
	table *dedup.Table
	fp    string
	entry *dedup.Entry
}

func (h *dedupHandle) retire(sseError bool) {
	if h == nil || h.table == nil {
		return
	}
	if sseError {
		h.table.RetireAfterSSEError(h.fp, h.entry)
		return
	}
	h.table.Retire(h.fp, h.entry)
}

// Dispatch parses body, resolves it to a candidate list, and either joins
// an in-flight duplicate's broadcaster or spawns a new leader goroutine.
// The returned bool reports whether the caller is the leader — even a
// leader must call Broadcaster.Subscribe to read its own output back; the
// distinction only matters for who owns retrying on a client reconnect.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, headers http.Header) (*broadcast.Broadcaster, bool, error) {
	in, err := parseInboundRequest(body)
	if err != nil {
		return nil, false, err
	}
	candidates, err := d.Resolver.Resolve(in.Model)
	if err != nil {
		return nil, false, err
	}
	if len(candidates) == 0 {
		return nil, false, routeresolve.ErrNoRoute
	}

	settings := d.getSettings()
	if !settings.DeduplicationEnabled || d.Dedup == nil {
		b := broadcast.New()
		go d.runLeader(b, nil, candidates, in, headers, settings)
		return b, true, nil
	}

	fp := fingerprint.Compute(in.fingerprintRequest(), fingerprint.Options{IncludeMaxTokens: settings.IncludeMaxTokensInSignature})
	entry, isLeader := d.Dedup.JoinOrBecomeLeader(fp)
	if isLeader {
		dd := &dedupHandle{table: d.Dedup, fp: fp, entry: entry}
		go d.runLeader(entry.Broadcaster, dd, candidates, in, headers, settings)
	}
	return entry.Broadcaster, isLeader, nil
}

// runLeader iterates candidates with failover until one succeeds, every
// candidate fails, or every subscriber detaches. It owns the broadcaster's
// terminal Close call and the dedup entry's retirement.
func (d *Dispatcher) runLeader(b *broadcast.Broadcaster, dd *dedupHandle, candidates []routeresolve.ResolvedCandidate, in inboundRequest, headers http.Header, settings Settings) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	go watchForIdle(b, cancel, stop)
	defer close(stop)
	defer cancel()

	finish := func(err error) {
		if err == nil {
			b.CloseOK()
			dd.retire(false)
			return
		}
		b.CloseError(err)
		dd.retire(b.HasPublished())
	}

	var (
		lastErr     error
		lastAuthErr error
		attemptedAny bool
	)

	for i := range candidates {
		if ctx.Err() != nil {
			finish(broadcast.ErrCancelled)
			return
		}
		cand := candidates[i]

		accessToken, authErr := d.acquireCredential(ctx, &cand)
		if authErr != nil {
			lastAuthErr = authErr
			continue
		}

		attemptedAny = true
		outcome, err := d.attempt(ctx, b, cand, in, headers, settings, accessToken)

		if b.HasPublished() {
			if outcome == OutcomeSuccess {
				d.recordSuccess(cand)
				finish(nil)
			} else {
				d.recordFailure(cand)
				finish(err)
			}
			return
		}

		switch outcome {
		case OutcomeSuccess:
			d.recordSuccess(cand)
			finish(nil)
			return
		case OutcomeRetryable:
			d.recordFailure(cand)
			lastErr = err
			continue
		default:
			d.recordFailure(cand)
			finish(err)
			return
		}
	}

	if !attemptedAny && lastAuthErr != nil {
		finish(lastAuthErr)
		return
	}
	if lastErr == nil {
		lastErr = ErrAllProvidersFailed
	}
	finish(fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr))
}

// watchForIdle cancels once every subscriber has detached, but only after
// having observed at least one attached subscriber — the leader's own
// handler subscribes asynchronously right after Dispatch returns, so a
// naive "count is zero" check would misfire before it ever attaches.
func watchForIdle(b *broadcast.Broadcaster, cancel context.CancelFunc, stop <-chan struct{}) {
	const pollInterval = 50 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	seenSubscriber := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := b.SubscriberCount()
			if n > 0 {
				seenSubscriber = true
				continue
			}
			if seenSubscriber {
				cancel()
				return
			}
		}
	}
}

// acquireCredential returns the access token to use for cand, rotating
// across every account configured under the provider's name when the
// route candidate left the account unconstrained. Returns ("", nil) for
// non-OAuth providers, whose credential is a literal configured value
// applied later in BuildHeaders.
func (d *Dispatcher) acquireCredential(ctx context.Context, cand *routeresolve.ResolvedCandidate) (string, error) {
	p := cand.Provider
	if p.AuthKind != provider.AuthOAuth {
		return "", nil
	}

	accountID := p.AccountID
	if strings.TrimSpace(cand.RequestedAccountID) == "" && d.Resolver != nil {
		if accounts := d.Resolver.Registry().AccountsForName(p.Name); len(accounts) > 1 {
			byID := make(map[string]provider.Provider, len(accounts))
			ids := make([]string, 0, len(accounts))
			for _, a := range accounts {
				if !a.Enabled || strings.TrimSpace(a.AccountID) == "" {
					continue
				}
				byID[a.AccountID] = a
				ids = append(ids, a.AccountID)
			}
			if len(ids) > 0 {
				if picked, ok := d.OAuth.SelectAccount(p.Name, ids); ok {
					accountID = picked
					cand.Provider = byID[picked]
					p = cand.Provider
				}
			}
		}
	}

	settings := d.getSettings()
	tok, err := d.OAuth.Acquire(ctx, accountID, settings.EnableAutoRefresh, d.Refresh)
	if err != nil {
		return "", &AuthRequiredError{ProviderName: p.Name, AccountID: accountID, Cause: err}
	}
	return tok.AccessToken, nil
}

func (d *Dispatcher) recordFailure(cand routeresolve.ResolvedCandidate) {
	if d.Health == nil {
		return
	}
	d.Health.RecordFailure(cand.Provider.Identity(), time.Now())
}

func (d *Dispatcher) recordSuccess(cand routeresolve.ResolvedCandidate) {
	if d.Health == nil {
		return
	}
	d.Health.RecordSuccess(cand.Provider.Identity(), time.Now())
}

// attempt issues one candidate's upstream call in the streaming mode its
// provider's protocol (or a forced override) dictates.
func (d *Dispatcher) attempt(ctx context.Context, b *broadcast.Broadcaster, cand routeresolve.ResolvedCandidate, in inboundRequest, headers http.Header, settings Settings, accessToken string) (Outcome, error) {
	p := cand.Provider
	d.maybeSimulateDelay(ctx, in, settings)

	upstreamBody, err := translateRequest(in, p, cand.UpstreamModel)
	if err != nil {
		return OutcomeNonRetryable, err
	}
	outHeaders := BuildHeaders(p, headers, accessToken)

	if resolveStreamingMode(settings.StreamingMode, p.Type) == "direct" {
		return d.attemptDirect(ctx, b, p, upstreamBody, outHeaders, in, settings)
	}
	return d.attemptBackground(ctx, b, p, upstreamBody, outHeaders, in, settings)
}

// resolveStreamingMode applies §4.5's defaults: direct for anthropic-typed
// providers, background for openai-typed ones (which need translation
// before anything can be committed to the wire), unless the setting
// forces one mode explicitly.
func resolveStreamingMode(configured string, t provider.ProtocolType) string {
	switch configured {
	case "direct", "background":
		return configured
	default:
		if t == provider.ProtocolOpenAI {
			return "background"
		}
		return "direct"
	}
}

func (d *Dispatcher) maybeSimulateDelay(ctx context.Context, in inboundRequest, settings Settings) {
	t := settings.Testing
	if !t.SimulateDelay || t.DelaySeconds <= 0 {
		return
	}
	if !in.containsAnyKeyword(t.DelayTriggerKeywords) {
		return
	}
	timer := time.NewTimer(t.DelaySeconds)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// doUpstream issues one HTTP call to a candidate provider. The returned
// cancel must be deferred by the caller once it's done reading the
// response body, not before — it bounds the whole call including
// body-streaming, not just the round trip to headers.
func (d *Dispatcher) doUpstream(ctx context.Context, p provider.Provider, body []byte, headers http.Header, streaming bool, settings Settings) (*http.Response, context.CancelFunc, error) {
	phase := settings.NonStreaming
	if streaming {
		phase = settings.Streaming
	}
	client, err := d.httpClientFor(phase, streaming, p.ProxyURL)
	if err != nil {
		return nil, nil, err
	}

	timeout := phase.Read + phase.Pool
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	target := strings.TrimRight(strings.TrimSpace(p.BaseURL), "/") + pathFor(p)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header = headers.Clone()
	req.ContentLength = int64(len(body))

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

// attemptDirect classifies by status code alone, before the body is
// available, then pipes the response straight through to the broadcaster
// once a chunk is published failover is no longer possible for this
// request.
func (d *Dispatcher) attemptDirect(ctx context.Context, b *broadcast.Broadcaster, p provider.Provider, body []byte, headers http.Header, in inboundRequest, settings Settings) (Outcome, error) {
	resp, cancel, err := d.doUpstream(ctx, p, body, headers, in.Stream, settings)
	if err != nil {
		return d.getClassifier().ClassifyTransportError(err), err
	}
	defer cancel()
	defer resp.Body.Close()

	switch d.getClassifier().ClassifyStatus(resp.StatusCode) {
	case OutcomeRetryable:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return OutcomeRetryable, &UpstreamError{StatusCode: resp.StatusCode}
	case OutcomeNonRetryable:
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return OutcomeNonRetryable, &UpstreamError{StatusCode: resp.StatusCode, Body: errBody, ContentType: resp.Header.Get("Content-Type")}
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			b.Publish(buf[:n])
		}
		if rerr != nil {
			if rerr == io.EOF {
				return OutcomeSuccess, nil
			}
			return OutcomeNonRetryable, rerr
		}
	}
}

// attemptBackground buffers the whole response before classifying,
// supporting mid-response failover at the cost of latency; required when
// the response needs Anthropic<->OpenAI translation since no byte of a
// translated event can be committed before the whole source event is
// known.
func (d *Dispatcher) attemptBackground(ctx context.Context, b *broadcast.Broadcaster, p provider.Provider, body []byte, headers http.Header, in inboundRequest, settings Settings) (Outcome, error) {
	resp, cancel, err := d.doUpstream(ctx, p, body, headers, in.Stream, settings)
	if err != nil {
		return d.getClassifier().ClassifyTransportError(err), err
	}
	defer cancel()
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return OutcomeRetryable, err
	}

	switch d.getClassifier().ClassifyResponse(resp.StatusCode, respBody) {
	case OutcomeRetryable:
		return OutcomeRetryable, &UpstreamError{StatusCode: resp.StatusCode, Body: respBody}
	case OutcomeNonRetryable:
		finalBody := respBody
		if p.Type == provider.ProtocolOpenAI && !in.Stream {
			if translated, terr := adapter.TranslateOpenAIResponseToAnthropic(respBody, in.Model); terr == nil {
				finalBody = translated
			}
		}
		return OutcomeNonRetryable, &UpstreamError{StatusCode: resp.StatusCode, Body: finalBody, ContentType: "application/json"}
	}

	if !in.Stream {
		finalBody := respBody
		if p.Type == provider.ProtocolOpenAI {
			translated, terr := adapter.TranslateOpenAIResponseToAnthropic(respBody, in.Model)
			if terr != nil {
				return OutcomeNonRetryable, terr
			}
			finalBody = translated
		}
		b.Publish(finalBody)
		return OutcomeSuccess, nil
	}

	if p.Type == provider.ProtocolOpenAI {
		conv := adapter.NewOpenAIToAnthropicStream(in.Model)
		for _, chunk := range adapter.DecodeSSEChunks(respBody) {
			for _, ev := range conv.Push(chunk) {
				b.Publish(adapter.EncodeSSE(ev))
			}
		}
		for _, ev := range conv.Close() {
			b.Publish(adapter.EncodeSSE(ev))
		}
	} else {
		b.Publish(respBody)
	}
	return OutcomeSuccess, nil
}

// httpClientFor returns the cached client for a (streaming-phase,
// outbound-proxy) pair, building one on first use.
func (d *Dispatcher) httpClientFor(phase TimeoutPhase, streaming bool, proxyURL string) (*http.Client, error) {
	key := clientKey{streaming: streaming, proxyURL: strings.TrimSpace(proxyURL)}
	d.clientsMu.Lock()
	if c, ok := d.clients[key]; ok {
		d.clientsMu.Unlock()
		return c, nil
	}
	d.clientsMu.Unlock()

	transport, err := newTransport(phase, key.proxyURL)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Transport: transport}

	d.clientsMu.Lock()
	d.clients[key] = c
	d.clientsMu.Unlock()
	return c, nil
}

// newTransport builds an *http.Transport honoring phase's connect/read/
// pool timeouts and, if proxyURL is set, routing through it: an http(s)
// proxy via the Transport's own Proxy hook, a socks5 proxy via a dialer
// (net/http has no native socks5 support).
func newTransport(phase TimeoutPhase, proxyURL string) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: phase.Connect}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: phase.Read,
		IdleConnTimeout:       phase.Pool,
	}
	if proxyURL == "" {
		return tr, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: invalid proxy url %q: %w", proxyURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		socksDialer, err := proxy.FromURL(u, dialer)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: build socks5 dialer: %w", err)
		}
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := socksDialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socksDialer.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("dispatcher: unsupported proxy scheme %q", u.Scheme)
	}
	return tr, nil
}

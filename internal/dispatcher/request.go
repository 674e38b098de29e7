package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/adapter"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/fingerprint"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/provider"
)

// anthropicMessagesPath and openAIChatCompletionsPath are the fixed
// upstream request paths for each protocol this balancer speaks.
const (
	anthropicMessagesPath   = "/v1/messages"
	openAIChatCompletionsPath = "/v1/chat/completions"
)

// pathFor returns the upstream request path for a provider's protocol.
func pathFor(p provider.Provider) string {
	if p.Type == provider.ProtocolOpenAI {
		return openAIChatCompletionsPath
	}
	return anthropicMessagesPath
}

// inboundRequest is the parsed client-facing Anthropic request.
type inboundRequest struct {
	raw    map[string]any
	Model  string
	Stream bool
}

func parseInboundRequest(body []byte) (inboundRequest, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return inboundRequest{}, fmt.Errorf("invalid request json: %w", err)
	}
	model, _ := raw["model"].(string)
	stream, _ := raw["stream"].(bool)
	return inboundRequest{raw: raw, Model: strings.TrimSpace(model), Stream: stream}, nil
}

// fingerprintRequest extracts the fields the deduplication fingerprint is
// computed over.
func (r inboundRequest) fingerprintRequest() fingerprint.Request {
	fr := fingerprint.Request{Model: r.Model, Stream: r.Stream}
	if v, ok := r.raw["messages"].([]any); ok {
		fr.Messages = v
	}
	fr.System = r.raw["system"]
	fr.Tools = r.raw["tools"]
	if v, ok := numberField(r.raw, "temperature"); ok {
		fr.Temperature = &v
	}
	if v, ok := numberField(r.raw, "top_p"); ok {
		fr.TopP = &v
	}
	if v, ok := intField(r.raw, "top_k"); ok {
		fr.TopK = &v
	}
	if v, ok := intField(r.raw, "max_tokens"); ok {
		fr.MaxTokens = &v
	}
	return fr
}

// bodyWithModel re-marshals the inbound request with model replaced by
// upstreamModel: the form every upstream call (Anthropic verbatim, or
// translated to OpenAI shape) is built from.
func (r inboundRequest) bodyWithModel(upstreamModel string) ([]byte, error) {
	out := make(map[string]any, len(r.raw))
	for k, v := range r.raw {
		out[k] = v
	}
	out["model"] = upstreamModel
	return json.Marshal(out)
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func intField(m map[string]any, key string) (int, bool) {
	v, ok := numberField(m, key)
	if !ok {
		return 0, false
	}
	return int(v), true
}

// translateRequest produces the upstream wire body: the inbound Anthropic
// body with its model field rewritten to upstreamModel, translated to
// OpenAI chat-completions shape when the candidate provider speaks that
// protocol.
func translateRequest(in inboundRequest, p provider.Provider, upstreamModel string) ([]byte, error) {
	body, err := in.bodyWithModel(upstreamModel)
	if err != nil {
		return nil, err
	}
	if p.Type == provider.ProtocolOpenAI {
		return adapter.TranslateAnthropicRequestToOpenAI(body)
	}
	return body, nil
}

// containsAnyKeyword reports whether any of keywords appears (case
// insensitively) in the request's system prompt or message text, for the
// testing.delay_trigger_keywords knob.
func (r inboundRequest) containsAnyKeyword(keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	haystack := strings.ToLower(r.flattenText())
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func (r inboundRequest) flattenText() string {
	var b strings.Builder
	b.WriteString(coerceToText(r.raw["system"]))
	if msgs, ok := r.raw["messages"].([]any); ok {
		for _, m := range msgs {
			mm, _ := m.(map[string]any)
			if mm == nil {
				continue
			}
			b.WriteString(" ")
			b.WriteString(coerceToText(mm["content"]))
		}
	}
	return b.String()
}

func coerceToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var parts []string
		for _, p := range t {
			pm, _ := p.(map[string]any)
			if pm == nil {
				continue
			}
			if s, ok := pm["text"].(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

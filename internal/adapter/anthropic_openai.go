// Package adapter translates between the Anthropic /v1/messages wire
// shape and the OpenAI chat-completions wire shape, for both buffered
// request/response bodies and SSE stream events.
package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	contentTypeText    = "text"
	contentTypeToolUse = "tool_use"
	contentTypeToolRes = "tool_result"
	roleFunction       = "function"
	roleSystem         = "system"
	roleAssistant      = "assistant"
	finishStop         = "stop"
	finishLength       = "length"
	finishToolCalls    = "tool_calls"
)

// TranslateAnthropicRequestToOpenAI converts an Anthropic /v1/messages
// request body into an OpenAI chat-completions request body, for
// dispatching to an openai-protocol provider.
func TranslateAnthropicRequestToOpenAI(body []byte) ([]byte, error) {
	root, err := ParseObject(body, "anthropic request")
	if err != nil {
		return nil, err
	}
	out, err := anthropicRequestToOpenAIObject(root)
	if err != nil {
		return nil, err
	}
	return out.Marshal()
}

func anthropicRequestToOpenAIObject(root Object) (Object, error) {
	model := strings.TrimSpace(coerceString(root["model"]))
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	out := Object{"model": model}
	if s, ok := root["stream"].(bool); ok {
		out["stream"] = s
	}
	if v := coerceInt(root["max_tokens"]); v > 0 {
		out["max_tokens"] = v
	}
	if v, ok := root["temperature"].(float64); ok {
		out["temperature"] = v
	}
	if v, ok := root["top_p"].(float64); ok {
		out["top_p"] = v
	}

	messages := anthropicMessagesToOpenAI(root["messages"])
	messages = prependAnthropicSystem(root["system"], messages)
	out["messages"] = messages

	if tools, ok := anthropicToolsToOpenAI(root["tools"]); ok {
		out["tools"] = tools
	}
	return out, nil
}

func anthropicMessagesToOpenAI(raw any) []any {
	messages, _ := raw.([]any)
	out := make([]any, 0, len(messages)+1)
	for _, m := range messages {
		msg, _ := m.(map[string]any)
		if msg == nil {
			continue
		}
		out = append(out, anthropicMessageToOpenAI(msg)...)
	}
	return out
}

func anthropicMessageToOpenAI(msg map[string]any) []any {
	role := strings.TrimSpace(coerceString(msg["role"]))
	if role == "" {
		return nil
	}
	content := msg["content"]
	parts, isArray := content.([]any)
	if !isArray {
		return []any{Object{"role": role, "content": content}}
	}

	var textParts []string
	var toolCalls []any
	var toolMessages []any
	for _, p := range parts {
		pm, _ := p.(map[string]any)
		if pm == nil {
			continue
		}
		if text, ok := anthropicTextBlock(pm); ok {
			textParts = append(textParts, text)
			continue
		}
		if toolCall, ok := anthropicToolUseBlock(pm); ok {
			toolCalls = append(toolCalls, toolCall)
			continue
		}
		if toolMsg, ok := anthropicToolResultBlock(pm); ok {
			toolMessages = append(toolMessages, toolMsg)
		}
	}

	item := Object{"role": role, "content": strings.Join(textParts, "\n")}
	if len(toolCalls) > 0 {
		item["tool_calls"] = toolCalls
	}
	return append([]any{item}, toolMessages...)
}

func anthropicTextBlock(pm map[string]any) (string, bool) {
	if strings.TrimSpace(coerceString(pm["type"])) != contentTypeText {
		return "", false
	}
	t := strings.TrimSpace(coerceString(pm["text"]))
	return t, t != ""
}

func anthropicToolUseBlock(pm map[string]any) (Object, bool) {
	if strings.TrimSpace(coerceString(pm["type"])) != contentTypeToolUse {
		return nil, false
	}
	name := strings.TrimSpace(coerceString(pm["name"]))
	if name == "" {
		return nil, false
	}
	args := "{}"
	if pm["input"] != nil {
		if b, err := json.Marshal(pm["input"]); err == nil {
			args = string(b)
		}
	}
	return Object{
		"id":   strings.TrimSpace(coerceString(pm["id"])),
		"type": roleFunction,
		"function": Object{
			"name":      name,
			"arguments": args,
		},
	}, true
}

func anthropicToolResultBlock(pm map[string]any) (Object, bool) {
	if strings.TrimSpace(coerceString(pm["type"])) != contentTypeToolRes {
		return nil, false
	}
	callID := strings.TrimSpace(coerceString(pm["tool_use_id"]))
	if callID == "" {
		return nil, false
	}
	output := coerceString(pm["content"])
	if output == "" && pm["content"] != nil {
		if b, err := json.Marshal(pm["content"]); err == nil {
			output = string(b)
		}
	}
	return Object{
		"role":         "tool",
		"tool_call_id": callID,
		"content":      output,
	}, true
}

func prependAnthropicSystem(raw any, messages []any) []any {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return append([]any{Object{"role": roleSystem, "content": v}}, messages...)
		}
	case []any:
		var parts []string
		for _, p := range v {
			pm, _ := p.(map[string]any)
			if pm == nil {
				continue
			}
			if t, ok := anthropicTextBlock(pm); ok {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			return append([]any{Object{"role": roleSystem, "content": strings.Join(parts, "\n")}}, messages...)
		}
	}
	return messages
}

func anthropicToolsToOpenAI(raw any) ([]any, bool) {
	tools, _ := raw.([]any)
	if len(tools) == 0 {
		return nil, false
	}
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tm, _ := t.(map[string]any)
		if tm == nil {
			continue
		}
		name := strings.TrimSpace(coerceString(tm["name"]))
		if name == "" {
			continue
		}
		schema, _ := tm["input_schema"].(map[string]any)
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, Object{
			"type": roleFunction,
			"function": Object{
				"name":        name,
				"description": strings.TrimSpace(coerceString(tm["description"])),
				"parameters":  schema,
			},
		})
	}
	return out, len(out) > 0
}

// TranslateOpenAIResponseToAnthropic converts a buffered OpenAI
// chat-completions response body into an Anthropic /v1/messages response
// body.
func TranslateOpenAIResponseToAnthropic(body []byte, requestedModel string) ([]byte, error) {
	root, err := ParseObject(body, "openai response")
	if err != nil {
		return nil, err
	}
	out, err := openAIResponseToAnthropicObject(root, requestedModel)
	if err != nil {
		return nil, err
	}
	return out.Marshal()
}

func openAIResponseToAnthropicObject(root Object, requestedModel string) (Object, error) {
	choices, _ := root["choices"].([]any)
	if len(choices) == 0 {
		return nil, fmt.Errorf("choices is required")
	}
	choice0, _ := choices[0].(map[string]any)
	if choice0 == nil {
		return nil, fmt.Errorf("invalid choices[0]")
	}
	msg, _ := choice0["message"].(map[string]any)
	if msg == nil {
		return nil, fmt.Errorf("invalid choices[0].message")
	}

	var content []any
	toolCalls, _ := msg["tool_calls"].([]any)
	if len(toolCalls) > 0 {
		for _, raw := range toolCalls {
			tc, _ := raw.(map[string]any)
			if tc == nil {
				continue
			}
			fn, _ := tc["function"].(map[string]any)
			name := strings.TrimSpace(coerceString(fn["name"]))
			if name == "" {
				continue
			}
			input := map[string]any{}
			if args := strings.TrimSpace(coerceString(fn["arguments"])); args != "" {
				var v any
				if err := json.Unmarshal([]byte(args), &v); err == nil {
					if m, ok := v.(map[string]any); ok && m != nil {
						input = m
					}
				}
			}
			content = append(content, Object{
				"type":  contentTypeToolUse,
				"id":    coerceString(tc["id"]),
				"name":  name,
				"input": input,
			})
		}
	} else {
		content = append(content, Object{"type": contentTypeText, "text": coerceString(msg["content"])})
	}

	stopReason := "end_turn"
	switch strings.TrimSpace(coerceString(choice0["finish_reason"])) {
	case finishLength:
		stopReason = "max_tokens"
	case finishToolCalls:
		stopReason = contentTypeToolUse
	}

	usage := Object{}
	if um, _ := root["usage"].(map[string]any); um != nil {
		in := firstNonZero(getIntByPath(um, "$.prompt_tokens"), getIntByPath(um, "$.input_tokens"))
		out := firstNonZero(getIntByPath(um, "$.completion_tokens"), getIntByPath(um, "$.output_tokens"))
		usage["input_tokens"] = in
		usage["output_tokens"] = out
	}

	model := strings.TrimSpace(coerceString(root["model"]))
	if model == "" {
		model = requestedModel
	}
	resp := Object{
		"id":          normalizeMessageID(coerceString(root["id"])),
		"type":        "message",
		"role":        roleAssistant,
		"model":       model,
		"content":     content,
		"stop_reason": stopReason,
	}
	if len(usage) > 0 {
		resp["usage"] = usage
	}
	return resp, nil
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "msg_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	if strings.HasPrefix(id, "msg_") {
		return id
	}
	return "msg_" + id
}

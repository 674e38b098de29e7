package adapter

import (
	"strings"
	"sync/atomic"
)

// StreamEvent is one Anthropic-shaped SSE event: `event: <Event>` plus a
// JSON-encoded `data:` object.
type StreamEvent struct {
	Event string
	Data  Object
}

var streamSeq atomic.Int64

func nextStreamMessageID() string {
	return "msg_stream_" + itoa(streamSeq.Add(1))
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// OpenAIToAnthropicStream converts a sequence of OpenAI chat-completions
// SSE chunks into the equivalent sequence of Anthropic /v1/messages SSE
// events, tracking enough state across calls to open and close each
// content block exactly once.
//
// Feed it one parsed chunk object at a time via Push, then call Close
// once the upstream stream ends to flush the closing events.
type OpenAIToAnthropicStream struct {
	model           string
	startedMessage  bool
	openBlockIndex  int
	openBlockKind   string // "" | "text" | "tool_use"
	openToolCallIdx int
	closedBlock     bool
	inputTokens     int
	outputTokens    int
}

// NewOpenAIToAnthropicStream builds a converter for one response,
// tagging emitted events with model (the client-requested model name,
// since upstream chunks from an OpenAI-compatible provider may report a
// different internal model string).
func NewOpenAIToAnthropicStream(model string) *OpenAIToAnthropicStream {
	return &OpenAIToAnthropicStream{model: model, openBlockIndex: -1}
}

// Push converts one OpenAI chunk object into zero or more Anthropic
// events.
func (s *OpenAIToAnthropicStream) Push(chunk Object) []StreamEvent {
	var events []StreamEvent
	if !s.startedMessage {
		s.startedMessage = true
		events = append(events, StreamEvent{
			Event: "message_start",
			Data: Object{
				"type": "message_start",
				"message": Object{
					"id":      nextStreamMessageID(),
					"type":    "message",
					"role":    roleAssistant,
					"model":   s.model,
					"content": []any{},
					"usage":   Object{"input_tokens": 0, "output_tokens": 0},
				},
			},
		})
	}

	choices, _ := chunk["choices"].([]any)
	for _, raw := range choices {
		ch, _ := raw.(map[string]any)
		if ch == nil {
			continue
		}
		delta, _ := ch["delta"].(map[string]any)
		if delta != nil {
			events = append(events, s.pushDelta(delta)...)
		}
		if finish := strings.TrimSpace(coerceString(ch["finish_reason"])); finish != "" {
			events = append(events, s.closeOpenBlock()...)
			events = append(events, s.pushUsage(chunk)...)
			events = append(events, StreamEvent{
				Event: "message_delta",
				Data: Object{
					"type":  "message_delta",
					"delta": Object{"stop_reason": mapOpenAIFinishToAnthropicStop(finish)},
					"usage": Object{"input_tokens": s.inputTokens, "output_tokens": s.outputTokens},
				},
			})
		}
	}
	return events
}

func (s *OpenAIToAnthropicStream) pushDelta(delta map[string]any) []StreamEvent {
	var events []StreamEvent
	if text := coerceString(delta["content"]); text != "" {
		if s.openBlockKind != contentTypeText {
			events = append(events, s.closeOpenBlock()...)
			s.openBlockIndex++
			s.openBlockKind = contentTypeText
			s.closedBlock = false
			events = append(events, StreamEvent{
				Event: "content_block_start",
				Data: Object{
					"type":          "content_block_start",
					"index":         s.openBlockIndex,
					"content_block": Object{"type": contentTypeText, "text": ""},
				},
			})
		}
		events = append(events, StreamEvent{
			Event: "content_block_delta",
			Data: Object{
				"type":  "content_block_delta",
				"index": s.openBlockIndex,
				"delta": Object{"type": "text_delta", "text": text},
			},
		})
	}

	toolCalls, _ := delta["tool_calls"].([]any)
	for _, raw := range toolCalls {
		tc, _ := raw.(map[string]any)
		if tc == nil {
			continue
		}
		fn, _ := tc["function"].(map[string]any)
		name := coerceString(fn["name"])
		args := coerceString(fn["arguments"])
		idx := coerceInt(tc["index"])

		if s.openBlockKind != contentTypeToolUse || idx != s.openToolCallIdx {
			events = append(events, s.closeOpenBlock()...)
			s.openBlockIndex++
			s.openBlockKind = contentTypeToolUse
			s.openToolCallIdx = idx
			s.closedBlock = false
			events = append(events, StreamEvent{
				Event: "content_block_start",
				Data: Object{
					"type":  "content_block_start",
					"index": s.openBlockIndex,
					"content_block": Object{
						"type":  contentTypeToolUse,
						"id":    coerceString(tc["id"]),
						"name":  name,
						"input": Object{},
					},
				},
			})
		}
		if args != "" {
			events = append(events, StreamEvent{
				Event: "content_block_delta",
				Data: Object{
					"type":  "content_block_delta",
					"index": s.openBlockIndex,
					"delta": Object{"type": "input_json_delta", "partial_json": args},
				},
			})
		}
	}
	return events
}

func (s *OpenAIToAnthropicStream) pushUsage(chunk Object) []StreamEvent {
	if u, _ := chunk["usage"].(map[string]any); u != nil {
		in := firstNonZero(getIntByPath(u, "$.prompt_tokens"), getIntByPath(u, "$.input_tokens"))
		out := firstNonZero(getIntByPath(u, "$.completion_tokens"), getIntByPath(u, "$.output_tokens"))
		if in != 0 {
			s.inputTokens = in
		}
		if out != 0 {
			s.outputTokens = out
		}
	}
	return nil
}

func (s *OpenAIToAnthropicStream) closeOpenBlock() []StreamEvent {
	if s.openBlockKind == "" || s.closedBlock {
		return nil
	}
	s.closedBlock = true
	return []StreamEvent{{
		Event: "content_block_stop",
		Data:  Object{"type": "content_block_stop", "index": s.openBlockIndex},
	}}
}

// Close flushes the final content_block_stop (if a block is still open)
// and the terminal message_stop event.
func (s *OpenAIToAnthropicStream) Close() []StreamEvent {
	var events []StreamEvent
	if s.openBlockKind != "" && !s.closedBlock {
		events = append(events, s.closeOpenBlock()...)
	}
	events = append(events, StreamEvent{Event: "message_stop", Data: Object{"type": "message_stop"}})
	return events
}

func mapOpenAIFinishToAnthropicStop(finish string) string {
	switch strings.TrimSpace(finish) {
	case finishLength:
		return "max_tokens"
	case finishToolCalls:
		return contentTypeToolUse
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

package adapter

import (
	"bytes"
	"encoding/json"
)

// EncodeSSE renders one Anthropic-shaped StreamEvent as wire-format SSE:
// an `event:` line followed by a `data:` line carrying the JSON payload.
func EncodeSSE(e StreamEvent) []byte {
	body, err := json.Marshal(map[string]any(e.Data))
	if err != nil {
		body = []byte("{}")
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(e.Event)
	buf.WriteString("\ndata: ")
	buf.Write(body)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// DecodeSSEChunks splits a buffered OpenAI-style SSE response body into
// its `data:` payload objects, skipping the terminal "[DONE]" marker and
// any comment/keepalive lines.
func DecodeSSEChunks(body []byte) []Object {
	var out []Object
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		obj, err := ParseObject(payload, "openai sse chunk")
		if err != nil {
			continue
		}
		out = append(out, obj)
	}
	return out
}

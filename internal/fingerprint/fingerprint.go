// Package fingerprint computes a deterministic signature of a request's
// semantically relevant fields, used to detect concurrent duplicate
// requests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Request is the normalized set of fields a fingerprint is computed over.
// Callers extract these from the inbound Anthropic-shaped request.
type Request struct {
	Model       string
	Messages    []any // verbatim role+content entries, in order
	System      any   // verbatim system prompt (string or content blocks)
	Tools       any   // verbatim tool definitions
	Temperature *float64
	TopP        *float64
	TopK        *int
	Stream      bool
	MaxTokens   *int // only included when IncludeMaxTokens is set
}

// Options controls fields that are configurably part of the signature.
type Options struct {
	IncludeMaxTokens bool
}

// Compute returns a stable hex-encoded SHA-256 fingerprint. It is invariant
// under JSON key-ordering and whitespace because it marshals a canonical
// Go value (a map with a fixed, explicit key set) rather than hashing raw
// request bytes.
func Compute(req Request, opts Options) string {
	canonical := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"system":   req.System,
		"tools":    req.Tools,
		"stream":   req.Stream,
	}
	if req.Temperature != nil {
		canonical["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		canonical["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		canonical["top_k"] = *req.TopK
	}
	if opts.IncludeMaxTokens && req.MaxTokens != nil {
		canonical["max_tokens"] = *req.MaxTokens
	}

	b, err := marshalSorted(canonical)
	if err != nil {
		// canonical is built from concrete Go values above; marshaling
		// cannot fail in practice. Fall back to a fixed-key marshal so a
		// caller never observes a panic here.
		b, _ = json.Marshal(canonical)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// marshalSorted marshals a map[string]any with keys in sorted order so the
// resulting bytes are independent of Go map iteration order.
func marshalSorted(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

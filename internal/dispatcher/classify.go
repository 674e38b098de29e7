package dispatcher

import (
	"regexp"
	"strings"
)

// Outcome is the result of classifying one candidate attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeNonRetryable
)

// Classifier implements the outcome-classification precedence: a
// transport-level exception pattern, then an HTTP status code, then a
// response-body pattern, then plain 2xx success, and otherwise
// non-retryable. Each step only runs if the previous ones didn't already
// decide the outcome.
type Classifier struct {
	exceptionPatterns []string
	httpCodes         map[int]bool
	bodyPatterns      []*regexp.Regexp
}

// NewClassifier compiles the configured pattern lists. A body pattern that
// fails to compile is skipped rather than failing the whole classifier,
// since one bad pattern in a hot-reloaded config should not break
// classification for every other candidate.
func NewClassifier(exceptionPatterns []string, httpCodes []int, bodyPatterns []string) *Classifier {
	c := &Classifier{httpCodes: map[int]bool{}}
	for _, p := range exceptionPatterns {
		if p = strings.TrimSpace(p); p != "" {
			c.exceptionPatterns = append(c.exceptionPatterns, strings.ToLower(p))
		}
	}
	for _, code := range httpCodes {
		c.httpCodes[code] = true
	}
	for _, p := range bodyPatterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			c.bodyPatterns = append(c.bodyPatterns, re)
		}
	}
	return c
}

// ClassifyTransportError handles a failure where no HTTP response was ever
// received: retryable iff the error message matches a configured
// exception pattern, otherwise non-retryable.
func (c *Classifier) ClassifyTransportError(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if c == nil {
		return OutcomeNonRetryable
	}
	msg := strings.ToLower(err.Error())
	for _, p := range c.exceptionPatterns {
		if strings.Contains(msg, p) {
			return OutcomeRetryable
		}
	}
	return OutcomeNonRetryable
}

// ClassifyStatus classifies a received response by status code alone,
// without its body. Used by direct streaming mode, which must decide
// whether to pipe the response live before the body is available to
// pattern-match.
func (c *Classifier) ClassifyStatus(status int) Outcome {
	if c != nil && c.httpCodes[status] {
		return OutcomeRetryable
	}
	if status >= 200 && status < 300 {
		return OutcomeSuccess
	}
	return OutcomeNonRetryable
}

// ClassifyResponse classifies a fully-buffered response by status code
// and, failing that, by body pattern.
func (c *Classifier) ClassifyResponse(status int, body []byte) Outcome {
	if c != nil && c.httpCodes[status] {
		return OutcomeRetryable
	}
	if c != nil {
		for _, re := range c.bodyPatterns {
			if re.Match(body) {
				return OutcomeRetryable
			}
		}
	}
	if status >= 200 && status < 300 {
		return OutcomeSuccess
	}
	return OutcomeNonRetryable
}

package dispatcher

import (
	"errors"
	"testing"
)

func TestClassifyTransportErrorMatchesConfiguredPattern(t *testing.T) {
	c := NewClassifier([]string{"connection reset", "timeout"}, nil, nil)
	if got := c.ClassifyTransportError(errors.New("dial tcp: connection reset by peer")); got != OutcomeRetryable {
		t.Fatalf("expected retryable, got %v", got)
	}
	if got := c.ClassifyTransportError(errors.New("context canceled")); got != OutcomeNonRetryable {
		t.Fatalf("expected non-retryable, got %v", got)
	}
	if got := c.ClassifyTransportError(nil); got != OutcomeSuccess {
		t.Fatalf("expected success for nil error, got %v", got)
	}
}

func TestClassifyStatusHonorsConfiguredCodesBeforeRange(t *testing.T) {
	c := NewClassifier(nil, []int{429, 529}, nil)
	if got := c.ClassifyStatus(429); got != OutcomeRetryable {
		t.Fatalf("expected 429 retryable, got %v", got)
	}
	if got := c.ClassifyStatus(200); got != OutcomeSuccess {
		t.Fatalf("expected 200 success, got %v", got)
	}
	if got := c.ClassifyStatus(404); got != OutcomeNonRetryable {
		t.Fatalf("expected 404 non-retryable, got %v", got)
	}
}

func TestClassifyResponseFallsBackToBodyPattern(t *testing.T) {
	c := NewClassifier(nil, []int{429}, []string{`"type"\s*:\s*"overloaded_error"`})
	body := []byte(`{"type":"error","error":{"type":"overloaded_error"}}`)
	if got := c.ClassifyResponse(503, body); got != OutcomeRetryable {
		t.Fatalf("expected body-pattern retryable, got %v", got)
	}
	if got := c.ClassifyResponse(503, []byte(`{"error":"boom"}`)); got != OutcomeNonRetryable {
		t.Fatalf("expected non-retryable with no matching pattern, got %v", got)
	}
	if got := c.ClassifyResponse(200, []byte(`{}`)); got != OutcomeSuccess {
		t.Fatalf("expected 2xx success, got %v", got)
	}
}

func TestClassifierSkipsInvalidBodyPatternsInsteadOfFailing(t *testing.T) {
	c := NewClassifier(nil, nil, []string{"(unterminated", "overloaded"})
	body := []byte(`overloaded`)
	if got := c.ClassifyResponse(500, body); got != OutcomeRetryable {
		t.Fatalf("expected the valid pattern to still classify as retryable, got %v", got)
	}
}

func TestNilClassifierDefaultsToNonRetryable(t *testing.T) {
	var c *Classifier
	if got := c.ClassifyStatus(500); got != OutcomeNonRetryable {
		t.Fatalf("expected nil classifier non-retryable for non-2xx, got %v", got)
	}
	if got := c.ClassifyStatus(200); got != OutcomeSuccess {
		t.Fatalf("expected nil classifier success for 2xx, got %v", got)
	}
}

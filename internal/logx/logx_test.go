package logx

import (
	"strings"
	"testing"
	"time"
)

func TestFormatFieldsSortsKeysAndSkipsEmptyValues(t *testing.T) {
	out := formatFields(map[string]any{
		"provider":  "claude-official",
		"outcome":   "success",
		"account":   "",
		"candidate": 0,
	})
	if strings.Contains(out, "account=") {
		t.Fatalf("expected empty-string field omitted, got %q", out)
	}
	if out != "candidate=0 provider=claude-official outcome=success" {
		t.Fatalf("expected sorted fields with outcome trailing, got %q", out)
	}
}

func TestFormatFieldsPinsDedupAndOutcomeToTheEnd(t *testing.T) {
	out := formatFields(map[string]any{
		"outcome":  "all_providers_failed",
		"provider": "claude-official",
		"dedup":    "leader",
		"account":  "user@example.com",
	})
	if out != "account=user@example.com provider=claude-official dedup=leader outcome=all_providers_failed" {
		t.Fatalf("expected dedup then outcome trailing the alphabetized fields, got %q", out)
	}
}

func TestFormatFieldsOmitsNilValues(t *testing.T) {
	out := formatFields(map[string]any{"account": nil, "provider": "backup"})
	if strings.Contains(out, "account") {
		t.Fatalf("expected nil field omitted, got %q", out)
	}
	if out != "provider=backup" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestFormatRequestLineIncludesStatusLatencyAndFields(t *testing.T) {
	ts := time.Date(2026, 1, 26, 17, 44, 22, 0, time.UTC)
	line := FormatRequestLine(ts, 200, 12300*time.Microsecond, "127.0.0.1", "POST", "/v1/messages", map[string]any{
		"provider": "claude-official",
		"outcome":  "success",
	})
	if !strings.Contains(line, `POST "/v1/messages"`) {
		t.Fatalf("expected method and path in line, got %q", line)
	}
	if !strings.Contains(line, "provider=claude-official outcome=success") {
		t.Fatalf("expected sorted fields appended, got %q", line)
	}
	if !strings.Contains(line, "2026/01/26 - 17:44:22") {
		t.Fatalf("expected formatted timestamp, got %q", line)
	}
}

func TestFormatRequestLineOmitsTrailingPipeWhenNoFields(t *testing.T) {
	ts := time.Now()
	line := FormatRequestLine(ts, 404, time.Millisecond, "10.0.0.1", "GET", "/providers", nil)
	if strings.HasSuffix(line, "|") {
		t.Fatalf("expected no trailing pipe for empty fields, got %q", line)
	}
}

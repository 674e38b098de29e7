// Package logx formats the single-line access log entry written per
// inbound request, with ANSI status coloring when writing to a terminal.
package logx

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

var enableColor = isatty.IsTerminal(os.Stdout.Fd()) && strings.TrimSpace(os.Getenv("NO_COLOR")) == ""

// ColorizeStatus renders an HTTP status code, wrapped in an ANSI color
// matching its class when writing to a terminal.
func ColorizeStatus(status int) string {
	if !enableColor {
		return fmt.Sprintf("%d", status)
	}
	const (
		reset  = "\x1b[0m"
		red    = "\x1b[31m"
		green  = "\x1b[32m"
		yellow = "\x1b[33m"
		cyan   = "\x1b[36m"
	)
	switch {
	case status >= 200 && status < 300:
		return green + fmt.Sprintf("%d", status) + reset
	case status >= 300 && status < 400:
		return cyan + fmt.Sprintf("%d", status) + reset
	case status >= 400 && status < 500:
		return yellow + fmt.Sprintf("%d", status) + reset
	default:
		return red + fmt.Sprintf("%d", status) + reset
	}
}

// FormatRequestLine prints a single line request log.
//
// Example:
// [PRISM] 2026/01/26 - 17:44:22 | 200 | 12.3ms | 127.0.0.1 | POST "/v1/messages" | provider=claude-official account=user@example.com candidate=0 dedup=leader outcome=success
func FormatRequestLine(
	ts time.Time,
	status int,
	latency time.Duration,
	clientIP string,
	method string,
	path string,
	fields map[string]any,
) string {
	base := fmt.Sprintf(
		`[PRISM] %s | %s | %s | %s | %s %q`,
		ts.Format("2006/01/02 - 15:04:05"),
		ColorizeStatus(status),
		latency.String(),
		strings.TrimSpace(clientIP),
		strings.TrimSpace(method),
		path,
	)
	extra := formatFields(fields)
	if extra == "" {
		return base
	}
	return base + " | " + extra
}

// trailingKeys lists fields shown last, after the alphabetized rest. outcome
// is the field an operator scans for first when grepping a failure out of
// the access log, so it stays pinned to the end of the line regardless of
// where it sorts alphabetically.
var trailingKeys = []string{"dedup", "outcome"}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	trailing := make(map[string]struct{}, len(trailingKeys))
	for _, k := range trailingKeys {
		trailing[k] = struct{}{}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if _, ok := trailing[k]; ok {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(fields))
	appendIfPresent := func(k string) {
		v, ok := fields[k]
		if !ok || v == nil {
			return
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) == "" {
				return
			}
			parts = append(parts, fmt.Sprintf("%s=%s", k, t))
		default:
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s == "" || s == "<nil>" {
				return
			}
			parts = append(parts, fmt.Sprintf("%s=%s", k, s))
		}
	}

	for _, k := range keys {
		appendIfPresent(k)
	}
	for _, k := range trailingKeys {
		appendIfPresent(k)
	}
	return strings.Join(parts, " ")
}

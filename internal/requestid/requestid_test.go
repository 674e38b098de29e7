package requestid

import (
	"regexp"
	"testing"
)

func TestGenProducesDistinctWellFormedIDs(t *testing.T) {
	re := regexp.MustCompile(`^\d{28}$`)
	a := Gen()
	b := Gen()
	if !re.MatchString(a) {
		t.Fatalf("expected 28-digit id, got %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids across calls, got %q twice", a)
	}
}

package message

import (
	"strings"
	"testing"
)

func TestRenderPluralization(t *testing.T) {
	cases := []struct {
		absences, holidays int
		want               []string
	}{
		{0, 0, []string{"no absences", "no holidays"}},
		{1, 1, []string{"1 absence", "1 holiday"}},
		{2, 3, []string{"2 absences", "3 holidays"}},
		{0, 2, []string{"no absences", "2 holidays"}},
		{5, 0, []string{"5 absences", "no holidays"}},
	}
	for _, c := range cases {
		got := Render("Alice", "5000", c.absences, c.holidays)
		for _, w := range c.want {
			if !strings.Contains(got, w) {
				t.Fatalf("absences=%d holidays=%d: missing %q in %q", c.absences, c.holidays, w, got)
			}
		}
	}
}

func TestRenderIncludesNameAndAmount(t *testing.T) {
	got := Render("Bob", "4500", 1, 0)
	if !strings.Contains(got, "Hi Bob,") {
		t.Fatalf("missing greeting: %q", got)
	}
	if !strings.Contains(got, "4500") {
		t.Fatalf("missing amount: %q", got)
	}
}

func TestRenderMissingName(t *testing.T) {
	got := Render("  ", "4500", 0, 0)
	if !strings.HasPrefix(got, "Hi,") {
		t.Fatalf("expected generic greeting, got %q", got)
	}
}

func TestRenderDeterministic(t *testing.T) {
	a := Render("Alice", "5000", 2, 1)
	b := Render("Alice", "5000", 2, 1)
	if a != b {
		t.Fatalf("renderer must be deterministic")
	}
}

package deltalog

import "testing"

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"json":    FormatJSON,
		"text":    FormatText,
		"pretty":  FormatPretty,
		"bogus":   FormatPretty,
		"":        FormatPretty,
	}
	for in, want := range cases {
		if got := ParseFormat(in); got != want {
			t.Fatalf("ParseFormat(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithPreservesRunID(t *testing.T) {
	l := New(FormatText)
	child := l.With("table", "orders")
	if child.runID != l.runID {
		t.Fatalf("expected With() to preserve the parent's run id")
	}
}

func TestNewAssignsARunID(t *testing.T) {
	l := New(FormatText)
	if l.runID == "" {
		t.Fatalf("expected New() to assign a non-empty run id")
	}
}

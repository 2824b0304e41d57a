package validate

import (
	"errors"
	"strings"
	"testing"
)

func limits() Limits {
	return Limits{MaxWords: 1000}
}

func TestCleanNormalizesZeroWidthAndWhitespace(t *testing.T) {
	out, err := Clean("\uFEFFHello\u200B   world", Limits{MaxWords: 5})
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if out != "Hello world" {
		t.Fatalf("got %q, want %q", out, "Hello world")
	}
}

func TestCleanNormalizesEmDash(t *testing.T) {
	out, err := Clean("one — two", limits())
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if strings.Contains(out, "—") {
		t.Fatalf("em dash survived normalization: %q", out)
	}
	if out != "one - two" {
		t.Fatalf("got %q", out)
	}
}

func TestCleanPreservesParagraphBreaks(t *testing.T) {
	out, err := Clean("first  paragraph\n\n\n\nsecond   paragraph", limits())
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if out != "first paragraph\n\nsecond paragraph" {
		t.Fatalf("got %q", out)
	}
}

func TestCleanRejectsEmoji(t *testing.T) {
	_, err := Clean("we object \U0001F600 strongly", limits())
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonEmoji {
		t.Fatalf("expected emoji rejection, got %v", err)
	}
}

func TestCleanRejectsAIDisclosure(t *testing.T) {
	for _, text := range []string{
		"As an AI, I must note",
		"I cannot write that for you",
		"this exceeds my training data",
	} {
		_, err := Clean(text, limits())
		var rej *RejectionError
		if !errors.As(err, &rej) || rej.Reason != ReasonAIDisclosure {
			t.Fatalf("text %q: expected ai_disclosure rejection, got %v", text, err)
		}
	}
}

func TestCleanRejectsDisallowedLink(t *testing.T) {
	_, err := Clean("see https://example.com/evidence for details", limits())
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonDisallowedLink {
		t.Fatalf("expected disallowed_link rejection, got %v", err)
	}
}

func TestCleanAcceptsAllowListedLink(t *testing.T) {
	l := Limits{MaxWords: 1000, AllowedLinks: []string{"https://example.com/evidence"}}
	out, err := Clean("see https://example.com/evidence for details", l)
	if err != nil {
		t.Fatalf("allow-listed link rejected: %v", err)
	}
	if !strings.Contains(out, "https://example.com/evidence") {
		t.Fatalf("link rewritten: %q", out)
	}
}

func TestCleanRejectsMarkdownLink(t *testing.T) {
	_, err := Clean("see [the plans](https://example.com/plans)", limits())
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonDisallowedLink {
		t.Fatalf("expected disallowed_link rejection, got %v", err)
	}
}

func TestCleanRejectsOverWordLimit(t *testing.T) {
	text := strings.Repeat("word ", 11)
	_, err := Clean(text, Limits{MaxWords: 10})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonTooLong {
		t.Fatalf("expected too_long rejection, got %v", err)
	}
	if _, err := Clean(strings.Repeat("word ", 10), Limits{MaxWords: 10}); err != nil {
		t.Fatalf("exactly max words rejected: %v", err)
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	texts := []string{
		"Hello\u200B   world",
		"one — two\n\n\nthree",
		"plain text with\tnothing odd",
	}
	for _, text := range texts {
		once, err := Clean(text, limits())
		if err != nil {
			t.Fatalf("first pass %q: %v", text, err)
		}
		twice, err := Clean(once, limits())
		if err != nil {
			t.Fatalf("second pass %q: %v", once, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: %q vs %q", once, twice)
		}
	}
}

func TestCleanNeverRewritesBeyondNormalization(t *testing.T) {
	// a rejection never comes with partial output
	out, err := Clean("contains emoji \U0001F914", limits())
	if err == nil {
		t.Fatal("expected rejection")
	}
	if out != "" {
		t.Fatalf("rejection returned output %q", out)
	}
}

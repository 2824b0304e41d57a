// Package validate gates generated text before it becomes part of a
// document or email. Pure functions, no I/O.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Reason identifies which rule rejected the text.
type Reason string

const (
	ReasonEmoji          Reason = "emoji"
	ReasonEmDash         Reason = "em_dash"
	ReasonAIDisclosure   Reason = "ai_disclosure"
	ReasonDisallowedLink Reason = "disallowed_link"
	ReasonTooLong        Reason = "too_long"
)

// RejectionError reports exactly one violated rule.
type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("content rejected (%s): %s", e.Reason, e.Detail)
}

func reject(reason Reason, format string, args ...any) error {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Limits configures the gate per project.
type Limits struct {
	MaxWords     int
	AllowedLinks []string
}

var (
	zeroWidthReplacer = strings.NewReplacer(
		"\u200B", "", // zero width space
		"\u200C", "", // zero width non-joiner
		"\u200D", "", // zero width joiner
		"\uFEFF", "", // BOM
		"\u2060", "", // word joiner
	)
	whitespaceRe = regexp.MustCompile(`[ \t]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	urlRe        = regexp.MustCompile(`(?i)\bhttps?://[^\s)\]>"']+|\bwww\.[^\s)\]>"']+|\[[^\]]*\]\([^)]*\)`)
)

var disclosurePhrases = []string{
	"as an ai",
	"as a language model",
	"i cannot",
	"i can't",
	"i am unable to",
	"i'm unable to",
	"i do not have the ability",
	"my training data",
	"i apologize, but",
}

// Clean gates text: it either returns the normalized string or exactly one
// RejectionError. Beyond step-1 normalization, content is never rewritten
// or truncated. Clean(Clean(x)) == Clean(x).
func Clean(text string, limits Limits) (string, error) {
	// step 1: strip zero-width characters, normalize em dashes, collapse
	// whitespace without disturbing paragraph breaks
	normalized := zeroWidthReplacer.Replace(text)
	normalized = strings.ReplaceAll(normalized, "—", "-")
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	normalized = blankLinesRe.ReplaceAllString(normalized, "\n\n")
	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	normalized = strings.TrimSpace(strings.Join(lines, "\n"))

	// step 2: emoji
	for _, r := range normalized {
		if isEmoji(r) {
			return "", reject(ReasonEmoji, "emoji %q not allowed", r)
		}
	}

	// step 3: em dash, rechecked after normalization
	if strings.ContainsRune(normalized, '—') {
		return "", reject(ReasonEmDash, "em dash not allowed")
	}

	// step 4: AI disclosure phrases
	lower := strings.ToLower(normalized)
	for _, phrase := range disclosurePhrases {
		if strings.Contains(lower, phrase) {
			return "", reject(ReasonAIDisclosure, "disclosure phrase %q", phrase)
		}
	}

	// step 5: links outside the allow-list
	for _, match := range urlRe.FindAllString(normalized, -1) {
		if !linkAllowed(match, limits.AllowedLinks) {
			return "", reject(ReasonDisallowedLink, "link %q not in allow-list", match)
		}
	}

	// step 6: word budget
	if limits.MaxWords > 0 {
		if n := len(strings.Fields(normalized)); n > limits.MaxWords {
			return "", reject(ReasonTooLong, "%d words exceeds limit %d", n, limits.MaxWords)
		}
	}
	return normalized, nil
}

func linkAllowed(link string, allowed []string) bool {
	for _, a := range allowed {
		if a != "" && strings.Contains(link, a) {
			return true
		}
	}
	return false
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, symbols
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, emoji joiner
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	}
	return unicode.Is(unicode.So, r) && r > 0x2000
}

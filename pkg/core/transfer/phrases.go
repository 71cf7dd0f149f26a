package transfer

import (
	"regexp"
	"strings"
)

// DefaultPhrases are the closing sentences agents use before a transfer.
var DefaultPhrases = []string{
	"Please hold on for a moment",
	"Please hold on for a moment while I transfer you",
	"Please hold on for a moment while I transfer your call",
	"Please hold on for a moment while I connect you",
	"please hold on for just a moment",
}

var (
	sentenceSplit       = regexp.MustCompile(`[.!?]`)
	trailingPunctuation = regexp.MustCompile(`[^\w\s']+$`)
	quoteReplacer       = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
		"…", "...",
	)
)

// Normalize lowercases s, folds smart quotes and ellipses, and strips
// trailing punctuation.
func Normalize(s string) string {
	s = quoteReplacer.Replace(strings.ToLower(strings.TrimSpace(s)))
	s = trailingPunctuation.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// FinalSentence returns the last non-empty normalized sentence of content.
func FinalSentence(content string) string {
	parts := sentenceSplit.Split(content, -1)
	for i := len(parts) - 1; i >= 0; i-- {
		if s := Normalize(parts[i]); s != "" {
			return s
		}
	}
	return ""
}

// Match reports which phrase, if any, equals the final sentence of content
// after normalization.
func Match(content string, phrases []string) (string, bool) {
	last := FinalSentence(content)
	if last == "" {
		return "", false
	}
	for _, p := range phrases {
		if Normalize(p) == last {
			return p, true
		}
	}
	return "", false
}

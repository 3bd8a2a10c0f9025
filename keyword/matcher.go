// Package keyword finds configured keywords in free text.
package keyword

import (
	"strings"
	"unicode"
)

// Set is a compiled keyword list. It holds no mutable state, so one Set may
// be shared by every site worker.
type Set struct {
	keywords []string // as configured, deduplicated
	keys     []string // normalized, aligned with keywords
}

// NewSet compiles keywords. Blank and duplicate (after normalization)
// entries are dropped; the first spelling wins.
func NewSet(keywords []string) *Set {
	s := &Set{}
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		k := normalize(kw)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		s.keywords = append(s.keywords, strings.TrimSpace(kw))
		s.keys = append(s.keys, k)
	}
	return s
}

// Keywords returns the compiled keywords in configured order.
func (s *Set) Keywords() []string {
	return append([]string(nil), s.keywords...)
}

// Len returns the number of distinct keywords.
func (s *Set) Len() int { return len(s.keys) }

// Match returns the keywords found in text, in configured order. Matching
// ignores case and punctuation and only succeeds on whole words, so "noise"
// does not match "noisey" while "noise monitoring" matches "Noise-monitoring".
func (s *Set) Match(text string) []string {
	if len(s.keys) == 0 {
		return nil
	}
	t := " " + normalize(text) + " "
	var out []string
	for i, k := range s.keys {
		if strings.Contains(t, " "+k+" ") {
			out = append(out, s.keywords[i])
		}
	}
	return out
}

// Match is a one-shot form of NewSet(keywords).Match(text).
func Match(text string, keywords []string) []string {
	return NewSet(keywords).Match(text)
}

// normalize lowercases s and collapses every run of non letter/digit runes
// to a single space.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false

	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
			continue
		}
		if !prevSpace {
			b.WriteByte(' ')
			prevSpace = true
		}
	}

	return strings.TrimSpace(b.String())
}

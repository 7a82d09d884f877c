package pty

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

// matchTimeout bounds a single pattern evaluation so a pathological
// backtracking pattern cannot stall the read loop.
const matchTimeout = 250 * time.Millisecond

// Matcher is a compiled, ordered pattern list. Patterns are searched
// case-insensitively anywhere in the text; the earliest pattern in the list
// that matches wins.
type Matcher struct {
	patterns []string
	compiled []*regexp2.Regexp
}

// NewMatcher compiles patterns in order.
func NewMatcher(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}

	m := &Matcher{
		patterns: make([]string, len(patterns)),
		compiled: make([]*regexp2.Regexp, len(patterns)),
	}
	copy(m.patterns, patterns)

	for i, p := range patterns {
		re, err := regexp2.Compile(p, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidPattern, p, err)
		}
		re.MatchTimeout = matchTimeout
		m.compiled[i] = re
	}
	return m, nil
}

// Match returns the first pattern that matches text. The returned value is
// the pattern string itself, not the matched substring.
func (m *Matcher) Match(text string) (string, bool) {
	for i, re := range m.compiled {
		ok, err := re.MatchString(text)
		if err != nil {
			// timed out; treat as a miss for this pattern
			continue
		}
		if ok {
			return m.patterns[i], true
		}
	}
	return "", false
}

// Patterns returns a copy of the pattern list in match order.
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.patterns))
	copy(out, m.patterns)
	return out
}

// Match compiles patterns and matches them against text in one call.
func Match(text string, patterns []string) (string, bool, error) {
	m, err := NewMatcher(patterns)
	if err != nil {
		return "", false, err
	}
	p, ok := m.Match(text)
	return p, ok, nil
}

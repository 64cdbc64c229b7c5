// Package acceptability screens human-side conversation text against the
// content rules the collection pipeline enforces before a transcript counts.
package acceptability

import (
	"fmt"
	"strings"
	"unicode"
)

// Rule names accepted by Checker.Check.
const (
	RuleMinWords          = "min_words"
	RuleAllCaps           = "all_caps"
	RuleExactMatch        = "exact_match"
	RuleSafety            = "safety"
	RulePenalizeGreetings = "penalize_greetings"
)

const defaultMinMeanWords = 4

// Greeting openers that are flagged when the conversation is seeded with
// prior history (a fresh greeting there is formulaic filler).
var greetingWords = []string{"hi", "hello", "hey", "howdy", "greetings"}

// DefaultRules is the rule set applied to every conversation. The greeting
// rule is added separately when the start mode seeds prior utterances.
func DefaultRules() []string {
	return []string{RuleMinWords, RuleAllCaps, RuleExactMatch, RuleSafety}
}

// Checker evaluates a sequence of human utterances and produces a violation
// report. An empty report means the messages are acceptable.
type Checker struct {
	minMeanWords int
	denyList     []string
}

// Option configures a Checker.
type Option func(*Checker)

// WithMinMeanWords overrides the mean-words-per-message floor.
func WithMinMeanWords(n int) Option {
	return func(c *Checker) { c.minMeanWords = n }
}

// WithDenyList sets the tokens the safety rule scans for.
func WithDenyList(words []string) Option {
	return func(c *Checker) { c.denyList = words }
}

// NewChecker creates a Checker with the default thresholds.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{minMeanWords: defaultMinMeanWords}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs the named rules over the messages and returns a comma-joined
// report of every violated rule. Unknown rule names are a configuration
// error, not a violation.
func (c *Checker) Check(messages []string, rules []string) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var violations []string
	for _, rule := range rules {
		var violated bool
		switch rule {
		case RuleMinWords:
			violated = c.underMinWords(messages)
		case RuleAllCaps:
			violated = tooManyAllCaps(messages)
		case RuleExactMatch:
			violated = hasExactRepeat(messages)
		case RuleSafety:
			violated = c.hasUnsafeText(messages)
		case RulePenalizeGreetings:
			violated = startsWithGreeting(messages)
		default:
			return "", fmt.Errorf("unrecognized acceptability rule %q", rule)
		}
		if violated {
			violations = append(violations, rule)
		}
	}
	return strings.Join(violations, ","), nil
}

func (c *Checker) underMinWords(messages []string) bool {
	total := 0
	for _, m := range messages {
		total += len(strings.Fields(m))
	}
	return total < c.minMeanWords*len(messages)
}

// tooManyAllCaps flags conversations where more than one message is shouted.
// A single all-caps message ("OK!") is tolerated.
func tooManyAllCaps(messages []string) bool {
	count := 0
	for _, m := range messages {
		if isAllCaps(m) {
			count++
		}
	}
	return count > 1
}

func isAllCaps(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}

func hasExactRepeat(messages []string) bool {
	seen := make(map[string]bool, len(messages))
	for _, m := range messages {
		key := strings.ToLower(strings.TrimSpace(m))
		if key == "" {
			continue
		}
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}

func (c *Checker) hasUnsafeText(messages []string) bool {
	if len(c.denyList) == 0 {
		return false
	}
	for _, m := range messages {
		words := strings.Fields(strings.ToLower(m))
		for _, w := range words {
			w = strings.Trim(w, ".,!?;:'\"")
			for _, bad := range c.denyList {
				if w == bad {
					return true
				}
			}
		}
	}
	return false
}

func startsWithGreeting(messages []string) bool {
	for _, m := range messages {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			continue
		}
		first := strings.ToLower(strings.Trim(strings.Fields(trimmed)[0], ".,!?;:"))
		for _, g := range greetingWords {
			if first == g {
				return true
			}
		}
		return false
	}
	return false
}

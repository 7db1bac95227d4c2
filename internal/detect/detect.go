// Package detect classifies agent activity from captured terminal output.
// Classification is a pure function over (previous state, new content) driven
// by an ordered rule table, so individual rules are testable and new agent
// programs can be supported by adding patterns rather than control flow.
package detect

import (
	"regexp"
	"strings"

	"conductor/internal/session"
)

// trailingLines is how many lines from the end of the capture are examined.
// Scrollback above that is history, not current activity.
const trailingLines = 50

// Rule maps a surface pattern to an activity state. Rules are evaluated in
// table order; the first match wins.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	State   session.Activity
}

// DefaultRules is ordered by signal strength: error markers outrank progress
// markers, which outrank prompts, which outrank completion markers. The
// patterns cover the agent programs seen in the wild plus generic shell
// prompts.
var DefaultRules = []Rule{
	{"error-prefix", regexp.MustCompile(`(?im)^\s*(error|fatal|exception|panic):`), session.ActivityErrored},
	{"traceback", regexp.MustCompile(`(?i)traceback \(most recent call last\)`), session.ActivityErrored},
	{"rate-limit", regexp.MustCompile(`(?i)rate.?limit`), session.ActivityErrored},
	{"api-error", regexp.MustCompile(`(?i)api.?error`), session.ActivityErrored},

	{"spinner", regexp.MustCompile(`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`), session.ActivityProcessing},
	{"busy-word", regexp.MustCompile(`(?i)\b(thinking|processing|running|loading|working)\.{1,3}`), session.ActivityProcessing},
	{"progress-bar", regexp.MustCompile(`\[(=+>?|#+)\s*\]`), session.ActivityProcessing},
	{"token-count", regexp.MustCompile(`(?i)\(\d+s\s*·.*tokens`), session.ActivityProcessing},

	{"agent-prompt", regexp.MustCompile(`(?m)^(>|claude>|aider>)\s*$`), session.ActivityWaiting},
	{"confirm-prompt", regexp.MustCompile(`(?i)\[(y/n|yes/no)\]\s*$`), session.ActivityWaiting},
	{"boxed-prompt", regexp.MustCompile(`(?m)^│\s*>\s*│?\s*$`), session.ActivityWaiting},
	{"shell-prompt", regexp.MustCompile(`(?m)^[\w@.~:/()\[\] -]{0,40}[$#]\s*$`), session.ActivityWaiting},

	{"done-marker", regexp.MustCompile(`(?im)^\s*([✓✔]|done[.!]?|completed|finished)(\s|$)`), session.ActivityIdle},
}

// Detector applies a rule table with hysteresis. The zero value is not
// usable; construct with New.
type Detector struct {
	rules []Rule
}

func New() *Detector {
	return &Detector{rules: DefaultRules}
}

// NewWithRules builds a detector over a custom ordered table.
func NewWithRules(rules []Rule) *Detector {
	return &Detector{rules: rules}
}

// Detect classifies the new content given the previous state. The function
// is pure: the same inputs always yield the same output.
//
// Transitions are level-triggered with hysteresis: leaving Processing (or
// Errored) requires an explicit marker — a prompt, completion, or error
// pattern — so partial or buffered output never flips the state away. When
// nothing matches, the previous state is kept, except that a previously
// Unknown session with visible but unremarkable content settles at Idle.
func (d *Detector) Detect(previous session.Activity, content string) session.Activity {
	if strings.TrimSpace(content) == "" {
		return previous
	}

	recent := tail(content, trailingLines)
	for _, rule := range d.rules {
		if rule.Pattern.MatchString(recent) {
			return rule.State
		}
	}

	// No marker at all.
	if previous == session.ActivityUnknown {
		return session.ActivityIdle
	}
	return previous
}

func tail(content string, n int) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= n {
		return content
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

package runner

import (
	"fmt"
	"regexp"
)

// LineClass is the classification assigned to one line of agent output.
type LineClass int

const (
	// ClassContent is conversational output, buffered for a debounced flush.
	ClassContent LineClass = iota
	// ClassNoise is boot-time banner output, discarded.
	ClassNoise
	// ClassReady is a readiness marker: the agent is waiting for input.
	ClassReady
	// ClassTool is a single-line tool-usage annotation.
	ClassTool
	// ClassStatus is a single-line status banner.
	ClassStatus
	// ClassContextMarker ends a turn; it forces a flush and is not content.
	ClassContextMarker
)

// ansiPattern matches terminal color/control sequences (CSI and OSC) plus
// carriage returns, all of which are stripped before classification.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\r`)

// StripANSI removes terminal escape sequences from a line.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// rule maps an output pattern to a line class. Rules are evaluated top to
// bottom; the first match wins and unmatched lines are content.
type rule struct {
	class   LineClass
	pattern *regexp.Regexp
}

// defaultRules encode the agent's known output vocabulary. New output formats
// are accommodated by adding rules here (or via AddRule), not by changing
// control flow.
var defaultRules = []rule{
	// Boot-time banners.
	{ClassNoise, regexp.MustCompile(`(?i)^starting session\b`)},
	{ClassNoise, regexp.MustCompile(`(?i)^resuming session\b`)},
	{ClassNoise, regexp.MustCompile(`(?i)^logging to\b`)},
	{ClassNoise, regexp.MustCompile(`(?i)^working directory:`)},
	{ClassNoise, regexp.MustCompile(`^Press Ctrl`)},

	// Readiness markers.
	{ClassReady, regexp.MustCompile(`How can I help`)},
	{ClassReady, regexp.MustCompile(`^\(\s*[oO0]\)>`)},
	{ClassReady, regexp.MustCompile(`(?i)waiting for (?:your )?input`)},

	// Tool-usage indicators.
	{ClassTool, regexp.MustCompile(`^─{2,}.*\|`)},
	{ClassTool, regexp.MustCompile(`(?i)^tool(?: call)?:`)},

	// Status banners.
	{ClassStatus, regexp.MustCompile(`^(?:✓|✔|✗|✘|⚠)`)},
	{ClassStatus, regexp.MustCompile(`^(?:WARNING|WARN|ERROR):?\b`)},
	{ClassStatus, regexp.MustCompile(`(?i)^session (?:saved|stored|switched|resumed)\b`)},
	{ClassStatus, regexp.MustCompile(`(?i)^switched to session\b`)},

	// Turn boundary.
	{ClassContextMarker, regexp.MustCompile(`^Context:`)},
}

// Classifier assigns a class to each line of agent output. It holds an
// ordered rule list and nothing else, so it can be unit-tested in isolation
// from process and I/O concerns.
type Classifier struct {
	rules []rule
}

// NewClassifier creates a classifier with the default rule set.
func NewClassifier() *Classifier {
	rules := make([]rule, len(defaultRules))
	copy(rules, defaultRules)
	return &Classifier{rules: rules}
}

// AddRule appends a custom pattern for the given class. Custom rules run
// after the defaults and before the content fallthrough.
func (c *Classifier) AddRule(class LineClass, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile classifier rule %q: %w", pattern, err)
	}
	c.rules = append(c.rules, rule{class: class, pattern: re})
	return nil
}

// Classify returns the class of one ANSI-stripped line.
func (c *Classifier) Classify(line string) LineClass {
	for _, r := range c.rules {
		if r.pattern.MatchString(line) {
			return r.class
		}
	}
	return ClassContent
}

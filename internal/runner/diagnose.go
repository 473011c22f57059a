package runner

import (
	"fmt"
	"regexp"
	"strings"
)

// failureSignature maps a known stderr pattern to a human-readable diagnosis
// for a process that exited before becoming ready.
type failureSignature struct {
	pattern   *regexp.Regexp
	diagnosis string
}

var failureSignatures = []failureSignature{
	{
		regexp.MustCompile(`(?i)no such file or directory`),
		"a path the agent depends on does not exist",
	},
	{
		regexp.MustCompile(`(?i)(?:extension|mcp) server.*(?:exited|failed|crashed)|server exited before`),
		"an extension server exited before initialization completed",
	},
	{
		regexp.MustCompile(`(?i)(?:failed to (?:parse|deserialize)|malformed|invalid)[^\n]*(?:message|json|request)`),
		"the agent received a malformed inter-process message",
	},
	{
		regexp.MustCompile(`(?i)(?:api key|credentials?|unauthorized|authentication)`),
		"the agent's provider credentials were rejected or missing",
	},
}

// DiagnoseEarlyExit classifies a pre-readiness exit by matching known error
// signatures against the accumulated stderr text. Unrecognized failures fall
// back to the raw exit code plus the stderr tail.
func DiagnoseEarlyExit(stderr string, exitCode int) string {
	for _, sig := range failureSignatures {
		if sig.pattern.MatchString(stderr) {
			return fmt.Sprintf("agent failed to start: %s (exit code %d)", sig.diagnosis, exitCode)
		}
	}

	tail := stderrTailLines(stderr, 5)
	if tail == "" {
		return fmt.Sprintf("agent exited with code %d before becoming ready", exitCode)
	}
	return fmt.Sprintf("agent exited with code %d before becoming ready: %s", exitCode, tail)
}

// stderrTailLines returns the last n non-blank lines, newline-joined.
func stderrTailLines(s string, n int) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

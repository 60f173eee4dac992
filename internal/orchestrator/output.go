package orchestrator

import (
	"regexp"
	"strings"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// shapeOutput strips ANSI escapes and bounds length for chat delivery.
// Truncation keeps the head and the tail; failures usually print their
// reason at the end, successes at the start.
func shapeOutput(raw string, limit int) string {
	s := ansiRe.ReplaceAllString(raw, "")
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	head := limit * 2 / 3
	tail := limit - head
	return s[:head] + "\n... [output truncated] ...\n" + s[len(s)-tail:]
}

var urlRe = regexp.MustCompile(`https://[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}[a-zA-Z0-9./_-]*`)

// extractURL pulls the first deployment URL out of subprocess output.
func extractURL(out string) string {
	return urlRe.FindString(out)
}

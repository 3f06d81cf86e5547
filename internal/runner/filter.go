// ABOUTME: Filter for side-channel stdout from setup and dev-server processes
// ABOUTME: Forwards errors, warnings, milestones, and preview URLs; drops noise

package runner

import (
	"regexp"
	"strings"

	"github.com/driftbuild/forge/internal/event"
)

// previewURLPattern matches local dev-server addresses announced on
// stdout. These are always surfaced regardless of the other filters.
var previewURLPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0)(?::\d+)?[^\s"']*`)

var milestonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(listening|ready|compiled|started|serving)\b`),
	regexp.MustCompile(`(?i)\binstalled \d+ packages?\b`),
	regexp.MustCompile(`(?i)\bbuild (succeeded|complete)\b`),
}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(error|failed|fatal|panic)\b`),
	regexp.MustCompile(`(?i)\bexception\b`),
}

var warningPattern = regexp.MustCompile(`(?i)\bwarn(ing)?\b`)

// PreviewURL extracts a dev-server preview URL from a line, or ""
// when the line has none.
func PreviewURL(line string) string {
	return previewURLPattern.FindString(line)
}

// FilterResult classifies one stdout line.
type FilterResult struct {
	Payload    event.ToolResultPayload
	PreviewURL string // non-empty when the line announced a preview URL
}

// FilterLine decides whether a side-channel stdout line is worth an
// event. Most dev-server output is noise; only errors, warnings,
// milestones, and preview URLs pass. Returns nil for dropped lines.
func FilterLine(line string) *FilterResult {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if url := previewURLPattern.FindString(trimmed); url != "" {
		return &FilterResult{
			Payload:    event.ToolResultPayload{Output: trimmed, Stream: "stdout"},
			PreviewURL: url,
		}
	}

	for _, p := range errorPatterns {
		if p.MatchString(trimmed) {
			return &FilterResult{
				Payload: event.ToolResultPayload{Output: trimmed, Stream: "stderr"},
			}
		}
	}

	if warningPattern.MatchString(trimmed) {
		return &FilterResult{
			Payload: event.ToolResultPayload{Output: trimmed, Stream: "stderr"},
		}
	}

	for _, p := range milestonePatterns {
		if p.MatchString(trimmed) {
			return &FilterResult{
				Payload: event.ToolResultPayload{Output: trimmed, Stream: "stdout"},
			}
		}
	}

	return nil
}

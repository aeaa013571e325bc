package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/session"
)

var (
	fenceRe     = regexp.MustCompile("(?m)^[ \t]*```[ \t]*([A-Za-z0-9_+#.-]*)")
	htmlFenceRe = regexp.MustCompile("(?is)```html\\s*\\n(.*?)```")
	htmlTagRe   = regexp.MustCompile(`(?i)<(html|body|div|head|section|main|table|p|h[1-6])[\s>]`)
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)
	listRe      = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+\S`)
	emphasisRe  = regexp.MustCompile(`\*\*[^*\n]+\*\*|^>\s`)
)

// DefaultArtifactType is the render type used when content carries no
// markers of its own.
func DefaultArtifactType(expertType string) session.ArtifactType {
	switch expertType {
	case expert.Coder:
		return session.ArtifactCode
	case expert.Writer, expert.Researcher, expert.Analyzer:
		return session.ArtifactMarkdown
	case expert.Search:
		return session.ArtifactSearch
	default:
		return session.ArtifactText
	}
}

// DetectArtifactType classifies content deterministically.
func DetectArtifactType(content, expertType string) session.ArtifactType {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html") {
		return session.ArtifactHTML
	}
	if m := htmlFenceRe.FindStringSubmatch(trimmed); m != nil && htmlTagRe.MatchString(m[1]) {
		return session.ArtifactHTML
	}

	hasFence := fenceRe.MatchString(trimmed)
	looksMarkdown := headingRe.MatchString(trimmed) || listRe.MatchString(trimmed) || emphasisRe.MatchString(trimmed)

	if expertType == expert.Coder {
		// Code without a fence is raw source; prose with markdown structure
		// and no code is an explanation.
		if !hasFence && looksMarkdown {
			return session.ArtifactMarkdown
		}
		return session.ArtifactCode
	}
	if hasFence || looksMarkdown {
		return session.ArtifactMarkdown
	}
	return DefaultArtifactType(expertType)
}

// FenceLanguage returns the info string of the first fenced block.
func FenceLanguage(content string) string {
	if m := fenceRe.FindStringSubmatch(content); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// SanitizeOutput turns an echoed planning object ({"tasks": [...],
// "strategy": "..."}) into a readable bulleted summary. Other content is
// returned unchanged.
func SanitizeOutput(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return content
	}
	var echoed struct {
		Strategy *string `json:"strategy"`
		Tasks    []struct {
			ExpertType  string `json:"expert_type"`
			Description string `json:"description"`
		} `json:"tasks"`
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return content
	}
	if _, ok := probe["tasks"]; !ok {
		return content
	}
	if err := json.Unmarshal([]byte(trimmed), &echoed); err != nil || echoed.Strategy == nil {
		return content
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Strategy:** %s\n", *echoed.Strategy)
	for _, t := range echoed.Tasks {
		if t.ExpertType != "" {
			fmt.Fprintf(&b, "- **%s**: %s\n", t.ExpertType, t.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", t.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

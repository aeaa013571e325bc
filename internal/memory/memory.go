// Package memory stores and recalls per-user long-term memory snippets.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Snippet is one recalled memory.
type Snippet struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Score     float32   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Retriever is the long-term memory collaborator.
type Retriever interface {
	// Recall returns at most n snippets for userID relevant to query, best
	// first.
	Recall(ctx context.Context, userID, query string, n int) ([]Snippet, error)
	// Remember stores text for userID.
	Remember(ctx context.Context, userID, text string) error
}

// Nop remembers nothing.
type Nop struct{}

func (Nop) Recall(context.Context, string, string, int) ([]Snippet, error) { return nil, nil }
func (Nop) Remember(context.Context, string, string) error                 { return nil }

// Format renders snippets as a prompt section. It returns "" for none.
func Format(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Relevant memories about this user]\n")
	for _, s := range snippets {
		fmt.Fprintf(&b, "- (relevance %.2f) %s\n", s.Score, s.Content)
	}
	return b.String()
}

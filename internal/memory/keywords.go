package memory

import (
	"math"
	"sort"
	"strings"
)

const maxKeywords = 24

// keywords returns the distinct tokens of text in first-seen order, capped at
// maxKeywords.
func keywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range tokenize(text) {
		if seen[w] || stopwords[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// keywordSimilarity scores how well a stored memory's keywords cover the
// query keywords: a blend of coverage and Jaccard overlap.
func keywordSimilarity(query, stored []string) float64 {
	if len(query) == 0 || len(stored) == 0 {
		return 0
	}
	set := make(map[string]bool, len(stored))
	for _, w := range stored {
		set[w] = true
	}

	var matched int
	var weighted float64
	for _, q := range query {
		if set[q] {
			matched++
			weighted += 1.0
			continue
		}
		for w := range set {
			if len(q) > 3 && strings.HasPrefix(w, q) {
				matched++
				weighted += 0.7
				break
			}
		}
	}
	if matched == 0 {
		return 0
	}

	union := float64(len(query) + len(set) - matched)
	jaccard := float64(matched) / math.Max(union, 1)
	coverage := weighted / float64(len(query))
	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}

func sortSnippets(s []Snippet) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "are": true, "was": true, "you": true, "your": true,
	"from": true, "have": true, "has": true, "not": true, "but": true,
	"can": true, "will": true, "what": true, "how": true, "about": true,
	"into": true, "its": true, "is": true, "an": true, "of": true,
	"to": true, "in": true, "on": true, "it": true, "be": true,
	"me": true, "my": true, "or": true, "as": true, "at": true,
}

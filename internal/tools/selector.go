package tools

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Selector picks the tools exposed to the model for one request.
type Selector interface {
	Select(ctx context.Context, prompt string, available []Tool) ([]Tool, error)
}

// AllSelector exposes every tool up to the limit, in registration order.
type AllSelector struct {
	// Limit caps the returned tools; 0 means unlimited.
	Limit int
}

func (s *AllSelector) Select(_ context.Context, _ string, available []Tool) ([]Tool, error) {
	if s.Limit > 0 && len(available) > s.Limit {
		return available[:s.Limit], nil
	}
	return available, nil
}

// KeywordSelector scores tools by term overlap between the prompt and
// the tool's name and declared category keywords. Tools with no overlap
// are excluded; when nothing overlaps, all tools are returned unchanged.
type KeywordSelector struct {
	Limit int
}

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// stopwords are common prompt terms that carry no tool intent.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "what": {}, "how": {},
	"who": {}, "when": {}, "where": {}, "why": {}, "can": {}, "you": {},
	"are": {}, "this": {}, "that": {}, "please": {}, "about": {},
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		if len(w) < 3 {
			continue
		}
		if _, skip := stopwords[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func (s *KeywordSelector) Select(_ context.Context, prompt string, available []Tool) ([]Tool, error) {
	promptTerms := tokenize(prompt)

	type scored struct {
		tool  Tool
		score int
		pos   int
	}
	var matches []scored
	for i, t := range available {
		spec := t.Spec()
		terms := tokenize(spec.Name + " " + spec.Category)
		score := 0
		for term := range terms {
			if _, ok := promptTerms[term]; ok {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{tool: t, score: score, pos: i})
		}
	}

	if len(matches) == 0 {
		return available, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].pos < matches[j].pos
	})

	limit := len(matches)
	if s.Limit > 0 && limit > s.Limit {
		limit = s.Limit
	}
	out := make([]Tool, 0, limit)
	for _, m := range matches[:limit] {
		out = append(out, m.tool)
	}
	return out, nil
}

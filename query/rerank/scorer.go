// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package rerank

import (
	"context"
	"strings"
)

// TokenOverlapScorer is the deterministic in-process scorer: the fraction
// of query tokens appearing in the snippet.
type TokenOverlapScorer struct{}

// Score implements Scorer.
func (TokenOverlapScorer) Score(ctx context.Context, query string, snippets []string) ([]float64, error) {
	queryTokens := tokens(query)
	scores := make([]float64, len(snippets))
	if len(queryTokens) == 0 {
		return scores, nil
	}
	for i, snippet := range snippets {
		if err := ctx.Err(); err != nil {
			return nil, Error.Wrap(err)
		}
		present := tokenSet(snippet)
		matched := 0
		for _, token := range queryTokens {
			if present[token] {
				matched++
			}
		}
		scores[i] = float64(matched) / float64(len(queryTokens))
	}
	return scores, nil
}

func tokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, token := range tokens(text) {
		set[token] = true
	}
	return set
}

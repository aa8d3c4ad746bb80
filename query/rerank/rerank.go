// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package rerank rescores top candidates with a cross-encoder behind
// budget and confidence gates.
package rerank

import (
	"context"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/pkg/mural"
)

var (
	mon = monkit.Package()

	// Error is the rerank error class.
	Error = errs.Class("rerank")
)

// Status values recorded in the request trace.
const (
	StatusApplied          = "applied"
	StatusDisabled         = "disabled"
	StatusTooFewCandidates = "too_few_candidates"
	StatusSkippedConfident = "skipped_confident_top_result"
	StatusTimeout          = "timeout"
	StatusFailed           = "failed"
	StatusNoTextCandidates = "no_text_candidates"
)

// Config carries the gate thresholds.
type Config struct {
	Enabled       bool          `help:"rescore top candidates with the cross encoder" default:"false"`
	MinCandidates int           `help:"skip reranking below this many candidates" default:"3"`
	SkipMinScore  float64       `help:"top score at or above which reranking may be skipped" default:"0.70"`
	SkipScoreGap  float64       `help:"lead over the runner-up required to skip" default:"0.20"`
	MaxTotalChars int           `help:"cumulative snippet budget passed to the scorer" default:"8000"`
	Timeout       time.Duration `help:"scoring deadline, fused order kept on expiry" default:"2s"`
	TopN          int           `help:"how many leading candidates are rescored" default:"20"`
}

// Scorer assigns relevance scores to candidate snippets for a query. A
// cross-encoder service implements this; TokenOverlapScorer is the
// deterministic in-process fallback.
type Scorer interface {
	Score(ctx context.Context, query string, snippets []string) ([]float64, error)
}

// Reranker applies the gates and the scorer.
type Reranker struct {
	log    *zap.Logger
	config Config
	scorer Scorer
}

// New returns a reranker over the scorer.
func New(log *zap.Logger, config Config, scorer Scorer) *Reranker {
	return &Reranker{log: log, config: config, scorer: scorer}
}

// Rerank rescores the text-bearing heads of the fused list. The returned
// status lands in the request trace; on any gate or failure the fused
// order is returned unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, fused []mural.QueryResult) (_ []mural.QueryResult, status string) {
	defer mon.Task()(&ctx)(nil)

	if !r.config.Enabled {
		return fused, StatusDisabled
	}
	if len(fused) < r.config.MinCandidates {
		return fused, StatusTooFewCandidates
	}
	if r.confidentTop(fused) {
		mon.Counter("rerank_skipped_confident").Inc(1)
		return fused, StatusSkippedConfident
	}

	// pick the text-bearing heads within the character budget
	type pick struct {
		index   int
		snippet string
	}
	var picks []pick
	budget := r.config.MaxTotalChars
	limit := r.config.TopN
	if limit <= 0 || limit > len(fused) {
		limit = len(fused)
	}
	for i := 0; i < limit && budget > 0; i++ {
		snippet := fused[i].Snippet
		if snippet == "" {
			continue
		}
		if len(snippet) > budget {
			cut := budget
			for cut > 0 && !utf8.RuneStart(snippet[cut]) {
				cut--
			}
			snippet = snippet[:cut]
		}
		budget -= len(snippet)
		picks = append(picks, pick{index: i, snippet: snippet})
	}
	if len(picks) == 0 {
		return fused, StatusNoTextCandidates
	}

	scoreCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		scoreCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	snippets := make([]string, len(picks))
	for i, p := range picks {
		snippets[i] = p.snippet
	}
	scores, err := r.scorer.Score(scoreCtx, query, snippets)
	if err != nil {
		if scoreCtx.Err() != nil {
			mon.Counter("rerank_timeouts").Inc(1)
			r.log.Warn("rerank timed out, keeping fused order", zap.Error(err))
			return fused, StatusTimeout
		}
		r.log.Warn("rerank failed, keeping fused order", zap.Error(err))
		return fused, StatusFailed
	}
	if len(scores) != len(picks) {
		r.log.Warn("rerank returned wrong score count, keeping fused order",
			zap.Int("want", len(picks)), zap.Int("got", len(scores)))
		return fused, StatusFailed
	}

	scores = normalize(scores)

	out := make([]mural.QueryResult, len(fused))
	copy(out, fused)
	for i, p := range picks {
		row := out[p.index]
		row.Score = scores[i]
		row.Why = append(append([]mural.WhyEntry{}, row.Why...), mural.WhyEntry{
			Source:   "rerank",
			RawScore: scores[i],
		})
		out[p.index] = row
	}

	// rescored candidates re-sort among themselves; the tail beyond the
	// budget keeps its fused scores and relative order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, StatusApplied
}

// confidentTop reports whether the leader is strong enough and far enough
// ahead that rescoring cannot help.
func (r *Reranker) confidentTop(fused []mural.QueryResult) bool {
	if len(fused) < 2 {
		return false
	}
	top, runnerUp := fused[0].Score, fused[1].Score
	return top >= r.config.SkipMinScore && top-runnerUp >= r.config.SkipScoreGap
}

// normalize squashes scores into [0,1]. In-range inputs pass through;
// logit-shaped outputs get a logistic squash.
func normalize(scores []float64) []float64 {
	inRange := true
	for _, s := range scores {
		if s < 0 || s > 1 {
			inRange = false
			break
		}
	}
	if inRange {
		return scores
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = 1 / (1 + math.Exp(-s))
	}
	return out
}

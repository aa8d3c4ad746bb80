// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package fusion merges per-source candidate lists with weighted
// reciprocal-rank fusion.
package fusion

import (
	"encoding/json"
	"sort"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/pkg/mural"
)

var (
	mon = monkit.Package()

	// Error is the fusion error class.
	Error = errs.Class("fusion")
)

// Config carries the rank constant and the versioned weight table. The
// weight table maps "source" or "source:modality" to a multiplier; keys
// absent from the table weigh 1.
type Config struct {
	K             float64 `help:"reciprocal rank constant" default:"60"`
	Weights       string  `help:"json object of per-source weights" default:"{}"`
	WeightVersion string  `help:"identifier of the active weight set" default:"default"`
}

// Source is one generator's ranked output entering fusion.
type Source struct {
	Name     string
	Modality mural.Modality
	Results  []mural.QueryResult
}

// Engine fuses ranked lists. It is stateless after construction and safe
// for concurrent use.
type Engine struct {
	k       float64
	weights map[string]float64
	version string
}

// New parses the weight table.
func New(config Config) (*Engine, error) {
	weights := map[string]float64{}
	if config.Weights != "" {
		if err := json.Unmarshal([]byte(config.Weights), &weights); err != nil {
			return nil, Error.New("invalid weight table: %v", err)
		}
	}
	k := config.K
	if k <= 0 {
		k = 60
	}
	return &Engine{k: k, weights: weights, version: config.WeightVersion}, nil
}

// Version identifies the active weight set.
func (e *Engine) Version() string { return e.version }

// Weight resolves a source's weight: the modality-qualified entry wins
// over the bare source entry, and missing entries weigh 1.
func (e *Engine) Weight(name string, modality mural.Modality) float64 {
	if w, ok := e.weights[name+":"+string(modality)]; ok {
		return w
	}
	if w, ok := e.weights[name]; ok {
		return w
	}
	return 1
}

// group accumulates one evidence unit's contributions across sources.
type group struct {
	total float64
	why   []whyContribution
	best  *mural.QueryResult
	refs  map[string]bool
	order []string
}

type whyContribution struct {
	entry        mural.WhyEntry
	contribution float64
	result       *mural.QueryResult
}

// Fuse merges the sources into one ranked list. Each output row carries a
// why entry per contributing source, ordered by contribution. Scores are
// normalized against the theoretical maximum over the sources that produced
// candidates, so a source that came back empty does not deflate the rest.
func (e *Engine) Fuse(sources []Source) []mural.QueryResult {
	var maximum float64
	for _, source := range sources {
		if len(source.Results) == 0 {
			continue
		}
		maximum += e.Weight(source.Name, source.Modality) / (e.k + 1)
	}
	if maximum == 0 {
		return nil
	}

	groups := map[string]*group{}
	var order []string

	for si := range sources {
		source := &sources[si]
		weight := e.Weight(source.Name, source.Modality)
		if weight == 0 {
			continue
		}
		for rank := range source.Results {
			result := &source.Results[rank]
			key := result.EvidenceKey()

			g, ok := groups[key]
			if !ok {
				g = &group{refs: map[string]bool{}}
				groups[key] = g
				order = append(order, key)
			}

			contribution := weight / (e.k + float64(rank+1))
			g.total += contribution
			g.why = append(g.why, whyContribution{
				entry: mural.WhyEntry{
					Source:   source.Name,
					Modality: string(result.Modality),
					RawScore: result.Score,
					Rank:     rank + 1,
					Weight:   weight,
				},
				contribution: contribution,
				result:       result,
			})
			for _, ref := range result.EvidenceRefs {
				if !g.refs[ref] {
					g.refs[ref] = true
					g.order = append(g.order, ref)
				}
			}
		}
	}

	merged := make([]mural.QueryResult, 0, len(order))
	for _, key := range order {
		g := groups[key]

		// the representative source: highest contribution, then modality
		// priority, then lexicographic uri
		sort.SliceStable(g.why, func(i, j int) bool {
			a, b := &g.why[i], &g.why[j]
			if a.contribution != b.contribution {
				return a.contribution > b.contribution
			}
			pa := mural.ModalityPriority(a.result.Modality)
			pb := mural.ModalityPriority(b.result.Modality)
			if pa != pb {
				return pa < pb
			}
			return a.result.URI < b.result.URI
		})

		row := *g.why[0].result
		row.Score = clamp(g.total / maximum)
		row.EvidenceRefs = g.order
		row.Why = make([]mural.WhyEntry, len(g.why))
		for i := range g.why {
			row.Why[i] = g.why[i].entry
		}
		merged = append(merged, row)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].EvidenceKey() < merged[j].EvidenceKey()
	})
	mon.IntVal("fused_rows").Observe(int64(len(merged)))
	return merged
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package generate runs per-modality candidate retrieval against a
// snapshot database.
package generate

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/pkg/mural"
)

var (
	mon = monkit.Package()

	// Error is the generator error class.
	Error = errs.Class("generate")
	// ErrFilter marks invalid metadata filters; it surfaces as a
	// validation error.
	ErrFilter = errs.Class("invalid filter")
)

// Request is the input shared by every generator. Embeddings are keyed by
// the modality family they were produced for.
type Request struct {
	QueryText  string
	Embeddings map[mural.Modality][]float32
	Filters    map[string]string
	TopK       int
	Scope      mural.Scope

	// Boosts multiply scores per modality after distance mapping and
	// before fusion. Missing entries mean 1.0.
	Boosts map[mural.Modality]float64
}

func (r *Request) boost(m mural.Modality) float64 {
	if b, ok := r.Boosts[m]; ok && b > 0 {
		return b
	}
	return 1.0
}

// Generator retrieves at most TopK candidates sorted by descending score.
type Generator interface {
	// Name labels the generator in fusion provenance.
	Name() string
	Generate(ctx context.Context, db *sql.DB, req Request) ([]mural.QueryResult, error)
}

// clampScore keeps scores within [0, 1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// scopeClause renders the tenant filter for a table alias. Unset levels
// match everything.
func scopeClause(alias string, scope mural.Scope) (string, []interface{}) {
	clause := "1=1"
	var args []interface{}
	if scope.OrgID != "" {
		clause += " AND " + alias + ".org_id = ?"
		args = append(args, scope.OrgID)
	}
	if scope.SiteID != "" {
		clause += " AND " + alias + ".site_id = ?"
		args = append(args, scope.SiteID)
	}
	if scope.StreamID != "" {
		clause += " AND " + alias + ".stream_id = ?"
		args = append(args, scope.StreamID)
	}
	return clause, args
}

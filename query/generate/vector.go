// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package generate

import (
	"context"
	"database/sql"
	"sort"

	"github.com/muralsearch/mural/pkg/mural"
)

// VectorGenerator probes one modality table by cosine distance against the
// request embedding for that modality.
type VectorGenerator struct {
	Modality mural.Modality
}

// Name implements Generator.
func (g *VectorGenerator) Name() string { return "vector" }

// Generate scans the modality's table under the request scope, computes
// cosine distance per row, and returns the TopK nearest as scored results.
// A request without an embedding for this modality yields no candidates.
func (g *VectorGenerator) Generate(ctx context.Context, db *sql.DB, req Request) (_ []mural.QueryResult, err error) {
	defer mon.Task()(&ctx)(&err)

	embedding, ok := req.Embeddings[g.Modality]
	if !ok || len(embedding) == 0 {
		return nil, nil
	}

	rows, err := g.scan(ctx, db, req.Scope)
	if err != nil {
		return nil, err
	}

	type scored struct {
		result   mural.QueryResult
		distance float64
	}
	candidates := make([]scored, 0, len(rows))
	for _, row := range rows {
		vector, err := DecodeEmbedding(row.embedding)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scored{
			result:   row.result,
			distance: CosineDistance(embedding, vector),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].result.PrimaryEvidenceID < candidates[j].result.PrimaryEvidenceID
	})
	if len(candidates) > req.TopK {
		candidates = candidates[:req.TopK]
	}

	boost := req.boost(g.Modality)
	results := make([]mural.QueryResult, 0, len(candidates))
	for _, c := range candidates {
		c.result.Score = clampScore((1 - c.distance) * boost)
		results = append(results, c.result)
	}
	mon.IntVal("vector_rows").Observe(int64(len(results)))
	return results, nil
}

type vectorRow struct {
	result    mural.QueryResult
	embedding []byte
}

func (g *VectorGenerator) scan(ctx context.Context, db *sql.DB, scope mural.Scope) ([]vectorRow, error) {
	where, args := scopeClause("t", scope)

	var query string
	switch g.Modality {
	case mural.ModalityDocument:
		query = `SELECT t.id, t.asset_id, t.uri, t.content, NULL, NULL, '', t.embedding, m.media_type
			FROM doc_chunks t JOIN media_assets m ON m.id = t.asset_id WHERE ` + where
	case mural.ModalityTranscript:
		query = `SELECT t.id, t.asset_id, t.uri, t.content, t.start_ms, t.end_ms, '', t.embedding, m.media_type
			FROM transcripts t JOIN media_assets m ON m.id = t.asset_id WHERE ` + where
	case mural.ModalityImage, mural.ModalityVision:
		query = `SELECT t.id, t.asset_id, t.uri, '', t.start_ms, NULL, t.thumbnail_uri, t.embedding, m.media_type
			FROM frames t JOIN media_assets m ON m.id = t.asset_id WHERE ` + where
	case mural.ModalityAudio:
		query = `SELECT t.id, t.asset_id, t.uri, '', t.start_ms, t.end_ms, '', t.embedding, m.media_type
			FROM audio_segments t JOIN media_assets m ON m.id = t.asset_id WHERE ` + where
	default:
		return nil, Error.New("no vector table for modality %q", g.Modality)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []vectorRow
	for rows.Next() {
		var (
			row              vectorRow
			snippet          sql.NullString
			startMS, endMS   sql.NullInt64
			thumbnail        sql.NullString
			id, assetID, uri string
			mediaType        string
		)
		err := rows.Scan(&id, &assetID, &uri, &snippet, &startMS, &endMS, &thumbnail, &row.embedding, &mediaType)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		row.result = mural.QueryResult{
			Modality:          g.Modality,
			URI:               uri,
			Snippet:           snippet.String,
			ThumbnailURI:      thumbnail.String,
			MediaAssetID:      assetID,
			MediaType:         mediaType,
			PrimaryEvidenceID: id,
			EvidenceRefs:      []string{id},
		}
		if startMS.Valid {
			v := startMS.Int64
			row.result.StartMS = &v
		}
		if endMS.Valid {
			v := endMS.Int64
			row.result.EndMS = &v
		}
		out = append(out, row)
	}
	return out, Error.Wrap(rows.Err())
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package generate

import (
	"context"
	"database/sql"

	"github.com/muralsearch/mural/pkg/mural"
)

// filterColumns is the allow-list of metadata filter keys. Anything else
// is rejected before touching the database.
var filterColumns = map[string]string{
	"media_type": "m.media_type",
	"title":      "m.title",
	"org_id":     "m.org_id",
	"site_id":    "m.site_id",
	"stream_id":  "m.stream_id",
}

// MetadataGenerator matches equality predicates against the media assets
// table. Every match scores 1.0; ordering falls back to asset id so
// replicas agree.
type MetadataGenerator struct{}

// Name implements Generator.
func (g *MetadataGenerator) Name() string { return "metadata" }

// Generate applies the allow-listed filters. Unknown filter keys return
// ErrFilter.
func (g *MetadataGenerator) Generate(ctx context.Context, db *sql.DB, req Request) (_ []mural.QueryResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(req.Filters) == 0 {
		return nil, ErrFilter.New("metadata search requires at least one filter")
	}

	where, args := scopeClause("m", req.Scope)
	for key, value := range req.Filters {
		column, ok := filterColumns[key]
		if !ok {
			return nil, ErrFilter.New("unknown filter key %q", key)
		}
		where += " AND " + column + " = ?"
		args = append(args, value)
	}

	query := `SELECT m.id, m.media_type, m.uri, m.title FROM media_assets m
		WHERE ` + where + ` ORDER BY m.id LIMIT ?`
	args = append(args, req.TopK)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var results []mural.QueryResult
	for rows.Next() {
		var id, mediaType, uri, title string
		if err := rows.Scan(&id, &mediaType, &uri, &title); err != nil {
			return nil, Error.Wrap(err)
		}
		modality := modalityForMediaType(mediaType)
		results = append(results, mural.QueryResult{
			Modality:          modality,
			URI:               uri,
			Snippet:           title,
			Score:             clampScore(req.boost(modality)),
			MediaAssetID:      id,
			MediaType:         mediaType,
			PrimaryEvidenceID: id,
			EvidenceRefs:      []string{id},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	mon.IntVal("metadata_rows").Observe(int64(len(results)))
	return results, nil
}

func modalityForMediaType(mediaType string) mural.Modality {
	switch mediaType {
	case "video":
		return mural.ModalityVision
	case "image":
		return mural.ModalityImage
	case "audio":
		return mural.ModalityAudio
	default:
		return mural.ModalityDocument
	}
}

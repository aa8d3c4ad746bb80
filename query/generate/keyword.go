// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package generate

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/muralsearch/mural/pkg/mural"
)

// KeywordGenerator matches query tokens against text content. It serves
// the document and transcript modalities only.
type KeywordGenerator struct {
	Modality mural.Modality
}

// Name implements Generator.
func (g *KeywordGenerator) Name() string { return "keyword" }

// Generate counts query token occurrences per chunk. The score grows with
// the match count and shrinks with chunk length; identical inputs always
// produce identical scores.
func (g *KeywordGenerator) Generate(ctx context.Context, db *sql.DB, req Request) (_ []mural.QueryResult, err error) {
	defer mon.Task()(&ctx)(&err)

	tokens := tokenize(req.QueryText)
	if len(tokens) == 0 {
		return nil, nil
	}

	var table string
	switch g.Modality {
	case mural.ModalityDocument:
		table = "doc_chunks"
	case mural.ModalityTranscript:
		table = "transcripts"
	default:
		return nil, Error.New("keyword search does not cover modality %q", g.Modality)
	}

	where, args := scopeClause("t", req.Scope)
	startCol := "NULL"
	if g.Modality == mural.ModalityTranscript {
		startCol = "t.start_ms"
	}
	query := `SELECT t.id, t.asset_id, t.uri, t.content, ` + startCol + `, m.media_type
		FROM ` + table + ` t JOIN media_assets m ON m.id = t.asset_id WHERE ` + where

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	boost := req.boost(g.Modality)
	var results []mural.QueryResult
	for rows.Next() {
		var (
			id, assetID, uri, content, mediaType string
			startMS                              sql.NullInt64
		)
		if err := rows.Scan(&id, &assetID, &uri, &content, &startMS, &mediaType); err != nil {
			return nil, Error.Wrap(err)
		}

		matches, length := countMatches(tokens, content)
		if matches == 0 {
			continue
		}
		result := mural.QueryResult{
			Modality:          g.Modality,
			URI:               uri,
			Snippet:           content,
			Score:             clampScore(keywordScore(matches, length) * boost),
			MediaAssetID:      assetID,
			MediaType:         mediaType,
			PrimaryEvidenceID: id,
			EvidenceRefs:      []string{id},
		}
		if startMS.Valid {
			v := startMS.Int64
			result.StartMS = &v
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].PrimaryEvidenceID < results[j].PrimaryEvidenceID
	})
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	mon.IntVal("keyword_rows").Observe(int64(len(results)))
	return results, nil
}

// keywordScore is monotonic non-decreasing in the match count for a fixed
// chunk length.
func keywordScore(matches, contentTokens int) float64 {
	return float64(matches) / (float64(matches) + 1 + float64(contentTokens)/8)
}

func tokenize(text string) []string {
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

func countMatches(tokens []string, content string) (matches, contentTokens int) {
	contentFields := tokenize(content)
	index := make(map[string]int, len(contentFields))
	for _, f := range contentFields {
		index[f]++
	}
	for _, token := range tokens {
		matches += index[token]
	}
	return matches, len(contentFields)
}

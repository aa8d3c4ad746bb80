// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package fusion_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muralsearch/mural/pkg/mural"
	"github.com/muralsearch/mural/query/fusion"
)

func result(id string, modality mural.Modality, uri string, score float64) mural.QueryResult {
	return mural.QueryResult{
		Modality:          modality,
		URI:               uri,
		Score:             score,
		PrimaryEvidenceID: id,
		EvidenceRefs:      []string{id},
	}
}

func newEngine(t *testing.T, config fusion.Config) *fusion.Engine {
	engine, err := fusion.New(config)
	require.NoError(t, err)
	return engine
}

func TestFuseSingleSource(t *testing.T) {
	engine := newEngine(t, fusion.Config{K: 60, WeightVersion: "default"})

	merged := engine.Fuse([]fusion.Source{{
		Name:     "vector",
		Modality: mural.ModalityDocument,
		Results: []mural.QueryResult{
			result("doc-1", mural.ModalityDocument, "s3://a", 0.9),
			result("doc-2", mural.ModalityDocument, "s3://b", 0.5),
		},
	}})
	require.Len(t, merged, 2)

	// rank 1 of the only source reaches the theoretical maximum
	require.Equal(t, "doc-1", merged[0].PrimaryEvidenceID)
	require.InDelta(t, 1.0, merged[0].Score, 1e-9)
	require.Greater(t, merged[0].Score, merged[1].Score)

	require.Equal(t, "vector", merged[0].Why[0].Source)
	require.Equal(t, 1, merged[0].Why[0].Rank)
	require.Equal(t, 0.9, merged[0].Why[0].RawScore)
}

func TestFuseDeduplicatesAcrossSources(t *testing.T) {
	engine := newEngine(t, fusion.Config{K: 60})

	sources := []fusion.Source{
		{
			Name:     "vector",
			Modality: mural.ModalityDocument,
			Results: []mural.QueryResult{
				result("doc-1", mural.ModalityDocument, "s3://a", 0.9),
				result("doc-2", mural.ModalityDocument, "s3://b", 0.6),
			},
		},
		{
			Name:     "keyword",
			Modality: mural.ModalityDocument,
			Results: []mural.QueryResult{
				result("doc-2", mural.ModalityDocument, "s3://b", 0.8),
			},
		},
	}
	merged := engine.Fuse(sources)
	require.Len(t, merged, 2)

	// doc-2 gathers contributions from both sources and overtakes doc-1
	require.Equal(t, "doc-2", merged[0].PrimaryEvidenceID)
	require.Len(t, merged[0].Why, 2)
	require.Len(t, merged[1].Why, 1)

	// why entries are ordered by contribution: keyword rank 1 beats
	// vector rank 2
	require.Equal(t, "keyword", merged[0].Why[0].Source)
	require.Equal(t, "vector", merged[0].Why[1].Source)
}

func TestFuseScoreRangeAndMonotonicity(t *testing.T) {
	engine := newEngine(t, fusion.Config{K: 60, Weights: `{"vector": 2, "keyword": 0.5}`})

	sources := []fusion.Source{
		{Name: "vector", Modality: mural.ModalityDocument, Results: []mural.QueryResult{
			result("a", mural.ModalityDocument, "s3://1", 0.9),
			result("b", mural.ModalityDocument, "s3://2", 0.8),
			result("c", mural.ModalityDocument, "s3://3", 0.7),
		}},
		{Name: "keyword", Modality: mural.ModalityDocument, Results: []mural.QueryResult{
			result("c", mural.ModalityDocument, "s3://3", 0.9),
			result("d", mural.ModalityDocument, "s3://4", 0.2),
		}},
	}
	merged := engine.Fuse(sources)
	require.Len(t, merged, 4)
	for i, row := range merged {
		require.GreaterOrEqual(t, row.Score, 0.0)
		require.LessOrEqual(t, row.Score, 1.0)
		if i > 0 {
			require.LessOrEqual(t, row.Score, merged[i-1].Score)
		}
	}
}

func TestFuseIdempotence(t *testing.T) {
	engine := newEngine(t, fusion.Config{K: 60})

	source := fusion.Source{
		Name:     "vector",
		Modality: mural.ModalityDocument,
		Results: []mural.QueryResult{
			result("a", mural.ModalityDocument, "s3://1", 0.9),
			result("b", mural.ModalityDocument, "s3://2", 0.4),
		},
	}

	once := engine.Fuse([]fusion.Source{source})
	twice := engine.Fuse([]fusion.Source{source, source})

	require.Len(t, twice, len(once))
	for i := range once {
		require.Equal(t, once[i].PrimaryEvidenceID, twice[i].PrimaryEvidenceID)
		require.InDelta(t, once[i].Score, twice[i].Score, 1e-9)
	}
}

func TestFuseEmptySourcesDoNotDeflateScores(t *testing.T) {
	engine := newEngine(t, fusion.Config{K: 60})

	// a broad probe fans out over every modality; only the document table
	// holds a row, the other four probes come back empty
	sources := []fusion.Source{
		{Name: "vector", Modality: mural.ModalityDocument, Results: []mural.QueryResult{
			result("doc-1", mural.ModalityDocument, "s3://a", 0.9),
		}},
		{Name: "vector", Modality: mural.ModalityTranscript},
		{Name: "vector", Modality: mural.ModalityImage},
		{Name: "vector", Modality: mural.ModalityVision},
		{Name: "vector", Modality: mural.ModalityAudio},
	}
	merged := engine.Fuse(sources)
	require.Len(t, merged, 1)

	// the only contributing source still reaches the maximum
	require.InDelta(t, 1.0, merged[0].Score, 1e-9)

	// and the result is identical to fusing without the empty probes
	alone := engine.Fuse(sources[:1])
	require.Equal(t, alone, merged)
}

func TestFuseZeroWeightSourceIsInert(t *testing.T) {
	engine := newEngine(t, fusion.Config{K: 60, Weights: `{"metadata": 0}`})

	base := []fusion.Source{{
		Name:     "vector",
		Modality: mural.ModalityDocument,
		Results:  []mural.QueryResult{result("a", mural.ModalityDocument, "s3://1", 0.9)},
	}}
	withZero := append(base, fusion.Source{
		Name:    "metadata",
		Results: []mural.QueryResult{result("z", mural.ModalityDocument, "s3://9", 1.0)},
	})

	before := engine.Fuse(base)
	after := engine.Fuse(withZero)
	require.Equal(t, before, after)
}

func TestFuseWeightVersioning(t *testing.T) {
	// the same inputs under different weight sets move scores in the
	// expected direction while every row stays rank-monotonic
	balanced := newEngine(t, fusion.Config{K: 60, WeightVersion: "default"})
	vectorHeavy := newEngine(t, fusion.Config{
		K: 60, Weights: `{"vector": 3}`, WeightVersion: "vector-heavy",
	})
	require.Equal(t, "default", balanced.Version())
	require.Equal(t, "vector-heavy", vectorHeavy.Version())

	sources := []fusion.Source{
		{Name: "vector", Modality: mural.ModalityDocument, Results: []mural.QueryResult{
			result("a", mural.ModalityDocument, "s3://1", 0.9),
		}},
		{Name: "keyword", Modality: mural.ModalityDocument, Results: []mural.QueryResult{
			result("b", mural.ModalityDocument, "s3://2", 0.9),
		}},
	}

	balancedOut := balanced.Fuse(sources)
	heavyOut := vectorHeavy.Fuse(sources)

	require.InDelta(t, balancedOut[0].Score, balancedOut[1].Score, 1e-9)
	require.Equal(t, "a", heavyOut[0].PrimaryEvidenceID)
	require.Greater(t, heavyOut[0].Score, heavyOut[1].Score)
	require.Equal(t, 3.0, heavyOut[0].Why[0].Weight)
}

func TestFuseRepresentativeTieBreaks(t *testing.T) {
	engine := newEngine(t, fusion.Config{K: 60})

	// identical contributions: document beats audio on modality priority
	sources := []fusion.Source{
		{Name: "vector", Modality: mural.ModalityAudio, Results: []mural.QueryResult{{
			Modality: mural.ModalityAudio, URI: "s3://audio", Score: 0.5,
			PrimaryEvidenceID: "ev-1", Snippet: "audio snippet",
		}}},
		{Name: "keyword", Modality: mural.ModalityDocument, Results: []mural.QueryResult{{
			Modality: mural.ModalityDocument, URI: "s3://doc", Score: 0.5,
			PrimaryEvidenceID: "ev-1", Snippet: "doc snippet",
		}}},
	}
	merged := engine.Fuse(sources)
	require.Len(t, merged, 1)
	require.Equal(t, mural.ModalityDocument, merged[0].Modality)
	require.Equal(t, "doc snippet", merged[0].Snippet)
}

func TestFuseFallbackEquivalenceKey(t *testing.T) {
	engine := newEngine(t, fusion.Config{K: 60})

	start := int64(1000)
	noID := mural.QueryResult{
		Modality: mural.ModalityTranscript, URI: "s3://t", StartMS: &start, Score: 0.5,
	}
	sources := []fusion.Source{
		{Name: "vector", Modality: mural.ModalityTranscript, Results: []mural.QueryResult{noID}},
		{Name: "keyword", Modality: mural.ModalityTranscript, Results: []mural.QueryResult{noID}},
	}
	merged := engine.Fuse(sources)
	// same (modality, uri, start_ms) collapses into one row
	require.Len(t, merged, 1)
	require.Len(t, merged[0].Why, 2)
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package shape_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/pkg/mural"
	"github.com/muralsearch/mural/query/shape"
)

func result(id, assetID string, modality mural.Modality, score float64) mural.QueryResult {
	return mural.QueryResult{
		Modality:          modality,
		URI:               "s3://" + id,
		Snippet:           "snippet " + id,
		ThumbnailURI:      "s3://thumb/" + id,
		Score:             score,
		MediaAssetID:      assetID,
		MediaType:         "video",
		PrimaryEvidenceID: id,
	}
}

func TestRedactIsPureAndSameLength(t *testing.T) {
	policies := []controlplane.PrivacyPolicy{{
		Name:           "pii",
		Modalities:     []string{"document"},
		RedactSnippets: true,
		RedactURIs:     true,
	}}
	results := []mural.QueryResult{
		result("a", "m1", mural.ModalityDocument, 0.9),
		result("b", "m1", mural.ModalityImage, 0.8),
	}
	authCtx := &mural.AuthContext{ActorType: mural.ActorAPIKey, ID: "k"}

	out := shape.Redact(authCtx, mural.Scope{}, policies, results)
	require.Len(t, out, len(results))

	// the document row is masked, the image row untouched
	require.Equal(t, "[redacted]", out[0].Snippet)
	require.Equal(t, "[redacted]", out[0].URI)
	require.Equal(t, "snippet b", out[1].Snippet)

	// inputs are not mutated and order is preserved
	require.Equal(t, "snippet a", results[0].Snippet)
	require.Equal(t, "a", out[0].PrimaryEvidenceID)
}

func TestRedactAdminBypass(t *testing.T) {
	policies := []controlplane.PrivacyPolicy{{
		Name: "all", RedactSnippets: true, RedactURIs: true, RedactThumbnails: true,
	}}
	results := []mural.QueryResult{result("a", "m1", mural.ModalityDocument, 0.9)}
	admin := &mural.AuthContext{ActorType: mural.ActorJWT, ID: "root", IsAdmin: true}

	out := shape.Redact(admin, mural.Scope{}, policies, results)
	require.Equal(t, results, out)
}

func TestRedactScopeAndThumbnails(t *testing.T) {
	policies := []controlplane.PrivacyPolicy{{
		Name:             "site-3-only",
		AppliesTo:        mural.Scope{SiteID: "site-3"},
		RedactThumbnails: true,
	}}
	results := []mural.QueryResult{result("a", "m1", mural.ModalityImage, 0.9)}
	authCtx := &mural.AuthContext{ActorType: mural.ActorAPIKey, ID: "k"}

	// request scoped elsewhere: the policy does not apply
	out := shape.Redact(authCtx, mural.Scope{SiteID: "site-1"}, policies, results)
	require.Equal(t, "s3://thumb/a", out[0].ThumbnailURI)

	// matching scope: thumbnails removed
	out = shape.Redact(authCtx, mural.Scope{SiteID: "site-3"}, policies, results)
	require.Empty(t, out[0].ThumbnailURI)
}

func TestGroupByAsset(t *testing.T) {
	results := []mural.QueryResult{
		result("m1-a", "video-1", mural.ModalityVision, 0.7),
		result("m2-a", "video-2", mural.ModalityVision, 0.9),
		result("m1-b", "video-1", mural.ModalityVision, 0.8),
		result("m1-c", "video-1", mural.ModalityTranscript, 0.6),
	}

	grouping := shape.Group(results, shape.SortByScore)
	require.Equal(t, 2, grouping.TotalVideos)
	require.Equal(t, 4, grouping.TotalMoments)

	// video-2's single 0.9 moment beats video-1's top of 0.8
	require.Equal(t, "video-2", grouping.Videos[0].AssetID)
	require.Equal(t, "video-1", grouping.Videos[1].AssetID)
	require.Equal(t, 3, grouping.Videos[1].ClipCount)

	// moments within a group are score-descending
	moments := grouping.Videos[1].Moments
	require.Equal(t, []string{"m1-b", "m1-a", "m1-c"}, []string{
		moments[0].PrimaryEvidenceID, moments[1].PrimaryEvidenceID, moments[2].PrimaryEvidenceID,
	})

	// clip_count sorting flips the group order
	byClips := shape.Group(results, shape.SortByClipCount)
	require.Equal(t, "video-1", byClips.Videos[0].AssetID)
}

func TestPaginateStability(t *testing.T) {
	results := []mural.QueryResult{
		result("doc-1", "m", mural.ModalityDocument, 0.9),
		result("doc-2", "m", mural.ModalityDocument, 0.8),
		result("doc-3", "m", mural.ModalityDocument, 0.7),
		result("doc-4", "m", mural.ModalityDocument, 0.6),
	}

	first, token, err := shape.Paginate(results, 2, "", "fp-1", "snap-1")
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, token)

	// identical request, identical page and token
	again, tokenAgain, err := shape.Paginate(results, 2, "", "fp-1", "snap-1")
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, token, tokenAgain)

	second, last, err := shape.Paginate(results, 2, token, "fp-1", "snap-1")
	require.NoError(t, err)
	require.Equal(t, "doc-3", second[0].PrimaryEvidenceID)
	require.Equal(t, "doc-4", second[1].PrimaryEvidenceID)
	require.Empty(t, last)
}

func TestPaginateRejectsForeignToken(t *testing.T) {
	results := []mural.QueryResult{result("doc-1", "m", mural.ModalityDocument, 0.9)}

	token := shape.EncodeCursor(shape.Cursor{Fingerprint: "fp-A", Offset: 0, Snapshot: "snap-1"})

	// fingerprint mismatch: validation error
	_, _, err := shape.Paginate(results, 1, token, "fp-B", "snap-1")
	require.True(t, shape.ErrPageToken.Has(err))

	// snapshot marker mismatch: snapshot shifted
	_, _, err = shape.Paginate(results, 1, token, "fp-A", "snap-2")
	require.True(t, shape.ErrSnapshotShifted.Has(err))

	// garbage tokens are validation errors
	_, _, err = shape.Paginate(results, 1, "!!!", "fp-A", "snap-1")
	require.True(t, shape.ErrPageToken.Has(err))
}

func TestPaginateBeyondEnd(t *testing.T) {
	results := []mural.QueryResult{result("doc-1", "m", mural.ModalityDocument, 0.9)}

	token := shape.EncodeCursor(shape.Cursor{Fingerprint: "fp", Offset: 10, Snapshot: "s"})
	page, next, err := shape.Paginate(results, 2, token, "fp", "s")
	require.NoError(t, err)
	require.Empty(t, page)
	require.Empty(t, next)
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package shape

import (
	"sort"

	"github.com/muralsearch/mural/pkg/mural"
)

// Grouping is the grouped view of a result list.
type Grouping struct {
	TotalVideos  int          `json:"total_videos"`
	TotalMoments int          `json:"total_moments"`
	Videos       []VideoGroup `json:"videos"`
}

// VideoGroup collapses the moments sharing one media asset.
type VideoGroup struct {
	AssetID   string              `json:"asset_id"`
	MediaType string              `json:"media_type,omitempty"`
	ClipCount int                 `json:"clip_count"`
	Moments   []mural.QueryResult `json:"moments"`
}

// Sort keys for groups.
const (
	SortByScore     = "score"
	SortByClipCount = "clip_count"
)

// Group collapses candidates sharing a media asset into parents with
// child moments. Moments within a group sort by score descending; groups
// sort by their top moment's score, or by clip count when requested.
func Group(results []mural.QueryResult, sortBy string) Grouping {
	byAsset := map[string]*VideoGroup{}
	var order []string
	for _, result := range results {
		g, ok := byAsset[result.MediaAssetID]
		if !ok {
			g = &VideoGroup{AssetID: result.MediaAssetID, MediaType: result.MediaType}
			byAsset[result.MediaAssetID] = g
			order = append(order, result.MediaAssetID)
		}
		g.Moments = append(g.Moments, result)
		g.ClipCount++
	}

	groups := make([]VideoGroup, 0, len(order))
	moments := 0
	for _, assetID := range order {
		g := byAsset[assetID]
		sort.SliceStable(g.Moments, func(i, j int) bool {
			return g.Moments[i].Score > g.Moments[j].Score
		})
		moments += len(g.Moments)
		groups = append(groups, *g)
	}

	switch sortBy {
	case SortByClipCount:
		sort.SliceStable(groups, func(i, j int) bool {
			if groups[i].ClipCount != groups[j].ClipCount {
				return groups[i].ClipCount > groups[j].ClipCount
			}
			return groups[i].Moments[0].Score > groups[j].Moments[0].Score
		})
	default:
		sort.SliceStable(groups, func(i, j int) bool {
			return groups[i].Moments[0].Score > groups[j].Moments[0].Score
		})
	}

	return Grouping{
		TotalVideos:  len(groups),
		TotalMoments: moments,
		Videos:       groups,
	}
}

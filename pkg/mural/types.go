// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package mural contains the core types shared across the platform.
package mural

import (
	"strconv"
	"strings"
)

// Scope attenuates authorization and filters candidate rows. Any empty
// level means unscoped.
type Scope struct {
	OrgID    string `json:"org_id,omitempty"`
	SiteID   string `json:"site_id,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
}

// IsZero reports whether every level of the scope is unset.
func (s Scope) IsZero() bool {
	return s.OrgID == "" && s.SiteID == "" && s.StreamID == ""
}

// Contains reports whether other falls within this scope. An unset level
// matches anything.
func (s Scope) Contains(other Scope) bool {
	if s.OrgID != "" && s.OrgID != other.OrgID {
		return false
	}
	if s.SiteID != "" && s.SiteID != other.SiteID {
		return false
	}
	if s.StreamID != "" && s.StreamID != other.StreamID {
		return false
	}
	return true
}

// ActorType identifies the credential kind that produced an AuthContext.
type ActorType string

// Credential kinds.
const (
	ActorAPIKey ActorType = "api_key"
	ActorJWT    ActorType = "jwt"
)

// AuthContext is the uniform output of credential resolution. It is
// immutable for the lifetime of one request.
type AuthContext struct {
	ActorType ActorType
	ID        string
	Scope     Scope
	IsAdmin   bool
	Roles     []string
	Groups    []string
}

// HasRole reports whether the context carries the named role,
// case-insensitively.
func (a *AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Modality identifies a retrieval modality.
type Modality string

// Known modalities.
const (
	ModalityDocument   Modality = "document"
	ModalityTranscript Modality = "transcript"
	ModalityImage      Modality = "image"
	ModalityAudio      Modality = "audio"
	ModalityVision     Modality = "vision"
)

// ModalityPriority orders modalities for tie-breaking during fusion;
// lower is higher priority.
func ModalityPriority(m Modality) int {
	switch m {
	case ModalityDocument:
		return 0
	case ModalityTranscript:
		return 1
	case ModalityImage, ModalityVision:
		return 2
	case ModalityAudio:
		return 3
	}
	return 4
}

// SearchType selects the retrieval strategy.
type SearchType string

// Known search types.
const (
	SearchVector   SearchType = "vector"
	SearchKeyword  SearchType = "keyword"
	SearchMetadata SearchType = "metadata"
)

// WhyEntry records one source's contribution to a fused result.
type WhyEntry struct {
	Source   string  `json:"source"`
	Modality string  `json:"modality,omitempty"`
	RawScore float64 `json:"raw_score"`
	Rank     int     `json:"rank,omitempty"`
	Weight   float64 `json:"weight,omitempty"`
}

// QueryResult is one candidate row flowing from generation through fusion
// to the response. Score is always within [0, 1].
type QueryResult struct {
	Modality          Modality   `json:"modality"`
	URI               string     `json:"uri"`
	Snippet           string     `json:"snippet,omitempty"`
	StartMS           *int64     `json:"start_ms,omitempty"`
	EndMS             *int64     `json:"end_ms,omitempty"`
	ThumbnailURI      string     `json:"thumbnail_uri,omitempty"`
	Score             float64    `json:"score"`
	MediaAssetID      string     `json:"media_asset_id"`
	MediaType         string     `json:"media_type"`
	PrimaryEvidenceID string     `json:"primary_evidence_id"`
	EvidenceRefs      []string   `json:"evidence_refs,omitempty"`
	Why               []WhyEntry `json:"why,omitempty"`
}

// EvidenceKey returns the fusion equivalence key for the result. It prefers
// the primary evidence id and falls back to (modality, uri, start_ms).
func (r *QueryResult) EvidenceKey() string {
	if r.PrimaryEvidenceID != "" {
		return r.PrimaryEvidenceID
	}
	start := int64(-1)
	if r.StartMS != nil {
		start = *r.StartMS
	}
	return string(r.Modality) + "\x00" + r.URI + "\x00" + strconv.FormatInt(start, 10)
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package queryserver

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/muralsearch/mural/pkg/mural"
)

// Request is the query surface.
type Request struct {
	QueryText       string            `json:"query_text,omitempty"`
	ImageBase64     string            `json:"image_base64,omitempty"`
	TopK            int               `json:"top_k,omitempty"`
	Mode            string            `json:"mode,omitempty"`
	Modalities      []string          `json:"modalities,omitempty"`
	SearchType      string            `json:"search_type,omitempty"`
	MetadataFilters map[string]string `json:"metadata_filters,omitempty"`
	PageLimit       int               `json:"page_limit,omitempty"`
	PageToken       string            `json:"page_token,omitempty"`
	GroupBy         string            `json:"group_by,omitempty"`
	SortBy          string            `json:"sort_by,omitempty"`
}

const (
	defaultTopK = 10
	maxTopK     = 50
)

var modeSets = map[string][]mural.Modality{
	"text":  {mural.ModalityDocument, mural.ModalityTranscript},
	"image": {mural.ModalityImage, mural.ModalityVision},
	"audio": {mural.ModalityAudio},
	"all": {mural.ModalityDocument, mural.ModalityTranscript,
		mural.ModalityImage, mural.ModalityVision, mural.ModalityAudio},
}

var knownModalities = map[string]mural.Modality{
	"document":   mural.ModalityDocument,
	"transcript": mural.ModalityTranscript,
	"image":      mural.ModalityImage,
	"audio":      mural.ModalityAudio,
	"vision":     mural.ModalityVision,
}

// plan is the validated, resolved form of a request.
type plan struct {
	request    Request
	searchType mural.SearchType
	modalities []mural.Modality
	pageLimit  int
}

// resolve validates the request and fixes defaults. Validation failures
// come back as typed envelopes.
func resolve(req Request, maxImageBytes int64) (*plan, *ErrorResponse) {
	if req.TopK == 0 {
		req.TopK = defaultTopK
	}
	if req.TopK < 1 || req.TopK > maxTopK {
		return nil, errValidation("top_k must be between 1 and 50")
	}

	if req.Mode != "" && len(req.Modalities) > 0 {
		return nil, errValidation("mode and modalities are mutually exclusive")
	}
	if int64(len(req.ImageBase64)) > maxImageBytes {
		return nil, errPayloadTooLarge("image_base64 exceeds the size cap")
	}

	var modalities []mural.Modality
	switch {
	case len(req.Modalities) > 0:
		seen := map[mural.Modality]bool{}
		for _, name := range req.Modalities {
			modality, ok := knownModalities[strings.ToLower(name)]
			if !ok {
				return nil, errValidation("unknown modality " + name)
			}
			if !seen[modality] {
				seen[modality] = true
				modalities = append(modalities, modality)
			}
		}
	case req.Mode != "":
		set, ok := modeSets[strings.ToLower(req.Mode)]
		if !ok {
			return nil, &ErrorResponse{
				Code:    CodeUnsupportedMode,
				Message: "unsupported mode " + req.Mode,
				status:  400,
			}
		}
		modalities = set
	default:
		modalities = modeSets["all"]
	}

	searchType := mural.SearchType(req.SearchType)
	if searchType == "" {
		searchType = mural.SearchVector
	}
	switch searchType {
	case mural.SearchVector:
		if req.QueryText == "" && req.ImageBase64 == "" {
			return nil, errValidation("vector search requires query_text or image_base64")
		}
	case mural.SearchKeyword:
		if req.QueryText == "" {
			return nil, errValidation("keyword search requires query_text")
		}
	case mural.SearchMetadata:
		if req.QueryText != "" || req.ImageBase64 != "" {
			return nil, errValidation("metadata search takes no text or image payload")
		}
		if len(req.MetadataFilters) == 0 {
			return nil, errValidation("metadata search requires metadata_filters")
		}
	default:
		return nil, errValidation("unknown search_type " + req.SearchType)
	}

	if req.ImageBase64 != "" && !containsModality(modalities, mural.ModalityImage) &&
		!containsModality(modalities, mural.ModalityVision) {
		return nil, errValidation("image queries require the image modality")
	}

	pageLimit := req.PageLimit
	if pageLimit <= 0 || pageLimit > req.TopK {
		pageLimit = req.TopK
	}

	return &plan{
		request:    req,
		searchType: searchType,
		modalities: modalities,
		pageLimit:  pageLimit,
	}, nil
}

func containsModality(set []mural.Modality, m mural.Modality) bool {
	for _, entry := range set {
		if entry == m {
			return true
		}
	}
	return false
}

// fingerprint binds page tokens to the request shape. The page token
// itself is excluded so every page of one logical query shares the
// fingerprint.
func (p *plan) fingerprint() string {
	var parts []string
	parts = append(parts,
		"q="+p.request.QueryText,
		"i="+p.request.ImageBase64,
		"k="+strconv.Itoa(p.request.TopK),
		"s="+string(p.searchType),
		"g="+p.request.GroupBy,
		"o="+p.request.SortBy,
		"l="+strconv.Itoa(p.pageLimit),
	)
	for _, m := range p.modalities {
		parts = append(parts, "m="+string(m))
	}
	keys := make([]string, 0, len(p.request.MetadataFilters))
	for key := range p.request.MetadataFilters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, "f="+key+"="+p.request.MetadataFilters[key])
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package embed adapts embedding model services behind one contract and
// caches their outputs.
package embed

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/pkg/mural"
)

var (
	mon = monkit.Package()

	// Error is the embed error class.
	Error = errs.Class("embed")
)

// Embedder produces query vectors. The family selects the embedding space
// the vector must land in: text-for-text, text-for-image, and so on.
type Embedder interface {
	EmbedText(ctx context.Context, family mural.Modality, text string) ([]float32, error)
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// HashingEmbedder is a deterministic feature-hashing embedder used in
// tests and single-node development. Identical input always produces the
// identical unit vector.
type HashingEmbedder struct {
	Dims int
}

// EmbedText hashes tokens into Dims buckets and normalizes.
func (e *HashingEmbedder) EmbedText(ctx context.Context, family mural.Modality, text string) ([]float32, error) {
	if e.Dims <= 0 {
		return nil, Error.New("hashing embedder needs positive dimensions")
	}
	return e.hash(string(family) + "\x00" + text), nil
}

// EmbedImage hashes raw image bytes into the same space.
func (e *HashingEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if e.Dims <= 0 {
		return nil, Error.New("hashing embedder needs positive dimensions")
	}
	return e.hash("image\x00" + string(image)), nil
}

func (e *HashingEmbedder) hash(input string) []float32 {
	vector := make([]float32, e.Dims)
	h := fnv.New64a()
	for i := 0; i < len(input); i++ {
		_, _ = h.Write([]byte{input[i]})
		sum := h.Sum64()
		bucket := int(sum % uint64(e.Dims))
		if sum&(1<<63) != 0 {
			vector[bucket]--
		} else {
			vector[bucket]++
		}
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vector[0] = 1
		return vector
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vector {
		vector[i] *= scale
	}
	return vector
}

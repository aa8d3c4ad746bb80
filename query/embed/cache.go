// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/muralsearch/mural/pkg/mural"
)

// Cached wraps an embedder with a process-local LRU keyed by the exact
// input, amortizing repeated queries.
type Cached struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCached returns a caching wrapper holding up to size entries.
func NewCached(inner Embedder, size int) (*Cached, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// EmbedText implements Embedder.
func (c *Cached) EmbedText(ctx context.Context, family mural.Modality, text string) ([]float32, error) {
	key := "t\x00" + string(family) + "\x00" + text
	if vector, ok := c.cache.Get(key); ok {
		mon.Counter("embed_cache_hit").Inc(1)
		return vector, nil
	}
	vector, err := c.inner.EmbedText(ctx, family, text)
	if err != nil {
		return nil, err
	}
	mon.Counter("embed_cache_miss").Inc(1)
	c.cache.Add(key, vector)
	return vector, nil
}

// EmbedImage implements Embedder. Images are keyed by content hash.
func (c *Cached) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	sum := sha256.Sum256(image)
	key := "i\x00" + hex.EncodeToString(sum[:])
	if vector, ok := c.cache.Get(key); ok {
		mon.Counter("embed_cache_hit").Inc(1)
		return vector, nil
	}
	vector, err := c.inner.EmbedImage(ctx, image)
	if err != nil {
		return nil, err
	}
	mon.Counter("embed_cache_miss").Inc(1)
	c.cache.Add(key, vector)
	return vector, nil
}

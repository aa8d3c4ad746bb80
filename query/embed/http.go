// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/muralsearch/mural/pkg/mural"
)

// HTTPConfig configures the embedding service client.
type HTTPConfig struct {
	URL       string        `help:"embedding service endpoint" default:""`
	Timeout   time.Duration `help:"per-request deadline" default:"10s"`
	CacheSize int           `help:"entries kept in the process-local embedding cache" default:"4096"`
}

// HTTPEmbedder calls an external embedding service. One POST per vector;
// the request carries the input and the target family, the response a
// single embedding array.
type HTTPEmbedder struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPEmbedder returns a client for the configured endpoint.
func NewHTTPEmbedder(config HTTPConfig) *HTTPEmbedder {
	return &HTTPEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type embedRequest struct {
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Family      string `json:"family"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedText implements Embedder.
func (e *HTTPEmbedder) EmbedText(ctx context.Context, family mural.Modality, text string) ([]float32, error) {
	return e.call(ctx, embedRequest{Text: text, Family: string(family)})
}

// EmbedImage implements Embedder.
func (e *HTTPEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	return e.call(ctx, embedRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		Family:      string(mural.ModalityImage),
	})
}

func (e *HTTPEmbedder) call(ctx context.Context, payload embedRequest) (_ []float32, err error) {
	defer mon.Task()(&ctx)(&err)

	if e.config.URL == "" {
		return nil, Error.New("no embedding endpoint configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, Error.New("embedding service returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var decoded embedResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, Error.Wrap(err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, Error.New("embedding service returned an empty vector")
	}
	return decoded.Embedding, nil
}

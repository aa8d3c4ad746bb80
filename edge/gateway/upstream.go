// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package gateway

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Upstream is the object store uploads are written through. Implementations
// must treat repeated writes of the same key as idempotent, since buffered
// payloads are replayed at least once.
type Upstream interface {
	// Put stores the payload under key and returns the stored URI and the
	// number of bytes written.
	Put(ctx context.Context, key string, payload io.Reader) (uri string, written int64, err error)
}

// UpstreamError wraps failures talking to the object store.
var UpstreamError = errs.Class("upstream")

// DirUpstream is a filesystem-backed Upstream used for single-node
// deployments and tests. Keys are sharded two levels deep to keep
// directories small.
type DirUpstream struct {
	root string
}

// NewDirUpstream creates an upstream rooted at the directory.
func NewDirUpstream(root string) (*DirUpstream, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, UpstreamError.Wrap(err)
	}
	return &DirUpstream{root: root}, nil
}

func (up *DirUpstream) pathFor(key string) string {
	if len(key) < 4 {
		return filepath.Join(up.root, key)
	}
	return filepath.Join(up.root, key[0:2], key[2:4], key[4:])
}

// Put writes the payload to a temp file and renames it into place.
func (up *DirUpstream) Put(ctx context.Context, key string, payload io.Reader) (_ string, _ int64, err error) {
	if err := ctx.Err(); err != nil {
		return "", 0, UpstreamError.Wrap(err)
	}

	target := up.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", 0, UpstreamError.Wrap(err)
	}

	temp, err := os.CreateTemp(filepath.Dir(target), ".tmp-")
	if err != nil {
		return "", 0, UpstreamError.Wrap(err)
	}
	defer func() {
		_ = temp.Close()
		_ = os.Remove(temp.Name())
	}()

	written, err := io.Copy(temp, payload)
	if err != nil {
		return "", 0, UpstreamError.Wrap(err)
	}
	if err := temp.Close(); err != nil {
		return "", 0, UpstreamError.Wrap(err)
	}
	if err := os.Rename(temp.Name(), target); err != nil {
		return "", 0, UpstreamError.Wrap(err)
	}
	return "file://" + target, written, nil
}

// HTTPUpstream writes payloads to an object store over HTTP. The key is
// appended to the base URL; PUT is idempotent by contract.
type HTTPUpstream struct {
	base   string
	client *http.Client
}

// NewHTTPUpstream creates an upstream targeting the base URL.
func NewHTTPUpstream(base string, timeout time.Duration) *HTTPUpstream {
	return &HTTPUpstream{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Put implements Upstream.
func (up *HTTPUpstream) Put(ctx context.Context, key string, payload io.Reader) (_ string, _ int64, err error) {
	counting := &countingReader{inner: payload}
	uri := up.base + "/" + key

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uri, counting)
	if err != nil {
		return "", 0, UpstreamError.Wrap(err)
	}
	resp, err := up.client.Do(req)
	if err != nil {
		return "", 0, UpstreamError.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, UpstreamError.New("object store returned %d for %s", resp.StatusCode, key)
	}
	return uri, counting.read, nil
}

type countingReader struct {
	inner io.Reader
	read  int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.read += int64(n)
	return n, err
}

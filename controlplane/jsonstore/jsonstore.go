// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package jsonstore implements the control-plane backend over one JSON
// document per collection, written atomically. Intended for single-node and
// development use.
package jsonstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the jsonstore error class.
	Error = errs.Class("jsonstore")
)

// Store persists each collection as control/<name>.json containing
// {"updated_at": ..., "<name>": [entity...]}.
type Store struct {
	dir string

	mu sync.Mutex
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{dir: dir}, nil
}

func (store *Store) path(collection string) string {
	return filepath.Join(store.dir, collection+".json")
}

// Load returns every document in the collection. A missing file is an empty
// collection.
func (store *Store) Load(ctx context.Context, collection string) (_ []json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()

	data, err := os.ReadFile(store.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}

	var document map[string]json.RawMessage
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, Error.New("corrupt collection %s: %v", collection, err)
	}

	var docs []json.RawMessage
	if raw, ok := document[collection]; ok {
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, Error.New("corrupt collection %s: %v", collection, err)
		}
	}
	return docs, nil
}

// Save atomically replaces the collection's contents.
func (store *Store) Save(ctx context.Context, collection string, docs []json.RawMessage) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()

	if docs == nil {
		docs = []json.RawMessage{}
	}
	document := map[string]interface{}{
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
		collection:   docs,
	}
	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	return atomicWrite(store.path(collection), 0o600, data)
}

// Close implements the backend interface; the store holds no resources.
func (store *Store) Close() error { return nil }

// atomicWrite writes data to a temp file in the same directory and renames
// it over the target.
func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), "."+filepath.Base(outfile)+".tmp-")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close(), os.Remove(fh.Name()))
		}
	}()
	if err := fh.Chmod(mode); err != nil {
		return Error.Wrap(err)
	}
	if _, err := fh.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := os.Rename(fh.Name(), outfile); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package boltstore implements the control-plane backend over a bolt
// database with one bucket per collection and one document per entity.
package boltstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the boltstore error class.
	Error = errs.Class("boltstore")
)

const (
	defaultTimeout = 1 * time.Second
	fileMode       = 0o600

	// maxBatchOps caps the number of operations in one write transaction.
	maxBatchOps = 450
)

// Store is a bolt-backed document store.
type Store struct {
	db     *bolt.DB
	prefix string
}

// New opens (or creates) the bolt database at path. The optional prefix
// namespaces every bucket.
func New(path, prefix string) (*Store, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{db: db, prefix: prefix}, nil
}

func (store *Store) bucketName(collection string) []byte {
	if store.prefix == "" {
		return []byte(collection)
	}
	return []byte(store.prefix + "/" + collection)
}

type docEnvelope struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Load returns every document in the collection ordered by created_at
// descending.
func (store *Store) Load(ctx context.Context, collection string) (_ []json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	type entry struct {
		doc     json.RawMessage
		created time.Time
	}
	var entries []entry

	err = store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(store.bucketName(collection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			doc := make(json.RawMessage, len(v))
			copy(doc, v)

			var envelope docEnvelope
			if err := json.Unmarshal(v, &envelope); err != nil {
				return Error.New("corrupt document %s/%s: %v", collection, string(k), err)
			}
			entries = append(entries, entry{doc: doc, created: envelope.CreatedAt})
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	sort.SliceStable(entries, func(i, k int) bool {
		return entries[i].created.After(entries[k].created)
	})
	docs := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, e.doc)
	}
	return docs, nil
}

// Save replaces the collection's contents. Writes are batched so that no
// transaction carries more than maxBatchOps operations.
func (store *Store) Save(ctx context.Context, collection string, docs []json.RawMessage) (err error) {
	defer mon.Task()(&ctx)(&err)

	incoming := make(map[string]json.RawMessage, len(docs))
	order := make([]string, 0, len(docs))
	for _, doc := range docs {
		var envelope docEnvelope
		if err := json.Unmarshal(doc, &envelope); err != nil {
			return Error.New("document missing id in %s: %v", collection, err)
		}
		if envelope.ID == "" {
			return Error.New("document missing id in %s", collection)
		}
		incoming[envelope.ID] = doc
		order = append(order, envelope.ID)
	}

	// Collect stale keys first so deletes can be batched alongside puts.
	var stale [][]byte
	err = store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(store.bucketName(collection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if _, ok := incoming[string(k)]; !ok {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
	})
	if err != nil {
		return Error.Wrap(err)
	}

	type op struct {
		key    []byte
		value  json.RawMessage // nil means delete
		delete bool
	}
	ops := make([]op, 0, len(order)+len(stale))
	for _, id := range order {
		ops = append(ops, op{key: []byte(id), value: incoming[id]})
	}
	for _, key := range stale {
		ops = append(ops, op{key: key, delete: true})
	}

	for start := 0; start < len(ops) || start == 0; start += maxBatchOps {
		end := start + maxBatchOps
		if end > len(ops) {
			end = len(ops)
		}
		batch := ops[start:end]

		err := store.db.Update(func(tx *bolt.Tx) error {
			bucket, err := tx.CreateBucketIfNotExists(store.bucketName(collection))
			if err != nil {
				return err
			}
			for _, o := range batch {
				if o.delete {
					if err := bucket.Delete(o.key); err != nil {
						return err
					}
					continue
				}
				if err := bucket.Put(o.key, o.value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return Error.Wrap(err)
		}
		if len(ops) == 0 {
			break
		}
	}
	return nil
}

// Close closes the bolt database.
func (store *Store) Close() error {
	return Error.Wrap(store.db.Close())
}

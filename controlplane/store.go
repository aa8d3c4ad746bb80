// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package controlplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var mon = monkit.Package()

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errs.Class("entity not found")

// Backend persists named collections of JSON documents. Implementations are
// the filesystem JSON store and the bolt document store; the dual façade is
// itself a Backend.
type Backend interface {
	// Load returns every document in the collection. A missing collection
	// returns an empty slice, not an error.
	Load(ctx context.Context, collection string) ([]json.RawMessage, error)

	// Save replaces the collection's contents.
	Save(ctx context.Context, collection string, docs []json.RawMessage) error

	Close() error
}

// Collection provides typed access to one backend collection.
type Collection[T any, PT interface {
	*T
	Entity
}] struct {
	backend Backend
	name    string
}

// NewCollection constructs typed access to the named collection.
func NewCollection[T any, PT interface {
	*T
	Entity
}](backend Backend, name string) *Collection[T, PT] {
	return &Collection[T, PT]{backend: backend, name: name}
}

// Name returns the collection name.
func (c *Collection[T, PT]) Name() string { return c.name }

// List returns every entity in the collection.
func (c *Collection[T, PT]) List(ctx context.Context) (_ []T, err error) {
	defer mon.Task()(&ctx)(&err)

	docs, err := c.backend.Load(ctx, c.name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		var item T
		if err := json.Unmarshal(doc, &item); err != nil {
			return nil, Error.New("corrupt %s document: %v", c.name, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Get returns the entity with the given id, or ErrNotFound.
func (c *Collection[T, PT]) Get(ctx context.Context, id string) (_ T, err error) {
	defer mon.Task()(&ctx)(&err)

	var zero T
	items, err := c.List(ctx)
	if err != nil {
		return zero, err
	}
	for i := range items {
		if PT(&items[i]).EntityID() == id {
			return items[i], nil
		}
	}
	return zero, ErrNotFound.New("%s %q", c.name, id)
}

// Upsert validates the entity, bumps its updated_at so that it strictly
// increases per mutation, and replaces it by id or appends it.
func (c *Collection[T, PT]) Upsert(ctx context.Context, item PT) (err error) {
	defer mon.Task()(&ctx)(&err)

	items, err := c.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	replaced := false
	for i := range items {
		existing := PT(&items[i])
		if existing.EntityID() != item.EntityID() {
			continue
		}
		if !now.After(existing.Updated()) {
			now = existing.Updated().Add(time.Millisecond)
		}
		item.SetUpdated(now)
		items[i] = *item
		replaced = true
		break
	}
	if !replaced {
		item.SetUpdated(now)
		items = append(items, *item)
	}

	if err := item.Validate(); err != nil {
		return err
	}
	return c.save(ctx, items)
}

// Delete removes the entity with the given id. Deleting a missing id is not
// an error.
func (c *Collection[T, PT]) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	items, err := c.List(ctx)
	if err != nil {
		return err
	}
	kept := items[:0]
	for i := range items {
		if PT(&items[i]).EntityID() != id {
			kept = append(kept, items[i])
		}
	}
	return c.save(ctx, kept)
}

func (c *Collection[T, PT]) save(ctx context.Context, items []T) error {
	docs := make([]json.RawMessage, 0, len(items))
	for i := range items {
		doc, err := json.Marshal(&items[i])
		if err != nil {
			return Error.Wrap(err)
		}
		docs = append(docs, doc)
	}
	return Error.Wrap(c.backend.Save(ctx, c.name, docs))
}

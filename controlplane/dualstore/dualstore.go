// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package dualstore arbitrates reads and writes between a primary and a
// secondary control-plane backend. The primary is authoritative; the
// secondary is best effort.
package dualstore

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/controlplane"
)

var (
	mon = monkit.Package()

	// Error is the dualstore error class.
	Error = errs.Class("dualstore")
)

// ReadMode selects how reads are routed.
type ReadMode string

// Read modes.
const (
	ReadPrimary  ReadMode = "primary"
	ReadFallback ReadMode = "fallback"
)

// WriteMode selects how writes are routed.
type WriteMode string

// Write modes.
const (
	WriteSingle WriteMode = "single"
	WriteDual   WriteMode = "dual"
)

// Config controls read and write arbitration.
type Config struct {
	ReadMode        ReadMode  `default:"primary" help:"control-plane read routing: primary or fallback"`
	WriteMode       WriteMode `default:"single" help:"control-plane write routing: single or dual"`
	FallbackOnEmpty bool      `default:"false" help:"also fall back to the secondary store when the primary returns an empty result"`
}

// Store composes two backends under one arbitration policy. It implements
// controlplane.Backend.
type Store struct {
	log       *zap.Logger
	primary   controlplane.Backend
	secondary controlplane.Backend
	config    Config
}

// New creates a dual store. The secondary may be nil, in which case all
// traffic goes to the primary regardless of mode.
func New(log *zap.Logger, primary, secondary controlplane.Backend, config Config) *Store {
	return &Store{
		log:       log,
		primary:   primary,
		secondary: secondary,
		config:    config,
	}
}

// Load reads the collection from the primary and, in fallback mode, retries
// against the secondary on error or empty result.
func (store *Store) Load(ctx context.Context, collection string) (_ []json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	docs, primaryErr := store.primary.Load(ctx, collection)
	if store.config.ReadMode != ReadFallback || store.secondary == nil {
		return docs, primaryErr
	}

	switch {
	case primaryErr != nil:
		store.log.Warn("primary read failed, falling back",
			zap.String("op", collection+".load"),
			zap.Error(primaryErr))
	case len(docs) == 0 && store.config.FallbackOnEmpty:
		store.log.Warn("primary read empty, falling back",
			zap.String("op", collection+".load"))
	default:
		return docs, nil
	}
	mon.Counter("dualstore_fallback_reads").Inc(1)

	fallback, err := store.secondary.Load(ctx, collection)
	if err != nil {
		if primaryErr != nil {
			return nil, Error.Wrap(errs.Combine(primaryErr, err))
		}
		return nil, Error.Wrap(err)
	}
	if primaryErr == nil && len(fallback) != len(docs) {
		store.log.Warn("store size mismatch",
			zap.String("op", collection+".load"),
			zap.Int("primary", len(docs)),
			zap.Int("secondary", len(fallback)))
	}
	return fallback, nil
}

// Save writes the collection to the primary and, in dual mode, also to the
// secondary. Secondary failures are logged and swallowed; the primary's
// result is authoritative.
func (store *Store) Save(ctx context.Context, collection string, docs []json.RawMessage) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := store.primary.Save(ctx, collection, docs); err != nil {
		return err
	}
	if store.config.WriteMode != WriteDual || store.secondary == nil {
		return nil
	}

	if err := store.secondary.Save(ctx, collection, docs); err != nil {
		mon.Counter("dualstore_secondary_write_failures").Inc(1)
		store.log.Warn("secondary write failed",
			zap.String("op", collection+".save"),
			zap.Error(err))
	}
	return nil
}

// Close closes both backends.
func (store *Store) Close() error {
	if store.secondary == nil {
		return store.primary.Close()
	}
	return errs.Combine(store.primary.Close(), store.secondary.Close())
}

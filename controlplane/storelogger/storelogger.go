// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package storelogger implements a logging decorator for control-plane
// backends.
package storelogger

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/controlplane"
)

var mon = monkit.Package()

var id int64

// Logger wraps a controlplane.Backend with debug logging.
type Logger struct {
	log     *zap.Logger
	backend controlplane.Backend
}

// New creates a logging decorator around backend.
func New(log *zap.Logger, backend controlplane.Backend) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	return &Logger{log.Named(strconv.Itoa(int(loggerid))), backend}
}

// Load loads the collection and logs the resulting document count.
func (store *Logger) Load(ctx context.Context, collection string) (_ []json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)
	docs, err := store.backend.Load(ctx, collection)
	store.log.Debug("Load",
		zap.String("collection", collection),
		zap.Int("documents", len(docs)),
		zap.Error(err))
	return docs, err
}

// Save saves the collection and logs the written document count.
func (store *Logger) Save(ctx context.Context, collection string, docs []json.RawMessage) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Save",
		zap.String("collection", collection),
		zap.Int("documents", len(docs)))
	return store.backend.Save(ctx, collection, docs)
}

// Close closes the wrapped backend.
func (store *Logger) Close() error {
	store.log.Debug("Close")
	return store.backend.Close()
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package boltstore_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muralsearch/mural/controlplane/boltstore"
	"github.com/muralsearch/mural/private/testcontext"
)

func openStore(t *testing.T, ctx *testcontext.Context, prefix string) *boltstore.Store {
	store, err := boltstore.New(ctx.File("db", "control.db"), prefix)
	require.NoError(t, err)
	return store
}

func entity(id string, created time.Time) json.RawMessage {
	doc, _ := json.Marshal(map[string]interface{}{
		"id":         id,
		"created_at": created.UTC().Format(time.RFC3339Nano),
	})
	return doc
}

func TestRoundtripOrdering(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openStore(t, ctx, "")
	defer ctx.Check(store.Close)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "workflow_runs", []json.RawMessage{
		entity("r-old", base),
		entity("r-new", base.Add(time.Hour)),
		entity("r-mid", base.Add(time.Minute)),
	}))

	docs, err := store.Load(ctx, "workflow_runs")
	require.NoError(t, err)
	require.Len(t, docs, 3)

	var ids []string
	for _, doc := range docs {
		var envelope struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(doc, &envelope))
		ids = append(ids, envelope.ID)
	}
	// created_at descending
	require.Equal(t, []string{"r-new", "r-mid", "r-old"}, ids)
}

func TestSaveReplacesStaleDocuments(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openStore(t, ctx, "tenant-a")
	defer ctx.Check(store.Close)

	now := time.Now()
	require.NoError(t, store.Save(ctx, "devices", []json.RawMessage{
		entity("d-1", now),
		entity("d-2", now),
	}))
	require.NoError(t, store.Save(ctx, "devices", []json.RawMessage{
		entity("d-2", now),
	}))

	docs, err := store.Load(ctx, "devices")
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestSaveBatchesLargeCollections(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openStore(t, ctx, "")
	defer ctx.Check(store.Close)

	// more documents than fit in one batched transaction
	now := time.Now()
	var docs []json.RawMessage
	for i := 0; i < 1001; i++ {
		docs = append(docs, entity(fmt.Sprintf("d-%04d", i), now.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, store.Save(ctx, "devices", docs))

	loaded, err := store.Load(ctx, "devices")
	require.NoError(t, err)
	require.Len(t, loaded, 1001)

	require.NoError(t, store.Save(ctx, "devices", nil))
	loaded, err = store.Load(ctx, "devices")
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestMissingID(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openStore(t, ctx, "")
	defer ctx.Check(store.Close)

	err := store.Save(ctx, "devices", []json.RawMessage{json.RawMessage(`{"name":"x"}`)})
	require.Error(t, err)
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package dualstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"go.uber.org/zap"

	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/controlplane/dualstore"
)

// fakeBackend is an in-memory backend that records calls and can fail on
// demand.
type fakeBackend struct {
	data     map[string][]json.RawMessage
	loads    int
	saves    int
	loadErr  error
	saveErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: map[string][]json.RawMessage{}}
}

func (b *fakeBackend) Load(ctx context.Context, collection string) ([]json.RawMessage, error) {
	b.loads++
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return b.data[collection], nil
}

func (b *fakeBackend) Save(ctx context.Context, collection string, docs []json.RawMessage) error {
	b.saves++
	if b.saveErr != nil {
		return b.saveErr
	}
	b.data[collection] = docs
	return nil
}

func (b *fakeBackend) Close() error { return nil }

func doc(id string) json.RawMessage {
	return json.RawMessage(`{"id":"` + id + `"}`)
}

func TestReadPrimaryNeverTouchesSecondary(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFakeBackend(), newFakeBackend()
	primary.loadErr = errors.New("boom")

	store := dualstore.New(zaptest.NewLogger(t), primary, secondary, dualstore.Config{
		ReadMode: dualstore.ReadPrimary,
	})

	_, err := store.Load(ctx, "abac_policies")
	require.Error(t, err)
	require.Zero(t, secondary.loads)
}

func TestReadFallbackOnError(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFakeBackend(), newFakeBackend()
	primary.loadErr = errors.New("boom")
	secondary.data["abac_policies"] = []json.RawMessage{doc("a-1")}

	store := dualstore.New(zaptest.NewLogger(t), primary, secondary, dualstore.Config{
		ReadMode: dualstore.ReadFallback,
	})

	docs, err := store.Load(ctx, "abac_policies")
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestReadFallbackNonEmptyPrimarySkipsSecondary(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFakeBackend(), newFakeBackend()
	primary.data["devices"] = []json.RawMessage{doc("d-1")}

	store := dualstore.New(zaptest.NewLogger(t), primary, secondary, dualstore.Config{
		ReadMode:        dualstore.ReadFallback,
		FallbackOnEmpty: true,
	})

	docs, err := store.Load(ctx, "devices")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Zero(t, secondary.loads)
}

func TestReadFallbackOnEmpty(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFakeBackend(), newFakeBackend()
	secondary.data["privacy_policies"] = []json.RawMessage{doc("pii")}

	core, logged := observer.New(zap.WarnLevel)
	store := dualstore.New(zap.New(core), primary, secondary, dualstore.Config{
		ReadMode:        dualstore.ReadFallback,
		WriteMode:       dualstore.WriteDual,
		FallbackOnEmpty: true,
	})

	docs, err := store.Load(ctx, "privacy_policies")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	entries := logged.FilterMessage("primary read empty, falling back").All()
	require.Len(t, entries, 1)
	require.Equal(t, "privacy_policies.load", entries[0].ContextMap()["op"])
}

func TestWriteSingleNeverTouchesSecondary(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFakeBackend(), newFakeBackend()

	store := dualstore.New(zaptest.NewLogger(t), primary, secondary, dualstore.Config{
		WriteMode: dualstore.WriteSingle,
	})

	require.NoError(t, store.Save(ctx, "devices", []json.RawMessage{doc("d-1")}))
	require.Equal(t, 1, primary.saves)
	require.Zero(t, secondary.saves)
}

func TestWriteDualSecondaryFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFakeBackend(), newFakeBackend()
	secondary.saveErr = errors.New("secondary down")

	core, logged := observer.New(zap.WarnLevel)
	store := dualstore.New(zap.New(core), primary, secondary, dualstore.Config{
		WriteMode: dualstore.WriteDual,
	})

	require.NoError(t, store.Save(ctx, "devices", []json.RawMessage{doc("d-1")}))
	require.Len(t, primary.data["devices"], 1)
	require.Len(t, logged.FilterMessage("secondary write failed").All(), 1)
}

func TestWriteDualPrimaryFailurePropagates(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFakeBackend(), newFakeBackend()
	primary.saveErr = errors.New("primary down")

	store := dualstore.New(zaptest.NewLogger(t), primary, secondary, dualstore.Config{
		WriteMode: dualstore.WriteDual,
	})

	require.Error(t, store.Save(ctx, "devices", []json.RawMessage{doc("d-1")}))
	require.Zero(t, secondary.saves)
}

// Register a privacy policy through the typed collection with dual writes
// and a primary that loses reads; the fallback read serves the policy.
func TestTypedFallbackRead(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFakeBackend(), newFakeBackend()

	store := dualstore.New(zaptest.NewLogger(t), primary, secondary, dualstore.Config{
		ReadMode:        dualstore.ReadFallback,
		WriteMode:       dualstore.WriteDual,
		FallbackOnEmpty: true,
	})
	stores := controlplane.NewStores(store)

	require.NoError(t, stores.PrivacyPolicies.Upsert(ctx, &controlplane.PrivacyPolicy{
		Meta: controlplane.Meta{ID: "pii"},
		Name: "pii",
	}))

	// Simulate the primary losing its contents.
	primary.data["privacy_policies"] = nil

	policies, err := stores.PrivacyPolicies.List(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	require.Equal(t, "pii", policies[0].Name)
}

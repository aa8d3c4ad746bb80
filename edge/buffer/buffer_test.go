// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package buffer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/muralsearch/mural/edge/buffer"
	"github.com/muralsearch/mural/private/testcontext"
)

func newBuffer(t *testing.T, ctx *testcontext.Context, maxBytes int64, ttl time.Duration) *buffer.Buffer {
	buf, err := buffer.New(zaptest.NewLogger(t), buffer.Config{
		Dir:      ctx.Dir("spool"),
		MaxBytes: maxBytes,
		TTL:      ttl,
	})
	require.NoError(t, err)
	return buf
}

func addItem(t *testing.T, ctx *testcontext.Context, buf *buffer.Buffer, payload string) buffer.Item {
	item, err := buf.Add(ctx, strings.NewReader(payload), buffer.Metadata{
		Filename: "clip.bin",
		Modality: "image",
	})
	require.NoError(t, err)
	return item
}

func TestAddListStats(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	buf := newBuffer(t, ctx, 1<<20, time.Hour)

	first := addItem(t, ctx, buf, "hi")
	second := addItem(t, ctx, buf, "hello")

	items, err := buf.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, first.ID, items[0].ID)
	require.Equal(t, second.ID, items[1].ID)

	stats, err := buf.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Count)
	require.Equal(t, int64(7), stats.TotalBytes)
	require.GreaterOrEqual(t, stats.OldestAgeS, stats.NewestAgeS)

	data, err := os.ReadFile(items[0].PayloadPath)
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))
}

func TestPruneByteCapEvictsOldestFirst(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	buf := newBuffer(t, ctx, 10, time.Hour)

	first := addItem(t, ctx, buf, "aaaa")   // 4 bytes
	second := addItem(t, ctx, buf, "bbbb")  // 8 total
	third := addItem(t, ctx, buf, "cccccc") // 14 total, evicts oldest

	items, err := buf.List(ctx)
	require.NoError(t, err)

	var ids []string
	var total int64
	for _, item := range items {
		ids = append(ids, item.ID)
		total = total + item.SizeBytes
	}
	require.NotContains(t, ids, first.ID)
	require.Contains(t, ids, second.ID)
	require.Contains(t, ids, third.ID)
	require.LessOrEqual(t, total, int64(10))
}

func TestPruneTTL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	buf := newBuffer(t, ctx, 1<<20, 50*time.Millisecond)
	addItem(t, ctx, buf, "short-lived")

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, buf.Prune(ctx))

	stats, err := buf.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Count)
}

func TestReplayOrderAndStickyFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	buf := newBuffer(t, ctx, 1<<20, time.Hour)
	first := addItem(t, ctx, buf, "1")
	second := addItem(t, ctx, buf, "2")
	third := addItem(t, ctx, buf, "3")

	// fail on the second item; the first is delivered and deleted, the
	// rest stay buffered
	var seen []string
	success, failed, err := buf.Replay(ctx, func(_ context.Context, item buffer.Item) error {
		seen = append(seen, item.ID)
		if item.ID == second.ID {
			return errors.New("upstream down")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, success)
	require.Equal(t, 1, failed)
	require.Equal(t, []string{first.ID, second.ID}, seen)

	items, err := buf.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, second.ID, items[0].ID)
	require.Equal(t, third.ID, items[1].ID)

	// upstream recovered
	success, failed, err = buf.Replay(ctx, func(_ context.Context, item buffer.Item) error {
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, success)
	require.Zero(t, failed)

	stats, err := buf.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Count)
}

func TestScanDropsCorruptAndOrphaned(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("spool")
	buf, err := buffer.New(zaptest.NewLogger(t), buffer.Config{Dir: dir, MaxBytes: 1 << 20, TTL: time.Hour})
	require.NoError(t, err)

	keep, err := buf.Add(ctx, bytes.NewReader([]byte("ok")), buffer.Metadata{Filename: "f", Modality: "audio"})
	require.NoError(t, err)

	// corrupt metadata record
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-1.meta"), []byte("{oops"), 0o600))

	// metadata with required keys missing
	incomplete, err := json.Marshal(map[string]interface{}{"item_id": "bad-2", "metadata": map[string]string{}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-2.meta"), incomplete, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-2.payload"), []byte("x"), 0o600))

	// metadata whose payload is gone
	missing, err := json.Marshal(map[string]interface{}{
		"item_id":    "bad-3",
		"created_at": time.Now().UTC(),
		"metadata":   map[string]string{"filename": "f", "modality": "image"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-3.meta"), missing, 0o600))

	// orphan temp file is never indexed
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-orphan"), []byte("partial"), 0o600))

	items, err := buf.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, keep.ID, items[0].ID)

	// the bad metadata records were removed from disk
	_, err = os.Stat(filepath.Join(dir, "bad-1.meta"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "bad-3.meta"))
	require.True(t, os.IsNotExist(err))
}

func TestConcurrentAdds(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	buf := newBuffer(t, ctx, 1<<20, time.Hour)

	const workers = 8
	var group errgroup.Group
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			_, err := buf.Add(ctx, strings.NewReader("payload"), buffer.Metadata{
				Filename: "f",
				Modality: "image",
			})
			return err
		})
	}
	require.NoError(t, group.Wait())

	items, err := buf.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, workers)
}

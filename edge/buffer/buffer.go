// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package buffer implements the durable edge spool: payloads accepted while
// the upstream store is unreachable are kept on disk with a size and age
// cap, and replayed in order once the upstream recovers.
package buffer

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/pkg/mural"
)

var (
	mon = monkit.Package()

	// Error is the buffer error class.
	Error = errs.Class("edge buffer")
)

const (
	payloadSuffix = ".payload"
	metaSuffix    = ".meta"
	tempPrefix    = ".tmp-"
)

// Metadata describes one buffered payload.
type Metadata struct {
	Filename string      `json:"filename"`
	Modality string      `json:"modality"`
	Scope    mural.Scope `json:"scope,omitempty"`
}

type metaRecord struct {
	ID        string    `json:"item_id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	Metadata  Metadata  `json:"metadata"`
}

// Item is one buffered payload.
type Item struct {
	ID          string
	CreatedAt   time.Time
	SizeBytes   int64
	PayloadPath string
	Metadata    Metadata
}

// Stats summarizes the buffer contents.
type Stats struct {
	Count      int     `json:"count"`
	TotalBytes int64   `json:"total_bytes"`
	OldestAgeS float64 `json:"oldest_age_s,omitempty"`
	NewestAgeS float64 `json:"newest_age_s,omitempty"`
}

// Config carries the buffer limits.
type Config struct {
	Dir      string        `help:"directory holding buffered payloads" default:"/var/lib/mural/edge-buffer"`
	MaxBytes int64         `help:"maximum total bytes kept in the buffer" default:"1073741824"`
	TTL      time.Duration `help:"maximum age of a buffered item" default:"24h"`
}

// Buffer is a durable FIFO spool. All on-disk transitions are
// write-to-temp plus rename on the same filesystem, so after a crash either
// the whole item or nothing is observable. Destructive passes (prune,
// replay) hold an exclusive lock so they never interleave on one item.
type Buffer struct {
	log    *zap.Logger
	config Config

	mu sync.Mutex
}

// New opens a buffer rooted at config.Dir, creating the directory when
// needed.
func New(log *zap.Logger, config Config) (*Buffer, error) {
	if config.Dir == "" {
		return nil, Error.New("buffer directory not configured")
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Buffer{log: log, config: config}, nil
}

// Add durably stores one payload and its metadata, then prunes.
func (buf *Buffer) Add(ctx context.Context, payload io.Reader, metadata Metadata) (_ Item, err error) {
	defer mon.Task()(&ctx)(&err)

	id := uuid.NewString()
	payloadPath := filepath.Join(buf.config.Dir, id+payloadSuffix)

	size, err := buf.writePayload(payloadPath, payload)
	if err != nil {
		return Item{}, err
	}

	record := metaRecord{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		SizeBytes: size,
		Metadata:  metadata,
	}
	if err := buf.writeMeta(filepath.Join(buf.config.Dir, id+metaSuffix), record); err != nil {
		_ = os.Remove(payloadPath)
		return Item{}, err
	}

	buf.log.Debug("buffered payload",
		zap.String("item_id", id),
		zap.Int64("bytes", size),
		zap.String("modality", metadata.Modality))
	mon.Counter("edge_buffer_adds").Inc(1)

	if err := buf.Prune(ctx); err != nil {
		buf.log.Warn("prune after add failed", zap.Error(err))
	}

	return Item{
		ID:          id,
		CreatedAt:   record.CreatedAt,
		SizeBytes:   size,
		PayloadPath: payloadPath,
		Metadata:    metadata,
	}, nil
}

func (buf *Buffer) writePayload(target string, payload io.Reader) (int64, error) {
	temp, err := os.CreateTemp(buf.config.Dir, tempPrefix)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		_ = temp.Close()
		_ = os.Remove(temp.Name())
	}()

	size, err := io.Copy(temp, payload)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if err := temp.Sync(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err := temp.Close(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err := os.Rename(temp.Name(), target); err != nil {
		return 0, Error.Wrap(err)
	}
	return size, nil
}

func (buf *Buffer) writeMeta(target string, record metaRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}
	temp, err := os.CreateTemp(buf.config.Dir, tempPrefix)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		_ = temp.Close()
		_ = os.Remove(temp.Name())
	}()

	if _, err := temp.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if err := temp.Sync(); err != nil {
		return Error.Wrap(err)
	}
	if err := temp.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(temp.Name(), target))
}

// List returns the buffered items in created-at ascending order. Metadata
// records that are corrupt or whose payload is missing are removed during
// the scan; orphan temp files are ignored.
func (buf *Buffer) List(ctx context.Context) (_ []Item, err error) {
	defer mon.Task()(&ctx)(&err)
	return buf.scan()
}

func (buf *Buffer) scan() ([]Item, error) {
	entries, err := os.ReadDir(buf.config.Dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var items []Item
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		metaPath := filepath.Join(buf.config.Dir, name)

		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var record metaRecord
		if err := json.Unmarshal(data, &record); err != nil || record.ID == "" || record.Metadata.Filename == "" || record.Metadata.Modality == "" {
			// Corrupt metadata removes only this record.
			buf.log.Warn("removing corrupt buffer metadata", zap.String("path", metaPath))
			_ = os.Remove(metaPath)
			continue
		}

		payloadPath := filepath.Join(buf.config.Dir, record.ID+payloadSuffix)
		info, err := os.Stat(payloadPath)
		if err != nil {
			// Missing payload silently drops the metadata.
			_ = os.Remove(metaPath)
			continue
		}

		items = append(items, Item{
			ID:          record.ID,
			CreatedAt:   record.CreatedAt,
			SizeBytes:   info.Size(),
			PayloadPath: payloadPath,
			Metadata:    record.Metadata,
		})
	}

	sort.Slice(items, func(i, k int) bool {
		if !items[i].CreatedAt.Equal(items[k].CreatedAt) {
			return items[i].CreatedAt.Before(items[k].CreatedAt)
		}
		return items[i].ID < items[k].ID
	})
	return items, nil
}

// Stats summarizes the current buffer contents.
func (buf *Buffer) Stats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	items, err := buf.scan()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Count: len(items)}
	now := time.Now()
	for _, item := range items {
		stats.TotalBytes += item.SizeBytes
	}
	if len(items) > 0 {
		stats.OldestAgeS = now.Sub(items[0].CreatedAt).Seconds()
		stats.NewestAgeS = now.Sub(items[len(items)-1].CreatedAt).Seconds()
	}
	mon.IntVal("edge_buffer_count").Observe(int64(stats.Count))
	mon.IntVal("edge_buffer_bytes").Observe(stats.TotalBytes)
	return stats, nil
}

// Prune removes items older than the TTL, then deletes oldest-first until
// the total size fits under the byte cap.
func (buf *Buffer) Prune(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	items, err := buf.scan()
	if err != nil {
		return err
	}

	now := time.Now()
	var total int64
	kept := items[:0]
	for _, item := range items {
		if buf.config.TTL > 0 && now.Sub(item.CreatedAt) > buf.config.TTL {
			buf.removeItem(item, "expired")
			continue
		}
		total += item.SizeBytes
		kept = append(kept, item)
	}

	for i := 0; total > buf.config.MaxBytes && i < len(kept); i++ {
		buf.removeItem(kept[i], "evicted")
		total -= kept[i].SizeBytes
	}
	return nil
}

func (buf *Buffer) removeItem(item Item, reason string) {
	_ = os.Remove(filepath.Join(buf.config.Dir, item.ID+metaSuffix))
	_ = os.Remove(item.PayloadPath)
	mon.Counter("edge_buffer_removed_" + reason).Inc(1)
	buf.log.Debug("removed buffered item",
		zap.String("item_id", item.ID),
		zap.String("reason", reason))
}

// Replay visits items oldest-first and hands each to send. A nil send
// result deletes the item and continues; the first failure stops the pass
// with the remaining items left buffered.
func (buf *Buffer) Replay(ctx context.Context, send func(context.Context, Item) error) (success, failed int, err error) {
	defer mon.Task()(&ctx)(&err)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	items, err := buf.scan()
	if err != nil {
		return 0, 0, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return success, failed, Error.Wrap(err)
		}
		if sendErr := send(ctx, item); sendErr != nil {
			buf.log.Warn("replay stopped",
				zap.String("item_id", item.ID),
				zap.Int("replayed", success),
				zap.Error(sendErr))
			return success, 1, nil
		}
		buf.removeItem(item, "replayed")
		success++
	}
	return success, 0, nil
}

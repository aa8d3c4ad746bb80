// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package snapshot loads immutable copies of the analytical database and
// hands out reference-counted read handles.
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the snapshot error class.
	Error = errs.Class("snapshot")
	// ErrNotReady marks queries arriving before the first successful load.
	ErrNotReady = errs.Class("snapshot not ready")
)

// Config configures the loader.
type Config struct {
	SourceURI string `help:"source database file, plain path or file:// uri" default:""`
	Root      string `help:"local root receiving snapshot copies" default:"/var/lib/mural"`
}

// Descriptor describes one published snapshot. It is never mutated after
// publication.
type Descriptor struct {
	Path        string
	Fingerprint string
	Metadata    map[string]string
	LoadedAt    time.Time
}

// Age returns how long ago the snapshot was published.
func (d *Descriptor) Age() time.Duration { return time.Since(d.LoadedAt) }

// state is one loaded snapshot plus its reference count. The backing file
// and database handle are released when the state is retired and the last
// reference goes away.
type state struct {
	log  *zap.Logger
	desc Descriptor
	db   *sql.DB

	mu      sync.Mutex
	refs    int
	retired bool
}

func (s *state) acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

func (s *state) release() {
	s.mu.Lock()
	s.refs--
	drop := s.retired && s.refs == 0
	s.mu.Unlock()
	if drop {
		s.cleanup()
	}
}

func (s *state) retire() {
	s.mu.Lock()
	s.retired = true
	drop := s.refs == 0
	s.mu.Unlock()
	if drop {
		s.cleanup()
	}
}

func (s *state) cleanup() {
	if err := errs.Combine(s.db.Close(), os.Remove(s.desc.Path)); err != nil {
		s.log.Warn("snapshot cleanup failed", zap.String("path", s.desc.Path), zap.Error(err))
	}
}

// Handle is one request's reference to a snapshot. Release must be called
// exactly once.
type Handle struct {
	state *state
	once  sync.Once
}

// DB returns the open read-only database.
func (h *Handle) DB() *sql.DB { return h.state.db }

// Descriptor returns the snapshot's descriptor.
func (h *Handle) Descriptor() Descriptor { return h.state.desc }

// Release drops the reference.
func (h *Handle) Release() {
	h.once.Do(h.state.release)
}

// Loader copies the source database into the snapshot root, verifies it,
// and publishes descriptors by atomic swap.
type Loader struct {
	log    *zap.Logger
	config Config

	group singleflight.Group

	mu      sync.Mutex
	current *state
}

// NewLoader returns an empty loader; nothing is published until Load
// succeeds.
func NewLoader(log *zap.Logger, config Config) *Loader {
	return &Loader{log: log, config: config}
}

// Acquire returns a handle on the current snapshot, or ErrNotReady when no
// load has succeeded yet.
func (loader *Loader) Acquire() (*Handle, error) {
	loader.mu.Lock()
	defer loader.mu.Unlock()
	if loader.current == nil {
		return nil, ErrNotReady.New("no snapshot published")
	}
	loader.current.acquire()
	return &Handle{state: loader.current}, nil
}

// Current returns the published descriptor without taking a reference.
func (loader *Loader) Current() (Descriptor, bool) {
	loader.mu.Lock()
	defer loader.mu.Unlock()
	if loader.current == nil {
		return Descriptor{}, false
	}
	return loader.current.desc, true
}

// Load runs the load pipeline once. Concurrent calls are collapsed into a
// single flight; every caller observes the one outcome.
func (loader *Loader) Load(ctx context.Context) (_ Descriptor, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err, _ := loader.group.Do("load", func() (interface{}, error) {
		return loader.load(ctx)
	})
	if err != nil {
		return Descriptor{}, err
	}
	return result.(Descriptor), nil
}

func (loader *Loader) load(ctx context.Context) (_ Descriptor, err error) {
	defer mon.Task()(&ctx)(&err)

	source := strings.TrimPrefix(loader.config.SourceURI, "file://")
	if source == "" {
		return Descriptor{}, Error.New("no snapshot source configured")
	}

	dir := filepath.Join(loader.config.Root, "snapshots")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Descriptor{}, Error.Wrap(err)
	}

	dest := filepath.Join(dir, "current-"+strconv.FormatInt(time.Now().UnixNano(), 10)+".db")
	fingerprint, err := copyDatabase(source, dest)
	if err != nil {
		return Descriptor{}, err
	}

	metadata, err := readSidecar(source + ".json")
	if err != nil {
		_ = os.Remove(dest)
		return Descriptor{}, err
	}
	if fromSidecar := metadata["manifest_fingerprint"]; fromSidecar != "" {
		fingerprint = fromSidecar
	}

	db, err := sql.Open("sqlite3", "file:"+dest+"?mode=ro")
	if err != nil {
		_ = os.Remove(dest)
		return Descriptor{}, Error.Wrap(err)
	}
	if err := healthcheck(ctx, db); err != nil {
		_ = db.Close()
		_ = os.Remove(dest)
		return Descriptor{}, err
	}

	next := &state{
		log: loader.log,
		desc: Descriptor{
			Path:        dest,
			Fingerprint: fingerprint,
			Metadata:    metadata,
			LoadedAt:    time.Now().UTC(),
		},
		db: db,
	}

	loader.mu.Lock()
	previous := loader.current
	loader.current = next
	loader.mu.Unlock()

	if previous != nil {
		previous.retire()
	}

	loader.log.Info("snapshot published",
		zap.String("path", dest),
		zap.String("fingerprint", fingerprint))
	mon.Counter("snapshot_loads").Inc(1)
	return next.desc, nil
}

// Close retires the current snapshot; in-flight handles keep it alive
// until released.
func (loader *Loader) Close() error {
	loader.mu.Lock()
	current := loader.current
	loader.current = nil
	loader.mu.Unlock()
	if current != nil {
		current.retire()
	}
	return nil
}

// copyDatabase copies the source file via temp+rename and returns the
// content hash used as the fallback fingerprint.
func copyDatabase(source, dest string) (fingerprint string, err error) {
	in, err := os.Open(source)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = in.Close() }()

	temp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-")
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() {
		_ = temp.Close()
		_ = os.Remove(temp.Name())
	}()

	digest := sha256.New()
	if _, err := io.Copy(io.MultiWriter(temp, digest), in); err != nil {
		return "", Error.Wrap(err)
	}
	if err := temp.Sync(); err != nil {
		return "", Error.Wrap(err)
	}
	if err := temp.Close(); err != nil {
		return "", Error.Wrap(err)
	}
	if err := os.Rename(temp.Name(), dest); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// readSidecar loads the optional metadata document next to the source
// database. A missing sidecar is not an error.
func readSidecar(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Error.New("sidecar %s: %v", path, err)
	}
	metadata := make(map[string]string, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok {
			metadata[key] = s
		}
	}
	return metadata, nil
}

// healthcheck runs one trivial read to prove the copy opens and carries
// the expected schema.
func healthcheck(ctx context.Context, db *sql.DB) error {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM media_assets`).Scan(&count)
	if err != nil {
		return Error.New("healthcheck failed: %v", err)
	}
	mon.IntVal("snapshot_media_assets").Observe(count)
	return nil
}

// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package gateway implements the edge upload gateway: admission control,
// write-through to the object store, durable buffering when the store is
// unreachable, and ordered replay.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/edge/buffer"
	"github.com/muralsearch/mural/pkg/mural"
	"github.com/muralsearch/mural/private/sync2"
)

var (
	mon = monkit.Package()

	// Error is the gateway error class.
	Error = errs.Class("edge gateway")
)

// Config configures the edge gateway.
type Config struct {
	Address        string        `help:"listen address" default:":7070"`
	MaxUploadBytes int64         `help:"largest accepted upload body" default:"104857600"`
	ReplayInterval time.Duration `help:"how often buffered payloads are replayed" default:"30s"`

	Buffer       buffer.Config
	Batch        BatchConfig
	Backpressure BackpressureConfig
}

// Gateway serves the edge HTTP surface.
type Gateway struct {
	log      *zap.Logger
	upstream Upstream
	buffer   *buffer.Buffer
	handler  http.Handler

	replay *sync2.Cycle

	mu     sync.Mutex
	config Config

	avgLatency time.Duration
	cycleDelay time.Duration
}

// New wires the gateway routes.
func New(log *zap.Logger, upstream Upstream, buf *buffer.Buffer, config Config) *Gateway {
	gw := &Gateway{
		log:        log,
		upstream:   upstream,
		buffer:     buf,
		config:     config,
		replay:     sync2.NewCycle(config.ReplayInterval),
		cycleDelay: config.ReplayInterval,
	}

	router := mux.NewRouter()
	router.HandleFunc("/edge/upload", gw.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/edge/buffer/status", gw.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/edge/buffer/replay", gw.handleReplay).Methods(http.MethodPost)
	router.HandleFunc("/edge/buffer/prune", gw.handlePrune).Methods(http.MethodPost)
	router.HandleFunc("/edge/config", gw.handleConfigGet).Methods(http.MethodGet)
	router.HandleFunc("/edge/config", gw.handleConfigSet).Methods(http.MethodPost)
	gw.handler = router
	return gw
}

// Handler returns the gateway's HTTP handler.
func (gw *Gateway) Handler() http.Handler { return gw.handler }

// Run serves HTTP and drives the background replay cycle until the context
// is canceled.
func (gw *Gateway) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    gw.snapshotConfig().Address,
		Handler: gw.handler,
	}

	subctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errch := make(chan error, 2)
	go func() {
		errch <- gw.replay.Run(subctx, gw.replayOnce)
	}()
	go func() {
		errch <- server.ListenAndServe()
	}()

	select {
	case <-subctx.Done():
	case err := <-errch:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			_ = server.Close()
			return Error.Wrap(err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return Error.Wrap(server.Shutdown(shutdownCtx))
}

func (gw *Gateway) snapshotConfig() Config {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.config
}

func (gw *Gateway) backlog(ctx context.Context) int {
	stats, err := gw.buffer.Stats(ctx)
	if err != nil {
		gw.log.Warn("buffer stats failed", zap.Error(err))
		return 0
	}
	return stats.Count
}

type uploadResponse struct {
	Status       string `json:"status"`
	URI          string `json:"uri,omitempty"`
	BytesWritten int64  `json:"bytes_written"`
	ItemID       string `json:"item_id,omitempty"`
	TraceID      string `json:"trace_id"`
}

func (gw *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	traceID := r.Header.Get("x-correlation-id")
	if traceID == "" {
		traceID = uuid.NewString()
	}
	config := gw.snapshotConfig()

	// Admission runs before the body is read.
	backlog := gw.backlog(ctx)
	if HardRefuse(config.Backpressure, backlog) || !ShouldAccept(config.Backpressure, backlog) {
		mon.Counter("edge_upload_throttled").Inc(1)
		gw.errorResponse(w, http.StatusTooManyRequests, "buffer backlog too high", traceID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxUploadBytes)
	if err = r.ParseMultipartForm(32 << 20); err != nil {
		gw.errorResponse(w, http.StatusBadRequest, "invalid multipart body", traceID)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		gw.errorResponse(w, http.StatusBadRequest, "missing file part", traceID)
		return
	}
	defer func() { _ = file.Close() }()

	modality := r.FormValue("modality")
	if modality == "" {
		gw.errorResponse(w, http.StatusBadRequest, "missing modality", traceID)
		return
	}
	metadata := buffer.Metadata{
		Filename: header.Filename,
		Modality: modality,
		Scope: mural.Scope{
			SiteID:   r.FormValue("site_id"),
			StreamID: r.FormValue("stream_id"),
		},
	}

	key := uuid.NewString()
	uri, written, putErr := gw.upstream.Put(ctx, key, file)
	if putErr == nil {
		gw.jsonResponse(w, http.StatusOK, uploadResponse{
			Status:       "stored",
			URI:          uri,
			BytesWritten: written,
			TraceID:      traceID,
		})
		return
	}

	gw.log.Warn("upstream write failed, buffering",
		zap.String("trace_id", traceID),
		zap.Error(putErr))
	mon.Counter("edge_upload_buffered").Inc(1)

	if _, err := file.Seek(0, 0); err != nil {
		gw.errorResponse(w, http.StatusInternalServerError, "payload not rewindable", traceID)
		return
	}
	item, err := gw.buffer.Add(ctx, file, metadata)
	if err != nil {
		gw.errorResponse(w, http.StatusInternalServerError, "buffering failed", traceID)
		return
	}

	gw.jsonResponse(w, http.StatusAccepted, uploadResponse{
		Status:       "buffered",
		BytesWritten: item.SizeBytes,
		ItemID:       item.ID,
		TraceID:      traceID,
	})
}

func (gw *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := gw.buffer.Stats(r.Context())
	if err != nil {
		gw.errorResponse(w, http.StatusInternalServerError, "stats failed", "")
		return
	}
	gw.jsonResponse(w, http.StatusOK, stats)
}

type replayResponse struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

func (gw *Gateway) handleReplay(w http.ResponseWriter, r *http.Request) {
	success, failed, err := gw.buffer.Replay(r.Context(), gw.send)
	if err != nil {
		gw.errorResponse(w, http.StatusInternalServerError, "replay failed", "")
		return
	}
	gw.jsonResponse(w, http.StatusOK, replayResponse{Success: success, Failed: failed})
}

func (gw *Gateway) handlePrune(w http.ResponseWriter, r *http.Request) {
	if err := gw.buffer.Prune(r.Context()); err != nil {
		gw.errorResponse(w, http.StatusInternalServerError, "prune failed", "")
		return
	}
	gw.handleStatus(w, r)
}

type configView struct {
	MaxUploadBytes int64              `json:"max_upload_bytes"`
	ReplayInterval string             `json:"replay_interval"`
	Buffer         buffer.Config      `json:"buffer"`
	Batch          BatchConfig        `json:"batch"`
	Backpressure   BackpressureConfig `json:"backpressure"`
}

func (gw *Gateway) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	config := gw.snapshotConfig()
	gw.jsonResponse(w, http.StatusOK, configView{
		MaxUploadBytes: config.MaxUploadBytes,
		ReplayInterval: config.ReplayInterval.String(),
		Buffer:         config.Buffer,
		Batch:          config.Batch,
		Backpressure:   config.Backpressure,
	})
}

type configUpdate struct {
	MaxUploadBytes *int64 `json:"max_upload_bytes,omitempty"`
	MaxBacklog     *int   `json:"max_backlog,omitempty"`
	HardLimit      *int   `json:"hard_limit,omitempty"`
}

func (gw *Gateway) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var update configUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		gw.errorResponse(w, http.StatusBadRequest, "invalid config body", "")
		return
	}

	gw.mu.Lock()
	if update.MaxUploadBytes != nil && *update.MaxUploadBytes > 0 {
		gw.config.MaxUploadBytes = *update.MaxUploadBytes
	}
	if update.MaxBacklog != nil && *update.MaxBacklog > 0 {
		gw.config.Backpressure.MaxBacklog = *update.MaxBacklog
	}
	if update.HardLimit != nil && *update.HardLimit > 0 {
		gw.config.Backpressure.HardLimit = *update.HardLimit
	}
	gw.mu.Unlock()

	gw.handleConfigGet(w, r)
}

// send delivers one buffered item to the upstream store.
func (gw *Gateway) send(ctx context.Context, item buffer.Item) error {
	fh, err := os.Open(item.PayloadPath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = fh.Close() }()

	start := time.Now()
	_, _, err = gw.upstream.Put(ctx, item.ID, fh)
	if err != nil {
		return err
	}
	gw.observeLatency(time.Since(start))
	return nil
}

func (gw *Gateway) observeLatency(d time.Duration) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.avgLatency == 0 {
		gw.avgLatency = d
		return
	}
	// exponential moving average, 1/8 weight for new samples
	gw.avgLatency += (d - gw.avgLatency) / 8
}

// replayOnce runs one background replay pass and retunes the cycle
// interval from the remaining backlog.
func (gw *Gateway) replayOnce(ctx context.Context) error {
	config := gw.snapshotConfig()

	success, failed, err := gw.buffer.Replay(ctx, gw.send)
	if err != nil {
		gw.log.Warn("background replay failed", zap.Error(err))
	} else if success > 0 || failed > 0 {
		gw.log.Info("background replay",
			zap.Int("success", success),
			zap.Int("failed", failed))
	}

	gw.mu.Lock()
	avg := gw.avgLatency
	gw.mu.Unlock()

	delay := ReplayDelay(config, gw.backlog(ctx), avg)

	gw.mu.Lock()
	changed := delay > 0 && delay != gw.cycleDelay
	if changed {
		gw.cycleDelay = delay
	}
	gw.mu.Unlock()
	if changed {
		// the control channel is serviced by the cycle loop itself, so the
		// interval change must not be sent from inside the cycle function
		go gw.replay.ChangeInterval(delay)
	}
	// background cycle errors never stop the gateway
	return nil
}

func (gw *Gateway) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (gw *Gateway) errorResponse(w http.ResponseWriter, status int, message, traceID string) {
	gw.jsonResponse(w, status, map[string]string{
		"error":    message,
		"trace_id": traceID,
	})
}

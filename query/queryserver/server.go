// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package queryserver orchestrates query execution: validation, candidate
// fan-out, fusion, reranking, shaping, and the HTTP surface.
package queryserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/pkg/auth"
	"github.com/muralsearch/mural/pkg/mural"
	"github.com/muralsearch/mural/query/embed"
	"github.com/muralsearch/mural/query/fusion"
	"github.com/muralsearch/mural/query/generate"
	"github.com/muralsearch/mural/query/rerank"
	"github.com/muralsearch/mural/query/shape"
	"github.com/muralsearch/mural/query/snapshot"
)

var (
	mon = monkit.Package()

	// Error is the queryserver error class.
	Error = errs.Class("queryserver")
)

// Config configures the query service.
type Config struct {
	Address             string        `help:"listen address" default:":8080"`
	MaxQueryBytes       int64         `help:"largest accepted query body" default:"1048576"`
	MaxImageBase64Bytes int64         `help:"largest accepted base64 image payload" default:"8388608"`
	SlowQuery           time.Duration `help:"queries at or above this latency log at warn" default:"2s"`
	LogQueryTimings     bool          `help:"log per-request timing traces" default:"true"`
	TypedErrors         bool          `help:"emit the coded error envelope" default:"true"`
	MeteringEnabled     bool          `help:"emit usage records to the sink" default:"false"`
	ImageHintBoost      float64       `help:"score multiplier for visual modalities when the text asks for them" default:"1.2"`
	AudioHintBoost      float64       `help:"score multiplier for audio when the text asks for it" default:"1.2"`

	Fusion fusion.Config
	Rerank rerank.Config
}

// Deps are the collaborators the server is constructed over.
type Deps struct {
	Auth     *auth.Service
	Loader   *snapshot.Loader
	Embedder embed.Embedder
	Stores   *controlplane.Stores
	Meter    Sink
	Scorer   rerank.Scorer
}

// Server is the query service.
type Server struct {
	log    *zap.Logger
	config Config

	auth     *auth.Service
	loader   *snapshot.Loader
	embedder embed.Embedder
	stores   *controlplane.Stores
	meter    Sink

	fusion   *fusion.Engine
	reranker *rerank.Reranker

	handler http.Handler
}

// New wires the server.
func New(log *zap.Logger, config Config, deps Deps) (*Server, error) {
	engine, err := fusion.New(config.Fusion)
	if err != nil {
		return nil, err
	}
	scorer := deps.Scorer
	if scorer == nil {
		scorer = rerank.TokenOverlapScorer{}
	}

	server := &Server{
		log:      log,
		config:   config,
		auth:     deps.Auth,
		loader:   deps.Loader,
		embedder: deps.Embedder,
		stores:   deps.Stores,
		meter:    deps.Meter,
		fusion:   engine,
		reranker: rerank.New(log.Named("rerank"), config.Rerank, scorer),
	}

	router := mux.NewRouter()
	router.HandleFunc("/query", server.handleQuery).Methods(http.MethodPost)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/admin/reload-snapshot", server.handleReload).Methods(http.MethodPost)
	router.HandleFunc("/ingest", server.handleIngest).Methods(http.MethodPost)
	server.handler = router
	return server, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves HTTP until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{Addr: s.config.Address, Handler: s.handler}

	errch := make(chan error, 1)
	go func() { errch <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errch:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return Error.Wrap(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Error.Wrap(server.Shutdown(shutdownCtx))
}

// Response is the query response surface.
type Response struct {
	Results       []mural.QueryResult    `json:"results"`
	NextPageToken string                 `json:"next_page_token,omitempty"`
	Grouping      *shape.Grouping        `json:"grouping,omitempty"`
	TraceID       string                 `json:"trace_id"`
	Trace         map[string]interface{} `json:"trace,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	started := time.Now()
	traceID := correlationID(r)
	w.Header().Set("x-correlation-id", traceID)

	// body cap preflight before any parsing
	if r.ContentLength > s.config.MaxQueryBytes {
		s.writeError(w, traceID, errPayloadTooLarge("request body exceeds the size cap"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxQueryBytes)

	authCtx, err := s.auth.Authenticate(ctx, r)
	if err != nil {
		s.writeError(w, traceID, toErrorResponse(err))
		return
	}
	if err := s.auth.Authorize(ctx, authCtx, "query", nil); err != nil {
		s.writeError(w, traceID, toErrorResponse(err))
		return
	}

	var request Request
	decoder := json.NewDecoder(r.Body)
	if s.config.TypedErrors {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(&request); err != nil {
		s.writeError(w, traceID, errValidation("invalid request body: "+err.Error()))
		return
	}

	plan, errResp := resolve(request, s.config.MaxImageBase64Bytes)
	if errResp != nil {
		s.writeError(w, traceID, errResp)
		return
	}

	handle, err := s.loader.Acquire()
	if err != nil {
		s.writeError(w, traceID, toErrorResponse(err))
		return
	}
	defer handle.Release()

	trace := map[string]interface{}{}
	response, errResp := s.execute(ctx, authCtx, plan, handle, trace)
	if errResp != nil {
		s.writeError(w, traceID, errResp)
		return
	}
	response.TraceID = traceID

	total := time.Since(started)
	trace["total_ms"] = total.Milliseconds()
	response.Trace = trace

	s.logTimings(plan, handle.Descriptor(), total, trace)
	s.emitUsage(ctx, authCtx, plan, handle.Descriptor())

	s.writeJSON(w, http.StatusOK, response)
}

// execute runs the planned query against an acquired snapshot.
func (s *Server) execute(ctx context.Context, authCtx *mural.AuthContext, plan *plan, handle *snapshot.Handle, trace map[string]interface{}) (*Response, *ErrorResponse) {
	scope := authCtx.Scope
	boosts := s.hintBoosts(plan.request.QueryText)

	req := generate.Request{
		QueryText: plan.request.QueryText,
		Filters:   plan.request.MetadataFilters,
		TopK:      plan.request.TopK,
		Scope:     scope,
		Boosts:    boosts,
	}

	if plan.searchType == mural.SearchVector {
		embeddings, errResp := s.embedAll(ctx, plan, trace)
		if errResp != nil {
			return nil, errResp
		}
		req.Embeddings = embeddings
	}

	generators := s.generators(plan)

	sources := make([]fusion.Source, len(generators))
	group, groupCtx := errgroup.WithContext(ctx)
	for i := range generators {
		i := i
		group.Go(func() error {
			started := time.Now()
			results, err := generators[i].gen.Generate(groupCtx, handle.DB(), req)
			if err != nil {
				return err
			}
			sources[i] = fusion.Source{
				Name:     generators[i].gen.Name(),
				Modality: generators[i].modality,
				Results:  results,
			}
			label := generators[i].label
			trace[label+"_query_ms"] = time.Since(started).Milliseconds()
			trace[label+"_rows"] = len(results)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, toErrorResponse(err)
	}

	fused := s.fusion.Fuse(sources)
	trace["fused_rows"] = len(fused)

	reranked := fused
	status := rerank.StatusDisabled
	if plan.request.QueryText != "" {
		reranked, status = s.reranker.Rerank(ctx, plan.request.QueryText, fused)
	}
	trace["rerank_status"] = status

	policies, err := s.stores.PrivacyPolicies.List(ctx)
	if err != nil {
		s.log.Error("privacy policy load failed", zap.Error(err))
		return nil, errInternal()
	}
	shaped := shape.Redact(authCtx, scope, policies, reranked)

	var grouping *shape.Grouping
	if plan.request.GroupBy != "" {
		grouped := shape.Group(shaped, plan.request.SortBy)
		grouping = &grouped
	}

	page, next, err := shape.Paginate(
		shaped, plan.pageLimit, plan.request.PageToken,
		plan.fingerprint(), handle.Descriptor().Fingerprint)
	if err != nil {
		return nil, toErrorResponse(err)
	}

	return &Response{
		Results:       page,
		NextPageToken: next,
		Grouping:      grouping,
	}, nil
}

type plannedGenerator struct {
	gen      generate.Generator
	modality mural.Modality
	label    string
}

func (s *Server) generators(plan *plan) []plannedGenerator {
	var out []plannedGenerator
	switch plan.searchType {
	case mural.SearchVector:
		for _, modality := range plan.modalities {
			out = append(out, plannedGenerator{
				gen:      &generate.VectorGenerator{Modality: modality},
				modality: modality,
				label:    string(modality),
			})
		}
	case mural.SearchKeyword:
		for _, modality := range plan.modalities {
			if modality != mural.ModalityDocument && modality != mural.ModalityTranscript {
				continue
			}
			out = append(out, plannedGenerator{
				gen:      &generate.KeywordGenerator{Modality: modality},
				modality: modality,
				label:    string(modality),
			})
		}
	case mural.SearchMetadata:
		out = append(out, plannedGenerator{
			gen:   &generate.MetadataGenerator{},
			label: "metadata",
		})
	}
	return out
}

// embedAll produces the query vectors the planned vector probes need, one
// per modality family.
func (s *Server) embedAll(ctx context.Context, plan *plan, trace map[string]interface{}) (map[mural.Modality][]float32, *ErrorResponse) {
	embeddings := map[mural.Modality][]float32{}

	var image []byte
	if plan.request.ImageBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(plan.request.ImageBase64)
		if err != nil {
			return nil, errValidation("image_base64 is not valid base64")
		}
		image = decoded
	}

	for _, modality := range plan.modalities {
		started := time.Now()
		var vector []float32
		var err error
		switch {
		case image != nil && (modality == mural.ModalityImage || modality == mural.ModalityVision):
			vector, err = s.embedder.EmbedImage(ctx, image)
		case plan.request.QueryText != "":
			vector, err = s.embedder.EmbedText(ctx, modality, plan.request.QueryText)
		default:
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, errTimeout("embedding timed out")
			}
			s.log.Error("embedding failed", zap.String("modality", string(modality)), zap.Error(err))
			return nil, errInternal()
		}
		embeddings[modality] = vector
		trace[string(modality)+"_embed_ms"] = time.Since(started).Milliseconds()
	}
	return embeddings, nil
}

// visual and audio hint terms trigger the modality boosts
var (
	visualHints = []string{"video", "photo", "picture", "image", "frame", "screenshot"}
	audioHints  = []string{"audio", "sound", "music", "podcast", "recording"}
)

func (s *Server) hintBoosts(queryText string) map[mural.Modality]float64 {
	if queryText == "" {
		return nil
	}
	lowered := strings.ToLower(queryText)
	boosts := map[mural.Modality]float64{}
	for _, hint := range visualHints {
		if strings.Contains(lowered, hint) && s.config.ImageHintBoost > 0 {
			boosts[mural.ModalityImage] = s.config.ImageHintBoost
			boosts[mural.ModalityVision] = s.config.ImageHintBoost
			break
		}
	}
	for _, hint := range audioHints {
		if strings.Contains(lowered, hint) && s.config.AudioHintBoost > 0 {
			boosts[mural.ModalityAudio] = s.config.AudioHintBoost
			break
		}
	}
	if len(boosts) == 0 {
		return nil
	}
	return boosts
}

func (s *Server) logTimings(plan *plan, desc snapshot.Descriptor, total time.Duration, trace map[string]interface{}) {
	if total >= s.config.SlowQuery {
		s.log.Warn("slow query",
			zap.Duration("total", total),
			zap.String("search_type", string(plan.searchType)),
			zap.Duration("snapshot_age", desc.Age()),
			zap.Any("trace", trace))
		mon.Counter("slow_queries").Inc(1)
		return
	}
	if s.config.LogQueryTimings {
		s.log.Info("query timings",
			zap.Duration("total", total),
			zap.String("search_type", string(plan.searchType)),
			zap.Any("trace", trace))
	}
}

// emitUsage meters one query. Sink failures never fail the request.
func (s *Server) emitUsage(ctx context.Context, authCtx *mural.AuthContext, plan *plan, desc snapshot.Descriptor) {
	if !s.config.MeteringEnabled || s.meter == nil {
		return
	}
	modalities := make([]string, len(plan.modalities))
	for i, m := range plan.modalities {
		modalities[i] = string(m)
	}
	err := s.meter.Record(ctx, Usage{
		EventType:           "query",
		Scope:               authCtx.Scope,
		CredentialID:        authCtx.ID,
		Modalities:          modalities,
		Units:               1,
		BytesIn:             int64(len(plan.request.QueryText) + len(plan.request.ImageBase64)),
		WeightVersion:       s.fusion.Version(),
		SnapshotFingerprint: desc.Fingerprint,
	})
	if err != nil {
		s.log.Warn("metering failed", zap.Error(err))
		mon.Counter("metering_failures").Inc(1)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	desc, ready := s.loader.Current()
	body := map[string]interface{}{
		"status":         "ok",
		"snapshot_ready": ready,
	}
	if ready {
		body["snapshot_fingerprint"] = desc.Fingerprint
		body["snapshot_age_s"] = desc.Age().Seconds()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	traceID := correlationID(r)
	w.Header().Set("x-correlation-id", traceID)

	authCtx, err := s.auth.Authenticate(ctx, r)
	if err != nil {
		s.writeError(w, traceID, toErrorResponse(err))
		return
	}
	if !authCtx.IsAdmin {
		s.writeError(w, traceID, errForbidden("snapshot reload is admin-only"))
		return
	}

	desc, err := s.loader.Load(ctx)
	if err != nil {
		s.log.Error("snapshot reload failed", zap.Error(err))
		s.writeError(w, traceID, errInternal())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "reloaded",
		"snapshot_fingerprint": desc.Fingerprint,
		"loaded_at":            desc.LoadedAt,
		"trace_id":             traceID,
	})
}

// CloudEvent is the ingest envelope.
type CloudEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Data        json.RawMessage `json:"data"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	traceID := correlationID(r)
	w.Header().Set("x-correlation-id", traceID)

	authCtx, err := s.auth.Authenticate(ctx, r)
	if err != nil {
		s.writeError(w, traceID, toErrorResponse(err))
		return
	}
	if err := s.auth.Authorize(ctx, authCtx, "ingest", nil); err != nil {
		s.writeError(w, traceID, toErrorResponse(err))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxQueryBytes)
	var event CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.writeError(w, traceID, errValidation("invalid cloudevent body"))
		return
	}
	if len(event.Data) == 0 || string(event.Data) == "null" {
		s.writeError(w, traceID, errValidation("cloudevent data must not be empty"))
		return
	}

	s.log.Info("ingest event accepted",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("source", event.Source),
		zap.String("trace_id", traceID))
	mon.Counter("ingest_accepted").Inc(1)

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"trace_id": traceID,
	})
}

func correlationID(r *http.Request) string {
	if id := r.Header.Get("x-correlation-id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, traceID string, resp *ErrorResponse) {
	if !s.config.TypedErrors {
		s.writeJSON(w, resp.Status(), map[string]string{
			"error":    resp.Message,
			"trace_id": traceID,
		})
		return
	}
	s.writeJSON(w, resp.Status(), map[string]interface{}{
		"error":    resp,
		"trace_id": traceID,
	})
}

// Package api exposes the serving engine over HTTP: the series
// endpoint, cache and warming operations, and a websocket stats feed.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/limnolab/aquifer/pkg/cache"
	"github.com/limnolab/aquifer/pkg/purge"
	"github.com/limnolab/aquifer/pkg/resolution"
	"github.com/limnolab/aquifer/pkg/serve"
	"github.com/limnolab/aquifer/pkg/shard"
	"github.com/limnolab/aquifer/pkg/store"
	"github.com/limnolab/aquifer/pkg/warmer"
)

const version = "1.0.0"

// Deps collects everything the handler serves from. Store, Shared, Hub
// and Metrics are optional; their endpoints degrade when absent.
type Deps struct {
	Engine  *serve.Engine
	Warmer  *warmer.Warmer
	Store   *store.DB
	Shared  *cache.Badger
	Hub     *Hub
	Metrics prometheus.Gatherer
}

// Handler owns the HTTP surface.
type Handler struct {
	engine   *serve.Engine
	warm     *warmer.Warmer
	db       *store.DB
	shared   *cache.Badger
	hub      *Hub
	gatherer prometheus.Gatherer
	log      *zap.SugaredLogger
	started  time.Time
}

// NewHandler wires the HTTP surface. logger may be nil.
func NewHandler(deps Deps, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		engine:   deps.Engine,
		warm:     deps.Warmer,
		db:       deps.Store,
		shared:   deps.Shared,
		hub:      deps.Hub,
		gatherer: deps.Metrics,
		log:      logger,
		started:  time.Now(),
	}
}

// Router builds the route table. Recovery and CORS wrap the router
// itself so they also cover preflight and mismatched-method requests;
// request IDs and access logging apply to matched routes.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(h.withRequestID, h.withLogging)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/series", h.handleSeries).Methods(http.MethodGet)
	v1.HandleFunc("/purge", h.handlePurge).Methods(http.MethodPost)
	v1.HandleFunc("/warm", h.handleWarm).Methods(http.MethodPost)
	v1.HandleFunc("/warm/stats", h.handleWarmStats).Methods(http.MethodGet)
	v1.HandleFunc("/cache/stats", h.handleCacheStats).Methods(http.MethodGet)
	v1.HandleFunc("/cache/months", h.handleCachedMonths).Methods(http.MethodGet)
	v1.HandleFunc("/entities", h.handleEntities).Methods(http.MethodGet)
	v1.HandleFunc("/storage", h.handleStorage).Methods(http.MethodGet)
	v1.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	if h.hub != nil {
		v1.HandleFunc("/ws", h.handleWebSocket).Methods(http.MethodGet)
	}

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return h.withRecovery(withCORS(r))
}

// handleSeries answers GET /v1/series?start=&end=&entities=&tier=,
// optionally narrowed by page= and parameters=. format=csv streams the
// frame as a download instead of the JSON shape.
func (h *Handler) handleSeries(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()

	format := qs.Get("format")
	if format != "" && format != "json" && format != "csv" {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("unknown format %q", format))
		return
	}

	start, err := parseTimeParam(qs.Get("start"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("start: %w", err))
		return
	}
	end, err := parseTimeParam(qs.Get("end"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("end: %w", err))
		return
	}

	resp, err := h.engine.Serve(r.Context(), serve.Query{
		Page:     qs.Get("page"),
		Entities: splitCSV(qs.Get("entities")),
		Params:   splitCSV(qs.Get("parameters")),
		Start:    start,
		End:      end,
		Tier:     qs.Get("tier"),
	})
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	if format == "csv" {
		h.respondCSV(w, resp, start, end)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// respondCSV writes the frame as an attachment. The plan metadata the
// JSON shape carries moves into headers so spreadsheet users still see
// where the data came from.
func (h *Handler) respondCSV(w http.ResponseWriter, resp *serve.Response, start, end time.Time) {
	filename := fmt.Sprintf("aquifer_%s_%s_%s.csv",
		resp.Plan.Granularity, start.Format("2006-01-02"), end.Format("2006-01-02"))

	cacheState := "MISS"
	if resp.Cached {
		cacheState = "HIT"
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("X-Cache", cacheState)
	w.Header().Set("X-Granularity", string(resp.Plan.Granularity))
	if err := resp.Frame.WriteCSV(w); err != nil {
		h.log.Warnw("csv encode failed", "error", err)
	}
}

// handlePurge answers POST /v1/purge with a purge.Request body.
func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purge.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	res, err := h.engine.Purge(r.Context(), req)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// handleWarm kicks off an asynchronous warming run.
func (h *Handler) handleWarm(w http.ResponseWriter, r *http.Request) {
	id, err := h.warm.WarmAsync(r.Context())
	if err != nil {
		if errors.Is(err, warmer.ErrAlreadyRunning) {
			h.respondError(w, http.StatusConflict, err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"run_id": id,
		"status": "started",
	})
}

type warmStatsResponse struct {
	warmer.Stats
	Recommendation string `json:"recommendation,omitempty"`
}

// handleWarmStats reports cumulative warming statistics, flagging the
// failure history when there is one.
func (h *Handler) handleWarmStats(w http.ResponseWriter, r *http.Request) {
	stats := h.warm.Stats()
	resp := warmStatsResponse{Stats: stats}
	if stats.PatternsFailed > 0 {
		resp.Recommendation = fmt.Sprintf(
			"%d pattern warm(s) have failed; check the warming catalog and store connectivity (last error: %s)",
			stats.PatternsFailed, stats.LastError)
	}
	h.respondJSON(w, http.StatusOK, resp)
}

type cacheStatsResponse struct {
	cache.Stats
	MemoryEstimate string           `json:"memory_estimate"`
	TopKeys        []cache.KeyStats `json:"top_keys"`
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.CacheStats()
	h.respondJSON(w, http.StatusOK, cacheStatsResponse{
		Stats:          stats,
		MemoryEstimate: humanize.Bytes(uint64(stats.LocalBytes)),
		TopKeys:        h.engine.TopKeys(10),
	})
}

// handleCachedMonths lists which month shards exist for a page, entity
// set and granularity.
func (h *Handler) handleCachedMonths(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()

	name := qs.Get("granularity")
	if name == "" {
		name = string(resolution.Daily)
	}
	g, ok := resolution.ParseGranularity(name)
	if !ok {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("unknown granularity %q", name))
		return
	}

	combo := shard.Combo{
		Page:     qs.Get("page"),
		Entities: splitCSV(qs.Get("entities")),
		Params:   splitCSV(qs.Get("parameters")),
	}
	months, err := h.engine.CachedMonths(r.Context(), combo, g)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"granularity": g,
		"months":      months,
	})
}

func (h *Handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.respondError(w, http.StatusServiceUnavailable, errors.New("measurement store not configured"))
		return
	}
	sites, err := h.db.Sites(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	params, err := h.db.Parameters(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"entities":   sites,
		"count":      len(sites),
		"parameters": params,
	})
}

type storageResponse struct {
	Measurements store.Summary `json:"measurements"`
	LocalBytes   int64         `json:"local_cache_bytes"`
	LocalSize    string        `json:"local_cache_size"`
	SharedBytes  int64         `json:"shared_cache_bytes"`
	SharedSize   string        `json:"shared_cache_size"`
}

func (h *Handler) handleStorage(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.respondError(w, http.StatusServiceUnavailable, errors.New("measurement store not configured"))
		return
	}
	summary, err := h.db.Summarize(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := storageResponse{Measurements: summary}
	resp.LocalBytes = h.engine.CacheStats().LocalBytes
	resp.LocalSize = humanize.Bytes(uint64(resp.LocalBytes))
	if h.shared != nil {
		resp.SharedBytes = h.shared.SizeBytes()
	}
	resp.SharedSize = humanize.Bytes(uint64(resp.SharedBytes))
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			status = "degraded"
			h.log.Warnw("store ping failed", "error", err)
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnw("response encode failed", "error", err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) respondError(w http.ResponseWriter, status int, err error) {
	h.respondJSON(w, status, errorBody{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

func statusFor(err error) int {
	if errors.Is(err, serve.ErrBadQuery) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// parseTimeParam accepts RFC3339 or a bare date. Empty input maps to
// the zero time so the engine can report the missing parameter.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/callmegate/gate/pkg/dispatch"
	"github.com/callmegate/gate/pkg/jobs"
	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/metrics"
	"github.com/callmegate/gate/pkg/registry"
	"github.com/callmegate/gate/pkg/store"
	"github.com/callmegate/gate/pkg/strategy"
	"github.com/callmegate/gate/pkg/types"
)

// VersionHeader pins a request to workers carrying the matching version tag
const VersionHeader = "X-Api-Version"

// Config holds the gateway settings
type Config struct {
	ListenAddr      string
	DefaultStrategy string
	JobTTL          time.Duration
	ReapInterval    time.Duration
	MaxHeartbeatAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = strategy.RoundRobin
	}
	if c.JobTTL <= 0 {
		c.JobTTL = jobs.DefaultTTL
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.MaxHeartbeatAge <= 0 {
		c.MaxHeartbeatAge = 60 * time.Second
	}
	return c
}

// Gateway is the stateless HTTP front: it captures requests as jobs,
// dispatches them to worker queues, and waits for the result
type Gateway struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	repo       *jobs.Repository

	mux        *http.ServeMux
	httpServer *http.Server
}

// New creates a gateway on top of the shared store
func New(st *store.Client, reg *registry.Registry, cfg Config) (*Gateway, error) {
	cfg = cfg.withDefaults()
	disp, err := dispatch.New(st, reg, cfg.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:        cfg,
		registry:   reg,
		dispatcher: disp,
		repo:       jobs.NewRepository(st, cfg.JobTTL),
	}
	g.mux = g.buildMux()
	return g, nil
}

// Dispatcher exposes the gateway's dispatcher for strategy configuration
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// Handler returns the gateway's HTTP handler
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

func (g *Gateway) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /routes", g.handleListRoutes)
	mux.HandleFunc("GET /nodes", g.handleListNodes)
	mux.HandleFunc("GET /nodes/{id}", g.handleGetNode)
	mux.HandleFunc("PUT /nodes/{id}/status", g.handleNodeStatus)
	mux.HandleFunc("POST /nodes/{id}/heartbeat", g.handleNodeHeartbeat)
	mux.HandleFunc("GET /jobs/{id}", g.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}", g.handleDeleteJob)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/", g.handleForward)
	return mux
}

// Start runs the HTTP server until ctx is cancelled, plus the inactive node
// reaper
func (g *Gateway) Start(ctx context.Context) error {
	g.httpServer = &http.Server{
		Addr:         g.cfg.ListenAddr,
		Handler:      g.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.httpServer.Addr, err)
	}
	log.Info(fmt.Sprintf("Gateway listening on %s", g.cfg.ListenAddr))

	go func() {
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error(fmt.Sprintf("HTTP server error: %v", err))
		}
	}()
	go g.reapLoop(ctx)

	<-ctx.Done()
	log.Info("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(fmt.Sprintf("Failed to shutdown HTTP server: %v", err))
	}
	return nil
}

// reapLoop periodically flips nodes with stale heartbeats offline so the
// dispatcher stops sending them traffic
func (g *Gateway) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.registry.CleanInactiveNodes(ctx, g.cfg.MaxHeartbeatAge); n > 0 {
				metrics.NodesReaped.Add(float64(n))
				log.Info(fmt.Sprintf("Reaped %d inactive nodes", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

var forwardableMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// handleForward is the catch-all: every unreserved path is captured as a
// job, dispatched to a worker, and answered with the worker's response
func (g *Gateway) handleForward(w http.ResponseWriter, r *http.Request) {
	if !forwardableMethods[r.Method] {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not supported", r.Method), "")
		return
	}

	timer := metrics.NewTimer()
	status := g.forward(w, r)
	metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	timer.ObserveDuration(metrics.RequestDuration.WithLabelValues(r.Method))
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request) int {
	ctx := r.Context()

	job, err := g.buildJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return http.StatusBadRequest
	}
	logger := log.WithRequestID(job.RequestID)

	sctx := strategy.Context{Version: r.Header.Get(VersionHeader)}
	worker, err := g.dispatcher.SelectWorker(ctx, job.Path, job.Method, sctx)
	if err != nil {
		logger.Error().Err(err).Msg("worker selection failed")
		writeError(w, http.StatusInternalServerError, "failed to select worker", job.RequestID)
		return http.StatusInternalServerError
	}
	if worker == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("no available worker for %s %s", job.Method, job.Path), job.RequestID)
		return http.StatusNotFound
	}

	if err := g.repo.Save(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to persist job")
		writeError(w, http.StatusInternalServerError, "failed to persist job", job.RequestID)
		return http.StatusInternalServerError
	}

	if ok, err := g.dispatcher.DispatchJob(ctx, job, worker); err != nil || !ok {
		metrics.DispatchFailures.Inc()
		writeError(w, http.StatusInternalServerError, "failed to dispatch job", job.RequestID)
		return http.StatusInternalServerError
	}

	timeout := time.Duration(g.registry.GetRouteTimeout(ctx, job.Path, job.Method)) * time.Second
	result, found, err := g.dispatcher.WaitForResult(ctx, job.RequestID, timeout)
	if err != nil {
		logger.Error().Err(err).Msg("failed waiting for result")
		writeError(w, http.StatusInternalServerError, "failed to read result", job.RequestID)
		return http.StatusInternalServerError
	}
	if !found {
		metrics.RequestTimeouts.Inc()
		logger.Warn().Dur("timeout", timeout).Str("worker_id", worker.ID).Msg("request timed out")
		writeError(w, http.StatusGatewayTimeout,
			fmt.Sprintf("request timed out after %s", timeout), job.RequestID)
		return http.StatusGatewayTimeout
	}

	return writeResult(w, result, worker)
}

// buildJob captures the request into a job record. Single-valued headers and
// form fields are flattened; query parameters keep all values.
func (g *Gateway) buildJob(r *http.Request) (*types.HTTPJob, error) {
	job := types.NewHTTPJob(r.Method, r.URL.Path)

	job.Headers = map[string]string{}
	for name := range r.Header {
		job.Headers[name] = r.Header.Get(name)
	}
	if len(r.URL.Query()) > 0 {
		job.QueryParams = map[string][]string(r.URL.Query())
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case contentType == "" || r.ContentLength == 0:
	case hasMediaType(contentType, "application/json"):
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %v", err)
		}
		job.JSONData = body
	case hasMediaType(contentType, "application/x-www-form-urlencoded"), hasMediaType(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(10 << 20); err != nil && err != http.ErrNotMultipart {
			return nil, fmt.Errorf("invalid form body: %v", err)
		}
		job.FormData = map[string]string{}
		for name := range r.Form {
			job.FormData[name] = r.Form.Get(name)
		}
	}
	return job, nil
}

func hasMediaType(contentType, mediaType string) bool {
	return len(contentType) >= len(mediaType) && contentType[:len(mediaType)] == mediaType
}

// writeResult renders the finished job back to the HTTP client
func writeResult(w http.ResponseWriter, job *types.HTTPJob, worker *strategy.Worker) int {
	if job.Status == types.JobStatusFailed && job.ErrorMessage != "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":      job.ErrorMessage,
			"request_id": job.RequestID,
		})
		return http.StatusInternalServerError
	}

	status := job.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	for name, value := range job.ResponseHeaders {
		w.Header().Set(name, value)
	}
	w.Header().Set("X-Request-ID", job.RequestID)
	w.Header().Set("X-Worker-ID", worker.ID)
	w.Header().Set("X-Worker-Version", worker.Version)

	if len(job.ResponseBody) == 0 {
		writeJSON(w, status, map[string]string{
			"message":    "ok",
			"request_id": job.RequestID,
		})
		return status
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write(job.ResponseBody)
	return status
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, requestID string) {
	payload := map[string]string{"error": message}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	writeJSON(w, status, payload)
}

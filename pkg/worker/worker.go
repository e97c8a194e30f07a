package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/callmegate/gate/pkg/dispatch"
	"github.com/callmegate/gate/pkg/jobs"
	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/metrics"
	"github.com/callmegate/gate/pkg/registry"
	"github.com/callmegate/gate/pkg/store"
	"github.com/callmegate/gate/pkg/types"
)

const (
	// pollTimeout bounds each queue wait so the run loop can notice a stop
	// request
	pollTimeout = 1 * time.Second

	// errorBackoff throttles the run loop after a store failure
	errorBackoff = 500 * time.Millisecond

	// stopGracePeriod bounds how long Stop waits for an in-flight job
	stopGracePeriod = 2 * time.Second

	defaultHeartbeatInterval = 15 * time.Second
)

// Handler processes one job and returns the response payload, which is
// JSON-encoded into the job's response body. Returning an error fails the
// job with the error's message.
type Handler func(job *types.HTTPJob) (any, error)

type handlerEntry struct {
	handler Handler
	path    string
	method  string
	timeout int
}

// Config holds worker construction settings
type Config struct {
	// Version tags this worker group; requests pinned with X-API-Version
	// only reach workers carrying the matching tag. Generated when empty.
	Version string

	HeartbeatInterval time.Duration
}

// Worker consumes jobs from its version queue, runs the matching handler,
// and publishes the finished job back to the waiting gateway
type Worker struct {
	workerID string
	version  string
	queue    string

	store      *store.Client
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	repo       *jobs.Repository

	heartbeatInterval time.Duration
	handlers          map[string]handlerEntry
	logger            zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// GenerateVersion mints a worker version tag
func GenerateVersion() string {
	return "worker-" + uuid.New().String()[:8]
}

// New creates a worker. The worker id doubles as the version tag, so one
// process is one node in the registry.
func New(st *store.Client, reg *registry.Registry, disp *dispatch.Dispatcher, repo *jobs.Repository, cfg Config) *Worker {
	version := cfg.Version
	if version == "" {
		version = GenerateVersion()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Worker{
		workerID:          version,
		version:           version,
		queue:             registry.QueueName(version),
		store:             st,
		registry:          reg,
		dispatcher:        disp,
		repo:              repo,
		heartbeatInterval: interval,
		handlers:          map[string]handlerEntry{},
		logger:            log.WithWorkerID(version),
		stopCh:            make(chan struct{}),
	}
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.workerID
}

// Version returns the worker's version tag
func (w *Worker) Version() string {
	return w.version
}

// Queue returns the store list key this worker consumes
func (w *Worker) Queue() string {
	return w.queue
}

// RegisterHandler binds a handler to a method/path pair. Must be called
// before Start; the route is announced to the registry when the worker
// starts.
func (w *Worker) RegisterHandler(path, method string, handler Handler, timeout int) {
	if timeout <= 0 {
		timeout = types.DefaultRouteTimeout
	}
	w.handlers[types.RouteID(method, path)] = handlerEntry{
		handler: handler,
		path:    path,
		method:  method,
		timeout: timeout,
	}
}

// Start announces the worker and its routes to the registry, then launches
// the consume and heartbeat loops
func (w *Worker) Start(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	if !w.registry.RegisterNode(ctx, w.workerID, w.version, w.queue, types.NodeStatusOnline, nil) {
		return fmt.Errorf("failed to register node %s", w.workerID)
	}
	for _, entry := range w.handlers {
		if !w.registry.RegisterRoute(ctx, entry.path, entry.method, w.workerID, w.version, w.queue, entry.timeout, nil) {
			return fmt.Errorf("failed to register route %s", types.RouteID(entry.method, entry.path))
		}
	}

	w.logger.Info().
		Str("queue", w.queue).
		Int("handlers", len(w.handlers)).
		Msg("worker started")

	w.wg.Add(2)
	go w.run(ctx)
	go w.heartbeatLoop(ctx)
	return nil
}

// Stop drains the loops and withdraws the worker from the registry. An
// in-flight job gets a short grace period to finish.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		w.logger.Warn().Msg("worker loops did not drain in time")
	}

	if !w.registry.UnregisterNode(ctx, w.workerID) {
		w.logger.Warn().Msg("failed to unregister node")
	}
	w.logger.Info().Msg("worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		requestID, found, err := w.store.ListBlockingLeftPop(ctx, w.queue, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("queue poll failed")
			select {
			case <-time.After(errorBackoff):
			case <-w.stopCh:
				return
			}
			continue
		}
		if !found {
			continue
		}
		w.processJob(ctx, requestID)
	}
}

func (w *Worker) processJob(ctx context.Context, requestID string) {
	logger := w.logger.With().Str("request_id", requestID).Logger()

	job, err := w.repo.Get(ctx, requestID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load job")
		return
	}
	if job == nil {
		// The record expired before we got to it; nobody is waiting.
		logger.Warn().Msg("job vanished before processing")
		return
	}

	job.UpdateStatus(types.JobStatusRunning)
	if err := w.repo.Save(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
	}

	timer := metrics.NewTimer()
	entry, ok := w.handlers[types.RouteID(job.Method, job.Path)]
	if !ok {
		job.SetError(fmt.Sprintf("no handler for %s %s", job.Method, job.Path))
	} else {
		w.invoke(entry, job, logger)
	}
	elapsed := timer.Duration()
	metrics.JobProcessDuration.Observe(elapsed.Seconds())

	if err := w.repo.Save(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to save finished job")
	}
	if err := w.dispatcher.PublishResult(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to publish result")
	}

	completed := job.Status == types.JobStatusCompleted
	result := "completed"
	if !completed {
		result = "failed"
	}
	metrics.JobsProcessed.WithLabelValues(result).Inc()
	w.registry.UpdateNodeMetrics(ctx, w.workerID, completed, !completed, float64(elapsed.Milliseconds()))

	logger.Debug().
		Str("status", string(job.Status)).
		Dur("elapsed", elapsed).
		Msg("job processed")
}

// invoke runs the handler with panic isolation so one bad handler cannot
// take the whole worker down
func (w *Worker) invoke(entry handlerEntry, job *types.HTTPJob, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("handler panicked")
			job.SetError(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	result, err := entry.handler(job)
	if err != nil {
		job.SetError(err.Error())
		return
	}

	var body json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			job.SetError(fmt.Sprintf("encode response: %v", err))
			return
		}
		body = data
	}
	job.SetResponse(200, map[string]string{"Content-Type": "application/json"}, body)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.registry.NodeHeartbeat(ctx, w.workerID) {
				w.logger.Warn().Msg("heartbeat not recorded")
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

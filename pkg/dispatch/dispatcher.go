package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callmegate/gate/pkg/events"
	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/registry"
	"github.com/callmegate/gate/pkg/store"
	"github.com/callmegate/gate/pkg/strategy"
	"github.com/callmegate/gate/pkg/types"
)

// SyncKeyPrefix namespaces the per-request rendezvous lists
const SyncKeyPrefix = registry.KeyPrefix + "job_sync:"

// resultTTL bounds how long an unclaimed result stays in the store after the
// worker publishes it
const resultTTL = 60 * time.Second

// GenerateRequestID mints a fresh request id
func GenerateRequestID() string {
	return uuid.New().String()
}

// SyncKey returns the rendezvous list key for a request
func SyncKey(requestID string) string {
	return SyncKeyPrefix + requestID
}

// Dispatcher routes jobs to worker queues and carries results back through
// per-request rendezvous lists. Strategy choice is per route, with a shared
// default for unconfigured routes.
type Dispatcher struct {
	store    *store.Client
	registry *registry.Registry
	broker   *events.Broker

	mu              sync.RWMutex
	defaultStrategy strategy.Strategy
	routeStrategies map[string]strategy.Strategy
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithBroker attaches an event broker for dispatch lifecycle events
func WithBroker(b *events.Broker) Option {
	return func(d *Dispatcher) {
		d.broker = b
	}
}

// New creates a dispatcher using the named default strategy
func New(st *store.Client, reg *registry.Registry, defaultStrategyName string, opts ...Option) (*Dispatcher, error) {
	def, err := strategy.New(defaultStrategyName, strategy.Config{})
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		store:           st,
		registry:        reg,
		defaultStrategy: def,
		routeStrategies: map[string]strategy.Strategy{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Dispatcher) publish(eventType events.EventType, message string, metadata map[string]string) {
	if d.broker != nil {
		d.broker.Publish(events.NewEvent(eventType, message, metadata))
	}
}

// SetRouteStrategy overrides the selection strategy for one route
func (d *Dispatcher) SetRouteStrategy(routeID, name string, cfg strategy.Config) error {
	s, err := strategy.New(name, cfg)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.routeStrategies[routeID] = s
	d.mu.Unlock()
	log.Logger.Info().Str("route_id", routeID).Str("strategy", name).Msg("route strategy set")
	return nil
}

// ResetRouteStrategy drops a route's override, falling back to the default
func (d *Dispatcher) ResetRouteStrategy(routeID string) {
	d.mu.Lock()
	delete(d.routeStrategies, routeID)
	d.mu.Unlock()
}

func (d *Dispatcher) strategyFor(routeID string) strategy.Strategy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.routeStrategies[routeID]; ok {
		return s
	}
	return d.defaultStrategy
}

// SelectWorker joins the route's worker descriptors with live node state and
// asks the route's strategy to pick one. Workers whose node is known to be
// in a non-online state are excluded; workers without a node record are kept,
// since registration may still be settling.
func (d *Dispatcher) SelectWorker(ctx context.Context, path, method string, sctx strategy.Context) (*strategy.Worker, error) {
	refs, err := d.registry.GetRouteWorkers(ctx, path, method)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	nodes, err := d.registry.GetAllNodes(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]strategy.Worker, 0, len(refs))
	for _, ref := range refs {
		if sctx.Version != "" && ref.Version != sctx.Version {
			continue
		}
		w := strategy.Worker{
			ID:      ref.WorkerID,
			Version: ref.Version,
			Queue:   ref.Queue,
		}
		if node := nodes[ref.WorkerID]; node != nil {
			if node.Status != types.NodeStatusOnline {
				continue
			}
			w.Status = node.Status
			w.Metrics = node.Metrics
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sctx.RouteID = types.RouteID(method, path)
	return d.strategyFor(sctx.RouteID).SelectWorker(candidates, sctx), nil
}

// DispatchJob pushes the job's request id onto the selected worker's queue.
// Any stale rendezvous list for the same request id is cleared first, so the
// gateway cannot pick up a leftover result from an earlier run.
func (d *Dispatcher) DispatchJob(ctx context.Context, job *types.HTTPJob, worker *strategy.Worker) (bool, error) {
	if _, err := d.store.Delete(ctx, SyncKey(job.RequestID)); err != nil {
		return false, err
	}
	if err := d.store.ListRightPush(ctx, worker.Queue, job.RequestID); err != nil {
		log.Logger.Error().Err(err).
			Str("request_id", job.RequestID).
			Str("queue", worker.Queue).
			Msg("failed to enqueue job")
		return false, err
	}

	log.Logger.Debug().
		Str("request_id", job.RequestID).
		Str("worker_id", worker.ID).
		Str("queue", worker.Queue).
		Msg("job dispatched")
	d.publish(events.EventJobDispatched, job.RequestID, map[string]string{
		"request_id": job.RequestID,
		"worker_id":  worker.ID,
	})
	return true, nil
}

// WaitForResult blocks until the worker publishes the serialized finished
// job, or the timeout elapses. The second return value reports whether a
// result arrived in time.
func (d *Dispatcher) WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (*types.HTTPJob, bool, error) {
	data, found, err := d.store.ListBlockingLeftPop(ctx, SyncKey(requestID), timeout)
	if err != nil {
		return nil, false, err
	}
	if !found {
		d.publish(events.EventJobTimedOut, requestID, map[string]string{"request_id": requestID})
		return nil, false, nil
	}
	job, err := types.HTTPJobFromJSON(data)
	if err != nil {
		return nil, true, err
	}
	return job, true, nil
}

// PublishResult hands the finished job back to the waiting gateway. The
// rendezvous list gets a TTL so a gateway that gave up does not leak it.
func (d *Dispatcher) PublishResult(ctx context.Context, job *types.HTTPJob) error {
	data, err := job.ToJSON()
	if err != nil {
		return err
	}
	key := SyncKey(job.RequestID)
	if err := d.store.ListRightPush(ctx, key, data); err != nil {
		return err
	}
	if _, err := d.store.Expire(ctx, key, resultTTL); err != nil {
		return err
	}
	return nil
}

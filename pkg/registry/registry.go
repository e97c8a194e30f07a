package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/callmegate/gate/pkg/events"
	"github.com/callmegate/gate/pkg/lock"
	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/store"
	"github.com/callmegate/gate/pkg/types"
)

// Shared store key layout. Every gateway and worker process sees the same
// keys, so the constants are the wire contract.
const (
	KeyPrefix         = "callme_gate#"
	RoutesKey         = KeyPrefix + "routes"
	NodesKey          = KeyPrefix + "nodes"
	RouteNodesPrefix  = KeyPrefix + "route_nodes"
	NodeRoutesPrefix  = KeyPrefix + "node_routes"
	WorkerQueuePrefix = KeyPrefix + "worker_queue"

	// registryLockName serializes every load-modify-store mutation across
	// processes. Two concurrent registrations on the same route would
	// otherwise overwrite each other.
	registryLockName = "registry"
)

// QueueName returns the store list key a worker group with the given version
// tag consumes
func QueueName(workerVersion string) string {
	return WorkerQueuePrefix + ":" + workerVersion
}

// RouteNodesKey returns the set key holding the worker ids serving a route
func RouteNodesKey(routeID string) string {
	return RouteNodesPrefix + ":" + routeID
}

// NodeRoutesKey returns the set key holding the route ids a worker serves
func NodeRoutesKey(workerID string) string {
	return NodeRoutesPrefix + ":" + workerID
}

// Registry persists routes and worker nodes in the shared store so every
// gateway instance sees the same view. Mutations report success as a bool;
// store failures are logged at the operation site.
type Registry struct {
	store    *store.Client
	broker   *events.Broker
	lockOpts lock.Options
}

// Option configures a Registry
type Option func(*Registry)

// WithBroker attaches an event broker; registry mutations publish
// lifecycle events to it
func WithBroker(b *events.Broker) Option {
	return func(r *Registry) {
		r.broker = b
	}
}

// New creates a registry backed by the given store
func New(st *store.Client, opts ...Option) *Registry {
	r := &Registry{
		store: st,
		lockOpts: lock.Options{
			TTL:        10 * time.Second,
			RetryTimes: 50,
			RetryDelay: 100 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) publish(eventType events.EventType, message string, metadata map[string]string) {
	if r.broker != nil {
		r.broker.Publish(events.NewEvent(eventType, message, metadata))
	}
}

// withMutation runs fn while holding the cross-process registry lock
func (r *Registry) withMutation(ctx context.Context, op string, fn func(ctx context.Context) error) bool {
	acquired, err := lock.WithLock(ctx, r.store, registryLockName, r.lockOpts, fn)
	if err != nil {
		log.Logger.Error().Err(err).Str("op", op).Msg("registry mutation failed")
		return false
	}
	if !acquired {
		log.Warn(fmt.Sprintf("registry lock busy, %s aborted", op))
		return false
	}
	return true
}

// loadRoutes fetches the full route aggregate; a missing key yields an
// empty map
func (r *Registry) loadRoutes(ctx context.Context) (map[string]*types.Route, error) {
	routes := map[string]*types.Route{}
	if _, err := r.store.GetJSON(ctx, RoutesKey, &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

func (r *Registry) saveRoutes(ctx context.Context, routes map[string]*types.Route) error {
	return r.store.Set(ctx, RoutesKey, routes, 0)
}

func (r *Registry) loadNodes(ctx context.Context) (map[string]*types.Node, error) {
	nodes := map[string]*types.Node{}
	if _, err := r.store.GetJSON(ctx, NodesKey, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *Registry) saveNodes(ctx context.Context, nodes map[string]*types.Node) error {
	return r.store.Set(ctx, NodesKey, nodes, 0)
}

// GetRoute fetches one route, or nil when it is not registered
func (r *Registry) GetRoute(ctx context.Context, path, method string) (*types.Route, error) {
	routes, err := r.loadRoutes(ctx)
	if err != nil {
		return nil, err
	}
	return routes[types.RouteID(method, path)], nil
}

// GetAllRoutes returns the route id to route mapping
func (r *Registry) GetAllRoutes(ctx context.Context) (map[string]*types.Route, error) {
	return r.loadRoutes(ctx)
}

// GetNode fetches one node record, or nil when unknown
func (r *Registry) GetNode(ctx context.Context, workerID string) (*types.Node, error) {
	nodes, err := r.loadNodes(ctx)
	if err != nil {
		return nil, err
	}
	return nodes[workerID], nil
}

// GetAllNodes returns the worker id to node mapping
func (r *Registry) GetAllNodes(ctx context.Context) (map[string]*types.Node, error) {
	return r.loadNodes(ctx)
}

// GetRouteTimeout returns the route's wait budget in seconds, defaulting
// when the route is unknown
func (r *Registry) GetRouteTimeout(ctx context.Context, path, method string) int {
	route, err := r.GetRoute(ctx, path, method)
	if err != nil || route == nil {
		return types.DefaultRouteTimeout
	}
	return route.Timeout
}

// GetRouteWorkers returns the descriptors of all workers serving the route
func (r *Registry) GetRouteWorkers(ctx context.Context, path, method string) ([]*types.WorkerRef, error) {
	route, err := r.GetRoute(ctx, path, method)
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, nil
	}
	return route.Workers(), nil
}

// RegisterRoute idempotently binds a worker to a route: the route is created
// with the given timeout if absent, the worker descriptor is inserted, the
// node record is created online if absent, and both membership sets are
// updated. Returns false only on store failure.
func (r *Registry) RegisterRoute(ctx context.Context, path, method, workerID, version, queue string, timeout int, metadata map[string]string) bool {
	routeID := types.RouteID(method, path)
	log.Logger.Info().
		Str("route_id", routeID).
		Str("worker_id", workerID).
		Str("version", version).
		Str("queue", queue).
		Int("timeout", timeout).
		Msg("registering route")

	ok := r.withMutation(ctx, "register_route", func(ctx context.Context) error {
		return r.registerRouteLocked(ctx, path, method, workerID, version, queue, timeout, metadata)
	})
	if ok {
		r.publish(events.EventRouteRegistered, routeID, map[string]string{
			"route_id":  routeID,
			"worker_id": workerID,
			"version":   version,
		})
	}
	return ok
}

func (r *Registry) registerRouteLocked(ctx context.Context, path, method, workerID, version, queue string, timeout int, metadata map[string]string) error {
	routeID := types.RouteID(method, path)

	routes, err := r.loadRoutes(ctx)
	if err != nil {
		return err
	}
	route := routes[routeID]
	if route == nil {
		route = types.NewRoute(path, method, timeout)
	}
	route.AddWorker(workerID, version, queue, metadata)
	routes[routeID] = route
	if err := r.saveRoutes(ctx, routes); err != nil {
		return fmt.Errorf("save routes: %w", err)
	}

	nodes, err := r.loadNodes(ctx)
	if err != nil {
		return err
	}
	node := nodes[workerID]
	if node == nil {
		node = types.NewNode(workerID, version, queue)
		node.UpdateStatus(types.NodeStatusOnline)
	}
	node.AddRoute(routeID)
	nodes[workerID] = node
	if err := r.saveNodes(ctx, nodes); err != nil {
		return fmt.Errorf("save nodes: %w", err)
	}

	if err := r.store.SetAdd(ctx, RouteNodesKey(routeID), workerID); err != nil {
		return fmt.Errorf("add route membership: %w", err)
	}
	if err := r.store.SetAdd(ctx, NodeRoutesKey(workerID), routeID); err != nil {
		return fmt.Errorf("add node membership: %w", err)
	}
	return nil
}

// UnregisterRoute removes the worker from the route. The route itself is
// deleted when its last worker leaves; the node record stays but loses the
// route id. A missing node half counts as already gone.
func (r *Registry) UnregisterRoute(ctx context.Context, path, method, workerID string) bool {
	routeID := types.RouteID(method, path)
	log.Logger.Info().
		Str("route_id", routeID).
		Str("worker_id", workerID).
		Msg("unregistering route")

	removed := false
	ok := r.withMutation(ctx, "unregister_route", func(ctx context.Context) error {
		var err error
		removed, err = r.unregisterRouteLocked(ctx, path, method, workerID)
		return err
	})
	if ok && removed {
		r.publish(events.EventRouteUnregistered, routeID, map[string]string{
			"route_id":  routeID,
			"worker_id": workerID,
		})
	}
	return ok && removed
}

func (r *Registry) unregisterRouteLocked(ctx context.Context, path, method, workerID string) (bool, error) {
	routeID := types.RouteID(method, path)

	// Membership sets are cleaned regardless, so drift between the
	// aggregate and the sets converges instead of accumulating.
	defer func() {
		if err := r.store.SetRemove(ctx, RouteNodesKey(routeID), workerID); err != nil {
			log.Logger.Warn().Err(err).Str("route_id", routeID).Msg("failed to trim route membership")
		}
		if err := r.store.SetRemove(ctx, NodeRoutesKey(workerID), routeID); err != nil {
			log.Logger.Warn().Err(err).Str("worker_id", workerID).Msg("failed to trim node membership")
		}
	}()

	routes, err := r.loadRoutes(ctx)
	if err != nil {
		return false, err
	}
	route := routes[routeID]
	if route == nil {
		log.Warn(fmt.Sprintf("route %s not registered", routeID))
		return false, nil
	}
	if !route.RemoveWorker(workerID) {
		log.Warn(fmt.Sprintf("worker %s not in route %s", workerID, routeID))
		return false, nil
	}
	if len(route.WorkerNodes) == 0 {
		delete(routes, routeID)
	} else {
		routes[routeID] = route
	}
	if err := r.saveRoutes(ctx, routes); err != nil {
		return false, fmt.Errorf("save routes: %w", err)
	}

	nodes, err := r.loadNodes(ctx)
	if err != nil {
		return false, err
	}
	node := nodes[workerID]
	if node == nil {
		// Already gone; the route side is consistent.
		return true, nil
	}
	node.RemoveRoute(routeID)
	nodes[workerID] = node
	if err := r.saveNodes(ctx, nodes); err != nil {
		return false, fmt.Errorf("save nodes: %w", err)
	}
	return true, nil
}

// RegisterNode upserts a node record without touching its route
// associations
func (r *Registry) RegisterNode(ctx context.Context, workerID, version, queue string, status types.NodeStatus, metadata map[string]string) bool {
	log.Logger.Info().
		Str("worker_id", workerID).
		Str("version", version).
		Str("queue", queue).
		Str("status", string(status)).
		Msg("registering node")

	ok := r.withMutation(ctx, "register_node", func(ctx context.Context) error {
		nodes, err := r.loadNodes(ctx)
		if err != nil {
			return err
		}
		node := nodes[workerID]
		if node == nil {
			node = types.NewNode(workerID, version, queue)
		} else {
			node.Version = version
			node.Queue = queue
		}
		node.UpdateStatus(status)
		for k, v := range metadata {
			node.Metadata[k] = v
		}
		nodes[workerID] = node
		return r.saveNodes(ctx, nodes)
	})
	if ok {
		r.publish(events.EventNodeJoined, workerID, map[string]string{
			"worker_id": workerID,
			"version":   version,
		})
	}
	return ok
}

// UnregisterNode flips the node offline and unbinds it from every route it
// served. The node record itself is kept for observability.
func (r *Registry) UnregisterNode(ctx context.Context, workerID string) bool {
	log.Logger.Info().Str("worker_id", workerID).Msg("unregistering node")

	found := false
	ok := r.withMutation(ctx, "unregister_node", func(ctx context.Context) error {
		nodes, err := r.loadNodes(ctx)
		if err != nil {
			return err
		}
		node := nodes[workerID]
		if node == nil {
			log.Warn(fmt.Sprintf("node %s not registered", workerID))
			return nil
		}
		found = true

		routeIDs, err := r.store.SetMembers(ctx, NodeRoutesKey(workerID))
		if err != nil {
			return err
		}
		for _, routeID := range routeIDs {
			method, path, ok := types.SplitRouteID(routeID)
			if !ok {
				continue
			}
			if _, err := r.unregisterRouteLocked(ctx, path, method, workerID); err != nil {
				return err
			}
		}
		if _, err := r.store.Delete(ctx, NodeRoutesKey(workerID)); err != nil {
			return err
		}

		// Reload: unregisterRouteLocked rewrote the node aggregate.
		nodes, err = r.loadNodes(ctx)
		if err != nil {
			return err
		}
		if node := nodes[workerID]; node != nil {
			node.UpdateStatus(types.NodeStatusOffline)
			nodes[workerID] = node
			return r.saveNodes(ctx, nodes)
		}
		return nil
	})
	if ok && found {
		r.publish(events.EventNodeLeft, workerID, map[string]string{"worker_id": workerID})
	}
	return ok && found
}

// UpdateNodeStatus sets the node's status
func (r *Registry) UpdateNodeStatus(ctx context.Context, workerID string, status types.NodeStatus) bool {
	found := false
	ok := r.withMutation(ctx, "update_node_status", func(ctx context.Context) error {
		nodes, err := r.loadNodes(ctx)
		if err != nil {
			return err
		}
		node := nodes[workerID]
		if node == nil {
			log.Warn(fmt.Sprintf("node %s not registered", workerID))
			return nil
		}
		found = true
		node.UpdateStatus(status)
		nodes[workerID] = node
		return r.saveNodes(ctx, nodes)
	})
	return ok && found
}

// NodeHeartbeat refreshes the node's heartbeat timestamp, promoting it back
// to online if it had drifted to another status
func (r *Registry) NodeHeartbeat(ctx context.Context, workerID string) bool {
	found := false
	ok := r.withMutation(ctx, "node_heartbeat", func(ctx context.Context) error {
		nodes, err := r.loadNodes(ctx)
		if err != nil {
			return err
		}
		node := nodes[workerID]
		if node == nil {
			log.Warn(fmt.Sprintf("node %s not registered", workerID))
			return nil
		}
		found = true
		node.Heartbeat()
		if node.Status != types.NodeStatusOnline {
			node.UpdateStatus(types.NodeStatusOnline)
		}
		nodes[workerID] = node
		return r.saveNodes(ctx, nodes)
	})
	return ok && found
}

// UpdateNodeMetrics folds one finished request into the node's rolling
// counters
func (r *Registry) UpdateNodeMetrics(ctx context.Context, workerID string, completed, failed bool, processTimeMS float64) bool {
	found := false
	ok := r.withMutation(ctx, "update_node_metrics", func(ctx context.Context) error {
		nodes, err := r.loadNodes(ctx)
		if err != nil {
			return err
		}
		node := nodes[workerID]
		if node == nil {
			return nil
		}
		found = true
		node.RecordRequest(completed, failed, processTimeMS)
		nodes[workerID] = node
		return r.saveNodes(ctx, nodes)
	})
	return ok && found
}

// CleanInactiveNodes flips nodes whose heartbeat is older than
// maxHeartbeatAge to offline and returns how many were reaped. Nodes
// already offline are left alone.
func (r *Registry) CleanInactiveNodes(ctx context.Context, maxHeartbeatAge time.Duration) int {
	cleaned := 0
	r.withMutation(ctx, "clean_inactive_nodes", func(ctx context.Context) error {
		nodes, err := r.loadNodes(ctx)
		if err != nil {
			return err
		}
		for workerID, node := range nodes {
			if node.Status == types.NodeStatusOffline {
				continue
			}
			if node.IsAlive(maxHeartbeatAge) {
				continue
			}
			log.Logger.Info().
				Str("worker_id", workerID).
				Int64("heartbeat_age", time.Now().Unix()-node.LastHeartbeat).
				Msg("reaping inactive node")
			node.UpdateStatus(types.NodeStatusOffline)
			nodes[workerID] = node
			cleaned++
			r.publish(events.EventNodeOffline, workerID, map[string]string{"worker_id": workerID})
		}
		if cleaned > 0 {
			return r.saveNodes(ctx, nodes)
		}
		return nil
	})
	return cleaned
}

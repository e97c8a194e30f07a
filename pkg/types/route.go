package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultRouteTimeout is the per-route wait budget, in seconds, applied by
// the gateway when no explicit timeout was registered
const DefaultRouteTimeout = 5

// RouteID builds the canonical route identifier for a method/path pair
func RouteID(method, path string) string {
	return canonicalMethod(method) + ":" + path
}

func canonicalMethod(method string) string {
	return strings.ToUpper(method)
}

// SplitRouteID decomposes a route identifier back into its method and path
func SplitRouteID(routeID string) (method, path string, ok bool) {
	method, path, ok = strings.Cut(routeID, ":")
	return method, path, ok
}

// WorkerRef is a route's descriptor of one worker serving it
type WorkerRef struct {
	WorkerID string            `json:"worker_id"`
	Version  string            `json:"version"`
	Queue    string            `json:"queue"`
	Metadata map[string]string `json:"metadata,omitempty"`
	AddedAt  int64             `json:"added_at"`
}

// Route is the registry-side record of one served endpoint and the workers
// behind it. Removing the last worker deletes the route.
type Route struct {
	RouteID     string                `json:"route_id"`
	Path        string                `json:"path"`
	Method      string                `json:"method"`
	Timeout     int                   `json:"timeout"`
	WorkerNodes map[string]*WorkerRef `json:"worker_nodes"`
	CreatedAt   int64                 `json:"created_at"`
	UpdatedAt   int64                 `json:"updated_at"`
}

// NewRoute creates a route with no workers yet
func NewRoute(path, method string, timeout int) *Route {
	if timeout <= 0 {
		timeout = DefaultRouteTimeout
	}
	now := time.Now().Unix()
	return &Route{
		RouteID:     RouteID(method, path),
		Path:        path,
		Method:      canonicalMethod(method),
		Timeout:     timeout,
		WorkerNodes: map[string]*WorkerRef{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AddWorker inserts or replaces the descriptor for workerID
func (r *Route) AddWorker(workerID, version, queue string, metadata map[string]string) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	if r.WorkerNodes == nil {
		r.WorkerNodes = map[string]*WorkerRef{}
	}
	r.WorkerNodes[workerID] = &WorkerRef{
		WorkerID: workerID,
		Version:  version,
		Queue:    queue,
		Metadata: metadata,
		AddedAt:  time.Now().Unix(),
	}
	r.UpdatedAt = time.Now().Unix()
}

// RemoveWorker drops workerID from the route, reporting whether it was there
func (r *Route) RemoveWorker(workerID string) bool {
	if _, ok := r.WorkerNodes[workerID]; !ok {
		return false
	}
	delete(r.WorkerNodes, workerID)
	r.UpdatedAt = time.Now().Unix()
	return true
}

// Workers returns the route's worker descriptors in a stable order
// (registration time, then worker id) so cursor-based strategies see a
// consistent sequence across calls.
func (r *Route) Workers() []*WorkerRef {
	workers := make([]*WorkerRef, 0, len(r.WorkerNodes))
	for _, w := range r.WorkerNodes {
		workers = append(workers, w)
	}
	slices.SortFunc(workers, func(a, b *WorkerRef) int {
		if a.AddedAt != b.AddedAt {
			if a.AddedAt < b.AddedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.WorkerID, b.WorkerID)
	})
	return workers
}

// Versions returns the distinct version tags across the route's workers
func (r *Route) Versions() []string {
	seen := map[string]bool{}
	var versions []string
	for _, w := range r.Workers() {
		if !seen[w.Version] {
			seen[w.Version] = true
			versions = append(versions, w.Version)
		}
	}
	return versions
}

func (r *Route) String() string {
	return fmt.Sprintf("%s (%d workers, timeout %ds)", r.RouteID, len(r.WorkerNodes), r.Timeout)
}

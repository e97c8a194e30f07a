package strategy

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/callmegate/gate/pkg/types"
)

// Strategy names accepted by New
const (
	Random           = "random"
	RoundRobin       = "round_robin"
	LeastConnection  = "least_connection"
	WeightedResponse = "weighted_response_time"
	SpecificVersion  = "specific_version"
)

// defaultAvgProcessTimeMS stands in for workers that have not completed a
// request yet, so newcomers still receive traffic under weighted selection
const defaultAvgProcessTimeMS = 100.0

// Worker is a dispatch candidate: the route's descriptor joined with the
// node's live status and counters
type Worker struct {
	ID      string
	Version string
	Queue   string
	Status  types.NodeStatus
	Metrics types.NodeMetrics
}

// Context carries per-request selection inputs
type Context struct {
	RouteID string
	// Version pins selection to workers carrying this version tag. It
	// overrides any preferred version the strategy was configured with.
	Version string
}

// Strategy picks one worker out of the candidates for a request.
// Implementations return nil when no candidate qualifies.
type Strategy interface {
	Name() string
	SelectWorker(workers []Worker, sctx Context) *Worker
}

// Config holds strategy construction parameters
type Config struct {
	// PreferredVersion is the default version pin for specific_version
	// selection, used when the request carries none
	PreferredVersion string
}

// New builds a strategy by name
func New(name string, cfg Config) (Strategy, error) {
	switch name {
	case Random:
		return &randomStrategy{}, nil
	case RoundRobin:
		return &roundRobinStrategy{cursors: map[string]int{}}, nil
	case LeastConnection:
		return &leastConnectionStrategy{}, nil
	case WeightedResponse:
		return &weightedResponseStrategy{}, nil
	case SpecificVersion:
		return &specificVersionStrategy{preferred: cfg.PreferredVersion}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

type randomStrategy struct{}

func (s *randomStrategy) Name() string { return Random }

func (s *randomStrategy) SelectWorker(workers []Worker, _ Context) *Worker {
	if len(workers) == 0 {
		return nil
	}
	return &workers[rand.Intn(len(workers))]
}

// roundRobinStrategy keeps an independent cursor per route so interleaved
// routes do not disturb each other's rotation
type roundRobinStrategy struct {
	mu      sync.Mutex
	cursors map[string]int
}

func (s *roundRobinStrategy) Name() string { return RoundRobin }

func (s *roundRobinStrategy) SelectWorker(workers []Worker, sctx Context) *Worker {
	if len(workers) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := s.cursors[sctx.RouteID] % len(workers)
	s.cursors[sctx.RouteID] = cursor + 1
	return &workers[cursor]
}

type leastConnectionStrategy struct{}

func (s *leastConnectionStrategy) Name() string { return LeastConnection }

// SelectWorker picks the candidate with the fewest in-flight requests.
// Ties keep the earliest candidate, so the outcome is stable for a stable
// input order.
func (s *leastConnectionStrategy) SelectWorker(workers []Worker, _ Context) *Worker {
	if len(workers) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(workers); i++ {
		if workers[i].Metrics.InFlight() < workers[best].Metrics.InFlight() {
			best = i
		}
	}
	return &workers[best]
}

type weightedResponseStrategy struct{}

func (s *weightedResponseStrategy) Name() string { return WeightedResponse }

// SelectWorker draws a candidate with probability proportional to the
// inverse of its average processing time, so faster workers absorb more
// traffic without starving slower ones
func (s *weightedResponseStrategy) SelectWorker(workers []Worker, _ Context) *Worker {
	if len(workers) == 0 {
		return nil
	}

	weights := make([]float64, len(workers))
	total := 0.0
	for i, w := range workers {
		avg := w.Metrics.AvgProcessTime
		if avg <= 0 {
			avg = defaultAvgProcessTimeMS
		}
		if avg < 1 {
			avg = 1
		}
		weights[i] = 1 / avg
		total += weights[i]
	}
	if total <= 0 {
		return &workers[rand.Intn(len(workers))]
	}

	draw := rand.Float64() * total
	cumulative := 0.0
	for i := range workers {
		cumulative += weights[i]
		if draw <= cumulative {
			return &workers[i]
		}
	}
	// Floating point drift can leave the draw past the last bucket.
	return &workers[len(workers)-1]
}

// specificVersionStrategy pins selection to one version tag, picking randomly
// inside the matching group
type specificVersionStrategy struct {
	preferred string
}

func (s *specificVersionStrategy) Name() string { return SpecificVersion }

func (s *specificVersionStrategy) SelectWorker(workers []Worker, sctx Context) *Worker {
	version := s.preferred
	if sctx.Version != "" {
		version = sctx.Version
	}
	if version == "" {
		if len(workers) == 0 {
			return nil
		}
		return &workers[rand.Intn(len(workers))]
	}

	var matching []int
	for i, w := range workers {
		if w.Version == version {
			matching = append(matching, i)
		}
	}
	if len(matching) == 0 {
		return nil
	}
	return &workers[matching[rand.Intn(len(matching))]]
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteID(t *testing.T) {
	assert.Equal(t, "GET:/api/orders", RouteID("get", "/api/orders"))
	assert.Equal(t, "POST:/x", RouteID("POST", "/x"))
}

func TestSplitRouteID(t *testing.T) {
	method, path, ok := SplitRouteID("GET:/api/orders")
	assert.True(t, ok)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/api/orders", path)

	_, _, ok = SplitRouteID("garbage")
	assert.False(t, ok)
}

func TestNewRouteDefaultTimeout(t *testing.T) {
	route := NewRoute("/x", "get", 0)
	assert.Equal(t, DefaultRouteTimeout, route.Timeout)
	assert.Equal(t, "GET", route.Method)
	assert.Equal(t, "GET:/x", route.RouteID)

	route = NewRoute("/x", "GET", 30)
	assert.Equal(t, 30, route.Timeout)
}

func TestAddRemoveWorker(t *testing.T) {
	route := NewRoute("/x", "GET", 5)

	route.AddWorker("w1", "v1", "queue:v1", nil)
	route.AddWorker("w2", "v2", "queue:v2", map[string]string{"zone": "a"})
	assert.Len(t, route.WorkerNodes, 2)

	// Re-adding replaces the descriptor rather than duplicating it.
	route.AddWorker("w1", "v1.1", "queue:v1.1", nil)
	assert.Len(t, route.WorkerNodes, 2)
	assert.Equal(t, "v1.1", route.WorkerNodes["w1"].Version)

	assert.True(t, route.RemoveWorker("w1"))
	assert.False(t, route.RemoveWorker("w1"))
	assert.Len(t, route.WorkerNodes, 1)
}

func TestWorkersStableOrder(t *testing.T) {
	route := NewRoute("/x", "GET", 5)
	route.WorkerNodes = map[string]*WorkerRef{
		"w3": {WorkerID: "w3", AddedAt: 100},
		"w1": {WorkerID: "w1", AddedAt: 200},
		"w2": {WorkerID: "w2", AddedAt: 100},
	}

	for i := 0; i < 10; i++ {
		workers := route.Workers()
		assert.Equal(t, "w2", workers[0].WorkerID)
		assert.Equal(t, "w3", workers[1].WorkerID)
		assert.Equal(t, "w1", workers[2].WorkerID)
	}
}

func TestVersions(t *testing.T) {
	route := NewRoute("/x", "GET", 5)
	route.AddWorker("w1", "v1", "q1", nil)
	route.AddWorker("w2", "v1", "q1", nil)
	route.AddWorker("w3", "v2", "q2", nil)

	versions := route.Versions()
	assert.Len(t, versions, 2)
	assert.Contains(t, versions, "v1")
	assert.Contains(t, versions, "v2")
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callmegate/gate/pkg/dispatch"
	"github.com/callmegate/gate/pkg/jobs"
	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/registry"
	"github.com/callmegate/gate/pkg/store"
	"github.com/callmegate/gate/pkg/strategy"
	"github.com/callmegate/gate/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

type harness struct {
	store      *store.Client
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	repo       *jobs.Repository
	worker     *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithAddr(mr.Addr())
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st)
	disp, err := dispatch.New(st, reg, strategy.RoundRobin)
	require.NoError(t, err)
	repo := jobs.NewRepository(st, 0)

	return &harness{
		store:      st,
		registry:   reg,
		dispatcher: disp,
		repo:       repo,
		worker:     New(st, reg, disp, repo, Config{Version: "v-test"}),
	}
}

// roundTrip plays the gateway side: persist the job, enqueue it, wait for
// the published result
func (h *harness) roundTrip(t *testing.T, job *types.HTTPJob) *types.HTTPJob {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.repo.Save(ctx, job))
	ok, err := h.dispatcher.DispatchJob(ctx, job, &strategy.Worker{
		ID:      h.worker.ID(),
		Version: h.worker.Version(),
		Queue:   h.worker.Queue(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	result, found, err := h.dispatcher.WaitForResult(ctx, job.RequestID, 5*time.Second)
	require.NoError(t, err)
	require.True(t, found, "worker did not publish a result in time")
	return result
}

func TestGenerateVersion(t *testing.T) {
	v1 := GenerateVersion()
	v2 := GenerateVersion()
	assert.Regexp(t, `^worker-[0-9a-f]{8}$`, v1)
	assert.NotEqual(t, v1, v2)
}

func TestStartWithoutHandlers(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.worker.Start(context.Background()))
}

func TestStartRegistersRoutesAndNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.RegisterHandler("/api/echo", "POST", func(job *types.HTTPJob) (any, error) {
		return nil, nil
	}, 5)
	require.NoError(t, h.worker.Start(ctx))
	defer h.worker.Stop(ctx)

	node, err := h.registry.GetNode(ctx, h.worker.ID())
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
	assert.Equal(t, h.worker.Queue(), node.Queue)

	route, err := h.registry.GetRoute(ctx, "/api/echo", "POST")
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Contains(t, route.WorkerNodes, h.worker.ID())
}

func TestProcessJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.RegisterHandler("/api/echo", "POST", func(job *types.HTTPJob) (any, error) {
		var payload map[string]any
		if err := json.Unmarshal(job.JSONData, &payload); err != nil {
			return nil, err
		}
		return map[string]any{"echo": payload["msg"]}, nil
	}, 5)
	require.NoError(t, h.worker.Start(ctx))
	defer h.worker.Stop(ctx)

	job := types.NewHTTPJob("POST", "/api/echo")
	job.JSONData = []byte(`{"msg":"hello"}`)
	result := h.roundTrip(t, job)

	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.Equal(t, 200, result.ResponseStatus)
	assert.JSONEq(t, `{"echo":"hello"}`, string(result.ResponseBody))
	assert.Equal(t, "application/json", result.ResponseHeaders["Content-Type"])
}

func TestHandlerError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.RegisterHandler("/api/fail", "POST", func(job *types.HTTPJob) (any, error) {
		return nil, fmt.Errorf("bad input")
	}, 5)
	require.NoError(t, h.worker.Start(ctx))
	defer h.worker.Stop(ctx)

	result := h.roundTrip(t, types.NewHTTPJob("POST", "/api/fail"))

	assert.Equal(t, types.JobStatusFailed, result.Status)
	assert.Equal(t, "bad input", result.ErrorMessage)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.RegisterHandler("/api/panic", "POST", func(job *types.HTTPJob) (any, error) {
		panic("boom")
	}, 5)
	h.worker.RegisterHandler("/api/ok", "GET", func(job *types.HTTPJob) (any, error) {
		return map[string]string{"status": "alive"}, nil
	}, 5)
	require.NoError(t, h.worker.Start(ctx))
	defer h.worker.Stop(ctx)

	result := h.roundTrip(t, types.NewHTTPJob("POST", "/api/panic"))
	assert.Equal(t, types.JobStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "boom")

	// The worker survives and keeps serving.
	result = h.roundTrip(t, types.NewHTTPJob("GET", "/api/ok"))
	assert.Equal(t, types.JobStatusCompleted, result.Status)
}

func TestNoHandlerForRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.RegisterHandler("/api/echo", "POST", func(job *types.HTTPJob) (any, error) {
		return nil, nil
	}, 5)
	require.NoError(t, h.worker.Start(ctx))
	defer h.worker.Stop(ctx)

	// A job whose route was never registered on this worker fails cleanly.
	result := h.roundTrip(t, types.NewHTTPJob("DELETE", "/api/echo"))
	assert.Equal(t, types.JobStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "no handler")
}

func TestEmptyHandlerResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.RegisterHandler("/api/touch", "POST", func(job *types.HTTPJob) (any, error) {
		return nil, nil
	}, 5)
	require.NoError(t, h.worker.Start(ctx))
	defer h.worker.Stop(ctx)

	result := h.roundTrip(t, types.NewHTTPJob("POST", "/api/touch"))
	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.Equal(t, 200, result.ResponseStatus)
	assert.Empty(t, result.ResponseBody)
}

func TestMetricsRecordedOnNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.RegisterHandler("/api/ok", "GET", func(job *types.HTTPJob) (any, error) {
		return map[string]string{"ok": "yes"}, nil
	}, 5)
	require.NoError(t, h.worker.Start(ctx))
	defer h.worker.Stop(ctx)

	h.roundTrip(t, types.NewHTTPJob("GET", "/api/ok"))
	h.roundTrip(t, types.NewHTTPJob("GET", "/api/ok"))

	node, err := h.registry.GetNode(ctx, h.worker.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), node.Metrics.TotalRequests)
	assert.Equal(t, int64(2), node.Metrics.CompletedRequests)
}

func TestStopUnregistersNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.RegisterHandler("/api/echo", "POST", func(job *types.HTTPJob) (any, error) {
		return nil, nil
	}, 5)
	require.NoError(t, h.worker.Start(ctx))
	h.worker.Stop(ctx)

	node, err := h.registry.GetNode(ctx, h.worker.ID())
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, types.NodeStatusOffline, node.Status)

	route, err := h.registry.GetRoute(ctx, "/api/echo", "POST")
	require.NoError(t, err)
	assert.Nil(t, route, "the sole worker's routes disappear with it")
}

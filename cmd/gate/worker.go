package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/callmegate/gate/pkg/counter"
	"github.com/callmegate/gate/pkg/dispatch"
	"github.com/callmegate/gate/pkg/events"
	"github.com/callmegate/gate/pkg/jobs"
	"github.com/callmegate/gate/pkg/registry"
	"github.com/callmegate/gate/pkg/types"
	"github.com/callmegate/gate/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
	Long: `Run one worker process serving the built-in counter endpoints:

  POST /api/counter/increment
  POST /api/counter/decrement
  POST /api/counter/reset
  GET  /api/counter/get

The worker registers its routes on start and consumes jobs from its
version-tagged queue. Give several workers the same --version to scale
a group; give them different versions to route by X-Api-Version.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("version", "", "Worker version tag (generated when empty)")
}

type counterRequest struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

func parseCounterRequest(job *types.HTTPJob) (counterRequest, error) {
	req := counterRequest{Name: "default", Amount: 1}
	if len(job.JSONData) > 0 {
		if err := json.Unmarshal(job.JSONData, &req); err != nil {
			return req, fmt.Errorf("invalid counter request: %v", err)
		}
	}
	if req.Name == "" {
		req.Name = "default"
	}
	if req.Amount <= 0 {
		req.Amount = 1
	}
	return req, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if version, _ := cmd.Flags().GetString("version"); version != "" {
		cfg.Worker.Version = version
	}

	st, err := connectStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg := registry.New(st, registry.WithBroker(broker))
	disp, err := dispatch.New(st, reg, "round_robin")
	if err != nil {
		return err
	}
	repo := jobs.NewRepository(st, cfg.Gateway.JobTTL.Std())
	counters := counter.New(st)

	w := worker.New(st, reg, disp, repo, worker.Config{
		Version:           cfg.Worker.Version,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval.Std(),
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	w.RegisterHandler("/api/counter/increment", "POST", func(job *types.HTTPJob) (any, error) {
		req, err := parseCounterRequest(job)
		if err != nil {
			return nil, err
		}
		value, err := counters.Increment(ctx, req.Name, req.Amount)
		if err != nil {
			return nil, err
		}
		return map[string]any{"name": req.Name, "value": value}, nil
	}, 5)

	w.RegisterHandler("/api/counter/decrement", "POST", func(job *types.HTTPJob) (any, error) {
		req, err := parseCounterRequest(job)
		if err != nil {
			return nil, err
		}
		value, err := counters.Decrement(ctx, req.Name, req.Amount)
		if err != nil {
			return nil, err
		}
		return map[string]any{"name": req.Name, "value": value}, nil
	}, 5)

	w.RegisterHandler("/api/counter/reset", "POST", func(job *types.HTTPJob) (any, error) {
		req, err := parseCounterRequest(job)
		if err != nil {
			return nil, err
		}
		if err := counters.Reset(ctx, req.Name); err != nil {
			return nil, err
		}
		return map[string]any{"name": req.Name, "value": 0}, nil
	}, 5)

	w.RegisterHandler("/api/counter/get", "GET", func(job *types.HTTPJob) (any, error) {
		name := "default"
		if values := job.QueryParams["name"]; len(values) > 0 && values[0] != "" {
			name = values[0]
		}
		value, err := counters.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "value": value}, nil
	}, 5)

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %v", err)
	}
	fmt.Printf("Worker %s is running. Press Ctrl+C to stop.\n", w.ID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	cancel()
	w.Stop(context.Background())
	fmt.Println("✓ Shutdown complete")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/callmegate/gate/pkg/events"
	"github.com/callmegate/gate/pkg/gateway"
	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/registry"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run a gateway instance",
	Long: `Run one stateless gateway instance. Every unreserved path is captured
as a job and dispatched to a worker; reserved paths expose health,
routes, nodes, jobs and metrics.

Multiple gateway instances can run side by side against the same store.`,
	RunE: runGateway,
}

func init() {
	gatewayCmd.Flags().String("listen", "", "Listen address (overrides config)")
	gatewayCmd.Flags().String("strategy", "", "Default load-balancing strategy (overrides config)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Gateway.ListenAddr = listen
	}
	if name, _ := cmd.Flags().GetString("strategy"); name != "" {
		cfg.Gateway.DefaultStrategy = name
	}

	st, err := connectStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for event := range sub {
			log.Logger.Debug().
				Str("event", string(event.Type)).
				Str("message", event.Message).
				Msg("lifecycle event")
		}
	}()

	reg := registry.New(st, registry.WithBroker(broker))
	gw, err := gateway.New(st, reg, gateway.Config{
		ListenAddr:      cfg.Gateway.ListenAddr,
		DefaultStrategy: cfg.Gateway.DefaultStrategy,
		JobTTL:          cfg.Gateway.JobTTL.Std(),
		ReapInterval:    cfg.Gateway.ReapInterval.Std(),
		MaxHeartbeatAge: cfg.Gateway.MaxHeartbeatAge.Std(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	return gw.Start(ctx)
}

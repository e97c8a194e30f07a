package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/callmegate/gate/pkg/registry"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List registered routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := connectStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		reg := registry.New(st)
		routes, err := reg.GetAllRoutes(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load routes: %v", err)
		}
		if len(routes) == 0 {
			fmt.Println("No routes registered")
			return nil
		}

		ids := make([]string, 0, len(routes))
		for id := range routes {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Printf("%-40s %-8s %-8s %s\n", "ROUTE", "TIMEOUT", "WORKERS", "VERSIONS")
		for _, id := range ids {
			route := routes[id]
			fmt.Printf("%-40s %-8d %-8d %v\n",
				route.RouteID, route.Timeout, len(route.WorkerNodes), route.Versions())
		}
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List worker nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := connectStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		reg := registry.New(st)
		nodes, err := reg.GetAllNodes(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load nodes: %v", err)
		}
		if len(nodes) == 0 {
			fmt.Println("No nodes registered")
			return nil
		}

		ids := make([]string, 0, len(nodes))
		for id := range nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Printf("%-24s %-10s %-8s %-10s %s\n", "WORKER", "STATUS", "ROUTES", "REQUESTS", "LAST HEARTBEAT")
		for _, id := range ids {
			node := nodes[id]
			heartbeatAge := time.Duration(time.Now().Unix()-node.LastHeartbeat) * time.Second
			fmt.Printf("%-24s %-10s %-8d %-10d %s ago\n",
				id, node.Status, len(node.Routes), node.Metrics.TotalRequests, heartbeatAge)
		}
		return nil
	},
}

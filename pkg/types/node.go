package types

import (
	"slices"
	"time"
)

// NodeStatus represents the current state of a worker node
type NodeStatus string

const (
	NodeStatusStarting NodeStatus = "starting"
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusBusy     NodeStatus = "busy"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusError    NodeStatus = "error"
	NodeStatusStopping NodeStatus = "stopping"
)

// ValidNodeStatus reports whether s is one of the known status values
func ValidNodeStatus(s string) bool {
	switch NodeStatus(s) {
	case NodeStatusStarting, NodeStatusOnline, NodeStatusBusy,
		NodeStatusOffline, NodeStatusError, NodeStatusStopping:
		return true
	}
	return false
}

// NodeMetrics tracks rolling request counters for a worker node.
// AvgProcessTime is in milliseconds.
type NodeMetrics struct {
	TotalRequests     int64   `json:"total_requests"`
	CompletedRequests int64   `json:"completed_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	AvgProcessTime    float64 `json:"avg_process_time"`
}

// InFlight returns the number of requests dequeued but not yet completed
func (m NodeMetrics) InFlight() int64 {
	return m.TotalRequests - m.CompletedRequests
}

// Node is the registry-side record of one worker process. It is created and
// mutated by its own worker and observed by gateways; the reaper may flip
// Status to offline but never deletes the record.
type Node struct {
	WorkerID      string            `json:"worker_id"`
	Version       string            `json:"version"`
	Queue         string            `json:"queue"`
	Status        NodeStatus        `json:"status"`
	Routes        []string          `json:"routes"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	StartedAt     int64             `json:"started_at"`
	LastHeartbeat int64             `json:"last_heartbeat"`
	Metrics       NodeMetrics       `json:"metrics"`
}

// NewNode creates a node record in the starting state
func NewNode(workerID, version, queue string) *Node {
	now := time.Now().Unix()
	return &Node{
		WorkerID:      workerID,
		Version:       version,
		Queue:         queue,
		Status:        NodeStatusStarting,
		Routes:        []string{},
		Metadata:      map[string]string{},
		StartedAt:     now,
		LastHeartbeat: now,
	}
}

// UpdateStatus changes the node status. Going online also counts as a
// heartbeat.
func (n *Node) UpdateStatus(status NodeStatus) {
	n.Status = status
	if status == NodeStatusOnline {
		n.LastHeartbeat = time.Now().Unix()
	}
}

// Heartbeat refreshes the last heartbeat timestamp
func (n *Node) Heartbeat() {
	n.LastHeartbeat = time.Now().Unix()
}

// AddRoute records that this node serves the given route
func (n *Node) AddRoute(routeID string) {
	if !slices.Contains(n.Routes, routeID) {
		n.Routes = append(n.Routes, routeID)
	}
}

// RemoveRoute drops the route from the node, reporting whether it was present
func (n *Node) RemoveRoute(routeID string) bool {
	idx := slices.Index(n.Routes, routeID)
	if idx < 0 {
		return false
	}
	n.Routes = slices.Delete(n.Routes, idx, idx+1)
	return true
}

// RecordRequest folds one finished request into the node metrics.
// processTimeMS only contributes to the rolling average when the request
// completed.
func (n *Node) RecordRequest(completed, failed bool, processTimeMS float64) {
	n.Metrics.TotalRequests++
	if completed {
		n.Metrics.CompletedRequests++
		total := n.Metrics.CompletedRequests
		current := n.Metrics.AvgProcessTime
		n.Metrics.AvgProcessTime = (current*float64(total-1) + processTimeMS) / float64(total)
	}
	if failed {
		n.Metrics.FailedRequests++
	}
}

// IsAlive reports whether the node heartbeated within maxHeartbeatAge
func (n *Node) IsAlive(maxHeartbeatAge time.Duration) bool {
	age := time.Now().Unix() - n.LastHeartbeat
	return age <= int64(maxHeartbeatAge/time.Second)
}

// Uptime returns the seconds elapsed since the node started
func (n *Node) Uptime() int64 {
	return time.Now().Unix() - n.StartedAt
}

// Package models defines the data exchanged between the orchestrator and the remote services.
package models

import (
	"fmt"
	"strings"
)

// NodeMode selects the billing class of pool nodes.
type NodeMode string

const (
	NodeModeDedicated   NodeMode = "dedicated"
	NodeModeLowPriority NodeMode = "low-priority"
)

// ParseNodeMode accepts "dedicated" and "low-priority" (also "lowpriority" and "spot").
func ParseNodeMode(s string) (NodeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dedicated":
		return NodeModeDedicated, nil
	case "low-priority", "lowpriority", "low_priority", "spot":
		return NodeModeLowPriority, nil
	default:
		return "", fmt.Errorf("invalid node mode %q: must be dedicated or low-priority", s)
	}
}

// Pool states reported by the compute service
const (
	PoolStateActive   = "active"
	PoolStateDeleting = "deleting"
	PoolStateUnknown  = "unknown"
	PoolStateNA       = "N/A"
)

// Pool allocation states
const (
	AllocationSteady   = "steady"
	AllocationResizing = "resizing"
	AllocationStopping = "stopping"
)

// Node states, in the order they are reported in overviews
const (
	NodeIdle                = "idle"
	NodeRebooting           = "rebooting"
	NodeReimaging           = "reimaging"
	NodeRunning             = "running"
	NodeUnusable            = "unusable"
	NodeCreating            = "creating"
	NodeStarting            = "starting"
	NodeWaitingForStartTask = "waitingforstarttask"
	NodeStartTaskFailed     = "starttaskfailed"
	NodeUnknown             = "unknown"
	NodeLeavingPool         = "leavingpool"
	NodeOffline             = "offline"
	NodePreempted           = "preempted"
)

// NodeStates lists every node state the service reports.
var NodeStates = []string{
	NodeIdle, NodeRebooting, NodeReimaging, NodeRunning, NodeUnusable,
	NodeCreating, NodeStarting, NodeWaitingForStartTask, NodeStartTaskFailed,
	NodeUnknown, NodeLeavingPool, NodeOffline, NodePreempted,
}

// PoolSpec describes the pool a mission needs.
type PoolSpec struct {
	ID              string   `json:"id"`
	VMSize          string   `json:"vmSize"`
	Image           string   `json:"image"`
	NodeCount       int      `json:"nodeCount"`
	NodeMode        NodeMode `json:"nodeMode"`
	AutoScale       bool     `json:"autoScale"`
	MaxTasksPerNode int      `json:"maxTasksPerNode"`
}

// Validate checks the fields the compute service would reject.
func (p PoolSpec) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pool ID is required")
	}
	if p.VMSize == "" {
		return fmt.Errorf("pool %s: VM size is required", p.ID)
	}
	if p.Image == "" {
		return fmt.Errorf("pool %s: container image is required", p.ID)
	}
	if p.NodeCount < 0 {
		return fmt.Errorf("pool %s: node count must be non-negative, got %d", p.ID, p.NodeCount)
	}
	if p.AutoScale && p.NodeCount == 0 {
		return fmt.Errorf("pool %s: auto-scale needs a maximum node count", p.ID)
	}
	if _, err := ParseNodeMode(string(p.NodeMode)); err != nil {
		return fmt.Errorf("pool %s: %w", p.ID, err)
	}
	return nil
}

// TargetNodes splits NodeCount into dedicated and low-priority targets.
func (p PoolSpec) TargetNodes() (dedicated, lowPriority int) {
	return TargetNodes(p.NodeCount, p.NodeMode)
}

// TargetNodes splits a node count into dedicated and low-priority targets.
func TargetNodes(count int, mode NodeMode) (dedicated, lowPriority int) {
	if mode == NodeModeLowPriority {
		return 0, count
	}
	return count, 0
}

// AutoScaleFormula returns the pool auto-scale formula that follows the number of
// pending tasks, capped at maxNodes. Nodes are released only after their running
// task completes.
func AutoScaleFormula(maxNodes int, mode NodeMode) string {
	var b strings.Builder
	b.WriteString("$NodeDeallocationOption=taskcompletion;\n")
	b.WriteString("sampleCounts=$PendingTasks.Count();\n")
	fmt.Fprintf(&b, "calculated=min(%d, $PendingTasks.GetSample(1));\n", maxNodes)
	if mode == NodeModeLowPriority {
		fmt.Fprintf(&b, "$TargetLowPriorityNodes=(sampleCounts>0)?calculated:%d;\n", maxNodes)
		b.WriteString("$TargetDedicatedNodes=0;")
	} else {
		b.WriteString("$TargetLowPriorityNodes=0;\n")
		fmt.Fprintf(&b, "$TargetDedicatedNodes=(sampleCounts>0)?calculated:%d;", maxNodes)
	}
	return b.String()
}

// PoolStatus is the observed state of a pool.
type PoolStatus struct {
	ID                 string         `json:"id"`
	State              string         `json:"state"`
	AllocationState    string         `json:"allocationState"`
	Image              string         `json:"image"`
	VMSize             string         `json:"vmSize"`
	AutoScale          bool           `json:"autoScale"`
	TargetDedicated    int            `json:"targetDedicated"`
	TargetLowPriority  int            `json:"targetLowPriority"`
	CurrentDedicated   int            `json:"currentDedicated"`
	CurrentLowPriority int            `json:"currentLowPriority"`
	NodeCounts         map[string]int `json:"nodeCounts"`
}

// Ready reports whether the pool exists and is not being deleted.
func (s *PoolStatus) Ready() bool {
	return s != nil && s.State == PoolStateActive
}

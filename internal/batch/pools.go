package batch

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/remote"
)

// Node image for container pools. The simulation runs inside the mission's
// container image, so the host OS only needs a container runtime.
const (
	imagePublisher = "microsoft-azure-batch"
	imageOffer     = "ubuntu-server-container"
	imageSKU       = "20-04-lts"
	imageVersion   = "latest"
	nodeAgentSKUID = "batch.node.ubuntu 20.04"
)

// autoScaleEvalISO is the auto-scale evaluation interval as an ISO 8601 duration.
var autoScaleEvalISO = fmt.Sprintf("PT%dM", int(constants.AutoScaleEvaluationInterval.Minutes()))

type imageReference struct {
	Publisher string `json:"publisher"`
	Offer     string `json:"offer"`
	SKU       string `json:"sku"`
	Version   string `json:"version"`
}

type containerConfiguration struct {
	Type                string   `json:"type"`
	ContainerImageNames []string `json:"containerImageNames,omitempty"`
}

type vmConfiguration struct {
	ImageReference         imageReference          `json:"imageReference"`
	NodeAgentSKUID         string                  `json:"nodeAgentSKUId"`
	ContainerConfiguration *containerConfiguration `json:"containerConfiguration,omitempty"`
}

type poolBody struct {
	ID                          string           `json:"id"`
	VMSize                      string           `json:"vmSize"`
	VirtualMachineConfiguration *vmConfiguration `json:"virtualMachineConfiguration,omitempty"`
	TaskSlotsPerNode            int              `json:"taskSlotsPerNode,omitempty"`
	EnableAutoScale             bool             `json:"enableAutoScale"`
	AutoScaleFormula            string           `json:"autoScaleFormula,omitempty"`
	AutoScaleEvaluationInterval string           `json:"autoScaleEvaluationInterval,omitempty"`
	TargetDedicatedNodes        *int             `json:"targetDedicatedNodes,omitempty"`
	TargetLowPriorityNodes      *int             `json:"targetLowPriorityNodes,omitempty"`

	// Reported by GET only
	State                   string `json:"state,omitempty"`
	AllocationState         string `json:"allocationState,omitempty"`
	CurrentDedicatedNodes   int    `json:"currentDedicatedNodes,omitempty"`
	CurrentLowPriorityNodes int    `json:"currentLowPriorityNodes,omitempty"`
}

type resizeBody struct {
	TargetDedicatedNodes   int `json:"targetDedicatedNodes"`
	TargetLowPriorityNodes int `json:"targetLowPriorityNodes"`
}

type nodeCountsList struct {
	Value []struct {
		PoolID      string         `json:"poolId"`
		Dedicated   map[string]int `json:"dedicated"`
		LowPriority map[string]int `json:"lowPriority"`
	} `json:"value"`
}

// CreatePool creates a container pool. An auto-scale pool follows the number
// of pending tasks up to spec.NodeCount.
func (c *Client) CreatePool(ctx context.Context, spec models.PoolSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrInvalidSpec, err)
	}

	body := poolBody{
		ID:     spec.ID,
		VMSize: spec.VMSize,
		VirtualMachineConfiguration: &vmConfiguration{
			ImageReference: imageReference{
				Publisher: imagePublisher,
				Offer:     imageOffer,
				SKU:       imageSKU,
				Version:   imageVersion,
			},
			NodeAgentSKUID: nodeAgentSKUID,
			ContainerConfiguration: &containerConfiguration{
				Type:                "dockerCompatible",
				ContainerImageNames: []string{spec.Image},
			},
		},
		TaskSlotsPerNode: spec.MaxTasksPerNode,
	}
	if spec.AutoScale {
		body.EnableAutoScale = true
		body.AutoScaleFormula = models.AutoScaleFormula(spec.NodeCount, spec.NodeMode)
		body.AutoScaleEvaluationInterval = autoScaleEvalISO
	} else {
		dedicated, lowPriority := spec.TargetNodes()
		body.TargetDedicatedNodes = &dedicated
		body.TargetLowPriorityNodes = &lowPriority
	}

	c.logger.Info().Str("resource", spec.ID).Str("vm_size", spec.VMSize).Int("nodes", spec.NodeCount).
		Bool("auto_scale", spec.AutoScale).Msg("Creating pool")
	return c.do(ctx, nethttp.MethodPost, "/pools", nil, body, nil)
}

// ResizePool stops a resize in progress before requesting the new size.
func (c *Client) ResizePool(ctx context.Context, poolID string, nodeCount int, mode models.NodeMode) error {
	var pool poolBody
	if err := c.do(ctx, nethttp.MethodGet, "/pools/"+escape(poolID), selectQuery("id,allocationState"), nil, &pool); err != nil {
		return err
	}
	if pool.AllocationState == models.AllocationResizing {
		err := c.do(ctx, nethttp.MethodPost, "/pools/"+escape(poolID)+"/stopresize", nil, nil, nil)
		if err != nil && !remote.IsConflict(err) {
			return fmt.Errorf("failed to stop resize of pool %s: %w", poolID, err)
		}
	}

	dedicated, lowPriority := models.TargetNodes(nodeCount, mode)
	return c.do(ctx, nethttp.MethodPost, "/pools/"+escape(poolID)+"/resize", nil, resizeBody{
		TargetDedicatedNodes:   dedicated,
		TargetLowPriorityNodes: lowPriority,
	}, nil)
}

// DeletePool requests deletion; the pool goes away asynchronously.
func (c *Client) DeletePool(ctx context.Context, poolID string) error {
	return c.do(ctx, nethttp.MethodDelete, "/pools/"+escape(poolID), nil, nil, nil)
}

// GetPoolStatus returns the pool's state with node counts per node state.
func (c *Client) GetPoolStatus(ctx context.Context, poolID string) (*models.PoolStatus, error) {
	var pool poolBody
	if err := c.do(ctx, nethttp.MethodGet, "/pools/"+escape(poolID), nil, nil, &pool); err != nil {
		return nil, err
	}

	status := &models.PoolStatus{
		ID:                 pool.ID,
		State:              pool.State,
		AllocationState:    pool.AllocationState,
		VMSize:             pool.VMSize,
		AutoScale:          pool.EnableAutoScale,
		CurrentDedicated:   pool.CurrentDedicatedNodes,
		CurrentLowPriority: pool.CurrentLowPriorityNodes,
		NodeCounts:         make(map[string]int),
	}
	if pool.TargetDedicatedNodes != nil {
		status.TargetDedicated = *pool.TargetDedicatedNodes
	}
	if pool.TargetLowPriorityNodes != nil {
		status.TargetLowPriority = *pool.TargetLowPriorityNodes
	}
	if vm := pool.VirtualMachineConfiguration; vm != nil && vm.ContainerConfiguration != nil &&
		len(vm.ContainerConfiguration.ContainerImageNames) > 0 {
		status.Image = vm.ContainerConfiguration.ContainerImageNames[0]
	}

	var counts nodeCountsList
	query := url.Values{"$filter": {fmt.Sprintf("poolId eq '%s'", poolID)}}
	if err := c.do(ctx, nethttp.MethodGet, "/nodecounts", query, nil, &counts); err != nil {
		// Node counts only feed the overview
		c.logger.Debug().Err(err).Str("resource", poolID).Msg("Failed to list node counts")
		return status, nil
	}
	for _, pc := range counts.Value {
		if pc.PoolID != poolID {
			continue
		}
		addNodeCounts(status.NodeCounts, pc.Dedicated)
		addNodeCounts(status.NodeCounts, pc.LowPriority)
	}
	return status, nil
}

func addNodeCounts(dst, src map[string]int) {
	for state, n := range src {
		state = strings.ToLower(state)
		if state == "total" || n == 0 {
			continue
		}
		dst[state] += n
	}
}

func selectQuery(fields string) url.Values {
	return url.Values{"$select": {fields}}
}

// Package lifecycle creates, resizes and deletes the three remote resources a
// mission runs on: the compute pool, the job queue and the storage container.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/http"
	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/mission"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/remote"
)

// Resource names one of the mission's remote resources.
type Resource string

const (
	ResourcePool      Resource = "pool"
	ResourceJob       Resource = "job"
	ResourceContainer Resource = "container"
)

// Resources lists every resource in creation order.
var Resources = []Resource{ResourcePool, ResourceJob, ResourceContainer}

// ResourceState is the observed lifecycle state of a resource.
type ResourceState string

const (
	StateAbsent   ResourceState = "absent"
	StateCreating ResourceState = "creating"
	StateReady    ResourceState = "ready"
	StateDeleting ResourceState = "deleting"
)

var (
	// ErrPoolImageConflict means the pool exists with a different container image.
	// The pool must be deleted before the mission can use the configured image.
	ErrPoolImageConflict = errors.New("pool exists with a different container image")

	// ErrAutoScaleEnabled means the pool sizes itself and rejects manual resizes.
	ErrAutoScaleEnabled = errors.New("pool has auto-scale enabled")

	// ErrPoolNotReady means the pool is absent or still being created or deleted.
	ErrPoolNotReady = errors.New("pool is not ready")

	errStillDeleting = errors.New("container is still being deleted")
)

// Options tunes retry behaviour.
type Options struct {
	Retry http.Config

	// DeletingRetryInterval and DeletingMaxWait bound how long container
	// creation waits for a previous container of the same name to go away.
	DeletingRetryInterval time.Duration
	DeletingMaxWait       time.Duration
}

// DefaultOptions returns the production retry settings.
func DefaultOptions() Options {
	return Options{
		Retry:                 http.DefaultConfig(),
		DeletingRetryInterval: constants.ContainerDeletingRetryInterval,
		DeletingMaxWait:       constants.ContainerDeletingMaxWait,
	}
}

// Manager drives the mission's remote resources.
type Manager struct {
	client remote.Client
	state  *mission.State
	logger *logging.Logger
	opts   Options
}

// NewManager creates a Manager. Zero option fields take their defaults.
func NewManager(client remote.Client, state *mission.State, logger *logging.Logger, opts Options) *Manager {
	def := DefaultOptions()
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = def.Retry
	}
	if opts.DeletingRetryInterval <= 0 {
		opts.DeletingRetryInterval = def.DeletingRetryInterval
	}
	if opts.DeletingMaxWait <= 0 {
		opts.DeletingMaxWait = def.DeletingMaxWait
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		client: client,
		state:  state,
		logger: logger.Named("lifecycle"),
		opts:   opts,
	}
}

// Action is what EnsureResources did for one resource.
type Action string

const (
	ActionCreated  Action = "created"
	ActionExisting Action = "existing"
)

// EnsureReport describes the outcome of EnsureResources.
type EnsureReport struct {
	Actions  map[Resource]Action
	Messages []string
}

func (r *EnsureReport) record(res Resource, a Action, name string) {
	r.Actions[res] = a
	if a == ActionCreated {
		r.Messages = append(r.Messages, fmt.Sprintf("Created %s %s", res, name))
	} else {
		r.Messages = append(r.Messages, fmt.Sprintf("%s %s already exists", capitalize(string(res)), name))
	}
}

// EnsureResources makes sure the pool, job and container exist. Existing
// resources are left alone and creation races are treated as success. The
// first non-transient failure aborts the call.
func (m *Manager) EnsureResources(ctx context.Context) (*EnsureReport, error) {
	d := m.state.Snapshot()
	report := &EnsureReport{Actions: make(map[Resource]Action)}

	action, err := m.ensurePool(ctx, d.Pool)
	if err != nil {
		return report, err
	}
	report.record(ResourcePool, action, d.PoolName)

	action, err = m.ensureJob(ctx, d.JobName, d.PoolName)
	if err != nil {
		return report, err
	}
	report.record(ResourceJob, action, d.JobName)

	action, err = m.ensureContainer(ctx, d.ContainerName)
	if err != nil {
		return report, err
	}
	report.record(ResourceContainer, action, d.ContainerName)

	if err := m.state.Save(); err != nil {
		return report, err
	}
	return report, nil
}

func (m *Manager) ensurePool(ctx context.Context, spec models.PoolSpec) (Action, error) {
	status, err := m.poolStatus(ctx, spec.ID)
	switch {
	case err == nil:
		return ActionExisting, m.checkExistingPool(status, spec)
	case !remote.IsNotFound(err):
		return "", fmt.Errorf("failed to query pool %s: %w", spec.ID, err)
	}

	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", remote.ErrInvalidSpec, err)
	}

	m.logger.Info().Str("resource", spec.ID).Str("image", spec.Image).Int("nodes", spec.NodeCount).
		Bool("auto_scale", spec.AutoScale).Msg("Creating pool")
	err = m.retry(ctx, "create pool "+spec.ID, func() error {
		return m.client.CreatePool(ctx, spec)
	})
	if remote.IsConflict(err) {
		// Created by someone else between the query and the create
		status, err := m.poolStatus(ctx, spec.ID)
		if err != nil {
			return "", fmt.Errorf("failed to query pool %s: %w", spec.ID, err)
		}
		return ActionExisting, m.checkExistingPool(status, spec)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create pool %s: %w", spec.ID, err)
	}
	m.publishState(spec.ID, StateAbsent, StateCreating)
	return ActionCreated, nil
}

func (m *Manager) checkExistingPool(status *models.PoolStatus, spec models.PoolSpec) error {
	if status.State == models.PoolStateDeleting {
		return fmt.Errorf("%w: pool %s", remote.ErrBeingDeleted, spec.ID)
	}
	if status.Image != "" && status.Image != spec.Image {
		m.logger.Error().Str("resource", spec.ID).Str("existing_image", status.Image).
			Str("configured_image", spec.Image).Msg("Pool image conflict")
		return fmt.Errorf("%w: pool %s runs %s, mission wants %s; delete the pool first",
			ErrPoolImageConflict, spec.ID, status.Image, spec.Image)
	}
	m.logger.Info().Str("resource", spec.ID).Msg("Pool already exists, skipping creation")
	return nil
}

func (m *Manager) ensureJob(ctx context.Context, jobID, poolID string) (Action, error) {
	m.logger.Info().Str("resource", jobID).Msg("Creating job")
	err := m.retry(ctx, "create job "+jobID, func() error {
		return m.client.CreateJob(ctx, jobID, poolID)
	})
	if remote.IsConflict(err) {
		m.logger.Info().Str("resource", jobID).Msg("Job already exists, skipping creation")
		return ActionExisting, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to create job %s: %w", jobID, err)
	}
	m.publishState(jobID, StateAbsent, StateReady)
	return ActionCreated, nil
}

func (m *Manager) ensureContainer(ctx context.Context, name string) (Action, error) {
	m.logger.Info().Str("resource", name).Msg("Creating container")

	deadline := time.Now().Add(m.opts.DeletingMaxWait)
	for {
		err := m.retry(ctx, "create container "+name, func() error {
			err := m.client.CreateContainer(ctx, name)
			if errors.Is(err, remote.ErrBeingDeleted) {
				// Handled by the slower loop below
				return fmt.Errorf("%w: %v", errStillDeleting, err)
			}
			return err
		})
		switch {
		case err == nil:
			m.publishState(name, StateAbsent, StateReady)
			return ActionCreated, nil
		case remote.IsConflict(err):
			m.logger.Info().Str("resource", name).Msg("Container already exists, skipping creation")
			return ActionExisting, nil
		case !errors.Is(err, errStillDeleting):
			return "", fmt.Errorf("failed to create container %s: %w", name, err)
		}

		if time.Now().Add(m.opts.DeletingRetryInterval).After(deadline) {
			return "", fmt.Errorf("%w: container %s has been deleting for over %s",
				remote.ErrRemoteUnavailable, name, m.opts.DeletingMaxWait)
		}
		m.logger.Debug().Str("resource", name).Dur("wait", m.opts.DeletingRetryInterval).
			Msg("Container is being deleted, retrying")

		timer := time.NewTimer(m.opts.DeletingRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// ResizePool requests a new node count and records it in the mission state.
// It does not wait for the pool to reach the new size.
func (m *Manager) ResizePool(ctx context.Context, target int) error {
	if target < 0 {
		return fmt.Errorf("%w: node count must be non-negative, got %d", remote.ErrInvalidSpec, target)
	}
	d := m.state.Snapshot()
	poolID := d.PoolName

	status, err := m.poolStatus(ctx, poolID)
	if remote.IsNotFound(err) {
		return fmt.Errorf("%w: pool %s does not exist", ErrPoolNotReady, poolID)
	}
	if err != nil {
		return fmt.Errorf("failed to query pool %s: %w", poolID, err)
	}
	if !status.Ready() {
		return fmt.Errorf("%w: pool %s is %s", ErrPoolNotReady, poolID, status.State)
	}
	if status.AutoScale || d.Pool.AutoScale {
		return fmt.Errorf("%w: pool %s", ErrAutoScaleEnabled, poolID)
	}

	m.logger.Info().Str("resource", poolID).Int("nodes", target).Msg("Resizing pool")
	err = m.retry(ctx, "resize pool "+poolID, func() error {
		return m.client.ResizePool(ctx, poolID, target, d.Pool.NodeMode)
	})
	if err != nil {
		return fmt.Errorf("failed to resize pool %s: %w", poolID, err)
	}

	return m.state.Update(func(d *mission.Data) error {
		d.Pool.NodeCount = target
		return nil
	})
}

// TeardownOptions selects which resources Teardown deletes.
type TeardownOptions struct {
	DeletePool      bool
	DeleteJob       bool
	DeleteContainer bool
}

// All returns options that delete everything.
func All() TeardownOptions {
	return TeardownOptions{DeletePool: true, DeleteJob: true, DeleteContainer: true}
}

// TeardownReport records the outcome for each selected resource. A resource
// that did not exist counts as deleted.
type TeardownReport struct {
	Deleted  []Resource
	Failed   map[Resource]error
	Messages []string
}

// Teardown deletes the selected resources. Each deletion is attempted even if
// an earlier one failed; all failures are returned together along with the
// full report. Deleting the container also removes the local backup file.
func (m *Manager) Teardown(ctx context.Context, opts TeardownOptions) (*TeardownReport, error) {
	d := m.state.Snapshot()
	report := &TeardownReport{Failed: make(map[Resource]error)}
	var result *multierror.Error

	steps := []struct {
		selected bool
		res      Resource
		name     string
		del      func(context.Context) error
	}{
		{opts.DeleteJob, ResourceJob, d.JobName, func(ctx context.Context) error { return m.client.DeleteJob(ctx, d.JobName) }},
		{opts.DeletePool, ResourcePool, d.PoolName, func(ctx context.Context) error { return m.client.DeletePool(ctx, d.PoolName) }},
		{opts.DeleteContainer, ResourceContainer, d.ContainerName, func(ctx context.Context) error { return m.client.DeleteContainer(ctx, d.ContainerName) }},
	}

	for _, step := range steps {
		if !step.selected {
			continue
		}
		m.logger.Info().Str("resource", step.name).Msgf("Deleting %s", step.res)
		err := m.retry(ctx, fmt.Sprintf("delete %s %s", step.res, step.name), func() error {
			return step.del(ctx)
		})
		switch {
		case err == nil:
			report.Deleted = append(report.Deleted, step.res)
			report.Messages = append(report.Messages, fmt.Sprintf("Deletion issued for %s %s", step.res, step.name))
			m.publishState(step.name, StateReady, StateDeleting)
		case remote.IsNotFound(err):
			report.Deleted = append(report.Deleted, step.res)
			report.Messages = append(report.Messages, fmt.Sprintf("%s %s does not exist, skipping", capitalize(string(step.res)), step.name))
		default:
			err = fmt.Errorf("failed to delete %s %s: %w", step.res, step.name, err)
			report.Failed[step.res] = err
			report.Messages = append(report.Messages, err.Error())
			result = multierror.Append(result, err)
			m.logger.Error().Err(err).Str("resource", step.name).Msgf("Failed to delete %s", step.res)
			continue
		}

		if step.res == ResourceContainer {
			if err := m.state.Remove(); err != nil {
				result = multierror.Append(result, err)
				report.Messages = append(report.Messages, err.Error())
			} else {
				report.Messages = append(report.Messages, "Removed mission backup "+m.state.Path())
			}
		}
	}

	return report, result.ErrorOrNil()
}

// States queries the current state of every resource.
func (m *Manager) States(ctx context.Context) (map[Resource]ResourceState, error) {
	d := m.state.Snapshot()
	states := make(map[Resource]ResourceState, len(Resources))
	var result *multierror.Error

	status, err := m.poolStatus(ctx, d.PoolName)
	switch {
	case err == nil:
		states[ResourcePool] = poolState(status)
	case remote.IsNotFound(err):
		states[ResourcePool] = StateAbsent
	default:
		result = multierror.Append(result, fmt.Errorf("pool %s: %w", d.PoolName, err))
	}

	var job *models.JobStatus
	err = m.retry(ctx, "get job "+d.JobName, func() error {
		var err error
		job, err = m.client.GetJob(ctx, d.JobName)
		return err
	})
	switch {
	case err == nil:
		states[ResourceJob] = jobState(job)
	case remote.IsNotFound(err):
		states[ResourceJob] = StateAbsent
	default:
		result = multierror.Append(result, fmt.Errorf("job %s: %w", d.JobName, err))
	}

	var exists bool
	err = m.retry(ctx, "check container "+d.ContainerName, func() error {
		var err error
		exists, err = m.client.ContainerExists(ctx, d.ContainerName)
		return err
	})
	switch {
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("container %s: %w", d.ContainerName, err))
	case exists:
		states[ResourceContainer] = StateReady
	default:
		states[ResourceContainer] = StateAbsent
	}

	return states, result.ErrorOrNil()
}

func (m *Manager) poolStatus(ctx context.Context, poolID string) (*models.PoolStatus, error) {
	var status *models.PoolStatus
	err := m.retry(ctx, "get pool "+poolID, func() error {
		var err error
		status, err = m.client.GetPoolStatus(ctx, poolID)
		return err
	})
	return status, err
}

func (m *Manager) retry(ctx context.Context, what string, op func() error) error {
	cfg := m.opts.Retry
	cfg.OnRetry = func(attempt int, err error, class http.ErrorClass) {
		m.logger.Warn().Err(err).Int("attempt", attempt).Str("class", class.String()).
			Msgf("Retrying %s", what)
	}
	return http.ExecuteWithRetry(ctx, cfg, op)
}

func (m *Manager) publishState(subject string, from, to ResourceState) {
	m.logger.EventBus().PublishStateChange(m.state.Snapshot().MissionName, subject, string(from), string(to), "lifecycle")
}

func poolState(s *models.PoolStatus) ResourceState {
	switch {
	case s.State == models.PoolStateDeleting:
		return StateDeleting
	case s.State != models.PoolStateActive:
		return StateCreating
	case s.AllocationState == models.AllocationResizing && s.CurrentDedicated+s.CurrentLowPriority == 0 &&
		s.TargetDedicated+s.TargetLowPriority > 0:
		return StateCreating
	default:
		return StateReady
	}
}

func jobState(j *models.JobStatus) ResourceState {
	switch j.State {
	case models.JobStateDeleting, models.JobStateTerminating:
		return StateDeleting
	default:
		return StateReady
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

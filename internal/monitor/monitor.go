// Package monitor polls the remote status of a mission's pool, job and container.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/mission"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/remote"
)

// Container states
const (
	ContainerAvailable = "available"
	ContainerNA        = "N/A"
)

// ErrWatchRunning is returned when Watch is called while another Watch on the
// same Monitor has not returned.
var ErrWatchRunning = errors.New("monitor: a watch is already running")

// MonitorError reports that polls kept failing past the threshold.
type MonitorError struct {
	Failures int
	Last     error
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("monitor: %d consecutive polls failed: %v", e.Failures, e.Last)
}

func (e *MonitorError) Unwrap() error {
	return e.Last
}

// Snapshot is the result of one poll.
type Snapshot struct {
	Timestamp       time.Time
	PoolState       string
	AllocationState string
	Nodes           map[string]int
	JobState        string
	Tasks           models.TaskCounts
	TaskStates      []models.TaskInfo
	ContainerState  string

	// Err is set on a degraded snapshot produced by a failed poll.
	Err error
}

// Degraded reports whether the poll behind this snapshot failed.
func (s *Snapshot) Degraded() bool {
	return s.Err != nil
}

// Finished reports whether the job exists and none of its tasks are active or running.
func (s *Snapshot) Finished() bool {
	return !s.Degraded() && s.JobState != models.JobStateNA && s.Tasks.Pending() == 0
}

// String renders the overview shown to operators.
func (s *Snapshot) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Pool status: %s\n", s.PoolState)
	fmt.Fprintf(&b, "Allocation status: %s", s.AllocationState)
	if s.PoolState != models.PoolStateNA && !s.Degraded() {
		idle := s.Nodes[models.NodeIdle]
		running := s.Nodes[models.NodeRunning]
		unusable := s.Nodes[models.NodeUnusable]
		other := 0
		for _, n := range s.Nodes {
			other += n
		}
		other -= idle + running + unusable
		fmt.Fprintf(&b, "\nNode status: %d idle; %d running; %d unusable; %d other;", idle, running, unusable, other)
	}

	fmt.Fprintf(&b, "\n\nJob status: %s", s.JobState)
	if s.JobState != models.JobStateNA && !s.Degraded() {
		fmt.Fprintf(&b, "\nTasks status: %d active; %d running; %d succeeded; %d failed;",
			s.Tasks.Active, s.Tasks.Running, s.Tasks.Succeeded, s.Tasks.Failed)
	}

	fmt.Fprintf(&b, "\n\nStorage container status: %s", s.ContainerState)
	if s.Degraded() {
		fmt.Fprintf(&b, "\n\nLast poll failed: %v", s.Err)
	}
	return b.String()
}

// Options configures a Monitor.
type Options struct {
	// FailureThreshold is the number of consecutive failed polls Watch tolerates.
	FailureThreshold int
}

// Monitor polls mission resources.
type Monitor struct {
	client   remote.Client
	state    *mission.State
	logger   *logging.Logger
	opts     Options
	watching atomic.Bool
}

// NewMonitor creates a monitor for the mission held in state.
func NewMonitor(client remote.Client, state *mission.State, logger *logging.Logger, opts Options) *Monitor {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = constants.DefaultMonitorFailureThreshold
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Monitor{
		client: client,
		state:  state,
		logger: logger.Named("monitor"),
		opts:   opts,
	}
}

// Snapshot polls the pool, job and container once.
// A pool or job that does not exist is reported as N/A.
func (m *Monitor) Snapshot(ctx context.Context) (*Snapshot, error) {
	data := m.state.Snapshot()
	snap := &Snapshot{
		Timestamp:       time.Now().UTC().Truncate(time.Second),
		PoolState:       models.PoolStateNA,
		AllocationState: models.PoolStateNA,
		Nodes:           make(map[string]int),
		JobState:        models.JobStateNA,
		ContainerState:  ContainerNA,
	}

	pool, err := m.client.GetPoolStatus(ctx, data.PoolName)
	switch {
	case err == nil:
		snap.PoolState = pool.State
		snap.AllocationState = pool.AllocationState
		for state, n := range pool.NodeCounts {
			snap.Nodes[state] = n
		}
	case !remote.IsNotFound(err):
		return nil, fmt.Errorf("failed to get pool %s: %w", data.PoolName, err)
	}

	job, err := m.client.GetJob(ctx, data.JobName)
	switch {
	case err == nil:
		snap.JobState = job.State
		tasks, err := m.client.ListTasks(ctx, data.JobName)
		if err != nil && !remote.IsNotFound(err) {
			return nil, fmt.Errorf("failed to list tasks of job %s: %w", data.JobName, err)
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
		snap.TaskStates = tasks
		snap.Tasks = models.CountTasks(tasks)
	case !remote.IsNotFound(err):
		return nil, fmt.Errorf("failed to get job %s: %w", data.JobName, err)
	}

	exists, err := m.client.ContainerExists(ctx, data.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("failed to check container %s: %w", data.ContainerName, err)
	}
	if exists {
		snap.ContainerState = ContainerAvailable
	}

	return snap, nil
}

// Watch polls every interval and hands each snapshot to callback until ctx is
// cancelled. A failed poll is delivered as a degraded snapshot. When more than
// FailureThreshold polls fail in a row, Watch returns a *MonitorError.
// Only one Watch may run on a Monitor at a time.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, callback func(*Snapshot)) error {
	return m.watch(ctx, interval, callback, nil)
}

// WaitForCompletion watches until no task of the job is active or running.
// It returns the final snapshot.
func (m *Monitor) WaitForCompletion(ctx context.Context, interval time.Duration, callback func(*Snapshot)) (*Snapshot, error) {
	var final *Snapshot
	err := m.watch(ctx, interval, callback, func(s *Snapshot) bool {
		if s.Finished() {
			final = s
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

func (m *Monitor) watch(ctx context.Context, interval time.Duration, callback func(*Snapshot), until func(*Snapshot) bool) error {
	if !m.watching.CompareAndSwap(false, true) {
		return ErrWatchRunning
	}
	defer m.watching.Store(false)

	if interval <= 0 {
		interval = constants.DefaultMonitorInterval
	}
	name := m.state.Snapshot().MissionName
	bus := m.logger.EventBus()

	m.logger.Info().Str("mission", name).Dur("interval", interval).Msg("Watching mission resources")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			m.logger.Warn().Err(err).Int("failures", failures).Msg("Poll failed")
			snap = degraded(err)
		} else {
			failures = 0
		}

		bus.PublishSnapshot(name, snap.String(), snap.Degraded())
		if callback != nil {
			callback(snap)
		}

		if failures > m.opts.FailureThreshold {
			m.logger.Error().Err(err).Int("failures", failures).Msg("Giving up after repeated poll failures")
			return &MonitorError{Failures: failures, Last: err}
		}
		if until != nil && until(snap) {
			m.logger.Info().Str("mission", name).Msg("All tasks finished")
			return nil
		}

		select {
		case <-ctx.Done():
			m.logger.Debug().Msg("Watch cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func degraded(err error) *Snapshot {
	return &Snapshot{
		Timestamp:       time.Now().UTC().Truncate(time.Second),
		PoolState:       models.PoolStateUnknown,
		AllocationState: models.PoolStateUnknown,
		Nodes:           map[string]int{},
		JobState:        models.PoolStateUnknown,
		ContainerState:  models.PoolStateUnknown,
		Err:             err,
	}
}

package lifecycle

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rescale/mission-int/internal/http"
	"github.com/rescale/mission-int/internal/mission"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/remote"
	"github.com/rescale/mission-int/internal/remote/memory"
)

const testImage = "barbagroup/landspill:bionic"

func fastOptions() Options {
	return Options{
		Retry: http.Config{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
		DeletingRetryInterval: time.Millisecond,
		DeletingMaxWait:       time.Second,
	}
}

func newTestManager(t *testing.T, pool models.PoolSpec) (*Manager, *memory.Client, *mission.State) {
	t.Helper()
	client, err := memory.New(memory.Options{})
	if err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}
	state, err := mission.New("flood", t.TempDir(), pool)
	if err != nil {
		t.Fatalf("mission.New failed: %v", err)
	}
	return NewManager(client, state, nil, fastOptions()), client, state
}

func defaultPool() models.PoolSpec {
	return models.PoolSpec{
		VMSize:    "STANDARD_H8",
		Image:     testImage,
		NodeCount: 2,
		NodeMode:  models.NodeModeDedicated,
	}
}

func TestEnsureResources_CreatesThenNoOp(t *testing.T) {
	m, client, state := newTestManager(t, defaultPool())
	ctx := context.Background()

	report, err := m.EnsureResources(ctx)
	if err != nil {
		t.Fatalf("EnsureResources failed: %v", err)
	}
	for _, res := range Resources {
		if report.Actions[res] != ActionCreated {
			t.Errorf("first ensure: %s action = %q, want created", res, report.Actions[res])
		}
	}
	if _, err := os.Stat(state.Path()); err != nil {
		t.Errorf("backup file not written: %v", err)
	}

	report, err = m.EnsureResources(ctx)
	if err != nil {
		t.Fatalf("second EnsureResources failed: %v", err)
	}
	for _, res := range Resources {
		if report.Actions[res] != ActionExisting {
			t.Errorf("second ensure: %s action = %q, want existing", res, report.Actions[res])
		}
	}
	if n := client.Calls(memory.OpCreatePool); n != 1 {
		t.Errorf("CreatePool called %d times, want 1", n)
	}
	if len(report.Messages) != 3 {
		t.Errorf("expected one message per resource, got %v", report.Messages)
	}
}

func TestEnsureResources_PoolImageConflict(t *testing.T) {
	m, client, _ := newTestManager(t, defaultPool())
	ctx := context.Background()

	other := defaultPool()
	other.ID = "flood-pool"
	other.Image = "barbagroup/landspill:latest"
	if err := client.CreatePool(ctx, other); err != nil {
		t.Fatal(err)
	}

	_, err := m.EnsureResources(ctx)
	if !errors.Is(err, ErrPoolImageConflict) {
		t.Fatalf("error = %v, want ErrPoolImageConflict", err)
	}
	if n := client.Calls(memory.OpCreateJob); n != 0 {
		t.Errorf("job creation attempted after fatal pool error")
	}
}

func TestEnsureResources_CreateConflictIsSuccess(t *testing.T) {
	m, client, _ := newTestManager(t, defaultPool())
	client.Fail(memory.OpCreateJob, remote.ErrConflict, 1)
	client.Fail(memory.OpCreateContainer, remote.ErrConflict, 1)

	report, err := m.EnsureResources(context.Background())
	if err != nil {
		t.Fatalf("EnsureResources failed: %v", err)
	}
	if report.Actions[ResourceJob] != ActionExisting || report.Actions[ResourceContainer] != ActionExisting {
		t.Errorf("conflicts should count as existing: %v", report.Actions)
	}
}

func TestEnsureResources_RetriesTransient(t *testing.T) {
	m, client, _ := newTestManager(t, defaultPool())
	client.Fail(memory.OpCreateJob, remote.ErrTransient, 2)

	if _, err := m.EnsureResources(context.Background()); err != nil {
		t.Fatalf("EnsureResources failed: %v", err)
	}
	if n := client.Calls(memory.OpCreateJob); n != 3 {
		t.Errorf("CreateJob called %d times, want 3", n)
	}
}

func TestEnsureResources_TransientExhausted(t *testing.T) {
	m, client, _ := newTestManager(t, defaultPool())
	client.Fail(memory.OpCreateJob, remote.ErrTransient, -1)

	_, err := m.EnsureResources(context.Background())
	if !errors.Is(err, remote.ErrRemoteUnavailable) {
		t.Fatalf("error = %v, want ErrRemoteUnavailable", err)
	}
	if n := client.Calls(memory.OpCreateContainer); n != 0 {
		t.Error("container creation attempted after job failure")
	}
}

func TestEnsureResources_AuthenticationAborts(t *testing.T) {
	m, client, _ := newTestManager(t, defaultPool())
	client.Fail(memory.OpCreatePool, remote.ErrAuthentication, 1)

	_, err := m.EnsureResources(context.Background())
	if !errors.Is(err, remote.ErrAuthentication) {
		t.Fatalf("error = %v, want ErrAuthentication", err)
	}
	if n := client.Calls(memory.OpCreatePool); n != 1 {
		t.Errorf("authentication failure retried: %d calls", n)
	}
}

func TestEnsureResources_ContainerBeingDeleted(t *testing.T) {
	m, client, _ := newTestManager(t, defaultPool())
	client.MarkContainerDeleting("flood-container", 4)

	report, err := m.EnsureResources(context.Background())
	if err != nil {
		t.Fatalf("EnsureResources failed: %v", err)
	}
	if report.Actions[ResourceContainer] != ActionCreated {
		t.Errorf("container action = %q", report.Actions[ResourceContainer])
	}
	if n := client.Calls(memory.OpCreateContainer); n != 5 {
		t.Errorf("CreateContainer called %d times, want 5", n)
	}
}

func TestEnsureResources_ContainerDeletingTimeout(t *testing.T) {
	m, client, _ := newTestManager(t, defaultPool())
	m.opts.DeletingMaxWait = 10 * time.Millisecond
	client.MarkContainerDeleting("flood-container", 1<<20)

	_, err := m.EnsureResources(context.Background())
	if !errors.Is(err, remote.ErrRemoteUnavailable) {
		t.Fatalf("error = %v, want ErrRemoteUnavailable", err)
	}
}

func TestEnsureResources_Cancelled(t *testing.T) {
	m, _, _ := newTestManager(t, defaultPool())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.EnsureResources(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestResizePool(t *testing.T) {
	m, client, state := newTestManager(t, defaultPool())
	ctx := context.Background()
	if _, err := m.EnsureResources(ctx); err != nil {
		t.Fatal(err)
	}

	if err := m.ResizePool(ctx, 5); err != nil {
		t.Fatalf("ResizePool failed: %v", err)
	}
	if got := state.Snapshot().Pool.NodeCount; got != 5 {
		t.Errorf("NodeCount = %d, want 5", got)
	}
	restored, err := mission.Load(state.Path())
	if err != nil {
		t.Fatal(err)
	}
	if got := restored.Snapshot().Pool.NodeCount; got != 5 {
		t.Errorf("persisted NodeCount = %d, want 5", got)
	}
	status, err := client.GetPoolStatus(ctx, "flood-pool")
	if err != nil {
		t.Fatal(err)
	}
	if status.TargetDedicated != 5 {
		t.Errorf("remote target = %d, want 5", status.TargetDedicated)
	}
}

func TestResizePool_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("absent", func(t *testing.T) {
		m, _, _ := newTestManager(t, defaultPool())
		if err := m.ResizePool(ctx, 3); !errors.Is(err, ErrPoolNotReady) {
			t.Errorf("error = %v, want ErrPoolNotReady", err)
		}
	})

	t.Run("auto_scale", func(t *testing.T) {
		pool := defaultPool()
		pool.AutoScale = true
		m, client, _ := newTestManager(t, pool)
		if _, err := m.EnsureResources(ctx); err != nil {
			t.Fatal(err)
		}
		if err := m.ResizePool(ctx, 3); !errors.Is(err, ErrAutoScaleEnabled) {
			t.Errorf("error = %v, want ErrAutoScaleEnabled", err)
		}
		if n := client.Calls(memory.OpResizePool); n != 0 {
			t.Error("resize request sent to an auto-scale pool")
		}
	})

	t.Run("negative", func(t *testing.T) {
		m, _, _ := newTestManager(t, defaultPool())
		if err := m.ResizePool(ctx, -1); !errors.Is(err, remote.ErrInvalidSpec) {
			t.Errorf("error = %v, want ErrInvalidSpec", err)
		}
	})
}

func TestTeardown_AggregatesFailures(t *testing.T) {
	m, client, state := newTestManager(t, defaultPool())
	ctx := context.Background()
	if _, err := m.EnsureResources(ctx); err != nil {
		t.Fatal(err)
	}

	poolErr := errors.New("pool is locked")
	client.Fail(memory.OpDeletePool, poolErr, -1)

	report, err := m.Teardown(ctx, All())
	if !errors.Is(err, poolErr) {
		t.Fatalf("error = %v, want pool failure", err)
	}
	if _, ok := report.Failed[ResourcePool]; !ok {
		t.Error("report should list the pool failure")
	}
	if len(report.Deleted) != 2 {
		t.Errorf("Deleted = %v, want job and container", report.Deleted)
	}
	if exists, _ := client.ContainerExists(ctx, "flood-container"); exists {
		t.Error("container should be deleted despite pool failure")
	}
	if _, err := client.GetJob(ctx, "flood-job"); !remote.IsNotFound(err) {
		t.Error("job should be deleted despite pool failure")
	}
	if _, err := os.Stat(state.Path()); !os.IsNotExist(err) {
		t.Error("backup file should be removed with the container")
	}
}

func TestTeardown_NotFoundCountsAsDeleted(t *testing.T) {
	m, _, _ := newTestManager(t, defaultPool())

	report, err := m.Teardown(context.Background(), All())
	if err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if len(report.Deleted) != 3 || len(report.Failed) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestTeardown_Selective(t *testing.T) {
	m, client, state := newTestManager(t, defaultPool())
	ctx := context.Background()
	if _, err := m.EnsureResources(ctx); err != nil {
		t.Fatal(err)
	}

	report, err := m.Teardown(ctx, TeardownOptions{DeletePool: true})
	if err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if len(report.Deleted) != 1 || report.Deleted[0] != ResourcePool {
		t.Errorf("Deleted = %v", report.Deleted)
	}
	if exists, _ := client.ContainerExists(ctx, "flood-container"); !exists {
		t.Error("container should survive a pool-only teardown")
	}
	if _, err := os.Stat(state.Path()); err != nil {
		t.Error("backup file should survive a pool-only teardown")
	}
}

func TestStates(t *testing.T) {
	m, _, _ := newTestManager(t, defaultPool())
	ctx := context.Background()

	states, err := m.States(ctx)
	if err != nil {
		t.Fatalf("States failed: %v", err)
	}
	for _, res := range Resources {
		if states[res] != StateAbsent {
			t.Errorf("%s = %s before ensure, want absent", res, states[res])
		}
	}

	if _, err := m.EnsureResources(ctx); err != nil {
		t.Fatal(err)
	}
	states, err = m.States(ctx)
	if err != nil {
		t.Fatalf("States failed: %v", err)
	}
	if states[ResourcePool] != StateCreating {
		t.Errorf("pool = %s right after creation, want creating", states[ResourcePool])
	}
	if states[ResourceJob] != StateReady || states[ResourceContainer] != StateReady {
		t.Errorf("states = %v", states)
	}

	states, _ = m.States(ctx)
	if states[ResourcePool] != StateReady {
		t.Errorf("pool = %s after allocation, want ready", states[ResourcePool])
	}
}

package memory

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/remote"
)

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func testPool() models.PoolSpec {
	return models.PoolSpec{ID: "m-pool", VMSize: "STANDARD_H8", Image: "img:1", NodeCount: 2, NodeMode: models.NodeModeDedicated}
}

func TestPoolLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, Options{})

	if _, err := c.GetPoolStatus(ctx, "m-pool"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.CreatePool(ctx, testPool()); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := c.CreatePool(ctx, testPool()); !errors.Is(err, remote.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	status, err := c.GetPoolStatus(ctx, "m-pool")
	if err != nil {
		t.Fatalf("GetPoolStatus failed: %v", err)
	}
	if status.Image != "img:1" || status.TargetDedicated != 2 {
		t.Errorf("unexpected status %+v", status)
	}

	if err := c.ResizePool(ctx, "m-pool", 5, models.NodeModeLowPriority); err != nil {
		t.Fatalf("ResizePool failed: %v", err)
	}
	status, _ = c.GetPoolStatus(ctx, "m-pool")
	if status.TargetLowPriority != 5 || status.TargetDedicated != 0 {
		t.Errorf("resize not applied: %+v", status)
	}

	if err := c.DeletePool(ctx, "m-pool"); err != nil {
		t.Fatalf("DeletePool failed: %v", err)
	}
	if err := c.DeletePool(ctx, "m-pool"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, Options{})
	boom := errors.New("boom")

	c.Fail(OpCreateJob, boom, 2)
	for i := 0; i < 2; i++ {
		if err := c.CreateJob(ctx, "j", "p"); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected injected error, got %v", i, err)
		}
	}
	if err := c.CreateJob(ctx, "j", "p"); err != nil {
		t.Fatalf("third call should succeed, got %v", err)
	}
	if got := c.Calls(OpCreateJob); got != 3 {
		t.Errorf("Calls = %d, want 3", got)
	}

	c.Fail(OpGetJob, boom, -1)
	for i := 0; i < 5; i++ {
		if _, err := c.GetJob(ctx, "j"); !errors.Is(err, boom) {
			t.Fatalf("permanent failure not applied: %v", err)
		}
	}
	c.ClearFailures()
	if _, err := c.GetJob(ctx, "j"); err != nil {
		t.Fatalf("ClearFailures did not clear: %v", err)
	}
}

func TestContainerBeingDeleted(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, Options{})
	c.MarkContainerDeleting("m-container", 1)

	if err := c.CreateContainer(ctx, "m-container"); !errors.Is(err, remote.ErrBeingDeleted) {
		t.Fatalf("expected ErrBeingDeleted, got %v", err)
	}
	if !remote.IsTransient(remote.ErrBeingDeleted) {
		t.Error("ErrBeingDeleted should be transient")
	}
	if err := c.CreateContainer(ctx, "m-container"); err != nil {
		t.Fatalf("second create should succeed: %v", err)
	}
}

func TestBlobs(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, Options{})
	if err := c.CreateContainer(ctx, "box"); err != nil {
		t.Fatal(err)
	}

	if err := c.UploadBlob(ctx, "box", "case-1/setrun.py", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("UploadBlob failed: %v", err)
	}
	if err := c.UploadBlob(ctx, "box", "case-2/setrun.py", strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	if err := c.UploadBlob(ctx, "box", "bad", strings.NewReader("abc"), 10); !errors.Is(err, remote.ErrInvalidSpec) {
		t.Errorf("size mismatch should be rejected, got %v", err)
	}

	blobs, err := c.ListBlobs(ctx, "box", "case-1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(blobs) != 1 || blobs[0].Size != 5 || blobs[0].Fingerprint != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("unexpected listing %+v", blobs)
	}

	var buf bytes.Buffer
	if err := c.DownloadBlob(ctx, "box", "case-1/setrun.py", &buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello" {
		t.Errorf("downloaded %q", buf.String())
	}
	if err := c.DownloadBlob(ctx, "box", "missing", &buf); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAutoProgress(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, Options{AutoProgress: true})
	c.CreateContainer(ctx, "m-container")
	c.CreateJob(ctx, "m-job", "m-pool")
	url, _ := c.ContainerURL(ctx, "m-container", 0)

	task := models.TaskSpec{ID: "case-1", CommandLine: "run", Inputs: []models.InputResource{{ContainerURL: url, BlobPrefix: "case-1/"}}}
	if err := c.SubmitTask(ctx, "m-job", task); err != nil {
		t.Fatal(err)
	}
	if err := c.SubmitTask(ctx, "m-job", task); !errors.Is(err, remote.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	tasks, _ := c.ListTasks(ctx, "m-job")
	if tasks[0].State != models.TaskRunning {
		t.Fatalf("expected running after first poll, got %s", tasks[0].State)
	}
	tasks, _ = c.ListTasks(ctx, "m-job")
	if !tasks[0].Succeeded() {
		t.Fatalf("expected completed after second poll, got %+v", tasks[0])
	}
	if _, ok := c.Blob("m-container", "case-1/stdout.txt"); !ok {
		t.Error("completed task should leave a stdout blob")
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "remote.json")

	c := newTestClient(t, Options{PersistPath: path})
	if err := c.CreatePool(ctx, testPool()); err != nil {
		t.Fatal(err)
	}
	c.CreateContainer(ctx, "box")
	c.UploadBlob(ctx, "box", "a", strings.NewReader("data"), 4)

	reopened := newTestClient(t, Options{PersistPath: path})
	if _, err := reopened.GetPoolStatus(ctx, "m-pool"); err != nil {
		t.Errorf("pool lost across reopen: %v", err)
	}
	if data, ok := reopened.Blob("box", "a"); !ok || string(data) != "data" {
		t.Errorf("blob lost across reopen: %q %v", data, ok)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(t, Options{})
	if err := c.CreateContainer(ctx, "box"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

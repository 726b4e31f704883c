package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rescale/mission-int/internal/models"
)

// Timeouts holds the per-call deadlines applied by WithTimeout.
type Timeouts struct {
	Call     time.Duration // control-plane requests
	Transfer time.Duration // blob uploads and downloads
}

// WithTimeout wraps a Client so that every call runs under its own deadline.
// A call that exceeds its deadline fails with ErrTransient, which makes it retryable.
func WithTimeout(c Client, t Timeouts) Client {
	return &timeoutClient{next: c, t: t}
}

type timeoutClient struct {
	next Client
	t    Timeouts
}

func (c *timeoutClient) call(ctx context.Context, d time.Duration, name string, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out after %s: %v", ErrTransient, name, d, err)
	}
	return err
}

func (c *timeoutClient) CreatePool(ctx context.Context, spec models.PoolSpec) error {
	return c.call(ctx, c.t.Call, "create pool", func(ctx context.Context) error {
		return c.next.CreatePool(ctx, spec)
	})
}

func (c *timeoutClient) ResizePool(ctx context.Context, poolID string, nodeCount int, mode models.NodeMode) error {
	return c.call(ctx, c.t.Call, "resize pool", func(ctx context.Context) error {
		return c.next.ResizePool(ctx, poolID, nodeCount, mode)
	})
}

func (c *timeoutClient) DeletePool(ctx context.Context, poolID string) error {
	return c.call(ctx, c.t.Call, "delete pool", func(ctx context.Context) error {
		return c.next.DeletePool(ctx, poolID)
	})
}

func (c *timeoutClient) GetPoolStatus(ctx context.Context, poolID string) (status *models.PoolStatus, err error) {
	err = c.call(ctx, c.t.Call, "get pool", func(ctx context.Context) error {
		status, err = c.next.GetPoolStatus(ctx, poolID)
		return err
	})
	return status, err
}

func (c *timeoutClient) CreateJob(ctx context.Context, jobID, poolID string) error {
	return c.call(ctx, c.t.Call, "create job", func(ctx context.Context) error {
		return c.next.CreateJob(ctx, jobID, poolID)
	})
}

func (c *timeoutClient) GetJob(ctx context.Context, jobID string) (job *models.JobStatus, err error) {
	err = c.call(ctx, c.t.Call, "get job", func(ctx context.Context) error {
		job, err = c.next.GetJob(ctx, jobID)
		return err
	})
	return job, err
}

func (c *timeoutClient) DeleteJob(ctx context.Context, jobID string) error {
	return c.call(ctx, c.t.Call, "delete job", func(ctx context.Context) error {
		return c.next.DeleteJob(ctx, jobID)
	})
}

func (c *timeoutClient) SubmitTask(ctx context.Context, jobID string, task models.TaskSpec) error {
	return c.call(ctx, c.t.Call, "submit task", func(ctx context.Context) error {
		return c.next.SubmitTask(ctx, jobID, task)
	})
}

func (c *timeoutClient) GetTask(ctx context.Context, jobID, taskID string) (task *models.TaskInfo, err error) {
	err = c.call(ctx, c.t.Call, "get task", func(ctx context.Context) error {
		task, err = c.next.GetTask(ctx, jobID, taskID)
		return err
	})
	return task, err
}

func (c *timeoutClient) ListTasks(ctx context.Context, jobID string) (tasks []models.TaskInfo, err error) {
	err = c.call(ctx, c.t.Call, "list tasks", func(ctx context.Context) error {
		tasks, err = c.next.ListTasks(ctx, jobID)
		return err
	})
	return tasks, err
}

func (c *timeoutClient) DeleteTask(ctx context.Context, jobID, taskID string) error {
	return c.call(ctx, c.t.Call, "delete task", func(ctx context.Context) error {
		return c.next.DeleteTask(ctx, jobID, taskID)
	})
}

func (c *timeoutClient) CreateContainer(ctx context.Context, name string) error {
	return c.call(ctx, c.t.Call, "create container", func(ctx context.Context) error {
		return c.next.CreateContainer(ctx, name)
	})
}

func (c *timeoutClient) ContainerExists(ctx context.Context, name string) (exists bool, err error) {
	err = c.call(ctx, c.t.Call, "get container", func(ctx context.Context) error {
		exists, err = c.next.ContainerExists(ctx, name)
		return err
	})
	return exists, err
}

func (c *timeoutClient) DeleteContainer(ctx context.Context, name string) error {
	return c.call(ctx, c.t.Call, "delete container", func(ctx context.Context) error {
		return c.next.DeleteContainer(ctx, name)
	})
}

func (c *timeoutClient) ContainerURL(ctx context.Context, name string, validity time.Duration) (url string, err error) {
	err = c.call(ctx, c.t.Call, "sign container URL", func(ctx context.Context) error {
		url, err = c.next.ContainerURL(ctx, name, validity)
		return err
	})
	return url, err
}

func (c *timeoutClient) UploadBlob(ctx context.Context, container, blobPath string, r io.Reader, size int64) error {
	return c.call(ctx, c.t.Transfer, "upload "+blobPath, func(ctx context.Context) error {
		return c.next.UploadBlob(ctx, container, blobPath, r, size)
	})
}

func (c *timeoutClient) DownloadBlob(ctx context.Context, container, blobPath string, w io.Writer) error {
	return c.call(ctx, c.t.Transfer, "download "+blobPath, func(ctx context.Context) error {
		return c.next.DownloadBlob(ctx, container, blobPath, w)
	})
}

func (c *timeoutClient) ListBlobs(ctx context.Context, container, prefix string) (blobs []models.BlobInfo, err error) {
	err = c.call(ctx, c.t.Call, "list blobs", func(ctx context.Context) error {
		blobs, err = c.next.ListBlobs(ctx, container, prefix)
		return err
	})
	return blobs, err
}

func (c *timeoutClient) DeleteBlob(ctx context.Context, container, blobPath string) error {
	return c.call(ctx, c.t.Call, "delete "+blobPath, func(ctx context.Context) error {
		return c.next.DeleteBlob(ctx, container, blobPath)
	})
}

// Package remote defines the contract between the orchestrator and the compute and
// storage services, independent of any particular cloud SDK.
package remote

import (
	"context"
	"io"
	"time"

	"github.com/rescale/mission-int/internal/models"
)

// PoolService manages compute pools.
type PoolService interface {
	// CreatePool fails with ErrConflict if the pool exists.
	CreatePool(ctx context.Context, spec models.PoolSpec) error
	// ResizePool stops any resize in progress, then requests the new size.
	// It returns once the request is accepted.
	ResizePool(ctx context.Context, poolID string, nodeCount int, mode models.NodeMode) error
	DeletePool(ctx context.Context, poolID string) error
	// GetPoolStatus fails with ErrNotFound if the pool does not exist.
	GetPoolStatus(ctx context.Context, poolID string) (*models.PoolStatus, error)
}

// JobService manages the job queue and its tasks.
type JobService interface {
	// CreateJob fails with ErrConflict if the job exists.
	CreateJob(ctx context.Context, jobID, poolID string) error
	GetJob(ctx context.Context, jobID string) (*models.JobStatus, error)
	DeleteJob(ctx context.Context, jobID string) error
	// SubmitTask fails with ErrConflict if a task with the same ID exists.
	SubmitTask(ctx context.Context, jobID string, task models.TaskSpec) error
	// GetTask fails with ErrNotFound if the task does not exist.
	GetTask(ctx context.Context, jobID, taskID string) (*models.TaskInfo, error)
	ListTasks(ctx context.Context, jobID string) ([]models.TaskInfo, error)
	DeleteTask(ctx context.Context, jobID, taskID string) error
}

// StorageService manages blob containers.
type StorageService interface {
	// CreateContainer fails with ErrConflict if the container exists and with
	// ErrBeingDeleted if a previous container of the same name is still going away.
	CreateContainer(ctx context.Context, name string) error
	ContainerExists(ctx context.Context, name string) (bool, error)
	DeleteContainer(ctx context.Context, name string) error
	// ContainerURL returns a signed URL granting tasks read, write and list access.
	ContainerURL(ctx context.Context, name string, validity time.Duration) (string, error)
	UploadBlob(ctx context.Context, container, blobPath string, r io.Reader, size int64) error
	// DownloadBlob fails with ErrNotFound if the blob does not exist.
	DownloadBlob(ctx context.Context, container, blobPath string, w io.Writer) error
	ListBlobs(ctx context.Context, container, prefix string) ([]models.BlobInfo, error)
	DeleteBlob(ctx context.Context, container, blobPath string) error
}

// Client is the full set of remote operations a mission needs.
type Client interface {
	PoolService
	JobService
	StorageService
}

// Compose joins independently configured services into one Client.
func Compose(pools PoolService, jobs JobService, storage StorageService) Client {
	return &composite{PoolService: pools, JobService: jobs, StorageService: storage}
}

type composite struct {
	PoolService
	JobService
	StorageService
}

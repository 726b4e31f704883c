package batch

import (
	"context"
	nethttp "net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/rescale/mission-int/internal/models"
)

type jobBody struct {
	ID       string `json:"id"`
	State    string `json:"state,omitempty"`
	PoolInfo struct {
		PoolID string `json:"poolId"`
	} `json:"poolInfo"`
}

type resourceFile struct {
	StorageContainerURL string `json:"storageContainerUrl"`
	BlobPrefix          string `json:"blobPrefix,omitempty"`
}

type outputFile struct {
	FilePattern string `json:"filePattern"`
	Destination struct {
		Container struct {
			ContainerURL string `json:"containerUrl"`
			Path         string `json:"path,omitempty"`
		} `json:"container"`
	} `json:"destination"`
	UploadOptions struct {
		UploadCondition string `json:"uploadCondition"`
	} `json:"uploadOptions"`
}

type containerSettings struct {
	ImageName           string `json:"imageName"`
	ContainerRunOptions string `json:"containerRunOptions,omitempty"`
}

type autoUser struct {
	Scope          string `json:"scope"`
	ElevationLevel string `json:"elevationLevel"`
}

type userIdentity struct {
	AutoUser autoUser `json:"autoUser"`
}

type taskBody struct {
	ID                string             `json:"id"`
	CommandLine       string             `json:"commandLine,omitempty"`
	ContainerSettings *containerSettings `json:"containerSettings,omitempty"`
	ResourceFiles     []resourceFile     `json:"resourceFiles,omitempty"`
	OutputFiles       []outputFile       `json:"outputFiles,omitempty"`
	UserIdentity      *userIdentity      `json:"userIdentity,omitempty"`

	// Reported by GET only
	State         string `json:"state,omitempty"`
	ExecutionInfo *struct {
		ExitCode *int   `json:"exitCode,omitempty"`
		Result   string `json:"result,omitempty"`
	} `json:"executionInfo,omitempty"`
}

type taskList struct {
	Value    []taskBody `json:"value"`
	NextLink string     `json:"odata.nextLink"`
}

// CreateJob creates a job that schedules its tasks on poolID.
func (c *Client) CreateJob(ctx context.Context, jobID, poolID string) error {
	body := jobBody{ID: jobID}
	body.PoolInfo.PoolID = poolID
	c.logger.Info().Str("resource", jobID).Str("pool", poolID).Msg("Creating job")
	return c.do(ctx, nethttp.MethodPost, "/jobs", nil, body, nil)
}

// GetJob returns the job's state.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.JobStatus, error) {
	var job jobBody
	if err := c.do(ctx, nethttp.MethodGet, "/jobs/"+escape(jobID), selectQuery("id,state,poolInfo"), nil, &job); err != nil {
		return nil, err
	}
	return &models.JobStatus{ID: job.ID, PoolID: job.PoolInfo.PoolID, State: job.State}, nil
}

// DeleteJob requests deletion of the job and all of its tasks.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, nethttp.MethodDelete, "/jobs/"+escape(jobID), nil, nil, nil)
}

// SubmitTask adds a containerised task to the job.
func (c *Client) SubmitTask(ctx context.Context, jobID string, task models.TaskSpec) error {
	return c.do(ctx, nethttp.MethodPost, "/jobs/"+escape(jobID)+"/tasks", nil, newTaskBody(task), nil)
}

func newTaskBody(task models.TaskSpec) taskBody {
	body := taskBody{ID: task.ID, CommandLine: task.CommandLine}
	if task.Image != "" {
		body.ContainerSettings = &containerSettings{ImageName: task.Image, ContainerRunOptions: task.ContainerRunOptions}
	}
	for _, in := range task.Inputs {
		body.ResourceFiles = append(body.ResourceFiles, resourceFile{
			StorageContainerURL: in.ContainerURL,
			BlobPrefix:          in.BlobPrefix,
		})
	}
	for _, out := range task.Outputs {
		var of outputFile
		of.FilePattern = out.FilePattern
		of.Destination.Container.ContainerURL = out.ContainerURL
		of.Destination.Container.Path = out.Path
		of.UploadOptions.UploadCondition = out.UploadCondition
		body.OutputFiles = append(body.OutputFiles, of)
	}
	// The simulation image writes to root-owned directories.
	body.UserIdentity = &userIdentity{AutoUser: autoUser{Scope: "pool", ElevationLevel: "admin"}}
	return body
}

// GetTask returns the state of one task.
func (c *Client) GetTask(ctx context.Context, jobID, taskID string) (*models.TaskInfo, error) {
	var task taskBody
	path := "/jobs/" + escape(jobID) + "/tasks/" + escape(taskID)
	if err := c.do(ctx, nethttp.MethodGet, path, selectQuery("id,state,executionInfo"), nil, &task); err != nil {
		return nil, err
	}
	info := taskInfo(task)
	return &info, nil
}

// ListTasks returns every task in the job, sorted by ID.
func (c *Client) ListTasks(ctx context.Context, jobID string) ([]models.TaskInfo, error) {
	var tasks []models.TaskInfo
	path := "/jobs/" + escape(jobID) + "/tasks"
	query := selectQuery("id,state,executionInfo")

	for {
		var page taskList
		if err := c.do(ctx, nethttp.MethodGet, path, query, nil, &page); err != nil {
			return nil, err
		}
		for _, t := range page.Value {
			tasks = append(tasks, taskInfo(t))
		}
		if page.NextLink == "" {
			break
		}
		next, err := url.Parse(page.NextLink)
		if err != nil {
			return nil, err
		}
		// Follow the continuation; do() adds the api-version back.
		path = strings.TrimPrefix(next.Path, c.endpoint.Path)
		query = next.Query()
		query.Del("api-version")
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// DeleteTask removes a task from the job.
func (c *Client) DeleteTask(ctx context.Context, jobID, taskID string) error {
	return c.do(ctx, nethttp.MethodDelete, "/jobs/"+escape(jobID)+"/tasks/"+escape(taskID), nil, nil, nil)
}

func taskInfo(t taskBody) models.TaskInfo {
	info := models.TaskInfo{ID: t.ID, State: models.TaskState(t.State)}
	if t.ExecutionInfo != nil {
		info.ExitCode = t.ExecutionInfo.ExitCode
		info.Failed = t.ExecutionInfo.Result == "failure"
	}
	return info
}

package models

// Job states reported by the compute service
const (
	JobStateActive      = "active"
	JobStateDisabled    = "disabled"
	JobStateTerminating = "terminating"
	JobStateCompleted   = "completed"
	JobStateDeleting    = "deleting"
	JobStateNA          = "N/A"
)

// TaskState is the lifecycle state of a remote task.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskPreparing TaskState = "preparing"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
)

// Upload conditions for task output files
const (
	UploadOnSuccess    = "taskSuccess"
	UploadOnFailure    = "taskFailure"
	UploadOnCompletion = "taskCompletion"
)

// OutputFile tells the compute service which files to copy back to storage.
type OutputFile struct {
	FilePattern     string `json:"filePattern"`
	ContainerURL    string `json:"containerUrl"`
	Path            string `json:"path"`
	UploadCondition string `json:"uploadCondition"`
}

// InputResource tells the compute service which blobs to stage before the task runs.
type InputResource struct {
	ContainerURL string `json:"containerUrl"`
	BlobPrefix   string `json:"blobPrefix"`
}

// TaskSpec is one unit of work submitted to a job queue.
type TaskSpec struct {
	ID                  string          `json:"id"`
	CommandLine         string          `json:"commandLine"`
	Image               string          `json:"image"`
	ContainerRunOptions string          `json:"containerRunOptions"`
	Inputs              []InputResource `json:"inputs"`
	Outputs             []OutputFile    `json:"outputs"`
}

// TaskInfo is the observed state of a remote task.
type TaskInfo struct {
	ID       string    `json:"id"`
	State    TaskState `json:"state"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Failed   bool      `json:"failed"`
}

// Succeeded reports whether the task completed without failure.
func (t TaskInfo) Succeeded() bool {
	return t.State == TaskCompleted && !t.Failed
}

// TaskCounts aggregates task states in a job.
type TaskCounts struct {
	Active    int `json:"active"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Pending returns the number of tasks that have not finished.
func (c TaskCounts) Pending() int {
	return c.Active + c.Running
}

// CountTasks aggregates a task list. Preparing tasks count as running.
func CountTasks(tasks []TaskInfo) TaskCounts {
	var c TaskCounts
	for _, t := range tasks {
		switch t.State {
		case TaskActive:
			c.Active++
		case TaskPreparing, TaskRunning:
			c.Running++
		case TaskCompleted:
			if t.Failed {
				c.Failed++
			} else {
				c.Succeeded++
			}
		}
	}
	return c
}

// JobStatus is the observed state of a job.
type JobStatus struct {
	ID     string `json:"id"`
	PoolID string `json:"poolId"`
	State  string `json:"state"`
}

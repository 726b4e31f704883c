package submission

import (
	"fmt"
	"strings"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/util/filter"
)

// CasePlaceholder is replaced by the case ID in command templates.
const CasePlaceholder = "{case}"

// DefaultCommandTemplate copies the staged case into the container's work
// directory, runs the solver and the NetCDF conversion, then copies the case
// back so the output rules can pick it up.
const DefaultCommandTemplate = `/bin/bash -c "` +
	`cp -r $AZ_BATCH_TASK_WORKING_DIR/{case} ./ && ` +
	`run.py {case} && ` +
	`createnc.py {case} && ` +
	`cp -r ./{case} $AZ_BATCH_TASK_WORKING_DIR"`

// DefaultContainerRunOptions are passed to the container runtime for every task.
const DefaultContainerRunOptions = "--rm --workdir /home/landspill"

// TaskTemplate describes how a case becomes a task.
type TaskTemplate struct {
	Image               string
	CommandTemplate     string
	ContainerRunOptions string
	// UploadExclude lists regular expressions for case files that are not uploaded.
	UploadExclude []string
}

// DefaultTaskTemplate returns the template for the default simulation image.
func DefaultTaskTemplate() TaskTemplate {
	return TaskTemplate{
		Image:               constants.DefaultPoolImage,
		CommandTemplate:     DefaultCommandTemplate,
		ContainerRunOptions: DefaultContainerRunOptions,
		UploadExclude:       filter.UploadPatterns(),
	}
}

// Validate checks that the template can produce a task.
func (t TaskTemplate) Validate() error {
	if t.Image == "" {
		return fmt.Errorf("task template: image is required")
	}
	if t.CommandTemplate == "" {
		return fmt.Errorf("task template: command template is required")
	}
	return nil
}

// Build returns the task for one case. The task ID is the case ID; inputs are
// staged from <caseID>/ in the container and outputs are uploaded back to it
// when the task completes, successful or not.
func (t TaskTemplate) Build(caseID, containerURL string) models.TaskSpec {
	return models.TaskSpec{
		ID:                  caseID,
		CommandLine:         strings.ReplaceAll(t.CommandTemplate, CasePlaceholder, caseID),
		Image:               t.Image,
		ContainerRunOptions: t.ContainerRunOptions,
		Inputs: []models.InputResource{
			{ContainerURL: containerURL, BlobPrefix: caseID + "/"},
		},
		Outputs: []models.OutputFile{
			{
				FilePattern:     caseID + "/**/*",
				ContainerURL:    containerURL,
				Path:            caseID,
				UploadCondition: models.UploadOnCompletion,
			},
			{
				FilePattern:     "$AZ_BATCH_TASK_DIR/std*.txt",
				ContainerURL:    containerURL,
				Path:            caseID,
				UploadCondition: models.UploadOnCompletion,
			},
		},
	}
}

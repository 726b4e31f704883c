// Package submission turns local case folders into remote tasks. Each case is
// uploaded under its own prefix in the mission container and queued as a task
// whose ID is the case ID, so a case is never queued twice.
package submission

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/crypto" // package name is 'encryption'
	"github.com/rescale/mission-int/internal/http"
	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/mission"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/progress"
	"github.com/rescale/mission-int/internal/remote"
	"github.com/rescale/mission-int/internal/util/filter"
	"github.com/rescale/mission-int/internal/validation"
)

// ErrInvalidCaseID is returned for case IDs that cannot name a task or a blob prefix.
var ErrInvalidCaseID = errors.New("invalid case ID")

// Status is the outcome of submitting one case.
type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusSkipped          Status = "skipped"
	StatusAlreadySubmitted Status = "already-submitted"
)

// Options controls deduplication.
type Options struct {
	// SkipIfLocalMissing skips a case whose folder does not exist instead of failing.
	SkipIfLocalMissing bool
	// SkipIfRemoteExists keeps an already queued task. When false the existing
	// task is deleted and the case is uploaded and queued again.
	SkipIfRemoteExists bool
}

// DefaultOptions skips missing folders and existing tasks.
func DefaultOptions() Options {
	return Options{SkipIfLocalMissing: true, SkipIfRemoteExists: true}
}

// Result describes what Submit did for one case.
type Result struct {
	CaseID    string
	Status    Status
	TaskID    string
	Uploaded  int
	Unchanged int
	Messages  []string
}

func (r *Result) addf(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// Case is a locally prepared case folder.
type Case struct {
	CaseID    string
	LocalPath string
}

// Config configures an Engine.
type Config struct {
	Template TaskTemplate
	Retry    http.Config
	// URLValidity is how long the container URL handed to tasks stays valid.
	URLValidity time.Duration
	// Progress counts finished cases in SubmitAll.
	Progress progress.Reporter
}

// Engine submits cases for one mission.
type Engine struct {
	client   remote.Client
	state    *mission.State
	logger   *logging.Logger
	cfg      Config
	excluded *filter.Rules
}

// NewEngine creates an Engine. Zero config fields take their defaults.
func NewEngine(client remote.Client, state *mission.State, logger *logging.Logger, cfg Config) (*Engine, error) {
	if cfg.Template.CommandTemplate == "" && cfg.Template.Image == "" {
		cfg.Template = DefaultTaskTemplate()
	}
	if err := cfg.Template.Validate(); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = http.DefaultConfig()
	}
	if cfg.URLValidity <= 0 {
		cfg.URLValidity = constants.ContainerURLValidity
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Discard
	}
	excluded, err := filter.Compile(cfg.Template.UploadExclude...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{
		client:   client,
		state:    state,
		logger:   logger.Named("submission"),
		cfg:      cfg,
		excluded: excluded,
	}, nil
}

// Submit uploads one case and queues its task. A case already recorded as
// submitted, or already present in the remote queue, is not queued again
// unless opts.SkipIfRemoteExists is false. Failures never mark the case submitted.
func (e *Engine) Submit(ctx context.Context, caseID, localPath string, opts Options) (*Result, error) {
	result := &Result{CaseID: caseID}

	if err := validation.ValidateCaseID(caseID); err != nil {
		return result, fmt.Errorf("%w: %v", ErrInvalidCaseID, err)
	}
	d := e.state.Snapshot()
	log := e.logger.With().Str("mission", d.MissionName).Str("case_id", caseID).Logger()

	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return result, fmt.Errorf("case %s: failed to resolve %s: %w", caseID, localPath, err)
	}
	info, err := os.Stat(absPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if opts.SkipIfLocalMissing {
			log.Warn().Str("path", absPath).Msg("Case folder does not exist, skipping")
			result.Status = StatusSkipped
			result.addf("Case %s: %s does not exist. Skip.", caseID, absPath)
			return result, nil
		}
		return result, &mission.CaseNotFoundError{CaseID: caseID, Path: absPath}
	case err != nil:
		return result, fmt.Errorf("case %s: %w", caseID, err)
	case !info.IsDir():
		return result, fmt.Errorf("case %s: %s is not a directory", caseID, absPath)
	}

	if rec, ok := e.state.Case(caseID); ok && rec.Submitted && opts.SkipIfRemoteExists {
		log.Info().Msg("Case already submitted, skipping")
		result.Status = StatusAlreadySubmitted
		result.TaskID = rec.RemoteTaskID
		result.addf("Case %s already submitted. Skip.", caseID)
		return result, nil
	}

	existing, err := e.getTask(ctx, d.JobName, caseID)
	if err != nil {
		return result, fmt.Errorf("case %s: failed to query task: %w", caseID, err)
	}
	if existing != nil {
		if opts.SkipIfRemoteExists {
			// Queued by an earlier run whose state was lost
			if err := e.state.UpdateCase(caseID, func(rec *mission.CaseRecord) {
				rec.LocalPath = absPath
				rec.Submitted = true
				rec.RemoteTaskID = existing.ID
			}); err != nil {
				return result, err
			}
			log.Info().Str("state", string(existing.State)).Msg("Task exists in remote queue, recorded locally")
			result.Status = StatusAlreadySubmitted
			result.TaskID = existing.ID
			result.addf("Case %s exists in the remote queue. Skip.", caseID)
			return result, nil
		}

		log.Info().Msg("Deleting existing task before resubmitting")
		if err := e.retry(ctx, "delete task "+caseID, func() error {
			return e.client.DeleteTask(ctx, d.JobName, caseID)
		}); err != nil && !remote.IsNotFound(err) {
			return result, fmt.Errorf("case %s: failed to delete existing task: %w", caseID, err)
		}
		if err := e.state.UpdateCase(caseID, func(rec *mission.CaseRecord) {
			rec.Submitted = false
			rec.Downloaded = false
			rec.RemoteTaskID = ""
		}); err != nil {
			return result, err
		}
		result.addf("Deleted existing task %s.", caseID)
	}

	e.logger.EventBus().PublishProgress(d.MissionName, caseID, "upload", 0, "Uploading case files")
	uploaded, unchanged, err := e.uploadCase(ctx, d.ContainerName, caseID, absPath)
	result.Uploaded, result.Unchanged = uploaded, unchanged
	if err != nil {
		return result, fmt.Errorf("case %s: %w", caseID, err)
	}
	result.addf("Uploaded %d files for case %s (%d unchanged).", uploaded, caseID, unchanged)

	var containerURL string
	if err := e.retry(ctx, "container URL", func() error {
		var err error
		containerURL, err = e.client.ContainerURL(ctx, d.ContainerName, e.cfg.URLValidity)
		return err
	}); err != nil {
		return result, fmt.Errorf("case %s: failed to sign container URL: %w", caseID, err)
	}

	task := e.cfg.Template.Build(caseID, containerURL)
	err = e.retry(ctx, "submit task "+caseID, func() error {
		return e.client.SubmitTask(ctx, d.JobName, task)
	})
	if remote.IsConflict(err) {
		// An earlier attempt was accepted but its response was lost
		log.Warn().Msg("Task already queued by a previous attempt")
		err = nil
	}
	if err != nil {
		return result, fmt.Errorf("case %s: failed to submit task: %w", caseID, err)
	}

	if err := e.state.UpdateCase(caseID, func(rec *mission.CaseRecord) {
		rec.LocalPath = absPath
		rec.Submitted = true
		rec.RemoteTaskID = task.ID
		rec.Downloaded = false
	}); err != nil {
		return result, err
	}

	log.Info().Int("uploaded", uploaded).Int("unchanged", unchanged).Msg("Case submitted")
	e.logger.EventBus().PublishProgress(d.MissionName, caseID, "submit", 1, "Task queued")
	e.logger.EventBus().PublishStateChange(d.MissionName, caseID, "", string(StatusSubmitted), "submit")
	result.Status = StatusSubmitted
	result.TaskID = task.ID
	result.addf("Case %s submitted as task %s.", caseID, task.ID)
	return result, nil
}

func (e *Engine) getTask(ctx context.Context, jobID, taskID string) (*models.TaskInfo, error) {
	var task *models.TaskInfo
	err := e.retry(ctx, "get task "+taskID, func() error {
		var err error
		task, err = e.client.GetTask(ctx, jobID, taskID)
		return err
	})
	if remote.IsNotFound(err) {
		return nil, nil
	}
	return task, err
}

// uploadCase uploads every file under dir to <caseID>/<rel>, except those whose
// relative path matches an exclude rule.
// Blobs whose size and MD5 match the local file are left alone.
func (e *Engine) uploadCase(ctx context.Context, container, caseID, dir string) (uploaded, unchanged int, err error) {
	var existing []models.BlobInfo
	if err := e.retry(ctx, "list blobs "+caseID, func() error {
		var err error
		existing, err = e.client.ListBlobs(ctx, container, caseID+"/")
		return err
	}); err != nil {
		return 0, 0, fmt.Errorf("failed to list uploaded files: %w", err)
	}
	remoteBlobs := make(map[string]models.BlobInfo, len(existing))
	for _, b := range existing {
		remoteBlobs[b.Name] = b
	}

	walkErr := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		blobName := path.Join(caseID, rel)
		if entry.IsDir() {
			if rel != "." && e.excluded.Ignored(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || e.excluded.Ignored(rel) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if b, ok := remoteBlobs[blobName]; ok && b.Size == info.Size() && b.Fingerprint != "" {
			sum, err := encryption.CalculateMD5(p)
			if err != nil {
				return err
			}
			if sum == b.Fingerprint {
				unchanged++
				return nil
			}
		}

		e.logger.Debug().Str("case_id", caseID).Str("blob", blobName).Int64("size", info.Size()).Msg("Uploading file")
		if err := e.retry(ctx, "upload "+blobName, func() error {
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", p, err)
			}
			defer f.Close()
			return e.client.UploadBlob(ctx, container, blobName, f, info.Size())
		}); err != nil {
			return fmt.Errorf("failed to upload %s: %w", blobName, err)
		}
		uploaded++
		return nil
	})
	return uploaded, unchanged, walkErr
}

// Outcome pairs a case with the result of submitting it.
type Outcome struct {
	CaseID string
	Result *Result
	Err    error
}

// SubmitAll submits cases with at most concurrency in flight. A failing case
// does not stop the others. Outcomes are returned in input order and the
// error aggregates every failure.
func (e *Engine) SubmitAll(ctx context.Context, cases []Case, opts Options, concurrency int) ([]Outcome, error) {
	if concurrency <= 0 {
		concurrency = constants.DefaultConcurrency
	}
	if concurrency > constants.MaxConcurrency {
		concurrency = constants.MaxConcurrency
	}

	start := time.Now()
	outcomes := make([]Outcome, len(cases))
	e.cfg.Progress.Start(int64(len(cases)), "Submitting cases")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	var result *multierror.Error

	for i, c := range cases {
		g.Go(func() error {
			res, err := e.Submit(gctx, c.CaseID, c.LocalPath, opts)
			outcomes[i] = Outcome{CaseID: c.CaseID, Result: res, Err: err}
			if err != nil {
				e.logger.Error().Err(err).Str("case_id", c.CaseID).Msg("Submission failed")
				e.logger.EventBus().PublishError(c.CaseID, "submit", err, remote.IsTransient(err))
				e.cfg.Progress.Error(err)
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			e.cfg.Progress.Increment()
			// Per-case failures are collected, not propagated, so the group keeps going
			return nil
		})
	}
	_ = g.Wait()
	e.cfg.Progress.Finish()

	var submitted, skipped, failed int
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
		case o.Result.Status == StatusSubmitted:
			submitted++
		default:
			skipped++
		}
	}
	e.logger.EventBus().PublishComplete("submit", len(cases), submitted, skipped, failed, time.Since(start))
	e.logger.Info().Int("submitted", submitted).Int("skipped", skipped).Int("failed", failed).
		Msg("Submission finished")

	return outcomes, result.ErrorOrNil()
}

func (e *Engine) retry(ctx context.Context, what string, op func() error) error {
	cfg := e.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, class http.ErrorClass) {
		e.logger.Warn().Err(err).Int("attempt", attempt).Str("class", class.String()).
			Msgf("Retrying %s", what)
	}
	return http.ExecuteWithRetry(ctx, cfg, op)
}

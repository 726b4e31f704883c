// Package results copies the outputs of finished tasks back into the local case folders.
//
// Every artifact is checked before it is fetched: a local file whose size and MD5
// match the remote blob is kept. Blobs listed without an MD5 are compared by
// size and by the modification time stamped on the local copy at download. Downloads go to a temp file in the target
// directory and are renamed into place, so an interrupted sync never leaves a
// truncated artifact behind and can simply be run again.
package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/crypto" // package name is 'encryption'
	"github.com/rescale/mission-int/internal/diskspace"
	"github.com/rescale/mission-int/internal/http"
	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/mission"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/progress"
	"github.com/rescale/mission-int/internal/remote"
	"github.com/rescale/mission-int/internal/util/filter"
	"github.com/rescale/mission-int/internal/validation"
)

// Status is the outcome of downloading one case.
type Status string

const (
	StatusDownloaded        Status = "downloaded"
	StatusSkipped           Status = "skipped"
	StatusAlreadyDownloaded Status = "already-downloaded"
	StatusIncomplete        Status = "incomplete"
	StatusNotFinished       Status = "not-finished"
)

// Options selects which artifacts are fetched and how unknown or finished cases are treated.
type Options struct {
	IncludeRawData      bool
	IncludeRasterInputs bool
	IncludeFigures      bool

	// SkipIfAlreadyDownloaded makes Download a no-op for cases marked downloaded.
	SkipIfAlreadyDownloaded bool
	// IgnoreIfCaseUnknown skips a case with no local record and no remote task
	// instead of returning a *mission.CaseNotFoundError.
	IgnoreIfCaseUnknown bool

	// Concurrency bounds parallel artifact downloads within a case.
	Concurrency int
}

// DefaultOptions fetches only the processed outputs and skips finished or unknown cases.
func DefaultOptions() Options {
	return Options{
		SkipIfAlreadyDownloaded: true,
		IgnoreIfCaseUnknown:     true,
		Concurrency:             constants.DefaultConcurrency,
	}
}

func (o Options) filterOptions() filter.DownloadOptions {
	return filter.DownloadOptions{
		IncludeRawData:      o.IncludeRawData,
		IncludeFigures:      o.IncludeFigures,
		IncludeRasterInputs: o.IncludeRasterInputs,
	}
}

// Result describes what Download did for one case.
type Result struct {
	CaseID     string
	Status     Status
	LocalPath  string
	Downloaded int
	Unchanged  int
	Filtered   int
	// Failed lists the blob names that could not be fetched.
	Failed   []string
	Messages []string
}

func (r *Result) addf(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// Config configures a Synchronizer.
type Config struct {
	Retry http.Config
	// UI draws one bar per artifact. Defaults to no output.
	UI progress.TransferUI
	// Progress counts finished cases in DownloadAll.
	Progress progress.Reporter
}

// Synchronizer downloads case results for one mission.
type Synchronizer struct {
	client remote.Client
	state  *mission.State
	logger *logging.Logger
	cfg    Config
}

// NewSynchronizer creates a Synchronizer. Zero config fields take their defaults.
func NewSynchronizer(client remote.Client, state *mission.State, logger *logging.Logger, cfg Config) *Synchronizer {
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = http.DefaultConfig()
	}
	if cfg.UI == nil {
		cfg.UI = progress.NoOpTransferUI{}
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Discard
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Synchronizer{
		client: client,
		state:  state,
		logger: logger.Named("results"),
		cfg:    cfg,
	}
}

// Download fetches the artifacts of one case into its local folder. The case is
// marked downloaded only when every selected artifact is present locally.
// A case whose task is still queued or running is left untouched and reported
// as StatusNotFinished.
// On partial failure the returned error aggregates every failed artifact and
// Result.Failed names them; a later call fetches only what is still missing.
func (s *Synchronizer) Download(ctx context.Context, caseID string, opts Options) (*Result, error) {
	result := &Result{CaseID: caseID}

	if err := validation.ValidateCaseID(caseID); err != nil {
		return result, fmt.Errorf("invalid case ID: %w", err)
	}
	d := s.state.Snapshot()
	log := s.logger.With().Str("mission", d.MissionName).Str("case_id", caseID).Logger()

	rec, known := s.state.Case(caseID)
	if rec.Downloaded && opts.SkipIfAlreadyDownloaded {
		log.Info().Msg("Case already downloaded, skipping")
		result.Status = StatusAlreadyDownloaded
		result.LocalPath = rec.LocalPath
		result.addf("Case %s already downloaded. Skip.", caseID)
		return result, nil
	}

	taskID := rec.RemoteTaskID
	if taskID == "" {
		taskID = caseID
	}
	task, err := s.getTask(ctx, d.JobName, taskID)
	if err != nil {
		return result, fmt.Errorf("case %s: failed to query task: %w", caseID, err)
	}

	if !known {
		if task == nil {
			if opts.IgnoreIfCaseUnknown {
				log.Warn().Msg("Case not found locally or in the remote queue, skipping")
				result.Status = StatusSkipped
				result.addf("Case %s not found. Skip.", caseID)
				return result, nil
			}
			return result, &mission.CaseNotFoundError{CaseID: caseID, Remote: true}
		}

		// Submitted by another session; adopt it under the working directory
		localPath := filepath.Join(d.WorkingDirectory, caseID)
		if err := s.state.UpdateCase(caseID, func(r *mission.CaseRecord) {
			r.LocalPath = localPath
			r.Submitted = true
			r.RemoteTaskID = task.ID
		}); err != nil {
			return result, err
		}
		log.Info().Str("path", localPath).Msg("Adopted case from the remote queue")
		result.addf("Case %s found in the remote queue, downloading to %s.", caseID, localPath)
		rec, _ = s.state.Case(caseID)
	}

	if (task == nil && !rec.Submitted) || (task != nil && task.State != models.TaskCompleted) {
		state := "not submitted"
		if task != nil {
			state = string(task.State)
		}
		log.Info().Str("task_state", state).Msg("Case has not finished, skipping")
		result.Status = StatusNotFinished
		result.LocalPath = rec.LocalPath
		result.addf("Case %s has not finished (%s). Skip.", caseID, state)
		return result, nil
	}
	if task == nil {
		// The job was deleted after the task finished; outputs stay in the container
		log.Warn().Msg("Task no longer in the queue, downloading what the container holds")
	}

	localPath := rec.LocalPath
	if localPath == "" {
		localPath = filepath.Join(d.WorkingDirectory, caseID)
	}
	result.LocalPath = localPath

	rules, err := filter.Compile(filter.DownloadPatterns(opts.filterOptions())...)
	if err != nil {
		return result, err
	}

	var blobs []models.BlobInfo
	if err := s.retry(ctx, "list blobs "+caseID, func() error {
		var err error
		blobs, err = s.client.ListBlobs(ctx, d.ContainerName, caseID+"/")
		return err
	}); err != nil {
		return result, fmt.Errorf("case %s: failed to list artifacts: %w", caseID, err)
	}

	var selected []artifact
	for _, b := range blobs {
		rel := strings.TrimPrefix(b.Name, caseID+"/")
		if rel == "" || strings.HasSuffix(rel, "/") || rules.Ignored(rel) {
			result.Filtered++
			continue
		}
		selected = append(selected, artifact{blob: b, rel: rel})
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].blob.Name < selected[j].blob.Name })

	log.Info().Int("artifacts", len(selected)).Int("filtered", result.Filtered).Msg("Downloading case")
	s.logger.EventBus().PublishProgress(d.MissionName, caseID, "download", 0, "Downloading results")

	errs := s.fetchAll(ctx, d.ContainerName, localPath, selected, opts.Concurrency, result)
	sort.Strings(result.Failed)

	if err := ctx.Err(); err != nil {
		result.Status = StatusIncomplete
		result.addf("Download of case %s cancelled after %d files.", caseID, result.Downloaded)
		return result, fmt.Errorf("case %s: %w", caseID, err)
	}
	if errs != nil {
		result.Status = StatusIncomplete
		result.addf("Case %s: %d of %d files failed to download.", caseID, len(result.Failed), len(selected))
		log.Error().Int("failed", len(result.Failed)).Msg("Case download incomplete")
		return result, fmt.Errorf("case %s: %w", caseID, errs)
	}

	if err := s.state.UpdateCase(caseID, func(r *mission.CaseRecord) {
		r.LocalPath = localPath
		r.Downloaded = true
	}); err != nil {
		return result, err
	}

	log.Info().Int("downloaded", result.Downloaded).Int("unchanged", result.Unchanged).Msg("Case downloaded")
	s.logger.EventBus().PublishProgress(d.MissionName, caseID, "download", 1, "Results downloaded")
	s.logger.EventBus().PublishStateChange(d.MissionName, caseID, "", string(StatusDownloaded), "download")
	result.Status = StatusDownloaded
	result.addf("Downloaded %d files for case %s (%d unchanged, %d filtered).",
		result.Downloaded, caseID, result.Unchanged, result.Filtered)
	return result, nil
}

type artifact struct {
	blob models.BlobInfo
	rel  string
}

// fetchAll downloads artifacts with bounded parallelism. Once ctx is cancelled
// no new artifact is started.
func (s *Synchronizer) fetchAll(ctx context.Context, container, dir string, artifacts []artifact, concurrency int, result *Result) error {
	if concurrency <= 0 {
		concurrency = constants.DefaultConcurrency
	}
	if concurrency > constants.MaxConcurrency {
		concurrency = constants.MaxConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	var errs *multierror.Error

	for i, a := range artifacts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			fetched, err := s.fetch(gctx, container, dir, i, a)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if gctx.Err() == nil {
					result.Failed = append(result.Failed, a.blob.Name)
					errs = multierror.Append(errs, err)
				}
			case fetched:
				result.Downloaded++
			default:
				result.Unchanged++
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.ErrorOrNil()
}

// fetch downloads one artifact unless an identical local copy exists.
func (s *Synchronizer) fetch(ctx context.Context, container, dir string, index int, a artifact) (bool, error) {
	target, err := validation.LocalPathForBlob(dir, a.rel)
	if err != nil {
		return false, fmt.Errorf("refusing %s: %w", a.blob.Name, err)
	}

	same, err := matchesLocal(target, a.blob)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", target, err)
	}
	if same {
		s.logger.Debug().Str("blob", a.blob.Name).Msg("Local copy is up to date")
		return false, nil
	}

	if err := diskspace.CheckAvailableSpace(target, a.blob.Size, diskspace.DefaultMargin); err != nil {
		return false, err
	}

	bar := s.cfg.UI.AddFileBar(index, a.blob.Name, target, a.blob.Size)
	cfg := s.cfg.Retry
	cfg.OnRetry = func(n int, err error, class http.ErrorClass) {
		bar.SetRetry(n)
		s.logger.Warn().Err(err).Int("attempt", n).Str("class", class.String()).
			Str("blob", a.blob.Name).Msg("Retrying download")
	}
	err = http.ExecuteWithRetry(ctx, cfg, func() error {
		return s.downloadTo(ctx, container, a.blob, target, bar)
	})
	bar.Complete(err)
	if err != nil {
		return false, fmt.Errorf("failed to download %s: %w", a.blob.Name, err)
	}
	return true, nil
}

// downloadTo writes the blob to a temp file beside target and renames it into place.
func (s *Synchronizer) downloadTo(ctx context.Context, container string, blob models.BlobInfo, target string, bar progress.FileBarHandle) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.download")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := progress.NewBarWriter(tmp, blob.Size, bar)
	if err := s.client.DownloadBlob(ctx, container, blob.Name, w); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}
	committed = true
	if !blob.LastModified.IsZero() {
		if err := os.Chtimes(target, blob.LastModified, blob.LastModified); err != nil {
			return fmt.Errorf("failed to stamp %s: %w", target, err)
		}
	}
	return nil
}

// matchesLocal reports whether target already holds the blob's content.
// Without a remote fingerprint the local mtime must equal the blob's
// LastModified to the second; with neither only the size is compared.
func matchesLocal(target string, blob models.BlobInfo) (bool, error) {
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() || info.Size() != blob.Size {
		return false, nil
	}
	if blob.Fingerprint == "" {
		if blob.LastModified.IsZero() {
			return true, nil
		}
		return info.ModTime().Unix() == blob.LastModified.Unix(), nil
	}
	sum, err := encryption.CalculateMD5(target)
	if err != nil {
		return false, err
	}
	return sum == blob.Fingerprint, nil
}

// Outcome pairs a case with the result of downloading it.
type Outcome struct {
	CaseID string
	Result *Result
	Err    error
}

// DownloadAll downloads every case known to the mission, in case ID order.
// A failing case does not stop the others; the error aggregates every failure.
func (s *Synchronizer) DownloadAll(ctx context.Context, opts Options) ([]Outcome, error) {
	start := time.Now()
	records := s.state.Cases()
	outcomes := make([]Outcome, 0, len(records))
	name := s.state.Snapshot().MissionName

	var errs *multierror.Error
	s.cfg.Progress.Start(int64(len(records)), "Downloading cases")
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		res, err := s.Download(ctx, rec.CaseID, opts)
		outcomes = append(outcomes, Outcome{CaseID: rec.CaseID, Result: res, Err: err})
		if err != nil {
			s.logger.Error().Err(err).Str("case_id", rec.CaseID).Msg("Download failed")
			s.logger.EventBus().PublishError(rec.CaseID, "download", err, remote.IsTransient(err))
			s.cfg.Progress.Error(err)
			errs = multierror.Append(errs, err)
		}
		s.cfg.Progress.Increment()
	}
	s.cfg.Progress.Finish()
	if err := ctx.Err(); err != nil {
		errs = multierror.Append(errs, err)
	}

	var downloaded, skipped, failed int
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
		case o.Result.Status == StatusDownloaded:
			downloaded++
		default:
			skipped++
		}
	}
	s.logger.EventBus().PublishComplete("download", len(records), downloaded, skipped, failed, time.Since(start))
	s.logger.Info().Str("mission", name).Int("downloaded", downloaded).Int("skipped", skipped).Int("failed", failed).
		Msg("Download finished")

	return outcomes, errs.ErrorOrNil()
}

func (s *Synchronizer) getTask(ctx context.Context, jobID, taskID string) (*models.TaskInfo, error) {
	var task *models.TaskInfo
	err := s.retry(ctx, "get task "+taskID, func() error {
		var err error
		task, err = s.client.GetTask(ctx, jobID, taskID)
		return err
	})
	if remote.IsNotFound(err) {
		return nil, nil
	}
	return task, err
}

func (s *Synchronizer) retry(ctx context.Context, what string, op func() error) error {
	cfg := s.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, class http.ErrorClass) {
		s.logger.Warn().Err(err).Int("attempt", attempt).Str("class", class.String()).
			Msgf("Retrying %s", what)
	}
	return http.ExecuteWithRetry(ctx, cfg, op)
}

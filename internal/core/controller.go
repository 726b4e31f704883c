package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rescale/mission-int/internal/config"
	"github.com/rescale/mission-int/internal/events"
	"github.com/rescale/mission-int/internal/lifecycle"
	"github.com/rescale/mission-int/internal/localfs"
	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/mission"
	"github.com/rescale/mission-int/internal/monitor"
	"github.com/rescale/mission-int/internal/progress"
	"github.com/rescale/mission-int/internal/remote"
	"github.com/rescale/mission-int/internal/results"
	"github.com/rescale/mission-int/internal/submission"
	"github.com/rescale/mission-int/internal/validation"
)

// Options wires the controller into its caller. Every field is optional.
type Options struct {
	// Logger receives component logs. Defaults to discarding them.
	Logger *logging.Logger
	// EventBus receives progress, state change and snapshot events. The
	// controller creates and owns one when nil.
	EventBus *events.EventBus
	// Progress counts finished cases in SubmitAll and DownloadAll. Defaults
	// to progress events on the bus.
	Progress progress.Reporter
	// TransferUI shows per-artifact download bars.
	TransferUI progress.TransferUI
	// MissionLog mirrors all logs into <working dir>/mission.log.
	MissionLog bool
}

// Controller is the caller-facing facade over one mission. It owns the
// mission state and hands it to the lifecycle manager, the submission engine,
// the monitor and the result synchronizer.
type Controller struct {
	cfg      *config.Config
	client   remote.Client
	state    *mission.State
	restored bool

	eventBus *events.EventBus
	ownsBus  bool
	base     *logging.Logger
	logger   *logging.Logger

	lifecycle *lifecycle.Manager
	submitter *submission.Engine
	monitor   *monitor.Monitor
	results   *results.Synchronizer
}

// NewController validates cfg, restores or creates the mission state and
// builds the mission's components around client.
func NewController(cfg *config.Config, client remote.Client, opts Options) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if client == nil {
		return nil, errors.New("remote client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	bus := opts.EventBus
	ownsBus := false
	if bus == nil {
		bus = events.NewEventBus(0)
		ownsBus = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithEventBus(bus)
	if opts.Progress == nil {
		opts.Progress = progress.NewEventProgress(bus, cfg.Mission.Name)
	}

	if err := os.MkdirAll(cfg.Mission.WorkingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	if opts.MissionLog {
		if err := logger.AttachFile(config.MissionLogPath(cfg.Mission.WorkingDir)); err != nil {
			return nil, err
		}
	}

	state, restored, err := mission.Open(cfg.Mission.Name, cfg.Mission.WorkingDir, cfg.PoolSpec())
	if err != nil {
		return nil, fmt.Errorf("failed to open mission %s: %w", cfg.Mission.Name, err)
	}
	data := state.Snapshot()
	log := logger.Named("core")
	if restored {
		log.Info().Str("mission", data.MissionName).Str("backup", state.Path()).Int("cases", len(data.Cases)).
			Msg("Restored mission from backup")
		if data.Pool.Image != cfg.Mission.PoolImage || data.Pool.VMSize != cfg.Mission.NodeType {
			log.Warn().Str("mission", data.MissionName).
				Msg("Configured pool differs from the restored mission; keeping the restored pool")
		}
	} else {
		// Persist right away so the mission survives a crash before the first case.
		if err := state.Save(); err != nil {
			return nil, err
		}
		log.Info().Str("mission", data.MissionName).Str("backup", state.Path()).Msg("Created mission")
	}

	retry := cfg.RetryConfig()
	template := taskTemplate(cfg, data.Pool.Image)
	submitter, err := submission.NewEngine(client, state, logger, submission.Config{
		Template: template,
		Retry:    retry,
		Progress: opts.Progress,
	})
	if err != nil {
		return nil, err
	}

	return &Controller{
		cfg:       cfg,
		client:    client,
		state:     state,
		restored:  restored,
		eventBus:  bus,
		ownsBus:   ownsBus,
		base:      logger,
		logger:    log,
		lifecycle: lifecycle.NewManager(client, state, logger, lifecycle.Options{Retry: retry}),
		submitter: submitter,
		monitor:   monitor.NewMonitor(client, state, logger, monitor.Options{FailureThreshold: cfg.Monitor.FailureThreshold}),
		results: results.NewSynchronizer(client, state, logger, results.Config{
			Retry:    retry,
			UI:       opts.TransferUI,
			Progress: opts.Progress,
		}),
	}, nil
}

// taskTemplate applies the [task] overrides to the default template.
func taskTemplate(cfg *config.Config, image string) submission.TaskTemplate {
	t := submission.DefaultTaskTemplate()
	t.Image = image
	if cfg.Task.CommandTemplate != "" {
		t.CommandTemplate = cfg.Task.CommandTemplate
	}
	if cfg.Task.ContainerRunOptions != "" {
		t.ContainerRunOptions = cfg.Task.ContainerRunOptions
	}
	if len(cfg.Task.UploadExclude) > 0 {
		t.UploadExclude = cfg.Task.UploadExclude
	}
	return t
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() *config.Config {
	return c.cfg
}

// Events returns the event bus.
func (c *Controller) Events() *events.EventBus {
	return c.eventBus
}

// Restored reports whether the mission was loaded from an existing backup file.
func (c *Controller) Restored() bool {
	return c.restored
}

// State returns a copy of the mission state.
func (c *Controller) State() mission.Data {
	return c.state.Snapshot()
}

// Save writes the mission state to its backup file.
func (c *Controller) Save() error {
	return c.state.Save()
}

// Close releases the mission log file and the event bus if the controller created it.
func (c *Controller) Close() error {
	err := c.base.Close()
	if c.ownsBus {
		c.eventBus.Close()
	}
	return err
}

// EnsureResources creates whichever of the pool, job and container is missing.
func (c *Controller) EnsureResources(ctx context.Context) (*lifecycle.EnsureReport, error) {
	return c.lifecycle.EnsureResources(ctx)
}

// ResizePool requests a new node count for the mission's pool.
func (c *Controller) ResizePool(ctx context.Context, target int) error {
	if err := c.lifecycle.ResizePool(ctx, target); err != nil {
		return err
	}
	c.logger.Info().Str("mission", c.cfg.Mission.Name).Int("nodes", target).Msg("Pool resize requested")
	return nil
}

// ResourceStates returns the current state of the pool, job and container.
func (c *Controller) ResourceStates(ctx context.Context) (map[lifecycle.Resource]lifecycle.ResourceState, error) {
	return c.lifecycle.States(ctx)
}

// Submit uploads one case and queues its task.
func (c *Controller) Submit(ctx context.Context, caseID, localPath string, opts submission.Options) (*submission.Result, error) {
	return c.submitter.Submit(ctx, caseID, localPath, opts)
}

// SubmitAll submits cases with the configured concurrency.
func (c *Controller) SubmitAll(ctx context.Context, cases []submission.Case, opts submission.Options) ([]submission.Outcome, error) {
	return c.submitter.SubmitAll(ctx, cases, opts, c.cfg.Transfer.Concurrency)
}

// Snapshot polls the remote services once.
func (c *Controller) Snapshot(ctx context.Context) (*monitor.Snapshot, error) {
	return c.monitor.Snapshot(ctx)
}

// Watch polls every interval until ctx is cancelled. A zero interval uses the configured one.
func (c *Controller) Watch(ctx context.Context, interval time.Duration, cb func(*monitor.Snapshot)) error {
	return c.monitor.Watch(ctx, c.interval(interval), cb)
}

// WaitForCompletion polls until no task is queued or running.
func (c *Controller) WaitForCompletion(ctx context.Context, interval time.Duration, cb func(*monitor.Snapshot)) (*monitor.Snapshot, error) {
	return c.monitor.WaitForCompletion(ctx, c.interval(interval), cb)
}

func (c *Controller) interval(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return c.cfg.Monitor.Interval
}

// Download fetches the results of one case. Zero concurrency uses the configured one.
func (c *Controller) Download(ctx context.Context, caseID string, opts results.Options) (*results.Result, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = c.cfg.Transfer.Concurrency
	}
	return c.results.Download(ctx, caseID, opts)
}

// DownloadAll fetches the results of every known case.
func (c *Controller) DownloadAll(ctx context.Context, opts results.Options) ([]results.Outcome, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = c.cfg.Transfer.Concurrency
	}
	return c.results.DownloadAll(ctx, opts)
}

// Teardown deletes the selected remote resources.
func (c *Controller) Teardown(ctx context.Context, opts lifecycle.TeardownOptions) (*lifecycle.TeardownReport, error) {
	return c.lifecycle.Teardown(ctx, opts)
}

// ScanOptions selects case folders under a directory.
type ScanOptions struct {
	// Pattern is a regular expression matched against folder names. Empty matches all.
	Pattern string
	// IncludeHidden also considers folders starting with a dot.
	IncludeHidden bool
}

// ScanCases lists the case folders directly under root. The folder name is
// the case ID; folders whose names cannot be case IDs are skipped with a warning.
func (c *Controller) ScanCases(root string, opts ScanOptions) ([]submission.Case, error) {
	var re *regexp.Regexp
	if opts.Pattern != "" {
		var err error
		re, err = regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid case pattern %q: %w", opts.Pattern, err)
		}
	}

	entries, err := localfs.ListDirectory(root, localfs.ListOptions{
		IncludeHidden: opts.IncludeHidden,
		DirsOnly:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var cases []submission.Case
	for _, entry := range entries {
		if re != nil && !re.MatchString(entry.Name) {
			continue
		}
		if err := validation.ValidateCaseID(entry.Name); err != nil {
			c.logger.Warn().Str("path", entry.Path).Err(err).Msg("Skipping folder")
			continue
		}
		cases = append(cases, submission.Case{CaseID: entry.Name, LocalPath: entry.Path})
	}

	c.logger.Info().Str("root", absRoot).Int("cases", len(cases)).Msg("Scanned case folders")
	return cases, nil
}

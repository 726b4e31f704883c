package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/mission-int/internal/core"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/monitor"
	"github.com/rescale/mission-int/internal/pathutil"
	"github.com/rescale/mission-int/internal/progress"
	"github.com/rescale/mission-int/internal/results"
	"github.com/rescale/mission-int/internal/submission"
	strutil "github.com/rescale/mission-int/internal/util/strings"
)

func newSubmitCmd() *cobra.Command {
	var (
		scanDir       string
		scan          core.ScanOptions
		force         bool
		requireFolder bool
	)

	cmd := &cobra.Command{
		Use:   "submit [case-folder...]",
		Short: "Upload case folders and queue one task per case",
		Long: `Upload case folders to the mission's container and queue a task for each.

The folder name is the case ID. Use --scan to submit every folder under a
directory. Cases that are already queued are skipped unless --force is given,
in which case the old task is deleted and the case is uploaded again.

Examples:
  mission-int submit ./cases/run-001 ./cases/run-002
  mission-int submit --scan ./cases --pattern '^run-0[0-4]'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scanDir == "" && len(args) == 0 {
				return errors.New("pass case folders or --scan <dir>")
			}

			reporter := progress.NewCLIProgress()
			ctrl, err := openController(GetContext(), missionOptions{progress: reporter})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			cases, err := casesFromArgs(args)
			if err != nil {
				return err
			}
			if scanDir != "" {
				scanned, err := ctrl.ScanCases(scanDir, scan)
				if err != nil {
					return err
				}
				cases = append(cases, scanned...)
			}
			if len(cases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No case folders found")
				return nil
			}

			opts := submission.Options{
				SkipIfLocalMissing: !requireFolder,
				SkipIfRemoteExists: !force,
			}
			outcomes, err := ctrl.SubmitAll(GetContext(), cases, opts)
			printSubmitSummary(cmd.OutOrStdout(), outcomes)
			return err
		},
	}

	cmd.Flags().StringVar(&scanDir, "scan", "", "Submit every case folder under this directory")
	cmd.Flags().StringVar(&scan.Pattern, "pattern", "", "Regular expression folder names must match (with --scan)")
	cmd.Flags().BoolVar(&scan.IncludeHidden, "hidden", false, "Include folders starting with a dot (with --scan)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Resubmit cases that are already queued")
	cmd.Flags().BoolVar(&requireFolder, "require-folder", false, "Fail instead of skipping cases whose folder is missing")
	return cmd
}

// casesFromArgs turns folder arguments into cases named after the folder.
func casesFromArgs(args []string) ([]submission.Case, error) {
	cases := make([]submission.Case, 0, len(args))
	for _, arg := range args {
		abs, err := pathutil.ResolveAbsolutePath(arg)
		if err != nil {
			return nil, err
		}
		cases = append(cases, submission.Case{CaseID: filepath.Base(abs), LocalPath: abs})
	}
	return cases, nil
}

func printSubmitSummary(w io.Writer, outcomes []submission.Outcome) {
	counts := make(map[submission.Status]int)
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Fprintf(w, "✗ %s: %v\n", o.CaseID, o.Err)
			continue
		}
		counts[o.Result.Status]++
	}
	fmt.Fprintf(w, "Submitted: %d, already queued: %d, skipped: %d, failed: %d\n",
		counts[submission.StatusSubmitted], counts[submission.StatusAlreadySubmitted],
		counts[submission.StatusSkipped], failed)
}

func newStatusCmd() *cobra.Command {
	var showTasks bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool, job, task and container status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := openController(GetContext(), missionOptions{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			snap, err := ctrl.Snapshot(GetContext())
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap, showTasks)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showTasks, "tasks", "t", false, "List every task")
	return cmd
}

func printSnapshot(w io.Writer, snap *monitor.Snapshot, showTasks bool) {
	fmt.Fprintf(w, "[%s]\n%s\n", snap.Timestamp.Format("2006-01-02 15:04:05"), snap.String())
	if !showTasks || len(snap.TaskStates) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, t := range snap.TaskStates {
		fmt.Fprintf(w, "  %-40s %s\n", t.ID, taskLabel(t))
	}
}

func taskLabel(t models.TaskInfo) string {
	switch {
	case t.Succeeded():
		return "succeeded"
	case t.State == models.TaskCompleted && t.ExitCode != nil:
		return fmt.Sprintf("failed (exit %d)", *t.ExitCode)
	case t.State == models.TaskCompleted:
		return "failed"
	default:
		return string(t.State)
	}
}

func newWatchCmd() *cobra.Command {
	var (
		interval  time.Duration
		showTasks bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print status periodically until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := openController(GetContext(), missionOptions{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			err = ctrl.Watch(GetContext(), interval, func(s *monitor.Snapshot) {
				printSnapshot(cmd.OutOrStdout(), s, showTasks)
				fmt.Fprintln(cmd.OutOrStdout())
			})
			if err != nil && GetContext().Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Polling interval (default from config)")
	cmd.Flags().BoolVarP(&showTasks, "tasks", "t", false, "List every task")
	return cmd
}

func newWaitCmd() *cobra.Command {
	var (
		interval time.Duration
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until no task is queued or running",
		Long: `Poll until every task of the mission's job has completed, then print the
final status. Fails when any task failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := openController(GetContext(), missionOptions{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			var cb func(*monitor.Snapshot)
			if !quiet {
				cb = func(s *monitor.Snapshot) {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %d active, %d running, %d succeeded, %d failed\n",
						s.Timestamp.Format("15:04:05"), s.Tasks.Active, s.Tasks.Running, s.Tasks.Succeeded, s.Tasks.Failed)
				}
			}
			snap, err := ctrl.WaitForCompletion(GetContext(), interval, cb)
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap, false)
			if snap.Tasks.Failed > 0 {
				return fmt.Errorf("%s failed", strutil.Plural(snap.Tasks.Failed, "task"))
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Polling interval (default from config)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the final status")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var (
		opts  = results.DefaultOptions()
		all   bool
		again bool
		full  bool
	)

	cmd := &cobra.Command{
		Use:   "download [case-id...]",
		Short: "Download results of finished cases",
		Long: `Download the outputs of finished cases into their case folders.

By default only processed outputs are fetched. Files already present with the
same size and checksum are not downloaded again. Cases still queued or running
are skipped and can be downloaded later.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass case IDs or --all")
			}
			if full {
				opts.IncludeRawData, opts.IncludeRasterInputs, opts.IncludeFigures = true, true, true
			}
			opts.SkipIfAlreadyDownloaded = !again
			opts.IgnoreIfCaseUnknown = all
			opts.Concurrency = 0

			ui := progress.NewMultiBarUI(0)
			log := GetLogger()
			log.SetOutput(ui.Writer())
			defer log.SetOutput(os.Stdout)

			ctrl, err := openController(GetContext(), missionOptions{
				progress:   progress.NewCLIProgress(),
				transferUI: ui,
			})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			var outcomes []results.Outcome
			if all {
				outcomes, err = ctrl.DownloadAll(GetContext(), opts)
			} else {
				var errs []error
				for _, id := range args {
					res, derr := ctrl.Download(GetContext(), id, opts)
					outcomes = append(outcomes, results.Outcome{CaseID: id, Result: res, Err: derr})
					errs = append(errs, derr)
				}
				err = errors.Join(errs...)
			}
			ui.Wait()
			printDownloadSummary(cmd.OutOrStdout(), outcomes)
			return err
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Download every case of the mission")
	cmd.Flags().BoolVar(&opts.IncludeRawData, "raw", false, "Include raw solver output")
	cmd.Flags().BoolVar(&opts.IncludeRasterInputs, "rasters", false, "Include the input rasters")
	cmd.Flags().BoolVar(&opts.IncludeFigures, "figures", false, "Include rendered figures")
	cmd.Flags().BoolVar(&full, "everything", false, "Same as --raw --rasters --figures")
	cmd.Flags().BoolVar(&again, "again", false, "Check cases already marked downloaded")
	return cmd
}

func printDownloadSummary(w io.Writer, outcomes []results.Outcome) {
	counts := make(map[results.Status]int)
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Fprintf(w, "✗ %s: %v\n", o.CaseID, o.Err)
			continue
		}
		if o.Result == nil {
			continue
		}
		counts[o.Result.Status]++
		if o.Result.Status == results.StatusIncomplete {
			fmt.Fprintf(w, "! %s: %d files failed\n", o.CaseID, len(o.Result.Failed))
		}
	}
	fmt.Fprintf(w, "Downloaded: %d, already downloaded: %d, not finished: %d, skipped: %d, incomplete: %d, failed: %d\n",
		counts[results.StatusDownloaded], counts[results.StatusAlreadyDownloaded], counts[results.StatusNotFinished],
		counts[results.StatusSkipped], counts[results.StatusIncomplete], failed)
}

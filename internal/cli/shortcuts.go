package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/mission-int/internal/core"
	"github.com/rescale/mission-int/internal/lifecycle"
	"github.com/rescale/mission-int/internal/monitor"
	"github.com/rescale/mission-int/internal/progress"
	"github.com/rescale/mission-int/internal/results"
	"github.com/rescale/mission-int/internal/submission"
	strutil "github.com/rescale/mission-int/internal/util/strings"
)

// AddShortcuts adds convenience commands that chain the mission steps.
func AddShortcuts(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newRunShortcut())
}

// newRunShortcut creates the 'run' shortcut: ensure, submit, wait, download.
func newRunShortcut() *cobra.Command {
	var (
		scan     core.ScanOptions
		interval time.Duration
		teardown bool
	)

	cmd := &cobra.Command{
		Use:   "run <cases-dir>",
		Short: "Ensure resources, submit every case, wait and download results",
		Long: `Run a whole mission in one command:

  1. ensure                 create pool, job and container if missing
  2. submit --scan <dir>    upload and queue every case folder
  3. wait                   poll until every task has finished
  4. download --all         fetch the processed outputs

Interrupting with Ctrl+C is safe; rerunning continues where it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			out := cmd.OutOrStdout()
			ui := progress.NewMultiBarUI(0)

			ctrl, err := openController(ctx, missionOptions{
				progress:   progress.NewCLIProgress(),
				transferUI: ui,
			})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			report, err := ctrl.EnsureResources(ctx)
			if err != nil {
				return err
			}
			for _, msg := range report.Messages {
				fmt.Fprintln(out, msg)
			}

			cases, err := ctrl.ScanCases(args[0], scan)
			if err != nil {
				return err
			}
			outcomes, err := ctrl.SubmitAll(ctx, cases, submission.DefaultOptions())
			printSubmitSummary(out, outcomes)
			if err != nil {
				return err
			}

			snap, err := ctrl.WaitForCompletion(ctx, interval, func(s *monitor.Snapshot) {
				fmt.Fprintf(out, "[%s] %d active, %d running, %d succeeded, %d failed\n",
					s.Timestamp.Format("15:04:05"), s.Tasks.Active, s.Tasks.Running, s.Tasks.Succeeded, s.Tasks.Failed)
			})
			if err != nil {
				return err
			}

			downloads, err := ctrl.DownloadAll(ctx, results.Options{SkipIfAlreadyDownloaded: true, IgnoreIfCaseUnknown: true})
			ui.Wait()
			printDownloadSummary(out, downloads)
			if err != nil {
				return err
			}

			if teardown {
				td, err := ctrl.Teardown(ctx, lifecycle.TeardownOptions{DeletePool: true, DeleteJob: true})
				if td != nil {
					for _, msg := range td.Messages {
						fmt.Fprintln(out, msg)
					}
				}
				if err != nil {
					return err
				}
			}
			if snap.Tasks.Failed > 0 {
				return fmt.Errorf("%s failed", strutil.Plural(snap.Tasks.Failed, "task"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scan.Pattern, "pattern", "", "Regular expression case folder names must match")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Polling interval (default from config)")
	cmd.Flags().BoolVar(&teardown, "teardown", false, "Delete the pool and job afterwards (the container is kept)")
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rescale/mission-int/internal/lifecycle"
)

func newEnsureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Create the mission's pool, job and container if missing",
		Long: `Make sure the mission's compute pool, job and storage container exist.

Existing resources are reused. A pool that exists with a different container
image is reported as a conflict and must be torn down first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := openController(GetContext(), missionOptions{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			report, err := ctrl.EnsureResources(GetContext())
			if report != nil {
				for _, msg := range report.Messages {
					fmt.Fprintln(cmd.OutOrStdout(), msg)
				}
			}
			if errors.Is(err, lifecycle.ErrPoolImageConflict) {
				return fmt.Errorf("%w; run 'mission-int teardown --pool' and try again", err)
			}
			return err
		},
	}
}

func newResizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize <node-count>",
		Short: "Change the number of nodes in the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[0])
			if err != nil || target < 0 {
				return fmt.Errorf("invalid node count %q", args[0])
			}

			ctrl, err := openController(GetContext(), missionOptions{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.ResizePool(GetContext(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pool %s resizing to %d nodes\n", ctrl.State().PoolName, target)
			return nil
		},
	}
}

func newResourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Show whether the pool, job and container exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := openController(GetContext(), missionOptions{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			states, err := ctrl.ResourceStates(GetContext())
			if err != nil {
				return err
			}
			d := ctrl.State()
			names := map[lifecycle.Resource]string{
				lifecycle.ResourcePool:      d.PoolName,
				lifecycle.ResourceJob:       d.JobName,
				lifecycle.ResourceContainer: d.ContainerName,
			}
			for _, res := range lifecycle.Resources {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-40s %s\n", res, names[res], states[res])
			}
			return nil
		},
	}
}

func newTeardownCmd() *cobra.Command {
	var (
		opts lifecycle.TeardownOptions
		all  bool
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Delete the mission's remote resources",
		Long: `Delete the mission's pool, job or storage container.

Deleting the container removes every uploaded case and result that has not
been downloaded, and also removes the local mission backup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				opts = lifecycle.All()
			}
			if !opts.DeletePool && !opts.DeleteJob && !opts.DeleteContainer {
				return errors.New("nothing to delete; pass --pool, --job, --container or --all")
			}

			if opts.DeleteContainer && !yes {
				p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
				ok, err := p.confirm("Delete the storage container and every result in it?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
					return nil
				}
			}

			ctrl, err := openController(GetContext(), missionOptions{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			report, err := ctrl.Teardown(GetContext(), opts)
			if report != nil {
				for _, msg := range report.Messages {
					fmt.Fprintln(cmd.OutOrStdout(), msg)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.DeletePool, "pool", false, "Delete the compute pool")
	cmd.Flags().BoolVar(&opts.DeleteJob, "job", false, "Delete the job and its tasks")
	cmd.Flags().BoolVar(&opts.DeleteContainer, "container", false, "Delete the storage container")
	cmd.Flags().BoolVar(&all, "all", false, "Delete pool, job and container")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask before deleting the container")
	return cmd
}

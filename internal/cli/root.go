// Package cli provides the command-line interface for mission-int.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/mission-int/internal/fips"
	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/version"
)

// Values of the persistent flags, shared by every command.
var (
	cfgFile        string
	credentialFile string
	backend        string
	missionName    string
	workingDir     string
	verbose        bool
	debug          bool
)

var (
	logger      *logging.Logger
	rootContext context.Context
)

const rootLong = `Runs a mission: a named batch of simulation cases executed on a remote
compute pool with results kept in a storage container.

Typical workflow:
  mission-int credential encrypt        Store the service credential
  mission-int config init               Describe the mission
  mission-int ensure                    Create pool, job and container
  mission-int submit --scan ./cases     Upload and queue every case folder
  mission-int watch                     Follow progress
  mission-int download --all            Fetch results
  mission-int teardown --all            Delete remote resources`

// NewRootCmd creates the root command with its persistent flags. Subcommands
// are added by AddCommands.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mission-int",
		Short:        "Run batches of simulation cases on a remote compute pool",
		Long:         "mission-int " + version.String() + "\n" + rootLong,
		Version:      version.String(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose || debug {
				level = zerolog.DebugLevel
			}
			logging.SetGlobalLevel(level)
			logger = logging.NewDefaultCLILogger()
			logger.Debug().Bool("fips140", fips.Enabled()).Str("version", version.Version).Msg("Starting")
			return fips.Check()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	f := root.PersistentFlags()
	f.StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	f.StringVar(&credentialFile, "credential-file", "", "Encrypted credential file (overrides config)")
	f.StringVar(&backend, "backend", "", "Remote backend: azure or memory (overrides config)")
	f.StringVarP(&missionName, "mission", "m", "", "Mission name (overrides config)")
	f.StringVarP(&workingDir, "working-dir", "w", "", "Mission working directory (overrides config)")
	f.BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	f.BoolVar(&debug, "debug", false, "Same as --verbose")

	root.AddCommand(newCompletionCmd(root))
	return root
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate a shell completion script for mission-int.

Try it in the current shell:
  source <(mission-int completion bash)
  mission-int completion fish | source`,
	}

	shells := []struct {
		name, install string
		gen           func(io.Writer) error
	}{
		{"bash", "mission-int completion bash | sudo tee /etc/bash_completion.d/mission-int", root.GenBashCompletion},
		{"zsh", `mission-int completion zsh > "${fpath[1]}/_mission-int"`, root.GenZshCompletion},
		{"fish", "mission-int completion fish > ~/.config/fish/completions/mission-int.fish",
			func(w io.Writer) error { return root.GenFishCompletion(w, true) }},
		{"powershell", "mission-int completion powershell >> $PROFILE", root.GenPowerShellCompletion},
	}
	for _, sh := range shells {
		cmd.AddCommand(&cobra.Command{
			Use:   sh.name,
			Short: "Generate the " + sh.name + " completion script",
			Long:  "Generate the " + sh.name + " completion script. To install it:\n\n  " + sh.install,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return sh.gen(cmd.OutOrStdout())
			},
		})
	}
	return cmd
}

// AddCommands registers every subcommand on root.
func AddCommands(root *cobra.Command) {
	root.AddCommand(
		newCredentialCmd(),
		newConfigCmd(),

		newEnsureCmd(),
		newResizeCmd(),
		newResourcesCmd(),
		newTeardownCmd(),

		newSubmitCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newWaitCmd(),
		newDownloadCmd(),
	)
	AddShortcuts(root)
}

// Execute runs the CLI. The first SIGINT or SIGTERM cancels the context
// returned by GetContext.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rootContext = ctx

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Fprintf(os.Stderr, "\n\nReceived %v, cancelling operations...\n", sig)
			fmt.Fprintln(os.Stderr, "   The mission backup is saved after every case.")
			cancel()
		case <-ctx.Done():
		}
	}()

	root := NewRootCmd()
	AddCommands(root)
	return root.ExecuteContext(ctx)
}

// GetLogger returns the CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the context cancelled on Ctrl+C, or a background
// context outside Execute.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

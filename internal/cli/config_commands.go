package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/mission-int/internal/config"
	"github.com/rescale/mission-int/internal/http"
	"github.com/rescale/mission-int/internal/lifecycle"
	"github.com/rescale/mission-int/internal/models"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage mission-int configuration",
		Long: `Configuration management commands for mission-int.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  test  - Check the credential and reach the remote services
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigTestCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for mission-int.

The configuration will be saved to ~/.config/mission-int/config.ini unless
--config is given.

Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg, err := promptConfig(newPrompter(cmd.InOrStdin(), out))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}

			GetLogger().Info().Str("path", path).Msg("Configuration saved")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "✓ Configuration saved to: %s\n", path)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintln(out, "  mission-int credential encrypt   Store the service credential")
			fmt.Fprintln(out, "  mission-int config test          Check the connection")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")

	return cmd
}

// promptConfig asks for the settings every mission needs. Everything else
// keeps its default and can be edited in the file.
func promptConfig(p *prompter) (*config.Config, error) {
	cfg := config.NewConfig()
	applyFlags(cfg)
	var err error

	fmt.Fprintln(p.out, "Mission Configuration Setup")
	fmt.Fprintln(p.out, "===========================")
	fmt.Fprintln(p.out)

	if cfg.Mission.Name, err = p.value("Mission name", cfg.Mission.Name); err != nil {
		return nil, err
	}
	for cfg.Mission.Name == "" {
		if cfg.Mission.Name, err = p.required("Mission name"); err != nil {
			return nil, err
		}
	}

	cwd, _ := os.Getwd()
	defDir := cfg.Mission.WorkingDir
	if defDir == "" {
		defDir = filepath.Join(cwd, cfg.Mission.Name)
	}
	if cfg.Mission.WorkingDir, err = p.value("Working directory", defDir); err != nil {
		return nil, err
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Pool Settings (press Enter for defaults)")
	fmt.Fprintln(p.out, "----------------------------------------")
	if cfg.Mission.NodeCount, err = p.integer("Node count", cfg.Mission.NodeCount, 0); err != nil {
		return nil, err
	}
	if cfg.Mission.NodeType, err = p.value("Node type", cfg.Mission.NodeType); err != nil {
		return nil, err
	}
	for {
		mode, err := p.value("Node mode (dedicated, low-priority)", string(cfg.Mission.NodeMode))
		if err != nil {
			return nil, err
		}
		if cfg.Mission.NodeMode, err = models.ParseNodeMode(mode); err == nil {
			break
		}
		fmt.Fprintf(p.out, "  Error: %v\n", err)
	}
	if cfg.Mission.PoolImage, err = p.value("Container image", cfg.Mission.PoolImage); err != nil {
		return nil, err
	}
	if cfg.Mission.AutoScale, err = p.confirm("Let the pool scale itself with the task queue?"); err != nil {
		return nil, err
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Service Settings")
	fmt.Fprintln(p.out, "----------------")
	if cfg.Service.Backend, err = p.value("Backend (azure, memory)", cfg.Service.Backend); err != nil {
		return nil, err
	}
	cfg.Service.Backend = strings.ToLower(cfg.Service.Backend)
	if cfg.Service.Backend == config.BackendMemory {
		cfg.Service.MemoryStatePath = filepath.Join(cfg.Mission.WorkingDir, "remote-state.json")
	} else {
		if cfg.Service.Storage, err = p.value("Storage (azure, s3)", cfg.Service.Storage); err != nil {
			return nil, err
		}
		cfg.Service.Storage = strings.ToLower(cfg.Service.Storage)
		if cfg.Service.Storage == config.StorageS3 {
			if cfg.Service.S3Region, err = p.required("S3 region"); err != nil {
				return nil, err
			}
		}
	}

	fmt.Fprintln(p.out)
	proxy, err := p.confirm("Configure proxy?")
	if err != nil {
		return nil, err
	}
	if proxy {
		fmt.Fprintln(p.out, "Proxy modes: no-proxy, system, basic, ntlm")
		if cfg.Proxy.Mode, err = p.value("Proxy mode", http.ProxySystem); err != nil {
			return nil, err
		}
		if cfg.Proxy.Mode == http.ProxyBasic || cfg.Proxy.Mode == http.ProxyNTLM {
			if cfg.Proxy.Host, err = p.required("Proxy host"); err != nil {
				return nil, err
			}
			if cfg.Proxy.Port, err = p.integer("Proxy port", cfg.Proxy.Port, 1); err != nil {
				return nil, err
			}
			if cfg.Proxy.User, err = p.value("Proxy user", ""); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration settings.

This command shows the merged configuration from:
  1. Configuration file (~/.config/mission-int/config.ini)
  2. Environment variables (MISSION_NAME, MISSION_BACKEND, ...)
  3. Command-line flags (--mission, --backend, ...)

Priority: flags > environment > config file > defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file: %s\n", path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "  (file does not exist - using defaults)")
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  Warning: %v\n", err)
			}
			return nil
		},
	}

	return cmd
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Current Configuration")
	fmt.Fprintln(w, "=====================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Mission:")
	fmt.Fprintf(w, "  Name:        %s\n", cfg.Mission.Name)
	fmt.Fprintf(w, "  Working dir: %s\n", cfg.Mission.WorkingDir)
	credPath, _ := cfg.CredentialPath()
	fmt.Fprintf(w, "  Credential:  %s\n", credPath)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Pool:")
	fmt.Fprintf(w, "  Nodes:       %d x %s (%s)\n", cfg.Mission.NodeCount, cfg.Mission.NodeType, cfg.Mission.NodeMode)
	fmt.Fprintf(w, "  Image:       %s\n", cfg.Mission.PoolImage)
	fmt.Fprintf(w, "  Auto-scale:  %t\n", cfg.Mission.AutoScale)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Service:")
	fmt.Fprintf(w, "  Backend:     %s\n", cfg.Service.Backend)
	fmt.Fprintf(w, "  Storage:     %s\n", cfg.Service.Storage)
	if cfg.Service.Storage == config.StorageS3 {
		fmt.Fprintf(w, "  S3 region:   %s\n", cfg.Service.S3Region)
		if cfg.Service.S3Endpoint != "" {
			fmt.Fprintf(w, "  S3 endpoint: %s\n", cfg.Service.S3Endpoint)
		}
	}
	fmt.Fprintf(w, "  Timeouts:    %s per call, %s per transfer\n", cfg.Service.CallTimeout, cfg.Service.TransferTimeout)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Proxy Settings:")
	fmt.Fprintf(w, "  Proxy Mode: %s\n", cfg.Proxy.Mode)
	if cfg.Proxy.Host != "" {
		fmt.Fprintf(w, "  Proxy Host: %s\n", cfg.Proxy.Host)
		fmt.Fprintf(w, "  Proxy Port: %d\n", cfg.Proxy.Port)
	}
	if cfg.Proxy.Password != "" {
		fmt.Fprintln(w, "  Proxy Password: <set>")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Transfers:")
	fmt.Fprintf(w, "  Concurrency: %d\n", cfg.Transfer.Concurrency)
	fmt.Fprintf(w, "  Max Retries: %d\n", cfg.Transfer.MaxRetries)
	fmt.Fprintf(w, "  Poll every:  %s\n", cfg.Monitor.Interval)
	if len(cfg.Task.UploadExclude) > 0 {
		fmt.Fprintf(w, "  Upload exclude: %s\n", strings.Join(cfg.Task.UploadExclude, ", "))
	}
	fmt.Fprintln(w)
}

// newConfigTestCmd creates the 'config test' command.
func newConfigTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test the connection to the remote services",
		Long: `Decrypt the credential and look up the mission's pool, job and container.

Use this to verify the credential and network connectivity. Nothing is created.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Testing Connection")
			fmt.Fprintln(out, "==================")
			fmt.Fprintln(out)

			ctx, cancel := context.WithTimeout(GetContext(), 30*time.Second)
			defer cancel()

			ctrl, err := openController(ctx, missionOptions{})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			states, err := ctrl.ResourceStates(ctx)
			if err != nil {
				GetLogger().Error().Err(err).Msg("Connection test failed")
				fmt.Fprintln(out, "✗ Connection FAILED")
				fmt.Fprintf(out, "  Error: %v\n", err)
				return fmt.Errorf("connection test failed")
			}

			GetLogger().Info().Msg("Connection test successful")
			fmt.Fprintln(out, "✓ Connection SUCCESSFUL")
			fmt.Fprintln(out)
			for _, res := range lifecycle.Resources {
				fmt.Fprintf(out, "  %-10s %s\n", res, states[res])
			}
			return nil
		},
	}

	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Long:  `Display the path to the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, err := configPath()
			if err != nil {
				return err
			}
			if cfgFile == "" {
				fmt.Fprintln(out, "Default configuration path:")
			} else {
				fmt.Fprintln(out, "Configuration path (from --config flag):")
			}
			fmt.Fprintf(out, "  %s\n", path)
			fmt.Fprintln(out)

			if info, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Status: ✓ File exists")
				fmt.Fprintf(out, "Size:   %d bytes\n", info.Size())
				fmt.Fprintf(out, "Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(out, "Status: File does not exist")
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Create a configuration file with: mission-int config init")
			}

			return nil
		},
	}

	return cmd
}

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rescale/mission-int/internal/cloud/providers"
	"github.com/rescale/mission-int/internal/config"
	"github.com/rescale/mission-int/internal/core"
	"github.com/rescale/mission-int/internal/credentials"
	"github.com/rescale/mission-int/internal/pathutil"
	"github.com/rescale/mission-int/internal/progress"
)

// configPath returns the --config value or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file and applies environment variables and
// global flags, in that order of increasing priority.
func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	applyFlags(cfg)
	if cfg.Mission.WorkingDir != "" {
		dir, err := pathutil.ResolveAbsolutePath(cfg.Mission.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("invalid working directory: %w", err)
		}
		cfg.Mission.WorkingDir = dir
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config) {
	if missionName != "" {
		cfg.Mission.Name = missionName
	}
	if workingDir != "" {
		cfg.Mission.WorkingDir = workingDir
	}
	if credentialFile != "" {
		cfg.Mission.CredentialFile = credentialFile
	}
	if backend != "" {
		cfg.Service.Backend = backend
	}
}

// loadCredential returns the service credential for cfg. MISSION_* variables,
// optionally from a .env file in the current or working directory, take
// precedence over the encrypted credential file. The passcode comes from
// MISSION_PASSCODE or an interactive prompt.
func loadCredential(cfg *config.Config) (credentials.Credential, error) {
	if cfg.Service.Backend == config.BackendMemory {
		return credentials.Credential{}, nil
	}

	envFiles := []string{".env"}
	if cfg.Mission.WorkingDir != "" {
		envFiles = append(envFiles, filepath.Join(cfg.Mission.WorkingDir, ".env"))
	}
	if err := credentials.LoadDotEnv(envFiles...); err != nil {
		return credentials.Credential{}, err
	}
	cred, ok, err := credentials.FromEnv()
	if err != nil {
		return credentials.Credential{}, err
	}
	if ok {
		GetLogger().Debug().Msg("Using credential from environment")
		return cred, nil
	}

	path, err := cfg.CredentialPath()
	if err != nil {
		return credentials.Credential{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return credentials.Credential{}, fmt.Errorf("no credential found at %s; run 'mission-int credential encrypt' first", path)
	}

	passcode, err := credentials.PromptPasscode("Credential passcode: ", false)
	if err != nil {
		return credentials.Credential{}, err
	}
	return credentials.ReadFile(path, passcode)
}

// missionOptions selects the progress output of a controller opened by the CLI.
type missionOptions struct {
	progress   progress.Reporter
	transferUI progress.TransferUI
}

// openController builds the controller for the configured mission. The
// caller must Close it.
func openController(ctx context.Context, opts missionOptions) (*core.Controller, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Proxy.NeedsPassword() {
		return nil, fmt.Errorf("proxy user %q has no password; set %s", cfg.Proxy.User, config.EnvProxyPass)
	}
	cred, err := loadCredential(cfg)
	if err != nil {
		return nil, err
	}

	log := GetLogger()
	client, err := providers.NewClient(ctx, cfg, cred, log)
	if err != nil {
		return nil, err
	}

	return core.NewController(cfg, client, core.Options{
		Logger:     log,
		Progress:   opts.progress,
		TransferUI: opts.transferUI,
		MissionLog: true,
	})
}

// Package config provides configuration management for mission-int.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/http"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/remote"
	"github.com/rescale/mission-int/internal/util/filter"
	"github.com/rescale/mission-int/internal/util/sanitize"
	"github.com/rescale/mission-int/internal/validation"
)

// Config is the full configuration of one mission.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\mission-int\config.ini
//   - Unix: ~/.config/mission-int/config.ini
//
// INI format:
//
//	[mission]
//	name = flood
//	working_dir = /data/missions/flood
//	node_count = 2
//	node_type = STANDARD_H8
//	node_mode = dedicated
//	pool_image = barbagroup/landspill:bionic
//	auto_scale = false
//	credential_file = /home/me/.config/mission-int/credential.bin
//
//	[service]
//	backend = azure
//	storage = azure
//	s3_region = us-west-2
//	call_timeout_seconds = 60
//	transfer_timeout_seconds = 1800
//	batch_api_version = 2023-11-01.18.0
//	requests_per_second = 20
//
//	[proxy]
//	mode = no-proxy
//	host =
//	port = 8080
//	user =
//	no_proxy =
//
//	[transfer]
//	concurrency = 4
//	max_retries = 10
//	retry_initial_delay_ms = 200
//	retry_max_delay_ms = 15000
//
//	[monitor]
//	interval_seconds = 30
//	failure_threshold = 5
//
//	[task]
//	command_template = /bin/bash -c "..."
//	container_run_options = --rm --workdir /home/landspill
//	upload_exclude = __pycache__, .*?\.nc
type Config struct {
	Mission  MissionConfig
	Service  ServiceConfig
	Proxy    http.ProxyConfig
	Transfer TransferConfig
	Monitor  MonitorConfig
	Task     TaskConfig
}

// MissionConfig names the mission and sizes its pool.
type MissionConfig struct {
	Name           string
	WorkingDir     string
	NodeCount      int
	NodeType       string
	NodeMode       models.NodeMode
	PoolImage      string
	AutoScale      bool
	CredentialFile string
}

// Backends
const (
	BackendAzure  = "azure"
	BackendMemory = "memory"
	StorageAzure  = "azure"
	StorageS3     = "s3"
)

// ServiceConfig selects and tunes the remote backends.
type ServiceConfig struct {
	// Backend is "azure" or "memory". The memory backend runs everything
	// in-process and persists to MemoryStatePath when set.
	Backend         string
	Storage         string
	S3Region        string
	S3Endpoint      string
	CallTimeout     time.Duration
	TransferTimeout time.Duration
	BatchAPIVersion string
	// RequestsPerSecond limits calls to the compute service.
	RequestsPerSecond int
	MemoryStatePath   string
}

// TransferConfig bounds parallelism and retries for remote calls.
type TransferConfig struct {
	Concurrency       int
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// MonitorConfig controls status polling.
type MonitorConfig struct {
	Interval         time.Duration
	FailureThreshold int
}

// TaskConfig overrides how each case runs on a node.
// Empty fields keep the built-in task template.
type TaskConfig struct {
	CommandTemplate     string
	ContainerRunOptions string
	UploadExclude       []string
}

// Validation errors
var (
	ErrMissingMissionName   = errors.New("mission name is required")
	ErrMissingWorkingDir    = errors.New("working_dir is required")
	ErrInvalidNodeCount     = errors.New("node_count must not be negative")
	ErrMissingNodeType      = errors.New("node_type is required")
	ErrMissingPoolImage     = errors.New("pool_image is required")
	ErrInvalidBackend       = errors.New("backend must be azure or memory")
	ErrInvalidStorage       = errors.New("storage must be azure or s3")
	ErrMissingS3Region      = errors.New("s3_region is required when storage is s3")
	ErrInvalidConcurrency   = errors.New("concurrency must be between 1 and 32")
	ErrInvalidMonitorPeriod = errors.New("monitor interval_seconds must be at least 1")
	ErrInvalidRetries       = errors.New("max_retries must be at least 1")
	ErrInvalidProxy         = errors.New("invalid [proxy] section")
)

// Environment variables that override file values.
const (
	EnvMissionName = "MISSION_NAME"
	EnvWorkingDir  = "MISSION_WORKING_DIR"
	EnvBackend     = "MISSION_BACKEND"
	EnvStorage     = "MISSION_STORAGE"
	EnvS3Region    = "MISSION_S3_REGION"
	EnvS3Endpoint  = "MISSION_S3_ENDPOINT"
	EnvCredential  = "MISSION_CREDENTIAL_FILE"
	EnvProxyMode   = "MISSION_PROXY_MODE"
	EnvProxyHost   = "MISSION_PROXY_HOST"
	EnvProxyPort   = "MISSION_PROXY_PORT"
	EnvProxyUser   = "MISSION_PROXY_USER"
	EnvProxyPass   = "MISSION_PROXY_PASSWORD"
)

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		Mission: MissionConfig{
			NodeCount: constants.DefaultNodeCount,
			NodeType:  constants.DefaultNodeType,
			NodeMode:  models.NodeModeDedicated,
			PoolImage: constants.DefaultPoolImage,
		},
		Service: ServiceConfig{
			Backend:           BackendAzure,
			Storage:           StorageAzure,
			CallTimeout:       constants.DefaultCallTimeout,
			TransferTimeout:   constants.TransferCallTimeout,
			BatchAPIVersion:   constants.BatchAPIVersion,
			RequestsPerSecond: constants.BatchRequestsPerSecond,
		},
		Proxy: http.ProxyConfig{
			Mode: http.ProxyNone,
			Port: constants.DefaultProxyPort,
		},
		Transfer: TransferConfig{
			Concurrency:       constants.DefaultConcurrency,
			MaxRetries:        constants.MaxRetries,
			RetryInitialDelay: constants.RetryInitialDelay,
			RetryMaxDelay:     constants.RetryMaxDelay,
		},
		Monitor: MonitorConfig{
			Interval:         constants.DefaultMonitorInterval,
			FailureThreshold: constants.DefaultMonitorFailureThreshold,
		},
	}
}

// Load reads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	m := iniFile.Section("mission")
	cfg.Mission.Name = m.Key("name").String()
	cfg.Mission.WorkingDir = m.Key("working_dir").String()
	cfg.Mission.NodeCount = m.Key("node_count").MustInt(cfg.Mission.NodeCount)
	cfg.Mission.NodeType = m.Key("node_type").MustString(cfg.Mission.NodeType)
	cfg.Mission.PoolImage = m.Key("pool_image").MustString(cfg.Mission.PoolImage)
	cfg.Mission.AutoScale = m.Key("auto_scale").MustBool(false)
	cfg.Mission.CredentialFile = m.Key("credential_file").String()
	mode, err := models.ParseNodeMode(m.Key("node_mode").String())
	if err != nil {
		return nil, err
	}
	cfg.Mission.NodeMode = mode

	s := iniFile.Section("service")
	cfg.Service.Backend = strings.ToLower(s.Key("backend").MustString(cfg.Service.Backend))
	cfg.Service.Storage = strings.ToLower(s.Key("storage").MustString(cfg.Service.Storage))
	cfg.Service.S3Region = s.Key("s3_region").String()
	cfg.Service.S3Endpoint = s.Key("s3_endpoint").String()
	cfg.Service.CallTimeout = seconds(s.Key("call_timeout_seconds"), cfg.Service.CallTimeout)
	cfg.Service.TransferTimeout = seconds(s.Key("transfer_timeout_seconds"), cfg.Service.TransferTimeout)
	cfg.Service.BatchAPIVersion = s.Key("batch_api_version").MustString(cfg.Service.BatchAPIVersion)
	cfg.Service.RequestsPerSecond = s.Key("requests_per_second").MustInt(cfg.Service.RequestsPerSecond)
	cfg.Service.MemoryStatePath = s.Key("memory_state_path").String()

	p := iniFile.Section("proxy")
	cfg.Proxy.Mode = p.Key("mode").MustString(cfg.Proxy.Mode)
	cfg.Proxy.Host = p.Key("host").String()
	cfg.Proxy.Port = p.Key("port").MustInt(cfg.Proxy.Port)
	cfg.Proxy.User = p.Key("user").String()
	cfg.Proxy.NoProxy = p.Key("no_proxy").String()

	t := iniFile.Section("transfer")
	cfg.Transfer.Concurrency = t.Key("concurrency").MustInt(cfg.Transfer.Concurrency)
	cfg.Transfer.MaxRetries = t.Key("max_retries").MustInt(cfg.Transfer.MaxRetries)
	cfg.Transfer.RetryInitialDelay = millis(t.Key("retry_initial_delay_ms"), cfg.Transfer.RetryInitialDelay)
	cfg.Transfer.RetryMaxDelay = millis(t.Key("retry_max_delay_ms"), cfg.Transfer.RetryMaxDelay)

	mon := iniFile.Section("monitor")
	cfg.Monitor.Interval = seconds(mon.Key("interval_seconds"), cfg.Monitor.Interval)
	cfg.Monitor.FailureThreshold = mon.Key("failure_threshold").MustInt(cfg.Monitor.FailureThreshold)

	task := iniFile.Section("task")
	cfg.Task.CommandTemplate = sanitize.SanitizeCommand(task.Key("command_template").String())
	cfg.Task.ContainerRunOptions = task.Key("container_run_options").String()
	cfg.Task.UploadExclude = filter.ParsePatternList(task.Key("upload_exclude").String())

	return cfg, nil
}

func seconds(k *ini.Key, def time.Duration) time.Duration {
	return time.Duration(k.MustInt(int(def/time.Second))) * time.Second
}

func millis(k *ini.Key, def time.Duration) time.Duration {
	return time.Duration(k.MustInt(int(def/time.Millisecond))) * time.Millisecond
}

// Save writes the configuration to an INI file.
// The proxy password is never written.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()
	sections := []struct {
		name   string
		values [][2]string
	}{
		{"mission", [][2]string{
			{"name", cfg.Mission.Name},
			{"working_dir", cfg.Mission.WorkingDir},
			{"node_count", strconv.Itoa(cfg.Mission.NodeCount)},
			{"node_type", cfg.Mission.NodeType},
			{"node_mode", string(cfg.Mission.NodeMode)},
			{"pool_image", cfg.Mission.PoolImage},
			{"auto_scale", strconv.FormatBool(cfg.Mission.AutoScale)},
			{"credential_file", cfg.Mission.CredentialFile},
		}},
		{"service", [][2]string{
			{"backend", cfg.Service.Backend},
			{"storage", cfg.Service.Storage},
			{"s3_region", cfg.Service.S3Region},
			{"s3_endpoint", cfg.Service.S3Endpoint},
			{"call_timeout_seconds", strconv.Itoa(int(cfg.Service.CallTimeout / time.Second))},
			{"transfer_timeout_seconds", strconv.Itoa(int(cfg.Service.TransferTimeout / time.Second))},
			{"batch_api_version", cfg.Service.BatchAPIVersion},
			{"requests_per_second", strconv.Itoa(cfg.Service.RequestsPerSecond)},
			{"memory_state_path", cfg.Service.MemoryStatePath},
		}},
		{"proxy", [][2]string{
			{"mode", cfg.Proxy.Mode},
			{"host", cfg.Proxy.Host},
			{"port", strconv.Itoa(cfg.Proxy.Port)},
			{"user", cfg.Proxy.User},
			{"no_proxy", cfg.Proxy.NoProxy},
		}},
		{"transfer", [][2]string{
			{"concurrency", strconv.Itoa(cfg.Transfer.Concurrency)},
			{"max_retries", strconv.Itoa(cfg.Transfer.MaxRetries)},
			{"retry_initial_delay_ms", strconv.Itoa(int(cfg.Transfer.RetryInitialDelay / time.Millisecond))},
			{"retry_max_delay_ms", strconv.Itoa(int(cfg.Transfer.RetryMaxDelay / time.Millisecond))},
		}},
		{"monitor", [][2]string{
			{"interval_seconds", strconv.Itoa(int(cfg.Monitor.Interval / time.Second))},
			{"failure_threshold", strconv.Itoa(cfg.Monitor.FailureThreshold)},
		}},
		{"task", [][2]string{
			{"command_template", cfg.Task.CommandTemplate},
			{"container_run_options", cfg.Task.ContainerRunOptions},
			{"upload_exclude", strings.Join(cfg.Task.UploadExclude, ", ")},
		}},
	}
	for _, sec := range sections {
		section, err := iniFile.NewSection(sec.name)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", sec.name, err)
		}
		for _, kv := range sec.values {
			section.Key(kv[0]).SetValue(kv[1])
		}
	}

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// ApplyEnv overrides file values with MISSION_* environment variables.
func (cfg *Config) ApplyEnv() error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(EnvMissionName, &cfg.Mission.Name)
	set(EnvWorkingDir, &cfg.Mission.WorkingDir)
	set(EnvCredential, &cfg.Mission.CredentialFile)
	set(EnvBackend, &cfg.Service.Backend)
	set(EnvStorage, &cfg.Service.Storage)
	set(EnvS3Region, &cfg.Service.S3Region)
	set(EnvS3Endpoint, &cfg.Service.S3Endpoint)
	set(EnvProxyMode, &cfg.Proxy.Mode)
	set(EnvProxyHost, &cfg.Proxy.Host)
	set(EnvProxyUser, &cfg.Proxy.User)
	set(EnvProxyPass, &cfg.Proxy.Password)

	if v := strings.TrimSpace(os.Getenv(EnvProxyPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvProxyPort, v)
		}
		cfg.Proxy.Port = port
	}
	cfg.Service.Backend = strings.ToLower(cfg.Service.Backend)
	cfg.Service.Storage = strings.ToLower(cfg.Service.Storage)
	return nil
}

// Validate checks the configuration. Returns nil if valid, or the first problem found.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Mission.Name) == "" {
		return ErrMissingMissionName
	}
	if err := validation.ValidateMissionName(cfg.Mission.Name); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Mission.WorkingDir) == "" {
		return ErrMissingWorkingDir
	}
	if cfg.Mission.NodeCount < 0 {
		return ErrInvalidNodeCount
	}
	if strings.TrimSpace(cfg.Mission.NodeType) == "" {
		return ErrMissingNodeType
	}
	if strings.TrimSpace(cfg.Mission.PoolImage) == "" {
		return ErrMissingPoolImage
	}
	if _, err := models.ParseNodeMode(string(cfg.Mission.NodeMode)); err != nil {
		return err
	}

	switch cfg.Service.Backend {
	case BackendAzure, BackendMemory:
	default:
		return ErrInvalidBackend
	}
	switch cfg.Service.Storage {
	case StorageAzure:
	case StorageS3:
		if cfg.Service.Backend == BackendAzure && strings.TrimSpace(cfg.Service.S3Region) == "" {
			return ErrMissingS3Region
		}
	default:
		return ErrInvalidStorage
	}

	if cfg.Transfer.Concurrency < 1 || cfg.Transfer.Concurrency > constants.MaxConcurrency {
		return ErrInvalidConcurrency
	}
	if cfg.Transfer.MaxRetries < 1 {
		return ErrInvalidRetries
	}
	if cfg.Monitor.Interval < constants.MinMonitorInterval {
		return ErrInvalidMonitorPeriod
	}
	if _, err := filter.Compile(cfg.Task.UploadExclude...); err != nil {
		return fmt.Errorf("upload_exclude: %w", err)
	}
	if err := cfg.Proxy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProxy, err)
	}
	return nil
}

// PoolSpec returns the pool the mission asks for. The pool ID is assigned by the mission state.
func (cfg *Config) PoolSpec() models.PoolSpec {
	return models.PoolSpec{
		VMSize:          cfg.Mission.NodeType,
		Image:           cfg.Mission.PoolImage,
		NodeCount:       cfg.Mission.NodeCount,
		NodeMode:        cfg.Mission.NodeMode,
		AutoScale:       cfg.Mission.AutoScale,
		MaxTasksPerNode: constants.MaxTasksPerNode,
	}
}

// RetryConfig returns the backoff settings for remote calls.
func (cfg *Config) RetryConfig() http.Config {
	return http.Config{
		MaxRetries:   cfg.Transfer.MaxRetries,
		InitialDelay: cfg.Transfer.RetryInitialDelay,
		MaxDelay:     cfg.Transfer.RetryMaxDelay,
	}
}

// Timeouts returns the per-call deadlines for remote calls.
func (cfg *Config) Timeouts() remote.Timeouts {
	return remote.Timeouts{
		Call:     cfg.Service.CallTimeout,
		Transfer: cfg.Service.TransferTimeout,
	}
}

// CredentialPath returns the configured credential file or the default location.
func (cfg *Config) CredentialPath() (string, error) {
	if cfg.Mission.CredentialFile != "" {
		return cfg.Mission.CredentialFile, nil
	}
	return DefaultCredentialPath()
}

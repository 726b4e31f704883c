package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/models"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewConfig()
	cfg.Mission.Name = "flood"
	cfg.Mission.WorkingDir = t.TempDir()
	return cfg
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.Mission.NodeType != constants.DefaultNodeType {
		t.Errorf("expected default node type %s, got %s", constants.DefaultNodeType, cfg.Mission.NodeType)
	}
	if cfg.Mission.PoolImage != constants.DefaultPoolImage {
		t.Errorf("expected default pool image %s, got %s", constants.DefaultPoolImage, cfg.Mission.PoolImage)
	}
	if cfg.Service.Backend != BackendAzure || cfg.Service.Storage != StorageAzure {
		t.Errorf("expected azure backends by default, got %s/%s", cfg.Service.Backend, cfg.Service.Storage)
	}
	if cfg.Monitor.Interval != 30*time.Second {
		t.Errorf("expected 30s monitor interval, got %s", cfg.Monitor.Interval)
	}
	if cfg.Proxy.Mode != "no-proxy" {
		t.Errorf("expected no-proxy mode, got %s", cfg.Proxy.Mode)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, NewConfig()) {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.ini")

	cfg := validConfig(t)
	cfg.Mission.NodeCount = 8
	cfg.Mission.NodeMode = models.NodeModeLowPriority
	cfg.Mission.AutoScale = true
	cfg.Mission.CredentialFile = "/secure/cred.bin"
	cfg.Service.Storage = StorageS3
	cfg.Service.S3Region = "us-west-2"
	cfg.Service.CallTimeout = 45 * time.Second
	cfg.Proxy.Mode = "basic"
	cfg.Proxy.Host = "proxy.corp"
	cfg.Proxy.Port = 3128
	cfg.Transfer.Concurrency = 8
	cfg.Transfer.RetryInitialDelay = 500 * time.Millisecond
	cfg.Monitor.Interval = 10 * time.Second
	cfg.Task.UploadExclude = []string{`__pycache__`, `.*?\.nc`}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if info.Mode().Perm()&0077 != 0 && os.PathSeparator == '/' {
		t.Errorf("config file should be private, mode %v", info.Mode())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, cfg) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", loaded, cfg)
	}
}

func TestSaveNeverWritesProxyPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	cfg := validConfig(t)
	cfg.Proxy.Password = "hunter2"

	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Error("proxy password written to config file")
	}
}

func TestLoadRejectsBadNodeMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte("[mission]\nname = flood\nnode_mode = burst\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for an unknown node mode")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvMissionName, "river")
	t.Setenv(EnvBackend, "MEMORY")
	t.Setenv(EnvProxyPort, "9000")
	t.Setenv(EnvProxyPass, "secret")

	cfg := NewConfig()
	cfg.Mission.Name = "flood"
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Mission.Name != "river" {
		t.Errorf("name = %s, want river", cfg.Mission.Name)
	}
	if cfg.Service.Backend != BackendMemory {
		t.Errorf("backend = %s, want memory", cfg.Service.Backend)
	}
	if cfg.Proxy.Port != 9000 || cfg.Proxy.Password != "secret" {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}

	t.Setenv(EnvProxyPort, "eighty")
	if err := cfg.ApplyEnv(); err == nil {
		t.Error("expected an error for a non-numeric proxy port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"missing name", func(c *Config) { c.Mission.Name = "" }, ErrMissingMissionName},
		{"missing working dir", func(c *Config) { c.Mission.WorkingDir = "" }, ErrMissingWorkingDir},
		{"negative nodes", func(c *Config) { c.Mission.NodeCount = -1 }, ErrInvalidNodeCount},
		{"missing node type", func(c *Config) { c.Mission.NodeType = " " }, ErrMissingNodeType},
		{"missing image", func(c *Config) { c.Mission.PoolImage = "" }, ErrMissingPoolImage},
		{"bad backend", func(c *Config) { c.Service.Backend = "gcp" }, ErrInvalidBackend},
		{"bad storage", func(c *Config) { c.Service.Storage = "ftp" }, ErrInvalidStorage},
		{"s3 without region", func(c *Config) { c.Service.Storage = StorageS3 }, ErrMissingS3Region},
		{"zero concurrency", func(c *Config) { c.Transfer.Concurrency = 0 }, ErrInvalidConcurrency},
		{"too much concurrency", func(c *Config) { c.Transfer.Concurrency = 64 }, ErrInvalidConcurrency},
		{"no retries", func(c *Config) { c.Transfer.MaxRetries = 0 }, ErrInvalidRetries},
		{"fast monitor", func(c *Config) { c.Monitor.Interval = 100 * time.Millisecond }, ErrInvalidMonitorPeriod},
		{"unknown proxy mode", func(c *Config) { c.Proxy.Mode = "socks" }, ErrInvalidProxy},
		{"basic proxy without host", func(c *Config) { c.Proxy.Mode = "basic" }, ErrInvalidProxy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("invalid mission name", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Mission.Name = "Flood_Mission"
		if err := cfg.Validate(); err == nil {
			t.Error("expected an error for an invalid mission name")
		}
	})

	t.Run("invalid exclude pattern", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Task.UploadExclude = []string{"("}
		if err := cfg.Validate(); err == nil {
			t.Error("expected an error for an invalid pattern")
		}
	})
}

func TestDerivedSettings(t *testing.T) {
	cfg := validConfig(t)
	cfg.Mission.NodeCount = 3

	spec := cfg.PoolSpec()
	if spec.VMSize != constants.DefaultNodeType || spec.NodeCount != 3 || spec.MaxTasksPerNode != constants.MaxTasksPerNode {
		t.Errorf("PoolSpec = %+v", spec)
	}
	if r := cfg.RetryConfig(); r.MaxRetries != constants.MaxRetries || r.InitialDelay != constants.RetryInitialDelay {
		t.Errorf("RetryConfig = %+v", r)
	}
	if to := cfg.Timeouts(); to.Call != constants.DefaultCallTimeout || to.Transfer != constants.TransferCallTimeout {
		t.Errorf("Timeouts = %+v", to)
	}

	cfg.Mission.CredentialFile = "/tmp/cred.bin"
	if p, err := cfg.CredentialPath(); err != nil || p != "/tmp/cred.bin" {
		t.Errorf("CredentialPath = %s, %v", p, err)
	}
	if got := MissionLogPath("/data/flood"); got != filepath.Join("/data/flood", "mission.log") {
		t.Errorf("MissionLogPath = %s", got)
	}
}

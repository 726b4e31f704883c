package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rescale/mission-int/internal/config"
	"github.com/rescale/mission-int/internal/models"
)

// TestConfigCmd tests the config command group
func TestConfigCmd(t *testing.T) {
	cmd := newConfigCmd()
	if cmd.Use != "config" {
		t.Errorf("Expected Use='config', got '%s'", cmd.Use)
	}

	expectedSubs := []string{"init", "show", "test", "path"}
	subcommands := cmd.Commands()
	if len(subcommands) != len(expectedSubs) {
		t.Errorf("Expected %d subcommands, got %d", len(expectedSubs), len(subcommands))
	}

	foundSubs := make(map[string]bool)
	for _, sub := range subcommands {
		foundSubs[sub.Name()] = true
		if sub.Short == "" {
			t.Errorf("Subcommand '%s' has no short description", sub.Name())
		}
		if sub.RunE == nil {
			t.Errorf("Subcommand '%s' has no RunE", sub.Name())
		}
	}
	for _, expected := range expectedSubs {
		if !foundSubs[expected] {
			t.Errorf("Subcommand '%s' not found", expected)
		}
	}

	if newConfigInitCmd().Flags().Lookup("force") == nil {
		t.Error("--force flag not found on init")
	}
}

func TestConfigInit(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "config.ini")
	work := filepath.Join(tempDir, "flood")

	answers := strings.Join([]string{
		"flood",  // mission name
		work,     // working directory
		"3",      // node count
		"",       // node type
		"spot",   // node mode
		"",       // image
		"y",      // auto-scale
		"memory", // backend
		"",       // proxy
	}, "\n") + "\n"

	out, err := runCLI(t, answers, "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration saved to") {
		t.Errorf("output = %q", out)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mission.Name != "flood" || cfg.Mission.WorkingDir != work {
		t.Errorf("mission = %+v", cfg.Mission)
	}
	if cfg.Mission.NodeCount != 3 || !cfg.Mission.AutoScale || cfg.Mission.NodeMode != models.NodeModeLowPriority {
		t.Errorf("pool settings = %+v", cfg.Mission)
	}
	if cfg.Service.Backend != config.BackendMemory || cfg.Service.MemoryStatePath != filepath.Join(work, "remote-state.json") {
		t.Errorf("service = %+v", cfg.Service)
	}

	// Without --force an existing file is kept.
	out, err = runCLI(t, "", "--config", path, "config", "init")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigInitRepromptsInvalidAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	answers := strings.Join([]string{
		"", "", "flood", // mission name
		t.TempDir(),
		"-1", "2", // node count
		"",
		"preemptible", "dedicated", // node mode
		"",
		"",
		"memory",
		"",
	}, "\n") + "\n"

	out, err := runCLI(t, answers, "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v\n%s", err, out)
	}
	if strings.Count(out, "Error:") != 3 {
		t.Errorf("expected three validation errors in output:\n%s", out)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mission.NodeCount != 2 {
		t.Errorf("NodeCount = %d, want 2", cfg.Mission.NodeCount)
	}
}

func TestConfigShow(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "config.ini")

	cfg := config.NewConfig()
	cfg.Mission.Name = "flood"
	cfg.Mission.WorkingDir = tempDir
	cfg.Proxy.Mode = "basic"
	cfg.Proxy.Host = "proxy.example.com"
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	t.Setenv(config.EnvBackend, "memory")
	t.Setenv(config.EnvProxyPass, "hunter2")
	out, err := runCLI(t, "", "--config", path, "--mission", "storm", "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Name:        storm", "Backend:     memory", "Proxy Host: proxy.example.com", "Proxy Password: <set>"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hunter2") {
		t.Error("proxy password printed")
	}
}

func TestConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")

	out, err := runCLI(t, "", "--config", path, "config", "path")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, path) || !strings.Contains(out, "does not exist") {
		t.Errorf("output = %q", out)
	}

	if err := os.WriteFile(path, []byte("[mission]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	out, err = runCLI(t, "", "--config", path, "config", "path")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "File exists") {
		t.Errorf("output = %q", out)
	}
}

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/mission-int/internal/config"
	"github.com/rescale/mission-int/internal/credentials"
	"github.com/rescale/mission-int/internal/mission"
	"github.com/rescale/mission-int/internal/results"
)

// runCLI executes the root command with args, feeding stdin, and returns
// everything the command printed.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	AddCommands(root)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	AddCommands(root)

	for _, name := range []string{"credential", "config", "ensure", "resize", "resources", "teardown",
		"submit", "status", "watch", "wait", "download", "run", "completion"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
			continue
		}
		if cmd.Short == "" {
			t.Errorf("command %q has no short description", name)
		}
	}
	for _, flag := range []string{"config", "credential-file", "backend", "mission", "working-dir", "verbose", "debug"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("--%s flag not found", flag)
		}
	}
}

func TestCommandArgumentValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"submit without cases", []string{"submit"}, "--scan"},
		{"download without cases", []string{"download"}, "--all"},
		{"teardown without selection", []string{"teardown"}, "nothing to delete"},
		{"resize negative", []string{"resize", "--", "-1"}, "invalid node count"},
		{"resize text", []string{"resize", "many"}, "invalid node count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", path}, tt.args...)
			_, err := runCLI(t, "", args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func setCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv(credentials.EnvServiceURL, "https://flood.westeurope.batch.azure.com")
	t.Setenv(credentials.EnvServiceAccount, "flood")
	t.Setenv(credentials.EnvServiceKey, "c2VjcmV0")
	t.Setenv(credentials.EnvStorageAccount, "floodstore")
	t.Setenv(credentials.EnvStorageKey, "c3RvcmFnZQ==")
}

func TestCredentialEncryptAndShow(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.ini")
	credFile := filepath.Join(dir, "credential.bin")
	setCredentialEnv(t)
	t.Setenv(credentials.EnvPasscode, "correct horse")

	out, err := runCLI(t, "", "--config", configFile, "--credential-file", credFile, "credential", "encrypt")
	require.NoError(t, err, out)
	assert.Contains(t, out, credFile)

	raw, err := os.ReadFile(credFile)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "floodstore")

	_, err = runCLI(t, "", "--config", configFile, "--credential-file", credFile, "credential", "encrypt")
	require.Error(t, err, "existing file must not be overwritten without --force")

	out, err = runCLI(t, "", "--config", configFile, "--credential-file", credFile, "credential", "show")
	require.NoError(t, err, out)
	assert.Contains(t, out, "floodstore")
	assert.Contains(t, out, "<set (8 chars)>")
	assert.NotContains(t, out, "c2VjcmV0")

	t.Setenv(credentials.EnvPasscode, "wrong")
	_, err = runCLI(t, "", "--config", configFile, "--credential-file", credFile, "credential", "show")
	assert.Error(t, err)
}

func TestCredentialEncryptPrompts(t *testing.T) {
	dir := t.TempDir()
	credFile := filepath.Join(dir, "credential.bin")
	t.Setenv(credentials.EnvPasscode, "pass")

	answers := "https://flood.westeurope.batch.azure.com\nflood\nc2VjcmV0\n\nfloodstore\nc3RvcmFnZQ==\n"
	out, err := runCLI(t, answers, "--config", filepath.Join(dir, "config.ini"), "--credential-file", credFile,
		"credential", "encrypt")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Storage account name is required")

	cred, err := credentials.ReadFile(credFile, "pass")
	require.NoError(t, err)
	assert.Equal(t, "floodstore", cred.StorageAccountName)
	assert.Equal(t, "c3RvcmFnZQ==", cred.StorageAccountKey)
}

func TestCredentialImport(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "credential.txt")
	credFile := filepath.Join(dir, "credential.bin")
	require.NoError(t, os.WriteFile(plain, []byte("flood\nc2VjcmV0\nhttps://flood.batch.azure.com\nfloodstore\nc3RvcmFnZQ==\n"), 0600))
	t.Setenv(credentials.EnvPasscode, "pass")

	out, err := runCLI(t, "", "--config", filepath.Join(dir, "config.ini"), "--credential-file", credFile,
		"credential", "import", plain)
	require.NoError(t, err, out)

	cred, err := credentials.ReadFile(credFile, "pass")
	require.NoError(t, err)
	assert.Equal(t, "https://flood.batch.azure.com", cred.ServiceEndpointURL)
}

func TestLoadCredentialPrefersEnvironment(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Mission.WorkingDir = t.TempDir()
	cfg.Mission.CredentialFile = filepath.Join(t.TempDir(), "missing.bin")

	_, err := loadCredential(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential encrypt")

	setCredentialEnv(t)
	cred, err := loadCredential(cfg)
	require.NoError(t, err)
	assert.Equal(t, "flood", cred.ServiceAccountName)

	cfg.Service.Backend = config.BackendMemory
	cred, err = loadCredential(cfg)
	require.NoError(t, err)
	assert.False(t, cred.Complete(), "memory backend needs no credential")
}

// writeMission saves a memory-backed mission config and two case folders.
func writeMission(t *testing.T) (configFile, casesDir, workDir string) {
	t.Helper()
	dir := t.TempDir()
	workDir = filepath.Join(dir, "work")
	casesDir = filepath.Join(dir, "cases")
	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, os.MkdirAll(filepath.Join(casesDir, id), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(casesDir, id, "setrun.py"), []byte("# "+id), 0644))
	}

	cfg := config.NewConfig()
	cfg.Mission.Name = "flood"
	cfg.Mission.WorkingDir = workDir
	cfg.Service.Backend = config.BackendMemory
	cfg.Service.MemoryStatePath = filepath.Join(dir, "remote.json")
	cfg.Transfer.MaxRetries = 2
	cfg.Transfer.RetryInitialDelay = time.Millisecond
	cfg.Transfer.RetryMaxDelay = time.Millisecond
	configFile = filepath.Join(dir, "config.ini")
	require.NoError(t, config.Save(cfg, configFile))
	return configFile, casesDir, workDir
}

func TestMissionCommands(t *testing.T) {
	configFile, casesDir, workDir := writeMission(t)
	run := func(args ...string) string {
		t.Helper()
		out, err := runCLI(t, "", append([]string{"--config", configFile}, args...)...)
		require.NoError(t, err, "%v\n%s", args, out)
		return out
	}

	out := run("ensure")
	assert.Contains(t, out, "Created pool")
	assert.Contains(t, out, "Created container")

	out = run("ensure")
	assert.Contains(t, out, "already exists")

	out = run("resources")
	assert.Contains(t, out, "ready")

	out = run("submit", "--scan", casesDir)
	assert.Contains(t, out, "Submitted: 2, already queued: 0, skipped: 0, failed: 0")

	out = run("submit", filepath.Join(casesDir, "c1"))
	assert.Contains(t, out, "Submitted: 0, already queued: 1")

	out = run("status")
	assert.Contains(t, out, "Pool status:")
	assert.Contains(t, out, "Job status:")

	out = run("wait", "--interval", "1ms", "--quiet")
	assert.Contains(t, out, "2 succeeded; 0 failed;")

	out = run("status", "--tasks")
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "succeeded")

	out = run("download", "--all")
	assert.Contains(t, out, "failed: 0")

	out = run("resize", "3")
	assert.Contains(t, out, "resizing to 3 nodes")

	assert.FileExists(t, config.MissionLogPath(workDir))
	assert.FileExists(t, mission.BackupPath(workDir, "flood"))

	out = run("teardown", "--all", "--yes")
	assert.Contains(t, out, "pool")
	assert.NoFileExists(t, mission.BackupPath(workDir, "flood"))
}

func TestTeardownAsksBeforeDeletingContainer(t *testing.T) {
	configFile, _, workDir := writeMission(t)
	_, err := runCLI(t, "", "--config", configFile, "ensure")
	require.NoError(t, err)

	out, err := runCLI(t, "n\n", "--config", configFile, "teardown", "--container")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")
	assert.FileExists(t, mission.BackupPath(workDir, "flood"))
}

func TestRunShortcut(t *testing.T) {
	configFile, casesDir, _ := writeMission(t)

	out, err := runCLI(t, "", "--config", configFile, "run", casesDir, "--interval", "1ms", "--teardown")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Submitted: 2")
	assert.Contains(t, out, "Downloaded:")
}

func TestPrintDownloadSummaryCountsUnfinishedCases(t *testing.T) {
	var out bytes.Buffer
	printDownloadSummary(&out, []results.Outcome{
		{CaseID: "c1", Result: &results.Result{Status: results.StatusDownloaded}},
		{CaseID: "c2", Result: &results.Result{Status: results.StatusNotFinished}},
		{CaseID: "c3", Result: &results.Result{Status: results.StatusNotFinished}},
		{CaseID: "c4", Result: &results.Result{Status: results.StatusIncomplete, Failed: []string{"c4/c4.nc"}}},
	})
	assert.Contains(t, out.String(), "! c4: 1 files failed")
	assert.Contains(t, out.String(), "Downloaded: 1, already downloaded: 0, not finished: 2, skipped: 0, incomplete: 1, failed: 0")
}

package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrelworks/starhost/internal/config"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

// writeTestConfig lays down a loadable config with empty plugin roots and
// returns the config path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	coreDir := filepath.Join(dir, "plugins", "core")
	extDir := filepath.Join(dir, "plugins", "extensions")
	for _, d := range []string{coreDir, extDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	configYAML := `
service:
  log_level: error
  log_format: text

state:
  path: ` + filepath.Join(dir, "data", "starhost.db") + `

core_plugins_dir: ` + coreDir + `
extension_plugins_dir: ` + extDir + `
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunCLI_NoArgsShowsUsage(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI(nil)
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("usage not printed: %s", stdout)
	}
}

func TestRunCLI_UnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"bogus"})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Unknown command: bogus") {
		t.Fatalf("unexpected stderr: %s", stderr)
	}
}

func TestRunCLI_HelpExitsZero(t *testing.T) {
	for _, args := range [][]string{{"help"}, {"--help"}, {"system", "help"}, {"config", "help"}, {"plugin", "help"}} {
		code, _, _ := captureOutputWithExitCode(t, func() int {
			return runCLI(args)
		})
		if code != 0 {
			t.Fatalf("%v: expected exit 0, got %d", args, code)
		}
	}
}

func TestRunVersion_JSON(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "--json"})
	})
	if code != 0 {
		t.Fatalf("version exited %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout)
	}
	if info.Version == "" {
		t.Fatalf("empty version in output: %s", stdout)
	}
}

func TestRunConfigCheck_ValidConfigPasses(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("check exited %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "PASSED") {
		t.Fatalf("expected PASSED in output: %s", stdout)
	}
}

func TestRunConfigCheck_MissingConfig(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"check", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Config load error") {
		t.Fatalf("unexpected stderr: %s", stderr)
	}
}

func TestRunConfigLock_WritesSidecar(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("lock exited %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Configuration locked") {
		t.Fatalf("unexpected output: %s", stdout)
	}

	sidecar := filepath.Join(filepath.Dir(configPath), ".checksums")
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatalf("sidecar not written: %v", err)
	}

	// A locked config still loads and checks clean.
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("check after lock exited %d, stderr: %s", code, stderr)
	}
}

func TestRunPluginList_EmptyRoots(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"plugin", "list", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("list exited %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "No plugins discovered.") {
		t.Fatalf("unexpected output: %s", stdout)
	}
}

func TestRunSystemStatus_NotRunning(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"system", "status", "--config", configPath})
	})
	if code != 1 {
		t.Fatalf("expected exit 1 when not running, got %d", code)
	}
	if !strings.Contains(stdout, "not running") {
		t.Fatalf("unexpected output: %s", stdout)
	}
}

func TestPIDLockPath(t *testing.T) {
	cfg := config.Defaults()
	cfg.Service.PIDFile = "/var/run/starhost.pid"
	if got := pidLockPath(cfg); got != "/var/run/starhost.pid" {
		t.Fatalf("explicit pid_file ignored: %s", got)
	}

	cfg.Service.PIDFile = ""
	cfg.State.Path = "/data/host.db"
	if got := pidLockPath(cfg); got != "/data/host.pid" {
		t.Fatalf("derived pid path wrong: %s", got)
	}
}

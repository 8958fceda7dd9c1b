package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kestrelworks/starhost/internal/api"
	"github.com/kestrelworks/starhost/internal/audit"
	"github.com/kestrelworks/starhost/internal/auth"
	"github.com/kestrelworks/starhost/internal/config"
	"github.com/kestrelworks/starhost/internal/dispatch"
	"github.com/kestrelworks/starhost/internal/doctor"
	"github.com/kestrelworks/starhost/internal/events"
	"github.com/kestrelworks/starhost/internal/lock"
	"github.com/kestrelworks/starhost/internal/log"
	"github.com/kestrelworks/starhost/internal/plugin"
	"github.com/kestrelworks/starhost/internal/state"
	"github.com/kestrelworks/starhost/internal/storage"
	"github.com/kestrelworks/starhost/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultConfigPath = "./config.yaml"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "plugin":
		return runPluginNoun(args)

	// Root aliases.
	case "start":
		return runStart(args)
	case "check":
		return runConfigCheck(args)
	case "watch":
		return runWatch(args)

	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runSystemNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printSystemHelp()
		return boolToCode(len(args) >= 1)
	}

	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "status":
		return runSystemStatus(args[1:])
	case "watch":
		return runWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printConfigHelp()
		return boolToCode(len(args) >= 1)
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runPluginNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printPluginHelp()
		return boolToCode(len(args) >= 1)
	}

	switch args[0] {
	case "list":
		return runPluginList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", args[0])
		return 1
	}
}

// boolToCode maps "help was requested explicitly" to exit 0.
func boolToCode(explicit bool) int {
	if explicit {
		return 0
	}
	return 1
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("starhost starting", "version", version, "config", *configPath)

	pidLock, err := lock.Acquire(pidLockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hub := events.NewHub(256)
	registry := plugin.NewRegistry()
	loader := plugin.NewLoader(registry, plugin.LoaderOptions{
		Disabled: cfg.DisabledPlugins(),
		Logger:   log.WithComponent("loader"),
	})

	roots := []struct {
		dir    string
		origin string
	}{
		{cfg.CorePluginsDir, plugin.OriginCore},
		{cfg.ExtensionPluginsDir, plugin.OriginExtension},
	}
	for _, root := range roots {
		if root.dir == "" {
			continue
		}
		if _, err := os.Stat(root.dir); os.IsNotExist(err) {
			logger.Warn("plugin root missing, skipping pass", "root", root.dir, "origin", root.origin)
			continue
		}
		report, err := loader.LoadDir(root.dir, root.origin)
		if err != nil {
			logger.Error("load pass failed", "root", root.dir, "origin", root.origin, "error", err)
			return 1
		}
		for _, p := range report.Loaded {
			hub.Publish(events.TypePluginLoaded, events.PluginPayload{Name: p, Origin: root.origin})
		}
		for _, skip := range report.Skipped {
			hub.Publish(events.TypePluginSkipped, events.PluginPayload{
				Name: skip.Name, Origin: root.origin, Reason: skip.Reason.Error(),
			})
		}
		logger.Info("load pass complete", "origin", root.origin,
			"loaded", len(report.Loaded), "skipped", len(report.Skipped))
	}

	auditLog := audit.New(db)
	dispatcher := dispatch.New(registry, dispatch.NewProcRunner(), state.NewStore(db), auditLog, hub, cfg)

	if err := dispatcher.ActivateAll(ctx); err != nil {
		logger.Error("activation failed", "error", err)
		// Back out the plugins that did come up.
		if derr := dispatcher.DeactivateAll(ctx); derr != nil {
			logger.Error("rollback deactivation failed", "error", derr)
		}
		return 1
	}
	logger.Info("all plugins activated", "count", registry.Len())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, dispatcher, registry, auditLog, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(runCtx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("starhost running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := dispatcher.DeactivateAll(shutdownCtx); err != nil {
		logger.Error("deactivation failed", "error", err)
		exitCode = 1
	}

	logger.Info("starhost stopped")
	return exitCode
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	pid, err := lock.ReadPID(pidLockPath(cfg))
	if err != nil {
		fmt.Println("starhost is not running (no PID file)")
		return 1
	}
	fmt.Printf("starhost is running (pid %d)\n", pid)
	if cfg.API.Enabled {
		fmt.Printf("API: http://%s\n", cfg.API.Listen)
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, log.WithComponent("doctor")).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if err := config.WriteChecksums(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Configuration locked: wrote %s\n",
		filepath.Join(filepath.Dir(*configPath), config.ChecksumsFilename))
	return 0
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, log.WithComponent("doctor")).Validate()

	if *jsonOut {
		data, err := json.MarshalIndent(result.Plugins, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(result.Plugins) == 0 {
		fmt.Println("No plugins discovered.")
		return 0
	}
	for _, name := range result.Plugins {
		fmt.Println(name)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Host API URL")
	apiKey := fs.String("api-key", os.Getenv("STARHOST_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or STARHOST_API_KEY env var.")
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("starhost %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" && commit != "unknown" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// pidLockPath prefers the configured pid_file and falls back to a lock file
// next to the state database.
func pidLockPath(cfg *config.Config) string {
	if cfg.Service.PIDFile != "" {
		return cfg.Service.PIDFile
	}
	dbPath := cfg.State.Path
	base := filepath.Base(dbPath)
	ext := filepath.Ext(base)
	return filepath.Join(filepath.Dir(dbPath), base[:len(base)-len(ext)]+".pid")
}

func printUsage() {
	fmt.Print(`starhost - subprocess plugin host with veto-model dispatch

Usage:
  starhost <noun> <action> [flags]

System Commands:
  system start      Start the host in foreground
  system status     Show whether an instance is running
  system watch      Real-time monitoring TUI

Config Commands:
  config check      Validate configuration and plugin setup
  config lock       Authorize current config (write integrity hashes)

Plugin Commands:
  plugin list       Show discoverable plugins

General:
  version           Show version information
  help              Show this help message

Root aliases: start, check, watch.
Use 'starhost <noun> help' for resource-specific actions.
`)
}

func printSystemHelp() {
	fmt.Println("Usage: starhost system <start|status|watch> [flags]")
	fmt.Println()
	fmt.Println("  start   Start the host in foreground (--config PATH)")
	fmt.Println("  status  Show whether an instance is running (--config PATH)")
	fmt.Println("  watch   Real-time monitoring TUI (--api-url URL, --api-key KEY)")
}

func printConfigHelp() {
	fmt.Println("Usage: starhost config <check|lock> [flags]")
	fmt.Println()
	fmt.Println("  check   Validate configuration and plugin setup (--config PATH, --strict, --json)")
	fmt.Println("  lock    Write integrity hashes for the current config (--config PATH)")
}

func printPluginHelp() {
	fmt.Println("Usage: starhost plugin list [--config PATH] [--json]")
	fmt.Println("Show plugins discoverable under the configured plugin roots.")
}

// Command gpecd runs the GPEC daemon: the tenant-authenticated HTTP
// boundary (internal/api) in front of the PackCompiler (internal/compiler)
// and the Supervisor (internal/supervisor), backed by a sqlite
// RunStateStore (internal/runstate) and a filesystem DocStore
// (internal/docstore).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite" // register sqlite3 driver

	"github.com/antigravity-dev/gpec/internal/api"
	"github.com/antigravity-dev/gpec/internal/config"
	"github.com/antigravity-dev/gpec/internal/docstore"
	"github.com/antigravity-dev/gpec/internal/modelproxy"
	"github.com/antigravity-dev/gpec/internal/runstate"
	"github.com/antigravity-dev/gpec/internal/supervisor"

	_ "github.com/antigravity-dev/gpec/internal/workers" // registers every plan.WorkerType with internal/registry
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// validateRuntimeConfigReload rejects a SIGHUP reload that would change a
// setting the running process has already committed to (an open sqlite
// handle, a listening socket) — those require a restart.
func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	if strings.TrimSpace(oldCfg.General.StateDB) != strings.TrimSpace(newCfg.General.StateDB) {
		return fmt.Errorf("general.state_db changed and requires restart")
	}
	if strings.TrimSpace(oldCfg.General.Workspace) != strings.TrimSpace(newCfg.General.Workspace) {
		return fmt.Errorf("general.workspace changed and requires restart")
	}
	if strings.TrimSpace(oldCfg.API.Bind) != strings.TrimSpace(newCfg.API.Bind) {
		return fmt.Errorf("api.bind changed and requires restart")
	}
	return nil
}

func buildModelProxy(cfg *config.Config, logger *slog.Logger) modelproxy.Proxy {
	switch strings.ToLower(strings.TrimSpace(cfg.ModelProxy.Backend)) {
	case "fixture":
		logger.Warn("model_proxy.backend=fixture: workers receive canned completions, not a real model")
		return modelproxy.Fixture{Content: cfg.ModelProxy.FixtureContent}
	case "", "unconfigured":
		logger.Warn("model_proxy.backend=unconfigured: any worker that calls ModelProxy will fail with 503")
		return modelproxy.Unconfigured{}
	default:
		logger.Warn("unrecognized model_proxy.backend, falling back to unconfigured", "backend", cfg.ModelProxy.Backend)
		return modelproxy.Unconfigured{}
	}
}

func main() {
	configPath := flag.String("config", "gpec.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("gpec starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	if cfg == nil {
		bootLogger.Error("failed to load config snapshot", "config", *configPath)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		logger.Error("failed to create workspace", "path", cfg.General.Workspace, "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open state db", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := runstate.New(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to initialize run state schema", "error", err)
		os.Exit(1)
	}

	docs := docstore.New(cfg.General.Workspace)
	proxy := buildModelProxy(cfg, logger)
	sup := supervisor.New(store, docs, proxy, logger.With("component", "supervisor"))

	apiSrv, err := api.NewServer(cfg, store, docs, sup, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	var cfgMu sync.RWMutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		if err := cfgManager.Reload(*configPath); err != nil {
			return err
		}
		updatedCfg := cfgManager.Get()
		if err := validateRuntimeConfigReload(cfg, updatedCfg); err != nil {
			return err
		}
		cfg = updatedCfg
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("gpec running", "bind", cfg.API.Bind, "workspace", cfg.General.Workspace, "model_proxy_backend", cfg.ModelProxy.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("gpec stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}

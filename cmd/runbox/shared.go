package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/source"
	"github.com/jkaninda/runbox/internal/storage"
	pgstore "github.com/jkaninda/runbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/runbox/internal/storage/sqlite"
	"github.com/jkaninda/runbox/internal/tools"
	"github.com/jkaninda/runbox/internal/tools/script"
	"github.com/jkaninda/runbox/internal/workspace"
)

// Exit codes shared by the run and submit commands. A completed script
// exits with its own code instead.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2 // The script was rejected before execution.
	ExitUnavailable = 3 // The runtime or remote gateway is unavailable.
)

// SharedComponents holds the subsystems every command builds the same way.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // nil when storage.driver is "none" or recording is off.
	Obs       *observability.Observability
	Policy    *policy.Policy
	Engine    *sandbox.Engine
	Executor  sandbox.Executor // Engine wrapped with instrumentation and recording.
	Health    *observability.HealthChecker
	ToolReg   *tools.Registry

	cleanups []func()
}

// sharedOptions selects the optional parts of initShared.
type sharedOptions struct {
	record bool // Open the store and record every execution.
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Records returns the execution store, or nil when recording is off.
func (sc *SharedComponents) Records() storage.ExecutionStore {
	if sc.Store == nil {
		return nil
	}
	return sc.Store.Executions()
}

// loadConfig resolves the config path from --config, RUNBOX_CONFIG or the
// default location. A missing default file means built-in defaults.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("RUNBOX_CONFIG", configPath)
	if path == "" {
		return config.LoadOrDefault(config.DefaultConfigPath())
	}
	return config.Load(path)
}

// initShared performs the initialization shared by every command.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	sc.Health = obs.HealthOrNew(logger)
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (SQLite default, PostgreSQL optional, or none).
	if opts.record && cfg.StorageDriverName() != storage.DriverNone {
		// Ensure data directory exists.
		dataDir := cfg.ResolvedDataDir()
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
		}

		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Policy.
	pol, err := policy.FromConfig(cfg.Policy)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("building policy: %w", err)
	}
	sc.Policy = pol

	// Sandbox engine.
	if err := initEngine(sc); err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Readiness checks.
	health := cfg.Observability.HealthOrDefault()
	if health.IncludeSandbox {
		sc.Health.AddCheck("runtime", sc.Engine.Ready)
	}
	if health.IncludeDB && sc.Store != nil {
		sc.Health.AddCheck("database", sc.Store.Ping)
	}

	// Tools.
	sc.ToolReg = tools.NewRegistry(script.NewTool(sc.Executor, logger))

	return sc, nil
}

// initEngine builds the runtime, loader and engine, and wraps the engine
// with instrumentation and recording.
func initEngine(sc *SharedComponents) error {
	cfg, logger := sc.Config, sc.Logger

	runtime, err := newRuntime(cfg, sc.Workspace, logger)
	if err != nil {
		return fmt.Errorf("initializing sandbox runtime: %w", err)
	}

	roots := cfg.Source.AllowedPaths
	if len(roots) == 0 {
		roots = []string{sc.Workspace.ScriptsDir()}
	}
	loader := source.NewLoader(source.NewLocalStore(roots), cfg.Source.SourceBytes(), logger)

	metrics, tracer := sc.Obs.MetricsOrNil(), sc.Obs.TracerOrNil()

	var checker policy.Checker = sc.Policy
	if metrics != nil || tracer != nil {
		checker = observability.NewInstrumentedChecker(sc.Policy, metrics, tracer)
	}

	engine, err := sandbox.NewEngine(sandbox.EngineConfig{
		Runtime: runtime,
		Loader:  loader,
		Policy:  sc.Policy,
		Checker: checker,
		Limits: sandbox.Limits{
			Timeout:        cfg.Sandbox.Timeout(),
			MemoryBytes:    cfg.Sandbox.MemoryBytes(),
			MaxOutputBytes: cfg.Sandbox.OutputBytes(),
			PollInterval:   cfg.Sandbox.MemoryPollInterval(),
		},
		MaxConcurrent: int64(cfg.Sandbox.Concurrency()),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("initializing sandbox engine: %w", err)
	}
	sc.Engine = engine
	logger.Debug("sandbox engine initialized",
		slog.String("runtime", runtime.Name()),
		slog.Any("allowed_roots", roots),
		slog.Int("max_concurrent", cfg.Sandbox.Concurrency()),
	)

	var exec sandbox.Executor = engine
	if anomaly := sc.Obs.AnomalyOrNil(); metrics != nil || tracer != nil || anomaly != nil {
		exec = observability.NewInstrumentedExecutor(exec, runtime.Name(), metrics, tracer, anomaly)
	}
	if sc.Store != nil {
		var onWrite func(error)
		if metrics != nil {
			onWrite = func(err error) {
				result := "ok"
				if err != nil {
					result = "error"
				}
				metrics.RecordWritesTotal.WithLabelValues(result).Inc()
			}
		}
		exec = storage.NewRecordingExecutor(exec, sc.Store.Executions(), logger, onWrite)
	}
	sc.Executor = exec
	return nil
}

func newRuntime(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (sandbox.Runtime, error) {
	switch cfg.Sandbox.RuntimeType() {
	case "docker":
		d := cfg.Sandbox.Docker
		return sandbox.NewDockerRuntime(sandbox.DockerConfig{
			Image:          d.Image,
			CPUCores:       d.CPUCores,
			PIDsLimit:      d.PIDsLimit,
			NetworkAllowed: d.NetworkAllowed,
			PullImage:      d.PullImage,
		}, logger)
	case "process":
		if err := ws.CleanSandbox(); err != nil {
			logger.Warn("cleaning sandbox directory", slog.String("error", err.Error()))
		}
		return sandbox.NewProcessRuntime(sandbox.ProcessConfig{
			Interpreter: cfg.Sandbox.InterpreterName(),
			TempRoot:    ws.SandboxDir(),
			Isolation:   cfg.Sandbox.IsolationMode(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q", cfg.Sandbox.Type)
	}
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or RUNBOX_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

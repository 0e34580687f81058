package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/external"
	"caseline/internal/extract"
	"caseline/internal/generate"
	"caseline/internal/lock"
	"caseline/internal/logger"
	"caseline/internal/migrate"
	"caseline/internal/observability"
)

// Version is reported in traces and the CLI.
var Version = "0.3.0"

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/caseline.yml.
	ConfigPath string
	// LogMode overrides logging.mode when set.
	LogMode string
}

// App owns every long-lived resource behind an engine.
type App struct {
	Workspace string
	Config    *config.Config
	Log       *logger.Logger
	DB        *sql.DB
	Engine    engine.Engine

	closers []func(context.Context) error
}

// LoadEnv reads .env and .env.local from dir. Variables already set win.
func LoadEnv(dir string) {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

// ResolveConfig loads the workspace config (or the explicit path) and overlays
// environment secrets.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(configPath) != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Open bootstraps config, logging, tracing, storage and the engine's
// collaborators for a workspace. Callers must Close the returned App.
func Open(ctx context.Context, opts Options) (a *App, err error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	LoadEnv(workspace)
	cfg, err := ResolveConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	mode := cfg.Logging.Mode
	if opts.LogMode != "" {
		mode = opts.LogMode
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, err
	}
	a = &App{Workspace: workspace, Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	shutdown := observability.InitTracing(ctx, log, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     Version,
	})
	a.closers = append(a.closers, shutdown)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		return nil, err
	}

	e := engine.New(conn, cfg)
	e.Log = log
	ext := external.New(cfg.External.APIBaseURL, cfg.External.ResourcesURL, cfg.External.Timeout, cfg.External.MaxRetries, log)
	e.Resources = ext
	e.Deployer = ext
	if cfg.Generation.Endpoint != "" {
		e.Generator = generate.NewClient(cfg.Generation.Endpoint, os.Getenv("CASELINE_GENERATION_API_KEY"), cfg.Generation.Timeout)
	}

	if cfg.Extraction.Provider == "documentai" {
		dai, err := extract.NewDocumentAI(ctx, cfg.Extraction.ProjectID, cfg.Extraction.Location, cfg.Extraction.ProcessorID)
		if err != nil {
			return nil, fmt.Errorf("document ai: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return dai.Close() })
		e.Extractor = extract.Chain{Documents: dai}
	} else {
		e.Extractor = extract.Chain{}
	}

	if cfg.Sync.LockBackend == "redis" {
		rdb, err := lock.NewRedisClient(ctx, cfg.Sync.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		e.Locks = newRedisLocker(rdb, cfg, log)
	}

	a.Engine = e
	log.Debug("workspace opened", "workspace", workspace, "lock_backend", cfg.Sync.LockBackend, "extraction", cfg.Extraction.Provider)
	return a, nil
}

func newRedisLocker(rdb *goredis.Client, cfg *config.Config, log *logger.Logger) *lock.Redis {
	return &lock.Redis{
		Client: rdb,
		Prefix: "caseline:lock:",
		TTL:    cfg.Sync.LockTTL,
		Log:    log,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Log != nil {
		a.Log.Sync()
	}
	return errors.Join(errs...)
}

package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"allylab/internal/config"
	"allylab/internal/db"
	"allylab/internal/engine"
	"allylab/internal/migrate"
	"allylab/internal/scanner"
)

// Runtime is what a command needs to run scans: the resolved config, the engine and the
// database behind it. DB is nil when history is disabled.
type Runtime struct {
	Config *config.Config
	Engine engine.Engine
	Logger *slog.Logger
	DB     *sql.DB
}

// Close releases the database.
func (r *Runtime) Close() error {
	if r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// LoadConfig reads file when set, otherwise the workspace's allylab.yml, falling back to
// the defaults when the workspace has none.
func LoadConfig(workspace, file string) (*config.Config, error) {
	if strings.TrimSpace(file) != "" {
		cfg, err := config.FromFile(file)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", file, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// OpenStore opens and migrates the workspace database. An empty workspace disables history
// and returns a nil db.
func OpenStore(ctx context.Context, workspace string) (*sql.DB, error) {
	if strings.TrimSpace(workspace) == "" {
		return nil, nil
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	return conn, nil
}

// NewScanner builds the scan orchestrator from cfg.
func NewScanner(cfg *config.Config, logger *slog.Logger) *scanner.Orchestrator {
	fetcher := scanner.NewHTTPFetcher(cfg.Scan.Timeout(), cfg.Scan.UserAgent)
	sc := scanner.New(fetcher, logger.With("component", "scanner"))
	sc.Limits = cfg.Crawl.Limits()
	if cfg.Crawl.RequestsPerSecond > 0 {
		sc.Limiter = rate.NewLimiter(rate.Limit(cfg.Crawl.RequestsPerSecond), 1)
	}
	return sc
}

// Open builds the runtime for cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = config.BuildLogger(cfg.Log.Level)
	}
	conn, err := OpenStore(ctx, cfg.Storage.Workspace)
	if err != nil {
		return nil, err
	}
	e := engine.New(conn, NewScanner(cfg, logger), logger.With("component", "engine"))
	e.Defaults = scanner.Defaults{
		Standard:        cfg.Scan.Standard,
		Viewport:        cfg.Scan.Viewport,
		IncludeWarnings: cfg.Scan.IncludeWarnings,
	}
	return &Runtime{Config: cfg, Engine: e, Logger: logger, DB: conn}, nil
}

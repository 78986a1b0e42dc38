package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sbenjam1n/kgap/internal/config"
	"github.com/sbenjam1n/kgap/internal/db"
	"github.com/sbenjam1n/kgap/internal/engine"
	"github.com/sbenjam1n/kgap/internal/logging"
	"github.com/sbenjam1n/kgap/internal/queue"
	"github.com/sbenjam1n/kgap/internal/repository"
	"github.com/sbenjam1n/kgap/internal/siblings"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const continuityTTL = 24 * time.Hour

var (
	cfg       *config.Config
	logger    *zap.Logger
	workspace string
	backendID string
	useQueue  bool

	rootCmd = &cobra.Command{
		Use:   "kgap",
		Short: "kgap: knowledge gap analysis, planning and acquisition",
		Long: `kgap inspects a knowledge corpus, finds where it is thin, stale,
unlinked or unused, and plans and runs the work that closes those gaps.

Typical session:
  kgap analyze -w <workspace>
  kgap gaps    -w <workspace>
  kgap run     -w <workspace>

Output is JSON on stdout. Logs go to stderr.`,
		SilenceUsage: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "default", "Workspace id")
	rootCmd.PersistentFlags().StringVar(&backendID, "backend", "", "Corpus backend: memory, fs, postgres or sqlite (default $KGAP_BACKEND)")
	rootCmd.PersistentFlags().BoolVar(&useQueue, "queue", false, "Publish activities and events to Redis streams")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(gapsCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(queueCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if backendID != "" {
		cfg.Backend = backendID
	}
	logger, err = logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
}

// backend is an opened corpus store with its plan store.
type backend struct {
	store   repository.Store
	plans   repository.PlanStore
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context) (*backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		mem := repository.NewMemory()
		return &backend{store: mem, plans: mem}, nil

	case config.BackendFS:
		fs := repository.NewFS(cfg.CorpusRoot, logger)
		return &backend{store: fs, plans: fs}, nil

	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w\nSet KGAP_DATABASE_URL environment variable", err)
		}
		pg := repository.NewPostgres(pool)
		return &backend{store: pg, plans: pg, closers: []func(){pool.Close}}, nil

	case config.BackendSQLite:
		lite, err := repository.OpenSQLite(sqlitePath())
		if err != nil {
			return nil, fmt.Errorf("%w\nSet KGAP_SQLITE_PATH environment variable", err)
		}
		return &backend{store: lite, plans: lite, closers: []func(){func() { _ = lite.Close() }}}, nil
	}
	return nil, fmt.Errorf("unknown backend %q (want memory, fs, postgres or sqlite)", cfg.Backend)
}

func connectRedis() (*redis.Client, error) {
	client, err := queue.ConnectRedis(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w\nSet KGAP_REDIS_URL environment variable", err)
	}
	return client, nil
}

// newEngine wires an engine over b. With --queue the executor publishes its
// events and activities to Redis and continuity tokens are kept there.
func newEngine(ctx context.Context, b *backend) (*engine.Engine, error) {
	deps := engine.Deps{Reader: b.store, Writer: b.store, Plans: b.plans}
	if !useQueue {
		return engine.New(deps, engine.OptionsFromConfig(cfg.Engine), logger), nil
	}

	client, err := connectRedis()
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func() { _ = client.Close() })
	q := queue.New(client, continuityTTL)
	if err := q.EnsureStreams(ctx); err != nil {
		return nil, fmt.Errorf("redis stream setup failed: %w", err)
	}

	sib := siblings.NewLocalClient(q, logger)
	runner := engine.NewRunner(b.store, b.store, sib, logger)
	deps.Siblings = sib
	deps.Sink = q
	deps.Runner = q.Announce(runner, func(err error) {
		logger.Warn("could not announce activity", zap.Error(err))
	})
	return engine.New(deps, engine.OptionsFromConfig(cfg.Engine), logger), nil
}

func sqlitePath() string {
	if filepath.IsAbs(cfg.SQLitePath) {
		return cfg.SQLitePath
	}
	return filepath.Join(cfg.CorpusRoot, cfg.SQLitePath)
}

func migrationsDir() string {
	return filepath.Join(cfg.CorpusRoot, "migrations")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// report prints res and turns a failed engine result into a command error.
func report(res any, r engine.Result) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if !r.Success {
		return fmt.Errorf("%s: %s", r.Kind, r.Error)
	}
	return nil
}

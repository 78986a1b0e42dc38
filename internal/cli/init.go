package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbenjam1n/kgap/internal/config"
	"github.com/sbenjam1n/kgap/internal/db"
	"github.com/sbenjam1n/kgap/internal/queue"
	"github.com/sbenjam1n/kgap/internal/repository"
	"github.com/spf13/cobra"
)

var minimal bool

const defaultIgnore = `# .kgapignore
# Glob patterns for corpus files the filesystem backend skips.

# Drafts and scratch notes
drafts/
*.draft.md

# Templates
_template.md
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a kgap corpus",
	Long:  "Initialize the workspace: corpus directories and .kgapignore for the fs backend, schema for postgres or sqlite, Redis streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		switch cfg.Backend {
		case config.BackendFS:
			if err := initFS(filepath.Join(cfg.CorpusRoot, workspace)); err != nil {
				return err
			}
		case config.BackendSQLite:
			lite, err := repository.OpenSQLite(sqlitePath())
			if err != nil {
				return fmt.Errorf("sqlite setup failed: %w", err)
			}
			lite.Close()
			fmt.Printf("SQLite schema created in %s\n", sqlitePath())
		case config.BackendMemory:
			fmt.Println("Memory backend needs no setup")
		}

		if minimal {
			fmt.Println("\nMinimal init complete. Run 'kgap init' (without --minimal) to set up PostgreSQL and Redis.")
			return nil
		}

		if cfg.Backend == config.BackendPostgres {
			fmt.Println("Connecting to PostgreSQL...")
			pool, err := db.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer pool.Close()

			fmt.Println("Running migrations...")
			applied, err := db.Migrate(ctx, pool, migrationsDir())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			for _, name := range applied {
				fmt.Printf("  applied %s\n", name)
			}
			fmt.Println("PostgreSQL schema created")
		}

		fmt.Println("Connecting to Redis...")
		rdb, err := connectRedis()
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer rdb.Close()

		q := queue.New(rdb, continuityTTL)
		if err := q.EnsureStreams(ctx); err != nil {
			return fmt.Errorf("redis stream setup failed: %w", err)
		}
		fmt.Println("Redis streams created")

		fmt.Println("\nkgap initialized successfully.")
		fmt.Println("Next steps:")
		fmt.Println("  1. Add decisions, patterns and notes to the corpus")
		fmt.Println("  2. Run: kgap gaps -w " + workspace)
		fmt.Println("  3. Run: kgap run -w " + workspace + " --queue")
		return nil
	},
}

// initFS lays out a workspace directory for the filesystem backend.
func initFS(dir string) error {
	for _, sub := range []string{repository.DirDecisions, repository.DirPatterns, repository.DirNotes} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("create %s/: %w", sub, err)
		}
	}
	fmt.Printf("Created corpus directories in %s\n", dir)

	ignorePath := filepath.Join(dir, repository.IgnoreFile)
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(defaultIgnore), 0644); err != nil {
			return fmt.Errorf("create %s: %w", repository.IgnoreFile, err)
		}
		fmt.Printf("Created %s\n", repository.IgnoreFile)
	} else {
		fmt.Printf("%s already exists\n", repository.IgnoreFile)
	}
	return nil
}

func init() {
	initCmd.Flags().BoolVar(&minimal, "minimal", false, "Minimal init: corpus layout only, no PostgreSQL or Redis")
}

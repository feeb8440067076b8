package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mcclowes/reqon"
	"github.com/mcclowes/reqon/internal/config"
	"github.com/mcclowes/reqon/internal/logging"
)

// version is stamped by the release build.
var version = "dev"

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reqon",
	Short: "Declarative mission engine for API data flows",
	Long: `Reqon executes missions: declarative YAML documents that describe
how to pull data from HTTP APIs, reshape and validate it, and land it
in stores. Executions are durable and resumable; an interrupted run
continues from its last completed stage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		// CLI flags override file and environment settings.
		if cmd.Flags().Changed("debug") {
			cfg.Debug, _ = cmd.Flags().GetBool("debug")
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat, _ = cmd.Flags().GetString("log-format")
		}
		if cmd.Flags().Changed("backend") {
			cfg.Backend, _ = cmd.Flags().GetString("backend")
		}
		if cmd.Flags().Changed("state-dir") {
			cfg.StateDir, _ = cmd.Flags().GetString("state-dir")
		}
		if cmd.Flags().Changed("store-dir") {
			cfg.StoreDir, _ = cmd.Flags().GetString("store-dir")
		}

		logger, err = logging.New(logging.Options{
			Debug:  cfg.Debug,
			Format: cfg.LogFormat,
			File:   cfg.LogFile,
		})
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reqon %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is reqon.yaml in . or ~/.config/reqon)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "console", "log format: console or json")
	rootCmd.PersistentFlags().String("backend", "memory", "state backend: memory, file, sqlite, postgres or redis")
	rootCmd.PersistentFlags().String("state-dir", "", "directory for file-backend execution state")
	rootCmd.PersistentFlags().String("store-dir", "", "directory that relative store paths are resolved under")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(executionsCmd)
	rootCmd.AddCommand(validateCmd)
}

// buildEngine assembles the engine for the configured backend. The
// returned cleanup closes whatever connection the backend holds.
func buildEngine() (*reqon.Engine, func(), error) {
	noop := func() {}

	var eng *reqon.Engine
	var cleanup = noop
	switch cfg.Backend {
	case "memory":
		eng = reqon.New()

	case "file":
		var err error
		eng, err = reqon.NewFileEngine(cfg.StateDir)
		if err != nil {
			return nil, noop, fmt.Errorf("file backend: %w", err)
		}

	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, noop, fmt.Errorf("sqlite backend: %w", err)
			}
		}
		db, err := sql.Open("sqlite", "file:"+cfg.SQLite.Path+"?_journal=WAL")
		if err != nil {
			return nil, noop, fmt.Errorf("sqlite backend: %w", err)
		}
		eng, err = reqon.NewSQLiteEngine(db)
		if err != nil {
			db.Close()
			return nil, noop, fmt.Errorf("sqlite backend: %w", err)
		}
		cleanup = func() { db.Close() }

	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, noop, fmt.Errorf("postgres backend needs postgres.dsn")
		}
		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres backend: %w", err)
		}
		eng, err = reqon.NewPostgresEngine(db)
		if err != nil {
			db.Close()
			return nil, noop, fmt.Errorf("postgres backend: %w", err)
		}
		cleanup = func() { db.Close() }

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		eng = reqon.NewRedisEngine(client, cfg.Redis.Prefix)
		cleanup = func() { client.Close() }

	default:
		return nil, noop, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	eng.WithLogger(logger).WithRetry(reqon.RetryPolicy{
		MaxAttempts:       cfg.Fetch.MaxAttempts,
		InitialBackoff:    cfg.Fetch.InitialBackoff,
		MaxBackoff:        cfg.Fetch.MaxBackoff,
		BackoffMultiplier: cfg.Fetch.BackoffMultiplier,
	})
	return eng, cleanup, nil
}

func main() {
	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

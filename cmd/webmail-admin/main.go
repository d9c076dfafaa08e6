package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/marcuscabrera/simple-webmail-imap/cache"
	"github.com/marcuscabrera/simple-webmail-imap/config"
	"github.com/marcuscabrera/simple-webmail-imap/db"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
)

var version = "dev"

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "webmail-admin",
		Usage:   "Maintenance tool for the webmail gateway",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.toml",
				Usage:   "Path to TOML configuration file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "Optional dotenv file applied over the configuration",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log at debug level",
			},
		},
		Commands: []*cli.Command{
			migrateCommand,
			purgeCommand,
			statsCommand,
			checkCommand,
		},
	}
}

func main() {
	cmd := newApp()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "webmail-admin: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration the same way the server does. A
// missing default file falls back to the built-in defaults.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	path := cmd.String("config")
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if !os.IsNotExist(err) || cmd.IsSet("config") {
			return cfg, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	if err := config.ApplyEnvironment(&cfg, cmd.String("env-file")); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	// Admin output goes to stdout; keep log lines on stderr and quiet.
	cfg.Logging.Output = "stderr"
	if cmd.Root().Bool("verbose") {
		cfg.Logging.Level = "debug"
	} else {
		cfg.Logging.Level = "warn"
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openCache opens the configured cache backend. Opening the PostgreSQL
// backend applies pending migrations.
func openCache(ctx context.Context, cfg config.Config) (*cache.MessageCache, error) {
	if cfg.Cache.Backend == "sqlite" {
		store, err := cache.NewSQLiteStore(cfg.Cache.SQLitePath)
		if err != nil {
			return nil, err
		}
		return cache.New(store), nil
	}
	database, err := db.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return cache.New(database), nil
}

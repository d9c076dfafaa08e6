package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/marcuscabrera/simple-webmail-imap/db"
)

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Manage the PostgreSQL cache schema",
	Description: "Run while the webmail server is stopped. Every subcommand holds the " +
		"migration advisory lock.",
	Commands: []*cli.Command{
		{
			Name:   "up",
			Usage:  "Apply all pending migrations",
			Action: migrateUp,
		},
		{
			Name:  "down",
			Usage: "Revert migrations",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "limit", Value: 1, Usage: "Number of migrations to revert"},
				&cli.BoolFlag{Name: "all", Usage: "Revert every migration"},
			},
			Action: migrateDown,
		},
		{
			Name:   "version",
			Usage:  "Show the applied version and dirty state",
			Action: migrateVersion,
		},
		{
			Name:      "force",
			Usage:     "Record a version without running migrations, to repair a dirty state",
			ArgsUsage: "<version>",
			Action:    migrateForce,
		},
	},
}

func withMigrator(ctx context.Context, cmd *cli.Command, fn func(*db.Migrator) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Cache.Backend != "postgres" {
		return fmt.Errorf("migrations apply to the postgres backend only; the %s backend migrates itself on open", cfg.Cache.Backend)
	}
	mg, err := db.NewMigrator(ctx, cfg.Database.ConnString())
	if err != nil {
		return err
	}
	defer mg.Close()
	return fn(mg)
}

func printVersion(mg *db.Migrator) error {
	version, dirty, ok, err := mg.Version()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No migrations applied")
		return nil
	}
	fmt.Printf("Version: %d, dirty: %t\n", version, dirty)
	return nil
}

func migrateUp(ctx context.Context, cmd *cli.Command) error {
	return withMigrator(ctx, cmd, func(mg *db.Migrator) error {
		if err := mg.Up(ctx); err != nil {
			return err
		}
		fmt.Println("Migrations applied")
		return printVersion(mg)
	})
}

func migrateDown(ctx context.Context, cmd *cli.Command) error {
	steps := int(cmd.Int("limit"))
	if cmd.Bool("all") {
		steps = 0
	} else if steps <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	return withMigrator(ctx, cmd, func(mg *db.Migrator) error {
		if err := mg.Down(ctx, steps); err != nil {
			return err
		}
		fmt.Println("Migrations reverted")
		return printVersion(mg)
	})
}

func migrateVersion(ctx context.Context, cmd *cli.Command) error {
	return withMigrator(ctx, cmd, printVersion)
}

func migrateForce(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: webmail-admin migrate force <version>")
	}
	version, err := strconv.Atoi(cmd.Args().First())
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", cmd.Args().First(), err)
	}
	return withMigrator(ctx, cmd, func(mg *db.Migrator) error {
		if err := mg.Force(ctx, version); err != nil {
			return err
		}
		fmt.Printf("Forced version %d\n", version)
		return nil
	})
}

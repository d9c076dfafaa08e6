package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
)

var purgeCommand = &cli.Command{
	Name:  "purge",
	Usage: "Remove everything cached for a user",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Usage: "Login of the user", Required: true},
	},
	Action: purgeAction,
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "Show cache row counts",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
	},
	Action: statsAction,
}

func purgeAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mc, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer mc.Close()

	email := cmd.String("email")
	n, err := mc.Purge(ctx, email)
	if errors.Is(err, consts.ErrUserNotFound) {
		fmt.Printf("Nothing cached for %s\n", email)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Purged %s: %d messages removed\n", email, n)
	return nil
}

func statsAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mc, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer mc.Close()

	stats, err := mc.Stats(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	fmt.Printf("Backend:  %s\n", cfg.Cache.Backend)
	fmt.Printf("Users:    %d\n", stats.Users)
	fmt.Printf("Folders:  %d\n", stats.Folders)
	fmt.Printf("Messages: %d\n", stats.Messages)
	return nil
}

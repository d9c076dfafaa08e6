package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/marcuscabrera/simple-webmail-imap/gateway"
	"github.com/marcuscabrera/simple-webmail-imap/session"
)

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "Log in to the upstream IMAP server and list the user's folders",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "Upstream login", Required: true},
		&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "Password (prompted for when omitted)"},
	},
	Action: checkAction,
}

func checkAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	gwConfig, err := gateway.ConfigFromSettings(cfg.Upstream, cfg.Gateway)
	if err != nil {
		return err
	}
	gw := gateway.New(gwConfig)

	username := cmd.String("username")
	password := cmd.String("password")
	if password == "" {
		if password, err = readPassword(); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := gw.Authenticate(ctx, username, password); err != nil {
		return fmt.Errorf("login to %s failed: %w", cfg.Upstream.IMAP.Addr(), err)
	}
	fmt.Printf("Login to %s succeeded in %s\n", cfg.Upstream.IMAP.Addr(), time.Since(start).Round(time.Millisecond))

	sess := session.NewCredentialSession(username, password, 0,
		gwConfig.IMAP.Endpoint(), gwConfig.SMTP.Endpoint(), time.Now(), time.Hour)
	defer sess.Destroy()

	folders, err := gw.ListFolders(ctx, sess)
	if err != nil {
		return err
	}
	for _, f := range folders {
		fmt.Println(f.Name)
	}
	return nil
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

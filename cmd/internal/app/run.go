package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"biostream/cmd/internal/authclient"
	"biostream/cmd/security/token"

	"github.com/fatih/color"
	"github.com/urfave/cli"
)

// Version is stamped at build time with -ldflags "-X biostream/cmd/internal/app.Version=...".
var Version = "dev"

// Run is the CLI entrypoint used by cmd/biostream.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(args []string) error {
	return newCLI(os.Stdout).Run(args)
}

func newCLI(out io.Writer) *cli.App {
	credFlags := []cli.Flag{
		cli.StringFlag{
			Name:   "dev-id",
			Usage:  "Developer ID sent as the dev-id header",
			EnvVar: "BIOSTREAM_DEV_ID",
		},
		cli.StringFlag{
			Name:   "api-key",
			Usage:  "API key sent with token requests",
			EnvVar: "BIOSTREAM_API_KEY",
		},
	}

	app := cli.NewApp()
	app.Name = "biostream"
	app.Usage = "stream heart rate and wearable readings to viewers and upstream"
	app.Version = Version
	app.Writer = out
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the daemon: control API, viewer feed and companion bridge",
			Action: serveCommand,
		},
		{
			Name:  "token",
			Usage: "Fetch an auth token and print it",
			Subcommands: []cli.Command{
				{
					Name:  "user",
					Usage: "Fetch a user-scoped token for radio streams",
					Flags: append([]cli.Flag{
						cli.StringFlag{
							Name:   "user-id, u",
							Usage:  "User to mint the token for",
							EnvVar: "BIOSTREAM_USER_ID",
						},
					}, credFlags...),
					Action: func(c *cli.Context) error { return tokenCommand(c, out, authclient.EndpointUser) },
				},
				{
					Name:   "sdk",
					Usage:  "Fetch an SDK token",
					Flags:  credFlags,
					Action: func(c *cli.Context) error { return tokenCommand(c, out, authclient.EndpointSDK) },
				},
			},
		},
	}
	return app
}

func serveCommand(_ *cli.Context) error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

// tokenCommand prints only the token on out; logs go to stderr.
func tokenCommand(c *cli.Context, out io.Writer, endpoint string) error {
	cfg := LoadConfig()
	log := newLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogFormat, !color.NoColor)

	authCfg, err := authclient.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	creds := authCfg.Credentials
	if v := strings.TrimSpace(c.String("dev-id")); v != "" {
		creds.DevID = v
	}
	if v := strings.TrimSpace(c.String("api-key")); v != "" {
		creds.APIKey = v
	}

	client := authclient.New(log, authCfg, nil)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var tok authclient.AuthToken
	switch endpoint {
	case authclient.EndpointUser:
		userID := strings.TrimSpace(c.String("user-id"))
		if userID == "" {
			return errors.New("token user: --user-id is required")
		}
		tok, err = client.FetchUserToken(ctx, creds, userID)
	default:
		tok, err = client.FetchSDKToken(ctx, creds)
	}
	if err != nil {
		return fmt.Errorf("token %s: %w", endpoint, err)
	}

	log.Info("cli.token.ok", "endpoint", endpoint, "token_fp", token.Fingerprint(tok.Token))
	_, err = fmt.Fprintln(out, tok.Token)
	return err
}

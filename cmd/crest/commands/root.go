package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/crest/internal/app"
	"github.com/florianilch/crest/internal/install"
	"github.com/florianilch/crest/internal/observability"
	"github.com/florianilch/crest/internal/rest"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "crest",
		Usage: "Bitrix24 REST client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "path to a .env file with CREST_ variables",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "storage--type",
				Usage: "credential storage (postgres|redis|file|keyring|env|memory)",
				Value: string(app.DefaultConfigStorageType),
			},
			&cli.StringFlag{
				Name:  "portal--member-id",
				Usage: "member id of the portal",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			callCommand(),
			batchCommand(),
			installCommand(),
			statusCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// session holds everything a command needs after configuration is loaded.
type session struct {
	cfg      *app.Config
	app      *app.App
	shutdown func(context.Context) error
}

func bootstrap(ctx context.Context, cmd *cli.Command) (*session, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd.String("env-file"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), cfg.Telemetry.Exporter)
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to create app: %w", err)
	}

	return &session{cfg: cfg, app: application, shutdown: shutdown}, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.Timeout)
	defer cancel()
	return errors.Join(s.app.Close(), s.shutdown(ctx))
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "receive install callbacks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "telemetry--exporter",
				Usage: "log exporter (none|stdout|otlphttp|otlpgrpc)",
				Value: string(app.DefaultConfigTelemetryExporter),
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	s, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	slog.InfoContext(ctx, "starting")

	if err := s.app.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "call a REST method",
		ArgsUsage: "METHOD [key=value ...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "send parameters as a JSON body",
			},
		},
		Action: callAction,
	}
}

func callAction(ctx context.Context, cmd *cli.Command) error {
	method := cmd.Args().First()
	if method == "" {
		return errors.New("missing method")
	}
	params, err := parseParams(cmd.Args().Tail())
	if err != nil {
		return err
	}

	s, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	portal, err := s.app.Portal(ctx, "")
	if err != nil {
		return err
	}

	var resp *rest.Response
	if cmd.Bool("json") {
		resp, err = portal.CallWithBody(ctx, method, params)
	} else {
		resp, err = portal.Call(ctx, method, params)
	}
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	return writeJSON(cmd.Root().Writer, resp)
}

func batchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "run several REST methods in one batch request",
		ArgsUsage: "NAME=METHOD [NAME=METHOD ...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "param",
				Usage: "command parameter as NAME:key=value (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "halt",
				Usage: "stop the batch on the first failed command",
			},
		},
		Action: batchAction,
	}
}

func batchAction(ctx context.Context, cmd *cli.Command) error {
	commands, params, err := parseBatch(cmd.Args().Slice(), cmd.StringSlice("param"))
	if err != nil {
		return err
	}

	s, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	portal, err := s.app.Portal(ctx, "")
	if err != nil {
		return err
	}

	resp, err := portal.CallBatch(ctx, commands, params, cmd.Bool("halt"))
	if err != nil {
		return fmt.Errorf("calling batch: %w", err)
	}
	return writeJSON(cmd.Root().Writer, resp)
}

func installCommand() *cli.Command {
	return &cli.Command{
		Name:  "install",
		Usage: "store portal credentials obtained outside the install callback",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "endpoint",
				Usage:    "REST endpoint of the portal, e.g. https://example.bitrix24.ru/rest/",
				Required: true,
			},
		},
		Action: installAction,
	}
}

func installAction(ctx context.Context, cmd *cli.Command) error {
	s, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	input := bufio.NewReader(cmd.Root().Reader)
	accessToken, err := readSecret(input, "Access token: ")
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	refreshToken, err := readSecret(input, "Refresh token: ")
	if err != nil {
		return fmt.Errorf("reading refresh token: %w", err)
	}

	payload := install.FromValues(url.Values{
		"event":                 {install.EventAppInstall},
		"auth[access_token]":    {accessToken},
		"auth[refresh_token]":   {refreshToken},
		"auth[client_endpoint]": {cmd.String("endpoint")},
		"auth[member_id]":       {s.cfg.Portal.MemberID},
	})
	res, err := s.app.Installer().Install(ctx, payload)
	if err != nil {
		return fmt.Errorf("installing portal: %w", err)
	}

	return writeJSON(cmd.Root().Writer, map[string]any{
		"install":   res.Installed,
		"member_id": res.Record.MemberID,
	})
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(input *bufio.Reader, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}

	line, err := input.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "report whether the portal is installed",
		Action: statusAction,
	}
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	s, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	portal, err := s.app.Portal(ctx, "")
	if err != nil {
		return err
	}

	if !portal.Installed() {
		if err := writeJSON(cmd.Root().Writer, map[string]any{"status": false, "error": "Need Install App"}); err != nil {
			return err
		}
		return cli.Exit("", 1)
	}

	cred := portal.Credentials()
	status := map[string]any{
		"status":    true,
		"member_id": cred.MemberID,
		"endpoint":  cred.Endpoint,
	}
	if !cred.UpdatedAt.IsZero() {
		status["updated_at"] = cred.UpdatedAt.Format(time.RFC3339)
	}
	return writeJSON(cmd.Root().Writer, status)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

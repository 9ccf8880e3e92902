// batchctl runs a single batch operation against a portal from the command
// line. Connection settings come from flags or the BATCHBRIDGE_* environment.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/seantiz/batchbridge/internal/batch"
	"github.com/seantiz/batchbridge/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "batchctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "batchctl",
		Usage:     "run headless batch engine operations",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "portal root URL",
				EnvVars: []string{"BATCHBRIDGE_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "basic auth user",
				EnvVars: []string{"BATCHBRIDGE_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "basic auth password",
				EnvVars: []string{"BATCHBRIDGE_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "OAuth2 client id (client credentials grant)",
				EnvVars: []string{"BATCHBRIDGE_CLIENT_ID"},
			},
			&cli.StringFlag{
				Name:    "client-secret",
				Usage:   "OAuth2 client secret",
				EnvVars: []string{"BATCHBRIDGE_CLIENT_SECRET"},
			},
			&cli.StringFlag{
				Name:    "timeout",
				Usage:   "per-request timeout, an integer in --timeout-unit or a duration like 30s",
				EnvVars: []string{"BATCHBRIDGE_CONNECTION_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "timeout-unit",
				Value:   "SECONDS",
				Usage:   "unit of an integer --timeout (MILLISECONDS, SECONDS, MINUTES, ...)",
				EnvVars: []string{"BATCHBRIDGE_CONNECTION_TIMEOUT_UNIT"},
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Value:   batch.DefaultPollInterval,
				Usage:   "wait between status requests",
				EnvVars: []string{"BATCHBRIDGE_POLL_INTERVAL"},
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "maximum status requests, 0 for unbounded",
				EnvVars: []string{"BATCHBRIDGE_POLL_MAX_ATTEMPTS"},
			},
			&cli.DurationFlag{
				Name:    "max-wait",
				Usage:   "maximum time spent polling, 0 for unbounded",
				EnvVars: []string{"BATCHBRIDGE_POLL_MAX_WAIT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				EnvVars: []string{"BATCHBRIDGE_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			exportCommand(),
			statusCommand(),
			importCommand(),
		},
	}
}

// parseTimeoutFlag parses --timeout in --timeout-unit. Unset means no per-call bound.
func parseTimeoutFlag(c *cli.Context) (time.Duration, error) {
	v := c.String("timeout")
	if v == "" {
		return 0, nil
	}
	d, err := config.ParseTimeout(v, c.String("timeout-unit"))
	if err != nil {
		return 0, fmt.Errorf("--timeout: %w", err)
	}
	return d, nil
}

// operations builds the batch client from the global flags.
func operations(c *cli.Context) (*batch.Operations, error) {
	timeout, err := parseTimeoutFlag(c)
	if err != nil {
		return nil, err
	}
	if c.Int("max-attempts") < 0 {
		return nil, fmt.Errorf("--max-attempts must not be negative")
	}

	remote := config.Remote{
		BaseURL:           c.String("base-url"),
		Username:          c.String("username"),
		Password:          c.String("password"),
		ClientID:          c.String("client-id"),
		ClientSecret:      c.String("client-secret"),
		ConnectionTimeout: timeout,
		UserAgent:         "batchctl",
	}
	client, err := remote.NewClient()
	if err != nil {
		return nil, err
	}

	logger := config.NewLogger(c.App.ErrWriter, logLevel(c.String("log-level")))
	poll := batch.PollConfig{
		Interval:    c.Duration("poll-interval"),
		MaxAttempts: c.Int("max-attempts"),
		MaxWait:     c.Duration("max-wait"),
	}
	return batch.NewOperations(client, nil, nil, poll, logger).WithDefaultTimeout(timeout), nil
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelWarn
	}
	return l
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "export all entities of a class",
		Description: "Without --dir the first entry of the exported archive is written to --output " +
			"(stdout by default). With --dir the whole archive is saved as <dir>/export.zip.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "class-name", Aliases: []string{"c"}, Required: true, Usage: "fully qualified entity class name"},
			&cli.StringFlag{Name: "content-type", Value: string(batch.ContentTypeJSON), Usage: "JSON, JSONL, JSONT, CSV, XLS or XLSX"},
			&cli.StringFlag{Name: "site-id", Usage: "site scope of the export"},
			&cli.StringFlag{Name: "field-names", Usage: "comma-separated fields to include"},
			&cli.StringFlag{Name: "dir", Usage: "save the raw archive into this directory"},
			&cli.BoolFlag{Name: "raw", Usage: "write the archive instead of its first entry"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "file to write content to"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "print progress to stderr"},
		},
		Action: runExport,
	}
}

func runExport(c *cli.Context) error {
	ops, err := operations(c)
	if err != nil {
		return err
	}
	if c.Bool("verbose") {
		ops = ops.WithObserver(func(ev batch.Event) {
			fmt.Fprintln(c.App.ErrWriter, ev.String())
		})
	}

	ct, err := batch.ParseContentType(c.String("content-type"))
	if err != nil {
		return err
	}
	req := batch.ExportRequest{
		ClassName:   c.String("class-name"),
		ContentType: ct,
		SiteID:      c.String("site-id"),
		FieldNames:  c.String("field-names"),
	}

	if dir := c.String("dir"); dir != "" {
		path, err := ops.ExportToDirectory(c.Context, req, dir)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, path)
		return nil
	}

	var content io.ReadCloser
	if c.Bool("raw") {
		content, _, err = ops.ExportRaw(c.Context, req)
	} else {
		content, err = exportEntry(c.Context, ops, req)
	}
	if err != nil {
		return err
	}
	defer content.Close()

	out := c.App.Writer
	if path := c.String("output"); path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if _, err := io.Copy(out, content); err != nil {
		return fmt.Errorf("write export content: %w", err)
	}
	return nil
}

// exportEntry avoids a typed-nil io.ReadCloser when Export fails.
func exportEntry(ctx context.Context, ops *batch.Operations, req batch.ExportRequest) (io.ReadCloser, error) {
	entry, err := ops.Export(ctx, req)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "print the status of an export task",
		ArgsUsage: "<export task id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("status takes exactly one export task id", 2)
			}
			ops, err := operations(c)
			if err != nil {
				return err
			}
			d, err := parseTimeoutFlag(c)
			if err != nil {
				return err
			}
			st, err := ops.Poll(c.Context, c.Args().First(), d)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, st)
			return nil
		},
	}
}

func importCommand() *cli.Command {
	type importFunc func(*batch.Operations, context.Context, string) (*batch.ImportResult, error)
	sub := func(name string, fn importFunc) *cli.Command {
		return &cli.Command{
			Name:  name,
			Usage: name + " entities from a batch import",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "class-name", Aliases: []string{"c"}, Required: true},
			},
			Action: func(c *cli.Context) error {
				ops, err := operations(c)
				if err != nil {
					return err
				}
				res, err := fn(ops, c.Context, c.String("class-name"))
				if err != nil {
					return err
				}
				if res == nil {
					fmt.Fprintf(c.App.ErrWriter, "import %s: no task created\n", name)
					return nil
				}
				fmt.Fprintln(c.App.Writer, res.TaskID)
				return nil
			},
		}
	}
	return &cli.Command{
		Name:  "import",
		Usage: "run an import operation",
		Subcommands: []*cli.Command{
			sub("create", (*batch.Operations).CreateImport),
			sub("update", (*batch.Operations).UpdateImport),
			sub("delete", (*batch.Operations).DeleteImport),
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/config"
	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/metrics"
	"github.com/hpungsan/notefeed/internal/ops"
	"github.com/hpungsan/notefeed/internal/web"
)

// maxStdinBytes bounds piped input; one signed event is a few KB.
const maxStdinBytes = 1 << 20

// cliEnv carries what every command needs to open a session.
type cliEnv struct {
	baseDir string
	workDir string
	cfg     *config.Config
	logger  *zap.Logger

	// deps are passed to ops.Open; tests inject a fake relay pool here.
	deps ops.Deps

	stdout io.Writer
	stdin  io.Reader
}

func (e *cliEnv) open(mutate func(*config.Config)) (*ops.Session, error) {
	cfg := *e.cfg
	if mutate != nil {
		mutate(&cfg)
	}
	deps := e.deps
	if deps.Logger == nil {
		deps.Logger = e.logger
	}
	return ops.Open(e.baseDir, &cfg, deps)
}

func (e *cliEnv) log() *zap.Logger { return logging.OrNop(e.logger) }

func (e *cliEnv) out() io.Writer {
	if e.stdout != nil {
		return e.stdout
	}
	return os.Stdout
}

func (e *cliEnv) in() io.Reader {
	if e.stdin != nil {
		return e.stdin
	}
	return os.Stdin
}

// newCLIApp creates the CLI application with all commands. env may be nil
// when only help or version output is needed.
func newCLIApp(env *cliEnv) *cli.App {
	app := &cli.App{
		Name:    "notefeed",
		Usage:   "Trust-ranked feed of signed notes",
		Version: Version,
		Commands: []*cli.Command{
			feedCmd(env),
			trustCmd(env),
			relaysCmd(env),
			pruneCmd(env),
			publishCmd(env),
			serveCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// feedCmd creates the feed command.
func feedCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "feed",
		Usage: "Print the top of the ranked feed",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: ops.DefaultPageLimit, Usage: "Notes to print (max 100)"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "Feed mode: following|global (default from config)"},
			&cli.BoolFlag{Name: "trusted-only", Usage: "Hide notes from untrusted authors"},
			&cli.DurationFlag{Name: "wait", Value: 10 * time.Second, Usage: "How long to collect live notes before ranking"},
		},
		Action: func(c *cli.Context) error {
			session, err := env.open(func(cfg *config.Config) {
				if m := c.String("mode"); m != "" {
					cfg.FeedMode = m
				}
				if c.Bool("trusted-only") {
					cfg.TrustedOnly = true
				}
			})
			if err != nil {
				return outputError(err)
			}
			defer session.Close()

			if err := session.Start(c.Context); err != nil {
				env.log().Warn("live subscription failed, using stored notes", zap.Error(err))
			}
			waitSettled(c.Context, session, c.Duration("wait"))

			output, err := session.FeedPage(c.Context, ops.FeedPageInput{Limit: c.Int("limit")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(env.out(), output)
		},
	}
}

// waitSettled returns once the feed has frozen with no scoring or buffered
// events pending, or after timeout.
func waitSettled(ctx context.Context, session *ops.Session, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if session.Feed().Stats().Frozen && session.Idle() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// trustCmd creates the trust command.
func trustCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "trust",
		Usage:     "Look up trust records of one or more authors",
		ArgsUsage: "<pubkey> [pubkey...]",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("at least one pubkey is required"))
			}
			session, err := env.open(nil)
			if err != nil {
				return outputError(err)
			}
			defer session.Close()

			output, err := session.TrustLookup(c.Context, ops.TrustLookupInput{Pubkeys: c.Args().Slice()})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(env.out(), output)
		},
	}
}

// relaysCmd creates the relays command.
func relaysCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "relays",
		Usage: "Show recorded relay health",
		Action: func(c *cli.Context) error {
			session, err := env.open(nil)
			if err != nil {
				return outputError(err)
			}
			defer session.Close()

			output, err := session.RelayHealth(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(env.out(), output)
		},
	}
}

// pruneCmd creates the prune command.
func pruneCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete stored events older than a given age",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "older-than", Value: "30d", Usage: "Age such as 30d, 12h or 90m"},
		},
		Action: func(c *cli.Context) error {
			age, err := ops.ParseAge(c.String("older-than"))
			if err != nil {
				return outputError(err)
			}
			session, err := env.open(nil)
			if err != nil {
				return outputError(err)
			}
			defer session.Close()

			output, err := session.Prune(c.Context, ops.PruneInput{OlderThan: age})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(env.out(), output)
		},
	}
}

// publishCmd creates the publish command.
func publishCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Publish a signed event (reads event JSON from stdin)",
		Action: func(c *cli.Context) error {
			raw, err := readStdin(env.in(), maxStdinBytes)
			if err != nil {
				return outputError(err)
			}
			if raw == "" {
				return outputError(errors.NewInvalidRequest("signed event JSON must be piped via stdin"))
			}
			var ev nostr.Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				return outputError(errors.NewInvalidRequest("invalid event JSON: " + err.Error()))
			}

			session, err := env.open(nil)
			if err != nil {
				return outputError(err)
			}
			defer session.Close()

			output, err := session.Publish(c.Context, ops.PublishInput{Event: ev})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(env.out(), output)
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the live feed and serve it over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Address to bind (default from config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port to listen on (default from config)"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := env.deps.Metrics
			if m == nil {
				m = metrics.New()
			}
			deps := env.deps
			deps.Metrics = m
			scoped := *env
			scoped.deps = deps

			session, err := scoped.open(nil)
			if err != nil {
				return outputError(err)
			}
			defer session.Close()

			if err := session.Start(ctx); err != nil {
				env.log().Warn("live subscription failed, serving stored notes", zap.Error(err))
			}

			err = config.Watch(ctx, env.baseDir, env.workDir, env.log(), func(cfg *config.Config) {
				out, err := session.ApplyConfig(ctx, cfg)
				if err != nil {
					env.log().Warn("failed to apply config", zap.Error(err))
					return
				}
				if out.RestartRequired {
					env.log().Warn("restart notefeed serve to apply relay, store or trust source changes")
				}
			})
			if err != nil {
				env.log().Warn("config hot reload disabled", zap.Error(err))
			}

			bind := c.String("bind")
			if bind == "" {
				bind = env.cfg.HTTPBind
			}
			port := c.Int("port")
			if port == 0 {
				port = env.cfg.HTTPPort
			}

			srv := web.NewServer(session, m, Version, bind, port, env.logger)
			if err := web.Run(ctx, srv, env.logger); err != nil {
				return outputError(errors.NewUnavailable("http server", err))
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if fErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", fErr.Code, fErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// readStdin reads at most limit bytes of trimmed input.
func readStdin(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", errors.NewInternal(err)
	}
	if int64(len(data)) > limit {
		return "", errors.NewInvalidRequest(fmt.Sprintf("input exceeds %d bytes", limit))
	}
	return strings.TrimSpace(string(data)), nil
}

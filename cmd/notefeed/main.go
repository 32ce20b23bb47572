package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/config"
	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/mcp"
	"github.com/hpungsan/notefeed/internal/ops"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"feed": true, "trust": true, "relays": true,
	"prune": true, "publish": true, "serve": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
              _       __               _
   _ __   ___| |_ ___/ _| ___  ___  __| |
  | '_ \ / _ \ __/ _ \ |_ / _ \/ _ \/ _' |
  | | | | (_) | ||  __/  _|  __/  __/ (_| |
  |_| |_|\___/ \__\___|_|  \___|\___|\__,_|

  Trust-ranked feed of signed notes

  Usage: notefeed <command> [options]
         notefeed --help

  MCP server mode requires piped input.`)
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before loading config
	if isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
		os.Exit(1)
	}
	baseDir := filepath.Join(homeDir, config.DirName)
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: could not create %s: %v\n", baseDir, err)
		os.Exit(1)
	}

	cwd, _ := os.Getwd()
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr; stdout carries JSON output and the MCP stream.
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	env := &cliEnv{baseDir: baseDir, workDir: cwd, cfg: cfg, logger: logger}

	if isCLIMode() {
		app := newCLIApp(env)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'notefeed --help' for usage.\n")
		os.Exit(1)
	}

	if err := runMCP(env); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMCP serves the tools over stdio with a started session.
func runMCP(env *cliEnv) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := ops.Open(env.baseDir, env.cfg, ops.Deps{Logger: env.logger})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		env.logger.Warn("live subscription failed, serving stored notes", zap.Error(err))
	}
	return mcp.Run(session, env.cfg, Version, env.logger)
}

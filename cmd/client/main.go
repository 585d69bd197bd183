// Package main implements gitnotify-agent, which runs a command and restarts
// it whenever a pull request is merged into the watched branch of a
// repository, as announced by a gitnotify relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/codeGROOVE-dev/gitnotify/pkg/agent"
	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
	"github.com/codeGROOVE-dev/gitnotify/pkg/protocol"
	"github.com/codeGROOVE-dev/gitnotify/pkg/secrets"
	"github.com/codeGROOVE-dev/gitnotify/pkg/supervisor"
)

type options struct {
	server      string
	repo        string
	branch      string
	command     string
	password    string
	secretFile  string
	logLevel    string
	maxBackoff  time.Duration
	gracePeriod time.Duration
	logJSON     bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("gitnotify-agent", pflag.ContinueOnError)
	fs.StringVarP(&opts.server, "server", "s", "", "relay server URL, e.g. ws://relay.example.com:9001 (required)")
	fs.StringVarP(&opts.repo, "repo", "r", "", "GitHub repository to watch, as owner/name (required)")
	fs.StringVarP(&opts.branch, "branch", "b", agent.DefaultBranch, "branch whose merges trigger a restart")
	fs.StringVarP(&opts.command, "command", "c", "", "shell command to run and restart (required)")
	fs.StringVarP(&opts.password, "password", "p", "", "shared secret (default $"+secrets.EnvVar+")")
	fs.StringVar(&opts.secretFile, "secret-file", "", "read the shared secret from this file")
	fs.DurationVar(&opts.maxBackoff, "max-backoff", agent.DefaultMaxBackoff, "maximum delay between reconnect attempts")
	fs.DurationVar(&opts.gracePeriod, "grace-period", supervisor.DefaultGracePeriod, "time the command has to exit after SIGTERM before SIGKILL")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	var missing []string
	if opts.server == "" {
		missing = append(missing, "--server")
	}
	if opts.repo == "" {
		missing = append(missing, "--repo")
	}
	if opts.command == "" {
		missing = append(missing, "--command")
	}
	if len(missing) > 0 {
		return opts, fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log := logger.NewWithOptions(os.Stderr, logger.Options{Level: level, JSON: opts.logJSON})
	logger.SetDefault(log)

	secret, source, err := secrets.Resolve(opts.password, secrets.EnvVar, opts.secretFile)
	if err != nil {
		return err
	}
	if secret == "" {
		log.Warn("no shared secret configured: registering with the publicly computable hash",
			"hint", "set --password, "+secrets.EnvVar+", or --secret-file")
	} else {
		log.Debug("shared secret resolved", "source", source)
	}

	proc, err := supervisor.New(supervisor.Config{
		Command:     opts.command,
		GracePeriod: opts.gracePeriod,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		Logger:     log,
		ServerURL:  opts.server,
		Repo:       opts.repo,
		Branch:     opts.branch,
		Secret:     secret,
		Process:    proc,
		MaxBackoff: opts.maxBackoff,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, protocol.ErrAuthentication) {
			return fmt.Errorf("failed to register: %w", err)
		}
		return err
	}
	log.Info("agent stopped")
	return nil
}

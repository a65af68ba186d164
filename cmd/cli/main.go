// Command staybook is a terminal client for browsing and reserving rental listings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kevschoo/staybook/internal/app"
	"github.com/kevschoo/staybook/internal/catalog"
	"github.com/kevschoo/staybook/internal/config"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/logger"
	"github.com/kevschoo/staybook/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `staybook CLI
Usage:
  staybook [-backend memory|postgres|firebase] [-log-level warn] <cmd> [args]

Commands:
  version
  signup         -email <email> -password <password>    (saves session)
  signin         -email <email> -password <password>    (saves session)
  signout
  delete-account
  whoami
  listings
  watch                                                 (until interrupted)
  create         -name <name> -host <host> [-rooms -desc -rating -cost]
  show           -id <listing>
  reserve        -id <listing>
  trips
  profile        [-name <name> -family <name>]
  cleanup                                               (drop blank trips)
  upload         -file <path|-> [-name <file name>] [-type <content type>]
  shell                                                 (commands from stdin)
`)
	os.Exit(2)
}

// main dispatches subcommands over the configured backend.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}

	// global flags
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "backend: memory, postgres or firebase")
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	timeout := flag.Duration("timeout", 30*time.Second, "per-command timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	if flag.Arg(0) == "version" {
		fmt.Printf("staybook %s (%s)\n", version, buildDate)
		return
	}

	log, err := logger.New(cfg.LogLevel, true)
	if err != nil {
		fail(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, *timeout)
	st, err := openStack(openCtx, cfg, log)
	cancel()
	if err != nil {
		fail(err)
	}
	defer func() { _ = st.close() }()

	c := newClient(ctx, cfg, log, st, os.Stdout)
	c.timeout = *timeout
	defer c.close()
	c.restore(ctx)

	if err := c.run(ctx, flag.Args()); err != nil {
		fail(err)
	}
}

// client drives the coordinator for one process.
type client struct {
	cfg     *config.Config
	log     *zap.Logger
	st      *stack
	coord   *app.Coordinator
	out     io.Writer
	in      io.Reader
	timeout time.Duration
	settle  time.Duration
}

func newClient(ctx context.Context, cfg *config.Config, log *zap.Logger, st *stack, out io.Writer) *client {
	sp := session.New(st.identity, st.docs, log, session.WithCallTimeout(cfg.CallTimeout))
	cat := catalog.New(st.docs, st.blobs, log, catalog.WithCallTimeout(cfg.CallTimeout))
	coord := app.New(sp, cat, log)
	coord.Start(ctx)
	return &client{
		cfg:     cfg,
		log:     log,
		st:      st,
		coord:   coord,
		out:     out,
		in:      os.Stdin,
		timeout: 30 * time.Second,
		settle:  10 * time.Second,
	}
}

func (c *client) close() { c.coord.Close() }

// restore resumes the saved session. A stale token is discarded.
func (c *client) restore(ctx context.Context) {
	ss, ok := c.st.sessions()
	if !ok || c.cfg.Backend == config.BackendMemory {
		return
	}
	tok, err := loadToken(c.cfg.Backend)
	if err != nil {
		return
	}
	if _, err := ss.Restore(ctx, tok); err != nil {
		c.log.Info("saved session rejected", zap.Error(err))
		_ = clearToken()
	}
}

// persist saves the current session token for later invocations.
func (c *client) persist() {
	ss, ok := c.st.sessions()
	if !ok || c.cfg.Backend == config.BackendMemory {
		return
	}
	tok := ss.Token()
	if tok == "" {
		return
	}
	exp := tokenExpiry(tok, time.Now().Add(c.cfg.AccessTTL))
	if err := saveToken(c.cfg.Backend, tok, exp); err != nil {
		c.log.Warn("save session", zap.Error(err))
	}
}

func (c *client) forget() {
	if c.cfg.Backend == config.BackendMemory {
		return
	}
	if err := clearToken(); err != nil {
		c.log.Warn("clear session", zap.Error(err))
	}
}

// ---- helpers ----

func fail(err error) {
	if ae, ok := errs.AsAuthError(err); ok {
		fmt.Fprintln(os.Stderr, ae.Message())
		os.Exit(1)
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// Command docgwd is the docgw master/child binary: started once as the
// master, it re-execs itself into the child role (via --child/--jail) for
// every sandboxed document-viewing worker it spawns.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/docgw/docgwd/channel"
	"github.com/docgw/docgwd/config"
	"github.com/docgw/docgwd/docgwerr"
	"github.com/docgw/docgwd/filexfer"
	"github.com/docgw/docgwd/gatewayhttp"
	"github.com/docgw/docgwd/jail"
	"github.com/docgw/docgwd/kit"
	"github.com/docgw/docgwd/kit/childproto"
	"github.com/docgw/docgwd/kit/mock"
	"github.com/docgw/docgwd/queue"
	"github.com/docgw/docgwd/session"
	"github.com/docgw/docgwd/supervisor"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(config.ExitUnavailable)
	}
	log := logger.Sugar()
	defer log.Sync()

	app := &cli.App{
		Name:   "docgwd",
		Usage:  "multi-process document-viewing session broker",
		Before: rejectReservedFlags,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: 9980, Usage: "public listen port"},
			&cli.IntFlag{Name: "internal-port", Value: 9981, Usage: "internal (loopback) listen port"},
			&cli.IntFlag{Name: "file-port", Value: 9982, Usage: "file-transfer side channel (loopback) port"},
			&cli.StringFlag{Name: "cache", Usage: "tile cache directory"},
			&cli.StringFlag{Name: "systemplate", Usage: "system template tree to replicate into every jail"},
			&cli.StringFlag{Name: "lotemplate", Usage: "document engine install tree to replicate into every jail"},
			&cli.StringFlag{Name: "childroot", Usage: "parent directory of every child's jail"},
			&cli.StringFlag{Name: "losubpath", Value: "lo", Usage: "jail-relative path for the document engine install"},
			&cli.IntFlag{Name: "numprespawns", Value: 10, Usage: "initial child pool size"},
			&cli.BoolFlag{Name: "test", Usage: "forces pool size 1 (no interactive mode)"},
			&cli.Uint64Flag{Name: "child", Usage: "reserved internal: this process's ChildID"},
			&cli.StringFlag{Name: "jail", Usage: "reserved internal: this process's already-built jail root"},
		},
		Action: run(log),
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorw("exiting", "err", err)
		os.Exit(exitCodeFor(err))
	}
}

// rejectReservedFlags enforces SPEC_FULL.md §6.1: --child and --jail are
// only legitimate on a command line docgwd generated itself, via the
// DOCGWD_INTERNAL marker its own re-exec always sets.
func rejectReservedFlags(c *cli.Context) error {
	if (c.IsSet("child") || c.IsSet("jail")) && os.Getenv("DOCGWD_INTERNAL") != "1" {
		return fmt.Errorf("--child and --jail are reserved for internal use")
	}
	return nil
}

func exitCodeFor(err error) int {
	if docgwerr.KindOf(err) == docgwerr.StartupFatal {
		return config.ExitUnavailable
	}
	return config.ExitUsage
}

func run(log *zap.SugaredLogger) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg := config.Config{
			Port:         c.Int("port"),
			InternalPort: c.Int("internal-port"),
			FilePort:     c.Int("file-port"),
			Cache:        c.String("cache"),
			SysTemplate:  c.String("systemplate"),
			LOTemplate:   c.String("lotemplate"),
			ChildRoot:    c.String("childroot"),
			LOSubPath:    c.String("losubpath"),
			NumPreSpawns: c.Int("numprespawns"),
			Test:         c.Bool("test"),
			ChildID:      c.Uint64("child"),
			Jail:         c.String("jail"),
			DebugAsRoot:  os.Getenv("DOCGWD_DEBUG_AS_ROOT") == "1",
		}
		if s := os.Getenv("SLEEPFORDEBUGGER"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				cfg.SleepForDebuggerSeconds = n
			}
		}

		if cfg.IsChild() {
			return runChild(c.Context, cfg, log)
		}
		return runMaster(c.Context, cfg, log)
	}
}

func runMaster(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating options: %w", err)
	}
	if cfg.Cache != "" {
		if err := checkCacheAccessible(cfg.Cache); err != nil {
			return docgwerr.New(docgwerr.StartupFatal, "cache check", err)
		}
	}
	if err := checkSameFilesystem(cfg.ChildRoot, cfg.SysTemplate, cfg.LOTemplate); err != nil {
		return docgwerr.New(docgwerr.StartupFatal, "filesystem check", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(cfg, log.Named("supervisor"))
	if err != nil {
		return docgwerr.New(docgwerr.StartupFatal, "supervisor init", err)
	}
	defer sup.Shutdown()

	pairing := session.NewPairing()
	gw := gatewayhttp.New(cfg, sup, pairing, log.Named("gatewayhttp"))

	// Bind both listeners before any child exists: a pre-spawned child
	// back-connects to the internal port almost immediately, and would
	// race a listener that isn't bound yet.
	if err := gw.Listen(); err != nil {
		return docgwerr.New(docgwerr.StartupFatal, "gateway listen", err)
	}

	n := cfg.NumPreSpawns
	if cfg.Test {
		n = 1
	}
	if err := sup.PreSpawn(ctx, n); err != nil {
		return docgwerr.New(docgwerr.StartupFatal, "pre-spawn", err)
	}
	go sup.ReaperLoop(ctx)

	fx := filexfer.New(log.Named("filexfer"))
	go func() {
		if err := fx.Serve(ctx, cfg.FileXferAddr()); err != nil && ctx.Err() == nil {
			log.Warnw("file-transfer side channel stopped", "err", err)
		}
	}()

	log.Infow("docgwd master listening", "port", cfg.Port, "internal_port", cfg.InternalPort, "numprespawns", n)
	if err := gw.Serve(ctx); err != nil {
		return docgwerr.New(docgwerr.StartupFatal, "gateway serve", err)
	}
	return nil
}

func runChild(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	if cfg.SleepForDebuggerSeconds > 0 {
		log.Infow("sleeping for debugger", "seconds", cfg.SleepForDebuggerSeconds)
		time.Sleep(time.Duration(cfg.SleepForDebuggerSeconds) * time.Second)
	}

	j := &jail.Jail{Root: cfg.Jail, LOPath: "/" + cfg.LOSubPath}
	if err := j.Enter(cfg.DebugAsRoot); err != nil {
		return docgwerr.New(docgwerr.StartupFatal, "jail enter", err)
	}

	// The real document engine is an external collaborator out of scope
	// for this repository; the mock stands in for it everywhere docgwd
	// itself runs a child.
	k := mock.New()
	if err := connectAndServe(ctx, cfg, k, log.Named("child")); err != nil {
		return docgwerr.New(docgwerr.StartupFatal, "child session", err)
	}
	return nil
}

func connectAndServe(ctx context.Context, cfg config.Config, k kit.Kit, log *zap.SugaredLogger) error {
	url := "ws://" + cfg.InternalAddr() + config.ChildURI
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing master on %s: %w", url, err)
	}
	ch := channel.New(conn, log)

	if err := ch.Send(ctx, []byte(fmt.Sprintf("child %d", cfg.ChildID))); err != nil {
		return fmt.Errorf("sending child handshake: %w", err)
	}

	handler := &childproto.Handler{Kit: k, Sender: ch, Log: log}
	sess := session.New(session.ToChild, cfg.ChildID, ch, queue.New(), handler, nil, log)
	sess.Run(ctx)
	return nil
}

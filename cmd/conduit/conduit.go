// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

// Program conduit is a command-line utility for exercising conduit channels.
package main

import (
	"bufio"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/config"
	"github.com/creachadair/conduit/internal/logging"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/relay"
	"github.com/creachadair/conduit/status"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

var flags struct {
	Config      string `flag:"config,Configuration file path"`
	MetricsAddr string `flag:"metrics-addr,Serve channel metrics over HTTP at this address"`
}

var connectFlags struct {
	Send bool          `flag:"send,Send lines of standard input to the server"`
	Poll time.Duration `flag:"poll,default=100ms,Polling interval for shared-memory channels"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for exercising conduit channels.

Settings are read from the configuration file named by --config, or from
conduit.yaml in the working directory. Any setting may be overridden by an
environment variable, for example CONDUIT_LOG_LEVEL=debug.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name:  "listen",
				Usage: "<type>",
				Help: `Start a server channel of the given type.

The definition of the server is printed to stdout. Each line read from stdin
is then sent as a message to every client of the server. The server exits at
the end of input, or when interrupted.

Types: tcp, udp, uds, shm, ws`,
				Run: runListen,
			},
			{
				Name:  "connect",
				Usage: "<def>",
				Help: `Connect to a server channel and print the messages it sends.

A definition has the form type://address, for example:

  tcp://127.0.0.1:5000
  uds:///tmp/server.sock
  uds://@abstract-name
  shm+uds://@broker-name`,
				SetFlags: command.Flags(flax.MustBind, &connectFlags),
				Run:      runConnect,
			},
			{
				Name:  "def",
				Usage: "<def>...",
				Help:  "Check channel definitions, and print them as a YAML source.",
				Run:   runDef,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// app is the shared state of the subcommands.
type app struct {
	cfg      *config.Config
	settings conduit.Settings
	log      *zap.Logger
	logs     io.Closer
}

// setup loads the configuration and installs the logger.
func setup() (*app, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	log, logs, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, settings: settings, log: log, logs: logs}, nil
}

// run starts a loop and runs fn with a context that ends when the process
// is interrupted. If --metrics-addr is set, channel metrics are served
// while fn runs.
func (a *app) run(fn func(context.Context, *loop.Loop) error) error {
	defer a.logs.Close()
	defer a.log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, err := loop.New()
	if err != nil {
		return err
	}
	stop := lp.Start(ctx)
	defer stop()

	if flags.MetricsAddr != "" {
		expvar.Publish("conduit", conduit.Metrics())
		srv := &http.Server{Addr: flags.MetricsAddr, Handler: expvar.Handler()}
		g := taskgroup.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		defer func() { srv.Close(); g.Wait() }()
		a.log.Info("serving metrics", zap.String("addr", flags.MetricsAddr))
	}

	err = fn(ctx, lp)
	a.log.Debug("channel metrics", zap.Stringer("metrics", conduit.Metrics()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sizeBuffers applies the configured buffer sizes to ch.
func (a *app) sizeBuffers(ch *conduit.Channel) {
	if n := a.cfg.Net.SendBufferSize; n > 0 {
		if err := ch.SetSendBufferSize(n); err != nil {
			a.log.Warn("set send buffer size", zap.Error(err))
		}
	}
	if n := a.cfg.Net.ReceiveBufferSize; n > 0 {
		if err := ch.SetReceiveBufferSize(n); err != nil {
			a.log.Warn("set receive buffer size", zap.Error(err))
		}
	}
}

func runListen(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected a channel type")
	}
	typ, err := chandef.ParseType(env.Args[0])
	if err != nil {
		return env.Usagef("invalid channel type: %v", err)
	}
	a, err := setup()
	if err != nil {
		return err
	}
	return a.run(func(ctx context.Context, lp *loop.Loop) error {
		srv, err := conduit.NewChannel(lp, typ, a.settings)
		if err != nil {
			return err
		}
		var def chandef.Def
		lp.Do(func() {
			def, err = srv.Listen()
			if err != nil {
				return
			}
			a.sizeBuffers(srv)
			if typ == chandef.TCP || typ == chandef.UDS || typ == chandef.WS {
				srv.AcceptLoop(func(err error) {
					if err != nil {
						a.log.Warn("accept failed", zap.Error(err))
					} else {
						a.log.Info("client connected")
					}
				})
			}
		})
		if err != nil {
			lp.Do(func() { srv.Close() })
			return err
		}
		fmt.Println(def)

		rc := relay.New(lp, srv)
		defer rc.Close()
		return sendLines(ctx, a.log, rc, os.Stdin)
	})
}

// sendLines sends each line of r to c until the input ends or ctx ends.
// Errors from sends that nobody receives are logged.
func sendLines(ctx context.Context, log *zap.Logger, c relay.Conn, r io.Reader) error {
	lines := make(chan string)
	g := taskgroup.Go(func() error {
		defer close(lines)
		s := bufio.NewScanner(r)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return nil
			}
		}
		return s.Err()
	})
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return g.Wait()
			}
			if err := c.Send(ctx, []byte(line)); err != nil {
				if !status.Is(err, status.NetworkError) {
					return err
				}
				log.Warn("send failed", zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runConnect(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected a channel definition")
	}
	def, err := chandef.ParseDef(env.Args[0])
	if err != nil {
		return env.Usagef("invalid channel definition: %v", err)
	}
	a, err := setup()
	if err != nil {
		return err
	}
	return a.run(func(ctx context.Context, lp *loop.Loop) error {
		ch, err := conduit.NewChannel(lp, def.Type, a.settings)
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		lp.Do(func() { ch.Connect(def, func(err error) { done <- err }) })
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			lp.Do(func() { ch.Close() })
			return err
		}
		lp.Do(func() { a.sizeBuffers(ch) })
		a.log.Info("connected", zap.Stringer("def", def))

		rc := relay.New(lp, ch)
		defer rc.Close()

		g := taskgroup.New(nil)
		if connectFlags.Send {
			g.Go(func() error { return sendLines(ctx, a.log, rc, os.Stdin) })
		}
		g.Go(func() error { return printMessages(ctx, rc, def.Type, connectFlags.Poll) })
		return g.Wait()
	})
}

// printMessages prints the messages received from c to stdout. A shared
// memory channel reports Unavailable when there is no new message, so it is
// polled at the given interval.
func printMessages(ctx context.Context, c relay.Conn, typ chandef.Type, poll time.Duration) error {
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for {
		msg, err := c.Recv(ctx)
		if typ == chandef.SHM && status.Is(err, status.Unavailable) {
			w.Flush()
			select {
			case <-time.After(poll):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err != nil {
			return err
		}
		w.Write(msg)
		w.WriteByte('\n')
		if typ != chandef.SHM {
			w.Flush()
		}
	}
}

func runDef(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing channel definitions")
	}
	return writeDefs(os.Stdout, env.Args)
}

// writeDefs parses the definitions in args, and writes them to w as the YAML
// encoding of a source.
func writeDefs(w io.Writer, args []string) error {
	var src chandef.Source
	for _, arg := range args {
		def, err := chandef.ParseDef(arg)
		if err != nil {
			return fmt.Errorf("definition %q: %w", arg, err)
		}
		src.Defs = append(src.Defs, def)
	}
	if !src.Valid() {
		return errors.New("definitions must be valid and of distinct types")
	}
	out, err := src.EncodeYAML()
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

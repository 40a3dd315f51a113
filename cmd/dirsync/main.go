package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/dirsync/internal/client"
	"github.com/alexjbarnes/dirsync/internal/config"
	"github.com/alexjbarnes/dirsync/internal/fingerprint"
	"github.com/alexjbarnes/dirsync/internal/logging"
	"github.com/alexjbarnes/dirsync/internal/rootfs"
	"github.com/alexjbarnes/dirsync/internal/server"
	"github.com/alexjbarnes/dirsync/internal/state"
	"github.com/alexjbarnes/dirsync/internal/wire"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// exitAutoShutdown is the exit status after the shutdown timer fires.
const exitAutoShutdown = 42

var errAutoShutdown = errors.New("auto shutdown")

// tokenInput is where the token is read from when no flag or env provides
// it.
var tokenInput = os.Stdin

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

// execute runs the command line and returns the process exit status.
func execute(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	cmd := &cobra.Command{
		Use:           "dirsync [dirs...]",
		Short:         "Continuously one-way sync local directories into a remote machine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Resolve(args); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ctx, cancel := context.WithTimeoutCause(ctx, cfg.ShutdownAfter(), errAutoShutdown)
			defer cancel()

			token, err := readToken(ctx, cfg.Token)
			if err != nil {
				return err
			}

			return run(ctx, cfg, token)
		},
	}
	cfg.BindFlags(cmd)
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(ctx)

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errAutoShutdown):
		return exitAutoShutdown
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
}

// readToken reads the token unless ctx ends first. A prompt left
// unanswered does not hold the process past its shutdown time.
func readToken(ctx context.Context, flagToken string) (string, error) {
	type result struct {
		token string
		err   error
	}

	done := make(chan result, 1)

	go func() {
		token, err := config.ReadToken(flagToken, tokenInput, os.Stderr)
		done <- result{token: token, err: err}
	}()

	select {
	case r := <-done:
		return r.token, r.err
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), errAutoShutdown) {
			fmt.Fprintln(os.Stderr, "\nno token entered, auto shutdown has been triggered")
		}

		return "", context.Cause(ctx)
	}
}

// run starts the monitor and the role loop and blocks until ctx ends or
// either of them fails.
func run(ctx context.Context, cfg *config.Config, token string) error {
	logger := logging.NewLogger(cfg.Environment, cfg.Verbosity)
	logger.Info("dirsync starting",
		slog.String("version", Version),
		slog.String("mode", cfg.Mode),
		slog.Any("dirs", cfg.Dirs),
		slog.Int("port", cfg.Port),
		slog.String("network", cfg.Network()),
	)

	monitor, closeStore, err := newMonitor(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	roots := make([]*rootfs.Root, 0, len(cfg.Dirs))

	for _, root := range monitor.Roots() {
		r, err := rootfs.New(root)
		if err != nil {
			return err
		}

		roots = append(roots, r)
	}

	codec := wire.NewCodec(cfg.Identity, token)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	g.Go(func() error {
		if cfg.Mode == config.ModeRemote {
			return runRemote(gctx, cfg, codec, monitor, roots, logger)
		}

		return runLocal(gctx, cfg, codec, monitor, roots, logger)
	})

	err = g.Wait()

	if errors.Is(context.Cause(ctx), errAutoShutdown) {
		logger.Error("auto shutdown has been triggered, the program is exiting",
			slog.Int("shutdown_secs", cfg.ShutdownSecs),
		)

		return errAutoShutdown
	}

	if ctx.Err() != nil {
		logger.Info("dirsync stopped")
		return nil
	}

	return err
}

// newMonitor opens the fingerprint cache unless disabled and performs the
// initial crawl. The returned func closes the cache.
func newMonitor(cfg *config.Config, logger *slog.Logger) (*fingerprint.Monitor, func(), error) {
	excludes, err := fingerprint.CompileExcludes(cfg.Exclude)
	if err != nil {
		return nil, nil, err
	}

	monitorCfg := fingerprint.MonitorConfig{
		Roots:    cfg.Dirs,
		Excludes: excludes,
	}

	closeStore := func() {}

	statePath, err := cfg.ResolveStatePath()
	if err != nil {
		return nil, nil, err
	}

	if statePath != "" {
		st, err := state.LoadAt(statePath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading state: %w", err)
		}

		monitorCfg.Store = st
		closeStore = func() { st.Close() }

		logger.Debug("fingerprint cache opened", slog.String("path", statePath))
	}

	monitor, err := fingerprint.NewMonitor(monitorCfg, logger)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("starting monitor: %w", err)
	}

	logger.Info("initial crawl complete", slog.Int("files", monitor.Snapshots().TotalFiles()))

	return monitor, closeStore, nil
}

// runRemote serves uploads into roots.
func runRemote(ctx context.Context, cfg *config.Config, codec *wire.Codec, monitor *fingerprint.Monitor, roots []*rootfs.Root, logger *slog.Logger) error {
	handler := server.NewHandler(monitor, server.NewWriter(roots, logger), logger)

	srv := server.New(server.Config{
		Network: cfg.Network(),
		Port:    cfg.Port,
	}, codec, handler, logger)

	return srv.Run(ctx)
}

// runLocal pushes roots to the remote peer.
func runLocal(ctx context.Context, cfg *config.Config, codec *wire.Codec, monitor *fingerprint.Monitor, roots []*rootfs.Root, logger *slog.Logger) error {
	uploader := client.NewUploader(monitor, roots, logger)

	c := client.New(client.Config{
		Network: cfg.Network(),
		Host:    cfg.Remote,
		Port:    cfg.Port,
	}, codec, uploader, logger)

	logger.Info("syncing to remote", slog.String("addr", c.Addr()))

	return c.Run(ctx)
}

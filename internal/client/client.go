// Package client implements the local role: it keeps a connection to the
// remote peer and pushes local changes to it on a fixed cycle.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	syncerrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/wire"
)

const (
	DefaultDialTimeout   = 5 * time.Second
	DefaultCycleInterval = 3 * time.Second
	DefaultRetryDelay    = 1 * time.Second
)

// Config holds the connection settings.
type Config struct {
	// Network is "tcp4" or "tcp6".
	Network string
	Host    string
	Port    int

	DialTimeout   time.Duration
	IdleTimeout   time.Duration
	CycleInterval time.Duration
	RetryDelay    time.Duration
}

// Client drives the reconnect loop.
type Client struct {
	cfg      Config
	codec    *wire.Codec
	uploader *Uploader
	logger   *slog.Logger
}

// New creates a Client. Zero durations fall back to the defaults.
func New(cfg Config, codec *wire.Codec, uploader *Uploader, logger *slog.Logger) *Client {
	if cfg.Network == "" {
		cfg.Network = "tcp4"
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = wire.DefaultIdleTimeout
	}

	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	return &Client{
		cfg:      cfg,
		codec:    codec,
		uploader: uploader,
		logger:   logger.With(slog.String("component", "client")),
	}
}

// Addr returns the remote address the client dials.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Run connects, syncs, and reconnects after any failure until ctx is
// cancelled. The only other way out is a peer configured with a different
// number of roots.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, syncerrors.ErrRootCountMismatch) {
			return err
		}

		switch {
		case errors.Is(err, syncerrors.ErrPeerDisconnected):
			c.logger.Warn("server disconnected, reconnecting", slog.Duration("retry_in", c.cfg.RetryDelay))
		case syncerrors.IsProtocol(err):
			c.logger.Error("protocol error, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", c.cfg.RetryDelay),
			)
		default:
			c.logger.Warn("connection failed, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", c.cfg.RetryDelay),
			)
		}

		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to failure. It always returns a
// non-nil error.
func (c *Client) session(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, c.cfg.Network, c.Addr())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.Addr(), err)
	}

	ch := wire.NewChannel(conn, c.codec, c.cfg.IdleTimeout, c.logger)
	defer ch.Close()

	logger := c.logger.With(slog.String("conn_id", ch.ID()))

	if _, err := exchange(ctx, ch, &wire.PingRequest{}); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	logger.Info("connected", slog.String("remote", c.Addr()))

	for {
		n, err := c.uploader.Sync(ctx, ch)
		if err != nil {
			return err
		}

		if n > 0 {
			logger.Debug("cycle complete", slog.Int("uploaded", n))
		}

		timer := time.NewTimer(c.cfg.CycleInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

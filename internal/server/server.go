// Package server implements the remote role: it accepts one client at a
// time, answers diff requests against its own roots and writes uploads.
package server

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

// Config holds the listener settings.
type Config struct {
	// Network is "tcp4" or "tcp6".
	Network string
	Port    int

	// IdleTimeout closes a connection that sends nothing for this long.
	IdleTimeout time.Duration
}

// Server owns the listening socket and the active connection.
type Server struct {
	cfg     Config
	codec   *wire.Codec
	handler *Handler
	logger  *slog.Logger
}

// New creates a Server. codec must use the same identity and token as the
// clients.
func New(cfg Config, codec *wire.Codec, handler *Handler, logger *slog.Logger) *Server {
	if cfg.Network == "" {
		cfg.Network = "tcp4"
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = wire.DefaultIdleTimeout
	}

	return &Server{
		cfg:     cfg,
		codec:   codec,
		handler: handler,
		logger:  logger.With(slog.String("component", "server")),
	}
}

// Run listens on the configured port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, s.cfg.Network, net.JoinHostPort("", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", s.cfg.Port, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln one at a time. The next connection is
// only accepted once the current one is closed. Serve closes ln and returns
// ctx.Err() when ctx is cancelled. A peer configured with a different
// number of roots is a configuration error and stops the server.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		s.logger.Info("listening", slog.String("addr", ln.Addr().String()))

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("accepting connection: %w", err)
		}

		if err := s.serveConn(ctx, conn); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// serveConn runs the request loop for one connection and closes it. It
// only returns an error the server cannot recover from.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	ch := wire.NewChannel(conn, s.codec, s.cfg.IdleTimeout, s.logger)
	defer ch.Close()

	logger := s.logger.With(
		slog.String("conn_id", ch.ID()),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	logger.Info("connected")

	handled := 0
	err := s.loop(ctx, ch, &handled)

	switch {
	case ctx.Err() != nil:
		logger.Info("connection closed on shutdown")
	case errors.Is(err, syncerrors.ErrRootCountMismatch):
		logger.Error("client watches a different number of dirs", slog.String("error", err.Error()))
		return err
	case errors.Is(err, syncerrors.ErrPeerDisconnected):
		logger.Info("client disconnected", slog.Int("requests", handled))
	case errors.Is(err, syncerrors.ErrIdleTimeout):
		logger.Warn("client idle, closing connection", slog.Int("requests", handled))
	case syncerrors.IsProtocol(err):
		logger.Error("protocol error, closing connection", slog.String("error", err.Error()))
	default:
		logger.Warn("closing connection", slog.String("error", err.Error()))
	}

	return nil
}

func (s *Server) loop(ctx context.Context, ch *wire.Channel, handled *int) error {
	for {
		req, err := ch.Receive(ctx)
		if err != nil {
			return err
		}

		resp, err := s.handler.Handle(ctx, req)
		if err != nil {
			return fmt.Errorf("handling %s: %w", req.Type(), err)
		}

		if err := ch.Send(ctx, resp); err != nil {
			return err
		}

		*handled++
	}
}

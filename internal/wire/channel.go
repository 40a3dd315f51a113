package wire

//go:generate mockgen -source=channel.go -destination=mock_conn_test.go -package=wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/google/uuid"
)

const (
	// ReadChunkSize is the maximum number of bytes requested per read.
	ReadChunkSize = 1024 * 1024

	// DefaultIdleTimeout is how long Receive waits for the next bytes
	// before giving up on the peer.
	DefaultIdleTimeout = 5 * time.Second
)

// Conn is the subset of net.Conn a Channel needs.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// Channel exchanges framed messages over one connection. It reassembles
// frames split across reads and holds bytes that arrived ahead of the
// current frame. A Channel is not safe for concurrent Receive calls.
type Channel struct {
	conn        Conn
	codec       *Codec
	idleTimeout time.Duration
	logger      *slog.Logger
	id          string

	buf     []byte
	chunk   []byte
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps conn. An idleTimeout of zero disables the read
// deadline.
func NewChannel(conn Conn, codec *Codec, idleTimeout time.Duration, logger *slog.Logger) *Channel {
	id := uuid.NewString()

	return &Channel{
		conn:        conn,
		codec:       codec,
		idleTimeout: idleTimeout,
		logger:      logger.With(slog.String("conn_id", id)),
		id:          id,
		chunk:       make([]byte, ReadChunkSize),
	}
}

// ID returns the connection id used in log lines.
func (c *Channel) ID() string {
	return c.id
}

// Receive returns the next message. Frames already buffered are returned
// without touching the connection.
func (c *Channel) Receive(ctx context.Context) (*Message, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		msg, rest, err := c.codec.Unmarshal(c.buf)
		if err != nil {
			return nil, err
		}

		if msg != nil {
			n := copy(c.buf, rest)
			c.buf = c.buf[:n]

			c.logger.Debug("received message",
				slog.String("type", msg.Type().String()),
				slog.Int("buffered", n),
			)

			return msg, nil
		}

		if c.readErr != nil {
			return nil, c.readErr
		}

		if c.idleTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				c.readErr = c.readError(ctx, err)
				continue
			}
		}

		n, err := c.conn.Read(c.chunk)
		if n > 0 {
			c.buf = append(c.buf, c.chunk[:n]...)
		}

		switch {
		case err != nil:
			c.readErr = c.readError(ctx, err)
		case n == 0:
			c.readErr = syncerrors.ErrPeerDisconnected
		}
	}
}

// Send writes msg as one frame, retrying short writes until the whole frame
// is flushed.
func (c *Channel) Send(ctx context.Context, msg *Message) error {
	frame, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for data := frame; len(data) > 0; {
		n, err := c.conn.Write(data)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("writing %s: %w", msg.Type(), err)
		}

		if n == 0 {
			return fmt.Errorf("writing %s: %w", msg.Type(), io.ErrShortWrite)
		}

		data = data[n:]
	}

	c.logger.Debug("sent message",
		slog.String("type", msg.Type().String()),
		slog.Int("bytes", len(frame)),
	)

	return nil
}

// Close closes the connection. Only the first call has any effect.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

// readError classifies a failed read. Cancellation wins over the error the
// forced close produced.
func (c *Channel) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, io.EOF) {
		return syncerrors.ErrPeerDisconnected
	}

	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: no data for %s", syncerrors.ErrIdleTimeout, c.idleTimeout)
	}

	return fmt.Errorf("reading from connection: %w", err)
}

package e2e_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alexjbarnes/dirsync/internal/client"
	"github.com/alexjbarnes/dirsync/internal/fingerprint"
	"github.com/alexjbarnes/dirsync/internal/rootfs"
	"github.com/alexjbarnes/dirsync/internal/server"
	"github.com/alexjbarnes/dirsync/internal/state"
	"github.com/alexjbarnes/dirsync/internal/wire"
	"github.com/stretchr/testify/require"
)

const (
	testIdentity = "e2e-user"
	testToken    = "e2e-test-token"
)

var logger = slog.New(slog.DiscardHandler)

// peer is one side of a sync pair: its roots, their monitor and sandboxes.
type peer struct {
	Dirs    []string
	Monitor *fingerprint.Monitor
	Roots   []*rootfs.Root
	State   *state.State
}

type peerOptions struct {
	interval time.Duration
	stateDB  string
}

func newPeer(t *testing.T, dirs []string, opts peerOptions) *peer {
	t.Helper()

	cfg := fingerprint.MonitorConfig{
		Roots:        dirs,
		Interval:     opts.interval,
		DisableWatch: true,
	}

	p := &peer{Dirs: dirs}

	if opts.stateDB != "" {
		st, err := state.LoadAt(opts.stateDB)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })

		cfg.Store = st
		p.State = st
	}

	m, err := fingerprint.NewMonitor(cfg, logger)
	require.NoError(t, err)

	p.Monitor = m

	for _, d := range m.Roots() {
		r, err := rootfs.New(d)
		require.NoError(t, err)

		p.Roots = append(p.Roots, r)
	}

	return p
}

// runInBackground runs fn until the test ends and checks it stopped on
// cancellation.
func runInBackground(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- fn(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("background loop: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("background loop did not stop")
		}
	})
}

// startRemote serves p on a loopback port and returns the port.
func startRemote(t *testing.T, p *peer) int {
	t.Helper()

	handler := server.NewHandler(p.Monitor, server.NewWriter(p.Roots, logger), logger)
	srv := server.New(server.Config{IdleTimeout: 2 * time.Second}, wire.NewCodec(testIdentity, testToken), handler, logger)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	runInBackground(t, func(ctx context.Context) error {
		return srv.Serve(ctx, ln)
	})

	return ln.Addr().(*net.TCPAddr).Port
}

// connect opens a raw channel to the remote.
func connect(t *testing.T, port int) *wire.Channel {
	t.Helper()

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)

	ch := wire.NewChannel(conn, wire.NewCodec(testIdentity, testToken), 2*time.Second, logger)
	t.Cleanup(func() { ch.Close() })

	return ch
}

func newUploader(p *peer) *client.Uploader {
	return client.NewUploader(p.Monitor, p.Roots, logger)
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// fileContent returns the file's content, or "" with ok=false if missing.
func fileContent(dir, rel string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}

	return string(data), true
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

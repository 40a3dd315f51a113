package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	syncerrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/models"
	"github.com/alexjbarnes/dirsync/internal/rootfs"
	"github.com/alexjbarnes/dirsync/internal/wire"
	"github.com/dustin/go-humanize"
)

// Snapshotter supplies the current fingerprints of the local roots.
// *fingerprint.Monitor satisfies it.
type Snapshotter interface {
	Snapshots() models.Snapshots
}

// Transport sends a request and receives its response. *wire.Channel
// satisfies it.
type Transport interface {
	Send(ctx context.Context, msg *wire.Message) error
	Receive(ctx context.Context) (*wire.Message, error)
}

// Uploader runs sync cycles: ask the server what differs, then upload it.
type Uploader struct {
	snapshots Snapshotter
	roots     []*rootfs.Root
	logger    *slog.Logger
}

// NewUploader creates an Uploader. roots must be in the same order as the
// roots behind snapshots.
func NewUploader(snapshots Snapshotter, roots []*rootfs.Root, logger *slog.Logger) *Uploader {
	return &Uploader{
		snapshots: snapshots,
		roots:     roots,
		logger:    logger.With(slog.String("component", "uploader")),
	}
}

// Sync runs one cycle over t and returns the number of files uploaded. No
// upload request is sent when the server reports nothing to do.
func (u *Uploader) Sync(ctx context.Context, t Transport) (int, error) {
	snaps := u.snapshots.Snapshots()

	resp, err := exchange(ctx, t, &wire.DiffRequest{Files: snaps})
	if err != nil {
		return 0, err
	}

	result := resp.Body.(*wire.DiffResponse).Diff
	if len(result) != len(u.roots) {
		return 0, fmt.Errorf("%w: local_dirs=%d remote_dirs=%d",
			syncerrors.ErrRootCountMismatch, len(u.roots), len(result))
	}

	u.logger.Debug("diff received",
		slog.Int("local_files", snaps.TotalFiles()),
		slog.Int("to_upload", result.TotalPaths()),
	)

	batches, files, size := u.collect(result)
	if files == 0 {
		return 0, nil
	}

	if _, err := exchange(ctx, t, &wire.UploadRequest{Files: batches}); err != nil {
		return 0, err
	}

	u.logger.Info("uploaded files",
		slog.Int("files", files),
		slog.String("bytes", humanize.Bytes(size)),
	)

	return files, nil
}

// collect reads every listed file fresh from disk. A file that cannot be
// read, usually because it was removed after hashing, is skipped.
func (u *Uploader) collect(result models.DiffResult) ([]wire.UploadBatch, int, uint64) {
	batches := make([]wire.UploadBatch, len(result))

	var (
		files int
		size  uint64
	)

	for i, paths := range result {
		batch := make(wire.UploadBatch, 0, len(paths))

		for _, p := range paths {
			data, err := u.roots[i].ReadFile(p)
			if err != nil {
				u.logger.Warn("skipping file",
					slog.String("root", u.roots[i].Dir()),
					slog.String("path", p),
					slog.String("error", err.Error()),
				)

				continue
			}

			batch = append(batch, wire.UploadFile{
				Path:    p,
				Content: base64.StdEncoding.EncodeToString(data),
			})
			files++
			size += uint64(len(data))
		}

		batches[i] = batch
	}

	return batches, files, size
}

// exchange sends a request and waits for the matching response type.
func exchange(ctx context.Context, t Transport, body wire.Body) (*wire.Message, error) {
	req := wire.NewMessage(body)

	if err := t.Send(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.Receive(ctx)
	if err != nil {
		return nil, err
	}

	if want := req.Type().Response(); resp.Type() != want {
		return nil, fmt.Errorf("%w: sent %s, got %s", syncerrors.ErrUnexpectedMessage, req.Type(), resp.Type())
	}

	return resp, nil
}

package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/dirsync/internal/rootfs"
	"github.com/alexjbarnes/dirsync/internal/wire"
	"github.com/dustin/go-humanize"
)

// Writer stores uploaded files into the configured roots. Batch i of an
// upload belongs to root i.
type Writer struct {
	roots  []*rootfs.Root
	logger *slog.Logger
}

// NewWriter creates a writer over roots, in configuration order.
func NewWriter(roots []*rootfs.Root, logger *slog.Logger) *Writer {
	return &Writer{
		roots:  roots,
		logger: logger.With(slog.String("component", "writer")),
	}
}

// Write decodes and writes every file of every batch. A failing file is
// logged and skipped so the rest of the batch still lands; the joined
// errors are returned once all files were attempted. Files already written
// are not rolled back.
func (w *Writer) Write(batches []wire.UploadBatch) error {
	if len(batches) > len(w.roots) {
		return fmt.Errorf("upload has %d batches but only %d roots are configured", len(batches), len(w.roots))
	}

	var (
		errs    []error
		written int
		total   uint64
	)

	for i, batch := range batches {
		root := w.roots[i]

		for _, f := range batch {
			n, err := w.writeOne(root, f)
			if err != nil {
				w.logger.Warn("failed to write uploaded file",
					slog.String("root", root.Dir()),
					slog.String("path", f.Path),
					slog.String("error", err.Error()),
				)

				errs = append(errs, err)

				continue
			}

			written++
			total += uint64(n) //nolint:gosec // G115: lengths are non-negative

			w.logger.Debug("wrote file",
				slog.String("root", root.Dir()),
				slog.String("path", f.Path),
				slog.String("size", humanize.Bytes(uint64(n))), //nolint:gosec // G115: lengths are non-negative
			)
		}
	}

	w.logger.Info("upload written",
		slog.Int("files", written),
		slog.Int("failed", len(errs)),
		slog.String("bytes", humanize.Bytes(total)),
	)

	if len(errs) > 0 {
		return fmt.Errorf("writing %d uploaded files: %w", len(errs), errors.Join(errs...))
	}

	return nil
}

func (w *Writer) writeOne(root *rootfs.Root, f wire.UploadFile) (int, error) {
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return 0, fmt.Errorf("decoding %s: %w", f.Path, err)
	}

	if err := root.WriteFile(f.Path, data); err != nil {
		return 0, err
	}

	return len(data), nil
}

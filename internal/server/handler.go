package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/dirsync/internal/diff"
	syncerrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/models"
	"github.com/alexjbarnes/dirsync/internal/wire"
)

// Fingerprints supplies the server's view of its own roots.
// *fingerprint.Monitor satisfies it.
type Fingerprints interface {
	Snapshots() models.Snapshots
	Refresh() error
}

// Handler answers one request at a time.
type Handler struct {
	fingerprints Fingerprints
	writer       *Writer
	logger       *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(fingerprints Fingerprints, writer *Writer, logger *slog.Logger) *Handler {
	return &Handler{
		fingerprints: fingerprints,
		writer:       writer,
		logger:       logger.With(slog.String("component", "handler")),
	}
}

// Handle dispatches req and returns the response to send. Any error means
// the connection must be closed.
func (h *Handler) Handle(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	resp, err := h.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// checkResponse rejects a reply whose type is not a response type.
func checkResponse(resp *wire.Message) error {
	if !resp.Type().IsResponse() {
		return fmt.Errorf("%w: handler produced %s", syncerrors.ErrResponseParity, resp.Type())
	}

	return nil
}

func (h *Handler) dispatch(_ context.Context, req *wire.Message) (*wire.Message, error) {
	switch body := req.Body.(type) {
	case *wire.PingRequest:
		return wire.NewMessage(&wire.PingResponse{}), nil

	case *wire.DiffRequest:
		result, err := diff.Diff(body.Files, h.fingerprints.Snapshots())
		if err != nil {
			return nil, err
		}

		h.logger.Info("computed diff",
			slog.Int("client_files", body.Files.TotalFiles()),
			slog.Int("paths_to_upload", result.TotalPaths()),
		)

		return wire.NewMessage(&wire.DiffResponse{Diff: result}), nil

	case *wire.UploadRequest:
		if err := h.writer.Write(body.Files); err != nil {
			return nil, err
		}

		// Pick up the new files now so the client's next diff is empty.
		if err := h.fingerprints.Refresh(); err != nil {
			h.logger.Warn("refresh after upload", slog.String("error", err.Error()))
		}

		return wire.NewMessage(&wire.UploadResponse{}), nil

	default:
		return nil, fmt.Errorf("%w: server cannot handle %s", syncerrors.ErrUnexpectedMessage, req.Type())
	}
}

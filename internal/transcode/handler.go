package transcode

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"crosspost/internal/config"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/services"
	"crosspost/internal/stage"
)

// Handler implements the transcode stage.
type Handler struct {
	cfg        *config.Config
	transcoder Transcoder
	logger     *slog.Logger
}

// NewHandler builds the stage over a transcoder.
func NewHandler(cfg *config.Config, transcoder Transcoder, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:        cfg,
		transcoder: transcoder,
		logger:     logging.NewComponentLogger(logger, "transcode"),
	}
}

// Prepare checks the download artifact is still on disk. A vanished input is
// terminal; retrying cannot regrow a file the download stage already
// recorded as done.
func (h *Handler) Prepare(_ context.Context, unit *queue.Unit) error {
	input, ok := unit.Artifact(queue.StageDownload)
	if !ok {
		return services.Wrap(services.ErrTerminal, queue.StageTranscode, "prepare", "unit has no downloaded file", nil)
	}
	if _, err := os.Stat(input); err != nil {
		return services.Wrap(services.ErrTerminal, queue.StageTranscode, "prepare", "downloaded file missing", err)
	}
	return nil
}

// Execute normalizes the downloaded video to the publish profile.
func (h *Handler) Execute(ctx context.Context, unit *queue.Unit) error {
	if path, ok := unit.Artifact(queue.StageTranscode); ok {
		if _, err := os.Stat(path); err == nil {
			h.logger.Info("reusing transcoded file",
				logging.Int64(logging.FieldUnitID, unit.ID),
				logging.String("path", path))
			return nil
		}
		unit.ClearArtifact(queue.StageTranscode)
	}

	input, _ := unit.Artifact(queue.StageDownload)
	path, err := h.transcoder.Transcode(ctx, input, h.cfg.UnitStagingDir(unit.ID), "encoded")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return services.Wrap(services.ErrRetryable, queue.StageTranscode, "encode", "transcode timed out", err)
		}
		return services.Wrap(services.ErrRetryable, queue.StageTranscode, "encode", "transcode failed", err)
	}
	unit.SetArtifact(queue.StageTranscode, path)
	h.logger.Info("transcode complete",
		logging.Int64(logging.FieldUnitID, unit.ID),
		logging.String("path", path))
	return nil
}

// HealthCheck verifies the encoder binary is available.
func (h *Handler) HealthCheck(_ context.Context) stage.Health {
	if err := h.transcoder.Check(); err != nil {
		return stage.Unhealthy(queue.StageTranscode, err.Error())
	}
	return stage.Healthy(queue.StageTranscode)
}

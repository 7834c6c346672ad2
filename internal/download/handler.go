package download

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

// Handler implements the download stage.
type Handler struct {
	cfg     *config.Config
	fetcher Fetcher
	logger  *slog.Logger
}

// NewHandler builds the stage over a fetcher.
func NewHandler(cfg *config.Config, fetcher Fetcher, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logging.NewComponentLogger(logger, "download"),
	}
}

// Prepare validates the unit and creates its workspace.
func (h *Handler) Prepare(_ context.Context, unit *queue.Unit) error {
	if _, ok := unit.Artifact(queue.StageDownload); ok {
		return nil
	}
	if unit.SourceURL == "" {
		return services.Wrap(services.ErrTerminal, queue.StageDownload, "prepare", "unit has no source url", nil)
	}
	if err := os.MkdirAll(h.cfg.UnitStagingDir(unit.ID), 0o755); err != nil {
		return services.Wrap(services.ErrRetryable, queue.StageDownload, "prepare", "create workspace", err)
	}
	return nil
}

// Execute fetches the source video. A previously downloaded file that is
// still on disk is reused so a resumed unit does not fetch twice.
func (h *Handler) Execute(ctx context.Context, unit *queue.Unit) error {
	if path, ok := unit.Artifact(queue.StageDownload); ok {
		if _, err := os.Stat(path); err == nil {
			h.logger.Info("reusing downloaded file",
				logging.Int64(logging.FieldUnitID, unit.ID),
				logging.String("path", path))
			return nil
		}
		unit.ClearArtifact(queue.StageDownload)
	}

	path, err := h.fetcher.Fetch(ctx, unit.SourceURL, h.cfg.UnitStagingDir(unit.ID), "source")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return services.Wrap(services.ErrRetryable, queue.StageDownload, "fetch", "download timed out", err)
		}
		return services.Wrap(services.ErrRetryable, queue.StageDownload, "fetch", "download failed", err)
	}
	unit.SetArtifact(queue.StageDownload, path)
	h.logger.Info("download complete",
		logging.Int64(logging.FieldUnitID, unit.ID),
		logging.String("path", path))
	return nil
}

// HealthCheck verifies the downloader binary is available.
func (h *Handler) HealthCheck(_ context.Context) stage.Health {
	if err := h.fetcher.Check(); err != nil {
		return stage.Unhealthy(queue.StageDownload, err.Error())
	}
	return stage.Healthy(queue.StageDownload)
}

package publish

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"crosspost/internal/config"
	"crosspost/internal/identity"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/services"
	"crosspost/internal/stage"
)

// Publisher is the behaviour the publish handler needs from the client.
type Publisher interface {
	Publish(ctx context.Context, req Request) error
	Confirm(ctx context.Context, token string) (bool, error)
	HealthCheck(ctx context.Context) error
}

// Handler implements the publish stage. The orchestrator reserves the
// identity and mints the publish token before Execute runs; the handler
// performs the external call.
type Handler struct {
	cfg       *config.Config
	publisher Publisher
	pool      *identity.Pool
	logger    *slog.Logger
}

// NewHandler builds the stage over a publisher and the identity pool.
func NewHandler(cfg *config.Config, publisher Publisher, pool *identity.Pool, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		publisher: publisher,
		pool:      pool,
		logger:    logging.NewComponentLogger(logger, "publish"),
	}
}

// Prepare verifies the video and caption artifacts exist before any
// identity is committed to the attempt.
func (h *Handler) Prepare(_ context.Context, unit *queue.Unit) error {
	video, ok := unit.Artifact(queue.StageTranscode)
	if !ok {
		return services.Wrap(services.ErrTerminal, queue.StagePublish, "prepare", "unit has no transcoded file", nil)
	}
	if _, err := os.Stat(video); err != nil {
		return services.Wrap(services.ErrTerminal, queue.StagePublish, "prepare", "transcoded file missing", err)
	}
	if _, ok, err := unit.CaptionArtifact(); err != nil || !ok {
		return services.Wrap(services.ErrTerminal, queue.StagePublish, "prepare", "unit has no caption", err)
	}
	return nil
}

// Execute posts the video through the reserved identity's environment.
func (h *Handler) Execute(ctx context.Context, unit *queue.Unit) error {
	if unit.AssignedIdentity == 0 || unit.PublishToken == "" {
		return services.Wrap(services.ErrPersistence, queue.StagePublish, "execute", "unit has no reservation", nil)
	}
	ident, err := h.pool.Get(ctx, unit.AssignedIdentity)
	if err != nil {
		return services.Wrap(services.ErrPersistence, queue.StagePublish, "execute", "load identity", err)
	}
	if ident == nil {
		return services.Wrap(services.ErrPersistence, queue.StagePublish, "execute", "reserved identity vanished", nil)
	}
	caption, _, err := unit.CaptionArtifact()
	if err != nil {
		return services.Wrap(services.ErrTerminal, queue.StagePublish, "execute", "decode caption", err)
	}
	video, _ := unit.Artifact(queue.StageTranscode)

	err = h.publisher.Publish(ctx, Request{
		EnvID:     ident.PlatformRef,
		Platform:  h.cfg.Publish.Platform,
		VideoPath: video,
		Caption:   caption.Text(),
		Token:     unit.PublishToken,
	})
	if err != nil {
		return classify(err)
	}
	h.logger.Info("published",
		logging.Int64(logging.FieldUnitID, unit.ID),
		logging.Int64(logging.FieldIdentity, ident.ID),
		logging.String("title", caption.Title))
	return nil
}

// HealthCheck verifies the automation surface is reachable.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if err := h.publisher.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(queue.StagePublish, err.Error())
	}
	return stage.Healthy(queue.StagePublish)
}

// classify maps automation failures onto the orchestrator's taxonomy.
// Policy rejections and bans are final for this unit; captchas and network
// trouble may clear on a later attempt with a different identity.
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Permanent() {
		return services.Wrap(services.ErrTerminal, queue.StagePublish, "upload", "rejected by platform", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrRetryable, queue.StagePublish, "upload", "publish timed out", err)
	}
	return services.Wrap(services.ErrRetryable, queue.StagePublish, "upload", "publish failed", err)
}

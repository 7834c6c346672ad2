package rewrite

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"crosspost/internal/config"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/services"
	"crosspost/internal/stage"
)

const maxCaptionTags = 8

// Rewriter is the behaviour the rewrite handler needs.
type Rewriter interface {
	Rewrite(ctx context.Context, systemPrompt, sourceTitle string) (queue.Caption, error)
	HealthCheck(ctx context.Context) error
}

// Handler implements the rewrite stage.
type Handler struct {
	cfg      *config.Config
	rewriter Rewriter
	logger   *slog.Logger
}

// NewHandler builds the stage over a rewriter.
func NewHandler(cfg *config.Config, rewriter Rewriter, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		rewriter: rewriter,
		logger:   logging.NewComponentLogger(logger, "rewrite"),
	}
}

// Prepare verifies the transcoded artifact exists; the caption describes a
// video that must actually be publishable.
func (h *Handler) Prepare(_ context.Context, unit *queue.Unit) error {
	if _, ok := unit.Artifact(queue.StageTranscode); !ok {
		return services.Wrap(services.ErrTerminal, queue.StageRewrite, "prepare", "unit has no transcoded file", nil)
	}
	return nil
}

// Execute asks the model for a rewritten caption and records it on the unit.
// The unit id seeds the prompt so identical source titles still diverge.
func (h *Handler) Execute(ctx context.Context, unit *queue.Unit) error {
	if _, ok, err := unit.CaptionArtifact(); err == nil && ok {
		return nil
	}

	prompt := RenderPrompt(h.cfg.Rewrite.PromptTemplate, unit.Title, h.cfg.Rewrite.TargetLanguage, unit.ID)
	caption, err := h.rewriter.Rewrite(ctx, prompt, unit.Title)
	if err != nil {
		return classify(err)
	}
	caption.Tags = NormalizeTags(caption.Tags, h.cfg.Rewrite.CustomTags, maxCaptionTags)
	if err := unit.SetCaption(caption); err != nil {
		return services.Wrap(services.ErrRetryable, queue.StageRewrite, "record", "store caption", err)
	}
	h.logger.Info("caption rewritten",
		logging.Int64(logging.FieldUnitID, unit.ID),
		logging.String("title", caption.Title),
		logging.Int("tags", len(caption.Tags)))
	return nil
}

// HealthCheck pings the completion API.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if err := h.rewriter.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(queue.StageRewrite, err.Error())
	}
	return stage.Healthy(queue.StageRewrite)
}

// classify maps client failures onto the orchestrator's taxonomy. Auth and
// request-shape errors cannot heal on retry; everything else can.
func classify(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
			return services.Wrap(services.ErrTerminal, queue.StageRewrite, "complete", "rejected by completion api", err)
		}
	}
	return services.Wrap(services.ErrRetryable, queue.StageRewrite, "complete", "caption rewrite failed", err)
}

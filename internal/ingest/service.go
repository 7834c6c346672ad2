package ingest

import (
	"context"
	"log/slog"

	"crosspost/internal/config"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
)

// Service polls the configured sources round-robin and records fresh
// discoveries in the queue. Re-offered videos are dropped by the store's
// fingerprint constraint.
type Service struct {
	store   *queue.Store
	sources []Source
	batch   int
	logger  *slog.Logger
	next    int
}

// NewService wires the enabled sources from configuration.
func NewService(cfg *config.Config, store *queue.Store, logger *slog.Logger) (*Service, error) {
	sources := make([]Source, 0, len(cfg.Sources))
	for _, src := range cfg.EnabledSources() {
		feed, err := NewFeedSource(src, nil)
		if err != nil {
			return nil, err
		}
		sources = append(sources, feed)
	}
	return NewServiceWithSources(cfg, store, logger, sources...), nil
}

// NewServiceWithSources builds a service over explicit sources.
func NewServiceWithSources(cfg *config.Config, store *queue.Store, logger *slog.Logger, sources ...Source) *Service {
	return &Service{
		store:   store,
		sources: sources,
		batch:   cfg.Ingest.PollBatch,
		logger:  logging.NewComponentLogger(logger, "ingest"),
	}
}

// PollOnce polls every source once, starting after the source that led the
// previous round, and returns how many new units were enqueued. A failing
// source is logged and skipped so one dead feed cannot starve the others.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	if len(s.sources) == 0 {
		return 0, nil
	}
	created := 0
	start := s.next
	s.next = (s.next + 1) % len(s.sources)
	for offset := range s.sources {
		source := s.sources[(start+offset)%len(s.sources)]
		items, err := source.Poll(ctx, s.batch)
		if err != nil {
			if ctx.Err() != nil {
				return created, ctx.Err()
			}
			s.logger.Warn("source poll failed",
				logging.String("source", source.Name()),
				logging.Error(err))
			continue
		}
		for _, item := range items {
			fingerprint := Fingerprint(item)
			unit, fresh, err := s.store.NewUnit(ctx, fingerprint, item.URL, item.AuthorID, item.Title)
			if err != nil {
				s.logger.Error("enqueue discovery failed",
					logging.String("source", source.Name()),
					logging.String(logging.FieldFingerprint, fingerprint),
					logging.Error(err))
				continue
			}
			if !fresh {
				continue
			}
			created++
			s.logger.Info("discovered new video",
				logging.String("source", source.Name()),
				logging.Int64(logging.FieldUnitID, unit.ID),
				logging.String(logging.FieldFingerprint, fingerprint),
				logging.String("title", item.Title))
		}
	}
	return created, nil
}

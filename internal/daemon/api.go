package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"crosspost/internal/identity"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/stage"
)

// Status is the payload served by the status API and rendered by the CLI.
type Status struct {
	Running    bool                     `json:"running"`
	StartedAt  time.Time                `json:"started_at"`
	Inflight   int                      `json:"inflight"`
	Queue      queue.HealthSummary      `json:"queue"`
	Identities map[identity.State]int   `json:"identities"`
	Stages     []stage.Health           `json:"stages,omitempty"`
	Statuses   map[queue.Status]int     `json:"statuses"`
}

// CollectStatus gathers the daemon-wide status snapshot.
func (d *Daemon) CollectStatus(ctx context.Context) (Status, error) {
	health, err := d.store.Health(ctx)
	if err != nil {
		return Status{}, err
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	identStats, err := d.pool.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	d.mu.Lock()
	running := d.cancel != nil
	started := d.started
	d.mu.Unlock()
	return Status{
		Running:    running,
		StartedAt:  started,
		Inflight:   d.manager.InflightCount(),
		Queue:      health,
		Identities: identStats,
		Statuses:   stats,
	}, nil
}

func (d *Daemon) apiHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/status", d.requireToken(func(w http.ResponseWriter, r *http.Request) {
		status, err := d.CollectStatus(r.Context())
		if err != nil {
			d.logger.Error("status collection failed", logging.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
			return
		}
		status.Stages = d.manager.HealthChecks(r.Context())
		writeJSON(w, http.StatusOK, status)
	}))
	mux.HandleFunc("GET /api/queue", d.requireToken(func(w http.ResponseWriter, r *http.Request) {
		var statuses []queue.Status
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				status, ok := queue.ParseStatus(part)
				if !ok {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + part})
					return
				}
				statuses = append(statuses, status)
			}
		}
		units, err := d.store.List(r.Context(), statuses...)
		if err != nil {
			d.logger.Error("queue listing failed", logging.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, unitsPayload(units))
	}))
	mux.HandleFunc("POST /api/queue/abandon", d.requireToken(func(w http.ResponseWriter, r *http.Request) {
		fingerprint := strings.TrimSpace(r.URL.Query().Get("fingerprint"))
		if fingerprint == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fingerprint required"})
			return
		}
		if err := d.manager.Abandon(r.Context(), fingerprint); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
	}))
	return mux
}

func (d *Daemon) requireToken(next http.HandlerFunc) http.HandlerFunc {
	token := strings.TrimSpace(d.cfg.Paths.APIToken)
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// UnitView is the wire shape of one queue entry.
type UnitView struct {
	ID          int64        `json:"id"`
	Fingerprint string       `json:"fingerprint"`
	Title       string       `json:"title"`
	SourceURL   string       `json:"source_url,omitempty"`
	Status      queue.Status `json:"status"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func unitsPayload(units []*queue.Unit) []UnitView {
	out := make([]UnitView, 0, len(units))
	for _, unit := range units {
		out = append(out, UnitView{
			ID:          unit.ID,
			Fingerprint: unit.Fingerprint,
			Title:       unit.Title,
			SourceURL:   unit.SourceURL,
			Status:      unit.Status,
			Error:       unit.ErrorMessage,
			CreatedAt:   unit.CreatedAt,
			UpdatedAt:   unit.UpdatedAt,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

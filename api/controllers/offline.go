package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/packfinderz-offline/api/responses"
	"github.com/angelmondragon/packfinderz-offline/internal/engine"
	"github.com/angelmondragon/packfinderz-offline/internal/scheduler"
	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/validators"
)

// OfflineEngine is the part of the sync engine exposed over HTTP.
type OfflineEngine interface {
	GetOfflineStats(ctx context.Context) (engine.Stats, error)
	ListQueue(ctx context.Context) ([]models.OutboxEntry, error)
	ListFailures(ctx context.Context, limit int) ([]models.OutboxFailure, error)
	Sync(ctx context.Context) (scheduler.Report, error)
	RetryFailed(ctx context.Context, ids ...string) (int64, error)
	RemoveFromSyncQueue(ctx context.Context, entryID string) error
	ClearAllOfflineData(ctx context.Context) error
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type retryRequest struct {
	EntryIDs []string `json:"entry_ids" validate:"omitempty,max=500,dive,required"`
}

func OfflineStats(eng OfflineEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.GetOfflineStats(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stats)
	}
}

// OfflineQueue lists queued mutations, optionally filtered with ?status=pending|in_flight|failed
// and capped with ?limit=.
func OfflineQueue(eng OfflineEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", defaultListLimit, 1, maxListLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var status enums.OutboxStatus
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			parsed, err := enums.ParseOutboxStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter"))
				return
			}
			status = parsed
		}

		entries, err := eng.ListQueue(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]models.OutboxEntry, 0, len(entries))
		for _, entry := range entries {
			if len(out) == limit {
				break
			}
			if status == "" || entry.Status == status {
				out = append(out, entry)
			}
		}
		responses.WriteSuccess(w, map[string]any{"entries": out, "count": len(out)})
	}
}

// OfflineFailures returns the most recent failure audit rows.
func OfflineFailures(eng OfflineEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", defaultListLimit, 1, maxListLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := eng.ListFailures(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"failures": rows, "count": len(rows)})
	}
}

// OfflineSync drains the queue and returns the report.
func OfflineSync(eng OfflineEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := eng.Sync(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

// OfflineRetry requeues failed entries. An empty body retries all of them.
func OfflineRetry(eng OfflineEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retryRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		n, err := eng.RetryFailed(r.Context(), req.EntryIDs...)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int64{"requeued": n})
	}
}

func OfflineRemoveEntry(eng OfflineEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID := strings.TrimSpace(chi.URLParam(r, "entryId"))
		if entryID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "entry id is required"))
			return
		}
		if err := eng.RemoveFromSyncQueue(r.Context(), entryID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"removed": entryID})
	}
}

func OfflineClearData(eng OfflineEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := eng.ClearAllOfflineData(r.Context()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			logg.Warn(r.Context(), "offline.data.cleared")
		}
		responses.WriteSuccess(w, map[string]string{"status": "cleared"})
	}
}

package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/packfinderz-offline/api/responses"
	"github.com/angelmondragon/packfinderz-offline/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readyTimeout = 2 * time.Second

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-PackFinderz-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every named dependency and reports the first that fails.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-PackFinderz-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		status := map[string]string{}
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable").
					WithDetails(map[string]any{"dependency": name}))
				return
			}
			status[name] = "ok"
		}
		status["status"] = "ready"
		responses.WriteSuccess(w, status)
	}
}

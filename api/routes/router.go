package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/packfinderz-offline/api/controllers"
	"github.com/angelmondragon/packfinderz-offline/api/middleware"
	"github.com/angelmondragon/packfinderz-offline/pkg/config"
	"github.com/angelmondragon/packfinderz-offline/pkg/db"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/redis"
)

// NewRouter exposes the sync engine's status surface. redisClient and gatherer are optional.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	eng controllers.OfflineEngine,
	dbP db.Pinger,
	redisClient *redis.Client,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	checks := map[string]controllers.Pinger{}
	if dbP != nil {
		checks["database"] = dbP
	}
	if redisClient != nil {
		checks["redis"] = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, checks))
	})

	r.Route("/api/v1/offline", func(r chi.Router) {
		r.Get("/stats", controllers.OfflineStats(eng, logg))
		r.Get("/queue", controllers.OfflineQueue(eng, logg))
		r.Get("/failures", controllers.OfflineFailures(eng, logg))
		r.Post("/sync", controllers.OfflineSync(eng, logg))
		r.Post("/queue/retry", controllers.OfflineRetry(eng, logg))
		r.Delete("/queue/{entryId}", controllers.OfflineRemoveEntry(eng, logg))
		r.Delete("/data", controllers.OfflineClearData(eng, logg))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

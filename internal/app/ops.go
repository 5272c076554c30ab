package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/observability"
)

// NewOpsRouter builds the operational HTTP surface (health, liveness,
// metrics). Mounters attach their own route groups, typically the jobs
// handler.
func NewOpsRouter(logger *slog.Logger, cfg *Config, metrics *observability.Metrics, mounters ...func(chi.Router)) http.Handler {
	secureMW := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		IsDevelopment:      !cfg.IsProduction(),
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(secureMW.Handler)
	r.Use(metrics.Middleware)
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	for _, mount := range mounters {
		if mount != nil {
			mount(r)
		}
	}

	return r
}

// NewOpsServer wraps the router in an http.Server with sane timeouts.
func NewOpsServer(cfg *Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

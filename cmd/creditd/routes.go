package main

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otomix/backend/internal/handlers"
	"github.com/otomix/backend/internal/middleware"
)

// RegisterRoutes wires the HTTP surface. User-facing credit endpoints sit
// behind bearer-token auth; the sweep endpoints mirror the old scheduler
// functions and are guarded by the shared cron secret.
func RegisterRoutes(
	mux *http.ServeMux,
	creditsHandler *handlers.CreditsHandler,
	plansHandler *handlers.PlansHandler,
	sweepHandler *handlers.SweepHandler,
	jwtSecret []byte,
	cronSecret string,
	pool *pgxpool.Pool,
) {
	auth := middleware.BearerAuth(jwtSecret)
	cron := middleware.CronAuth(cronSecret)

	mux.Handle("GET /v1/credits/balance", auth(http.HandlerFunc(creditsHandler.GetBalance)))
	mux.Handle("GET /v1/credits/history", auth(http.HandlerFunc(creditsHandler.GetHistory)))
	mux.Handle("POST /v1/credits/holds", auth(http.HandlerFunc(creditsHandler.CreateHold)))
	mux.Handle("POST /v1/credits/holds/{id}/consume", auth(http.HandlerFunc(creditsHandler.ConsumeHold)))
	mux.Handle("POST /v1/credits/holds/{id}/release", auth(http.HandlerFunc(creditsHandler.ReleaseHold)))
	mux.HandleFunc("GET /v1/credits/estimate", creditsHandler.GetEstimate)

	mux.Handle("POST /v1/subscriptions/change", auth(http.HandlerFunc(plansHandler.ChangePlan)))

	mux.Handle("POST /internal/sweeps/holds", cron(http.HandlerFunc(sweepHandler.SweepHolds)))
	mux.Handle("POST /internal/sweeps/trials", cron(http.HandlerFunc(sweepHandler.SweepTrials)))
	mux.Handle("POST /internal/sweeps/grants", cron(http.HandlerFunc(sweepHandler.SweepGrants)))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

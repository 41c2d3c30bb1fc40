package handlers

import (
	"context"
	"log/slog"
	"net/http"
)

// HoldSweeper triggers the stale-hold sweep.
type HoldSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// PlanSweeper triggers the subscription sweeps.
type PlanSweeper interface {
	ExpireTrials(ctx context.Context) (int, error)
	GrantMonthly(ctx context.Context) (int, error)
}

// SweepHandler serves the cron-secret-guarded /internal/sweeps endpoints.
// The periodic River jobs run the same sweeps on a schedule; these endpoints
// let an external scheduler or an operator force a pass.
type SweepHandler struct {
	Credits HoldSweeper
	Plans   PlanSweeper
	Logger  *slog.Logger
}

type sweepResponse struct {
	Success   bool  `json:"success"`
	Processed int64 `json:"processed"`
}

func (h *SweepHandler) SweepHolds(w http.ResponseWriter, r *http.Request) {
	n, err := h.Credits.SweepExpired(r.Context())
	if err != nil {
		h.Logger.Error("hold sweep failed", "error", err)
		http.Error(w, `{"error":"sweep failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Success: true, Processed: n})
}

func (h *SweepHandler) SweepTrials(w http.ResponseWriter, r *http.Request) {
	n, err := h.Plans.ExpireTrials(r.Context())
	if err != nil {
		h.Logger.Error("trial expiry sweep failed", "error", err)
		http.Error(w, `{"error":"sweep failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Success: true, Processed: int64(n)})
}

func (h *SweepHandler) SweepGrants(w http.ResponseWriter, r *http.Request) {
	n, err := h.Plans.GrantMonthly(r.Context())
	if err != nil {
		h.Logger.Error("monthly grant sweep failed", "error", err)
		http.Error(w, `{"error":"sweep failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Success: true, Processed: int64(n)})
}

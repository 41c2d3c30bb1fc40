package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/otomix/backend/internal/middleware"
	"github.com/otomix/backend/internal/models"
	"github.com/otomix/backend/internal/plans"
)

// PlanChanger is the reconciler surface the handler needs.
type PlanChanger interface {
	ChangePlan(ctx context.Context, userID uuid.UUID, fromPlan, toPlan models.PlanCode) (*plans.ChangeResult, error)
}

// PlansHandler is a thin pass-through for the subscription-change flow. The
// checkout and proration logic live with the payment provider; by the time
// this endpoint is called the change is already paid for.
type PlansHandler struct {
	Reconciler PlanChanger
	Logger     *slog.Logger
}

type changePlanRequest struct {
	FromPlan string `json:"from_plan"`
	ToPlan   string `json:"to_plan"`
}

func (h *PlansHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}

	result, err := h.Reconciler.ChangePlan(r.Context(), userID, models.PlanCode(req.FromPlan), models.PlanCode(req.ToPlan))
	if err != nil {
		writeError(w, h.Logger, "change plan", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

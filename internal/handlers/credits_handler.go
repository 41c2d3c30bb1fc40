package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/otomix/backend/internal/credits"
	"github.com/otomix/backend/internal/middleware"
	"github.com/otomix/backend/internal/models"
)

// CreditService is the subset of the credit service the handler needs.
type CreditService interface {
	Hold(ctx context.Context, userID, jobID uuid.UUID, amount decimal.Decimal, description string) (*models.Hold, error)
	Consume(ctx context.Context, holdID, userID uuid.UUID) (*models.LedgerEntry, error)
	Release(ctx context.Context, holdID, userID uuid.UUID) error
}

// BalanceService is the ledger surface the handler needs.
type BalanceService interface {
	GetBalance(ctx context.Context, userID uuid.UUID, bucket *models.Bucket) (decimal.Decimal, error)
	History(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error)
}

// CreditsHandler serves the /v1/credits endpoints used by the job-submission
// flow: balance lookup, hold placement, and hold resolution.
type CreditsHandler struct {
	Credits CreditService
	Ledger  BalanceService
	Logger  *slog.Logger
}

// --- GET /v1/credits/balance ---

type balanceResponse struct {
	UserID  string          `json:"user_id"`
	Bucket  string          `json:"bucket,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var bucket *models.Bucket
	if q := r.URL.Query().Get("bucket"); q != "" {
		b := models.Bucket(q)
		bucket = &b
	}

	balance, err := h.Ledger.GetBalance(r.Context(), userID, bucket)
	if err != nil {
		writeError(w, h.Logger, "get balance", err)
		return
	}

	resp := balanceResponse{UserID: userID.String(), Balance: balance}
	if bucket != nil {
		resp.Bucket = string(*bucket)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /v1/credits/history ---

func (h *CreditsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	entries, err := h.Ledger.History(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, "get history", err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- POST /v1/credits/holds ---

type createHoldRequest struct {
	JobID       string          `json:"job_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (h *CreditsHandler) CreateHold(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	jobID, err := uuid.Parse(req.JobID)
	if err != nil {
		http.Error(w, `{"error":"invalid job_id"}`, http.StatusBadRequest)
		return
	}

	hold, err := h.Credits.Hold(r.Context(), userID, jobID, req.Amount, req.Description)
	if err != nil {
		writeError(w, h.Logger, "create hold", err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

// --- POST /v1/credits/holds/{id}/consume ---

func (h *CreditsHandler) ConsumeHold(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	holdID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid hold id"}`, http.StatusBadRequest)
		return
	}

	entry, err := h.Credits.Consume(r.Context(), holdID, userID)
	if err != nil {
		writeError(w, h.Logger, "consume hold", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- POST /v1/credits/holds/{id}/release ---

func (h *CreditsHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	holdID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid hold id"}`, http.StatusBadRequest)
		return
	}

	if err := h.Credits.Release(r.Context(), holdID, userID); err != nil {
		writeError(w, h.Logger, "release hold", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// --- GET /v1/credits/estimate ---

func (h *CreditsHandler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	est := credits.CalculateEstimate(credits.EstimateOptions{
		Plan:             models.PlanCode(q.Get("plan")),
		HasHarmony:       q.Get("harmony") == "true",
		UpgradeToCreator: q.Get("creator") == "true",
	})
	writeJSON(w, http.StatusOK, est)
}

// writeError maps the credit error taxonomy to HTTP outcomes: insufficient
// credit is payment-required, conflicts and not-founds map directly, storage
// failures are retryable 503s.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var insufficient *credits.InsufficientCreditError
	var storage *credits.StorageError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":     "insufficient credit",
			"available": insufficient.Available.String(),
		})
	case errors.Is(err, credits.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, credits.ErrConflict):
		http.Error(w, `{"error":"hold already resolved"}`, http.StatusConflict)
	case errors.Is(err, credits.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &storage):
		logger.Error(op, "error", err)
		http.Error(w, `{"error":"temporarily unavailable, retry"}`, http.StatusServiceUnavailable)
	default:
		logger.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

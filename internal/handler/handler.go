// Package handler содержит HTTP-обработчики операторского API движка начислений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/questpoints/internal/metrics"
	"github.com/mmeshcher/questpoints/internal/middleware"
	"github.com/mmeshcher/questpoints/internal/model"
	"github.com/mmeshcher/questpoints/internal/referral"
	"github.com/mmeshcher/questpoints/internal/service"
	"github.com/mmeshcher/questpoints/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	SubmitCompletion(ctx context.Context, userID, taskID uuid.UUID, ip string) (*service.Submission, error)
	GetCompletion(ctx context.Context, id uuid.UUID) (*model.Completion, error)
	ApproveCompletion(ctx context.Context, id, reviewerID uuid.UUID) (*model.CreditResult, error)
	RejectCompletion(ctx context.Context, id, reviewerID uuid.UUID, reason string) (*model.Completion, error)
	ProcessReferral(ctx context.Context, code string, newUserID uuid.UUID) referral.Result
	Sweep(ctx context.Context) (int, error)
}

// Handler реализует HTTP-обработчики операторского API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. m может быть nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, m *metrics.Metrics) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
	}
}

type submitRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	TaskID    uuid.UUID `json:"task_id"`
	IPAddress string    `json:"ip_address"`
}

type completionResponse struct {
	ID            uuid.UUID `json:"id"`
	Status        string    `json:"status"`
	FraudScore    int       `json:"fraud_score"`
	NeedsReview   bool      `json:"needs_review"`
	AutoApproveAt string    `json:"auto_approve_at"`
	Reasons       []string  `json:"reasons,omitempty"`
}

// SubmitCompletion оценивает и сохраняет выполнение задания.
func (h *Handler) SubmitCompletion(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == uuid.Nil || req.TaskID == uuid.Nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sub, err := h.service.SubmitCompletion(r.Context(), req.UserID, req.TaskID, strings.TrimSpace(req.IPAddress))
	if err != nil {
		h.writeError(w, "submit completion error", err, zap.String("user_id", req.UserID.String()))
		return
	}

	c := sub.Completion
	writeJSON(w, http.StatusCreated, completionResponse{
		ID:            c.ID,
		Status:        string(c.Status),
		FraudScore:    c.FraudScore,
		NeedsReview:   c.NeedsReview,
		AutoApproveAt: c.AutoApproveAt.Format(time.RFC3339),
		Reasons:       sub.Reasons,
	})
}

type completionDetails struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	TaskID             uuid.UUID  `json:"task_id"`
	Status             string     `json:"status"`
	VerificationStatus string     `json:"verification_status"`
	FraudScore         int        `json:"fraud_score"`
	NeedsReview        bool       `json:"needs_review"`
	AutoApproveAt      string     `json:"auto_approve_at"`
	PointsAwarded      int64      `json:"points_awarded"`
	ReviewedBy         *uuid.UUID `json:"reviewed_by,omitempty"`
	RejectionReason    *string    `json:"rejection_reason,omitempty"`
	CreditedForUserID  *uuid.UUID `json:"credited_for_user_id,omitempty"`
}

// GetCompletion возвращает состояние выполнения.
func (h *Handler) GetCompletion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.GetCompletion(r.Context(), id)
	if err != nil {
		h.writeError(w, "get completion error", err, zap.String("completion_id", id.String()))
		return
	}

	writeJSON(w, http.StatusOK, completionDetails{
		ID:                 c.ID,
		UserID:             c.UserID,
		TaskID:             c.TaskID,
		Status:             string(c.Status),
		VerificationStatus: string(c.VerificationStatus),
		FraudScore:         c.FraudScore,
		NeedsReview:        c.NeedsReview,
		AutoApproveAt:      c.AutoApproveAt.Format(time.RFC3339),
		PointsAwarded:      c.PointsAwarded,
		ReviewedBy:         c.ReviewedBy,
		RejectionReason:    c.RejectionReason,
		CreditedForUserID:  c.CreditedForUserID,
	})
}

type creditResponse struct {
	CompletionID  uuid.UUID `json:"completion_id"`
	UserID        uuid.UUID `json:"user_id"`
	Status        string    `json:"status"`
	PointsAwarded int64     `json:"points_awarded"`
	CompletedAt   string    `json:"completed_at"`
}

// ApproveCompletion одобряет выполнение от имени текущего оператора.
func (h *Handler) ApproveCompletion(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := middleware.GetOperatorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ApproveCompletion(r.Context(), id, operatorID)
	if err != nil {
		h.writeError(w, "approve completion error", err, zap.String("completion_id", id.String()))
		return
	}

	writeJSON(w, http.StatusOK, creditResponse{
		CompletionID:  res.CompletionID,
		UserID:        res.UserID,
		Status:        string(res.NewStatus),
		PointsAwarded: res.PointsAwarded,
		CompletedAt:   res.CompletedAt.Format(time.RFC3339),
	})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type rejectResponse struct {
	CompletionID uuid.UUID `json:"completion_id"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason"`
}

// RejectCompletion отклоняет выполнение от имени текущего оператора.
func (h *Handler) RejectCompletion(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := middleware.GetOperatorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	c, err := h.service.RejectCompletion(r.Context(), id, operatorID, req.Reason)
	if err != nil {
		h.writeError(w, "reject completion error", err, zap.String("completion_id", id.String()))
		return
	}

	writeJSON(w, http.StatusOK, rejectResponse{
		CompletionID: c.ID,
		Status:       string(c.Status),
		Reason:       req.Reason,
	})
}

type referralRequest struct {
	Code   string    `json:"code"`
	UserID uuid.UUID `json:"user_id"`
}

type referralResponse struct {
	Success       bool       `json:"success"`
	Outcome       string     `json:"outcome"`
	Error         string     `json:"error,omitempty"`
	PointsAwarded int64      `json:"points_awarded"`
	CompletionID  *uuid.UUID `json:"completion_id,omitempty"`
	ReferrerID    *uuid.UUID `json:"referrer_id,omitempty"`
}

// ProcessReferral обрабатывает регистрацию по реферальному коду.
// Исход всегда возвращается со статусом 200: регистрация не должна падать из-за реферала.
func (h *Handler) ProcessReferral(w http.ResponseWriter, r *http.Request) {
	var req referralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == uuid.Nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res := h.service.ProcessReferral(r.Context(), validation.NormalizeReferralCode(req.Code), req.UserID)

	resp := referralResponse{
		Success:       res.Success,
		Outcome:       string(res.Outcome),
		PointsAwarded: res.PointsAwarded,
	}
	if res.Err != nil {
		resp.Error = model.ErrorClass(res.Err)
	}
	if res.CompletionID != uuid.Nil {
		resp.CompletionID = &res.CompletionID
	}
	if res.ReferrerID != uuid.Nil {
		resp.ReferrerID = &res.ReferrerID
	}

	writeJSON(w, http.StatusOK, resp)
}

type sweepResponse struct {
	Credited int `json:"credited"`
}

// Sweep выполняет внеочередной проход автоодобрения.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Sweep(r.Context())
	if err != nil {
		h.writeError(w, "sweep error", err, zap.Int("credited", n))
		return
	}

	writeJSON(w, http.StatusOK, sweepResponse{Credited: n})
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		fields = append(fields, zap.String("error_class", model.ErrorClass(err)), zap.Error(err))
		h.logger.Error(msg, fields...)
	}
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case model.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyProcessed), errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrReferralAlreadyCredited):
		return http.StatusConflict
	case errors.Is(err, service.ErrTaskInactive):
		return http.StatusUnprocessableEntity
	case model.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xpensify/backend/internal/models"
	"github.com/xpensify/backend/internal/services"
	"github.com/xpensify/backend/libs/auth/middleware"
	"github.com/xpensify/backend/libs/handlers"
	"go.uber.org/zap"
)

// ProgressService is the interface that wraps methods for learning progress business logic
type ProgressService interface {
	// RecordProgress stores a learning activity submission and updates the user's streak.
	//
	// "userID" parameter is the authenticated user.
	// "req" parameter is the submission; it is validated before anything is written.
	//
	// Returns *services.ValidationError for invalid input, services.ErrUnavailable when storage can
	// not be reached in time and services.ErrPersistence for any other storage failure.
	RecordProgress(ctx context.Context, userID string, req models.SubmissionRequest) (*models.SubmissionResult, error)
	// ListProgress retrieves the user's learning progress records, newest first.
	//
	// "category" parameter filters the records when not empty.
	ListProgress(ctx context.Context, userID, category string) ([]models.LearningProgress, error)
	// GetStreak retrieves the user's streak counters, all zeros when the user has no streak.
	GetStreak(ctx context.Context, userID string) (models.StreakSummary, error)
}

// ProgressHandler handles learning progress HTTP requests
type ProgressHandler struct {
	handlers.BaseHandler
	progressService ProgressService
}

// NewProgressHandler creates a new progress handler
func NewProgressHandler(progressService ProgressService, logger *zap.Logger) *ProgressHandler {
	return &ProgressHandler{
		BaseHandler:     handlers.BaseHandler{Logger: logger},
		progressService: progressService,
	}
}

// RegisterRoutes registers all progress handler routes
func (h *ProgressHandler) RegisterRoutes(r chi.Router, authMiddleware func(http.Handler) http.Handler) {
	r.Route("/progress", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/", h.RecordProgress)
		r.Get("/", h.ListProgress)
		r.Get("/streak", h.GetStreak)
	})
}

// RecordProgress handles POST /progress
// @Summary Record a learning activity submission
// @Description Stores the lesson progress for the authenticated user and, when the submission is correct, advances the daily learning streak. Resubmitting a lesson overwrites its completion status and score.
// @Tags progress
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body models.SubmissionRequest true "Submission"
// @Success 200 {object} models.SubmissionResult "Stored progress and current streak"
// @Failure 400 {object} handlers.ErrorResponse "Invalid request body or missing fields"
// @Failure 401 {object} handlers.ErrorResponse "Unauthorized - authentication required"
// @Failure 500 {object} handlers.ErrorResponse "Progress could not be saved"
// @Failure 503 {object} handlers.ErrorResponse "Storage temporarily unavailable, retry later"
// @Router /progress [post]
func (h *ProgressHandler) RecordProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.RespondError(w, http.StatusUnauthorized, services.ErrUnauthenticated.Error())
		return
	}

	var req models.SubmissionRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Logger.Debug("invalid submission body", zap.String("user_id", userID), zap.Error(err))
		h.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.progressService.RecordProgress(r.Context(), userID, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.RespondJSON(w, http.StatusOK, result)
}

// ListProgress handles GET /progress
// @Summary List learning progress
// @Description Lists the authenticated user's lesson progress records, most recently updated first.
// @Tags progress
// @Produce json
// @Security ApiKeyAuth
// @Param category query string false "Only records of this category"
// @Success 200 {array} models.LearningProgress "Progress records"
// @Failure 401 {object} handlers.ErrorResponse "Unauthorized - authentication required"
// @Failure 500 {object} handlers.ErrorResponse "Internal server error"
// @Failure 503 {object} handlers.ErrorResponse "Storage temporarily unavailable, retry later"
// @Router /progress [get]
func (h *ProgressHandler) ListProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.RespondError(w, http.StatusUnauthorized, services.ErrUnauthenticated.Error())
		return
	}

	category := strings.TrimSpace(r.URL.Query().Get("category"))

	records, err := h.progressService.ListProgress(r.Context(), userID, category)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.RespondJSON(w, http.StatusOK, records)
}

// GetStreak handles GET /progress/streak
// @Summary Get learning streak
// @Description Returns the authenticated user's current streak, longest streak and total completed lessons.
// @Tags progress
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} models.StreakSummary "Streak counters"
// @Failure 401 {object} handlers.ErrorResponse "Unauthorized - authentication required"
// @Failure 500 {object} handlers.ErrorResponse "Internal server error"
// @Failure 503 {object} handlers.ErrorResponse "Storage temporarily unavailable, retry later"
// @Router /progress/streak [get]
func (h *ProgressHandler) GetStreak(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.RespondError(w, http.StatusUnauthorized, services.ErrUnauthenticated.Error())
		return
	}

	summary, err := h.progressService.GetStreak(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.RespondJSON(w, http.StatusOK, summary)
}

// respondServiceError maps service errors to HTTP statuses; storage details stay in the logs
func (h *ProgressHandler) respondServiceError(w http.ResponseWriter, err error) {
	var validationErr *services.ValidationError
	switch {
	case errors.As(err, &validationErr):
		h.RespondError(w, http.StatusBadRequest, "validation failed", validationErr.Fields...)
	case errors.Is(err, services.ErrUnauthenticated):
		h.RespondError(w, http.StatusUnauthorized, services.ErrUnauthenticated.Error())
	case errors.Is(err, services.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		h.RespondError(w, http.StatusServiceUnavailable, services.ErrUnavailable.Error())
	default:
		h.Logger.Error("progress request failed", zap.Error(err))
		h.RespondError(w, http.StatusInternalServerError, services.ErrPersistence.Error())
	}
}

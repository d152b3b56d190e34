package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xpensify/backend/internal/services"
	"github.com/xpensify/backend/libs/handlers"
	"go.uber.org/zap"
)

// AdminService is the interface that wraps administrative streak operations
type AdminService interface {
	// DeleteStreak removes the user's streak record.
	//
	// If the user has no streak, services.ErrStreakNotFound will be returned.
	DeleteStreak(ctx context.Context, userID string) error
}

// AdminHandler handles administrative HTTP requests
type AdminHandler struct {
	handlers.BaseHandler
	adminService AdminService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(adminService AdminService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		BaseHandler:  handlers.BaseHandler{Logger: logger},
		adminService: adminService,
	}
}

// RegisterRoutes registers all admin handler routes.
// The caller is expected to protect the group with the API key middleware.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Delete("/streaks/{userId}", h.DeleteStreak)
	})
}

// DeleteStreak handles DELETE /admin/streaks/{userId}
// @Summary Delete a user's streak
// @Description Removes the learning streak of the given user. Progress records are kept. Requires the service API key.
// @Tags admin
// @Produce json
// @Security ServiceApiKey
// @Param userId path string true "User ID"
// @Success 204 "Streak deleted"
// @Failure 400 {object} handlers.ErrorResponse "Missing user ID"
// @Failure 401 {object} handlers.ErrorResponse "Invalid API key"
// @Failure 404 {object} handlers.ErrorResponse "Streak not found"
// @Failure 500 {object} handlers.ErrorResponse "Internal server error"
// @Failure 503 {object} handlers.ErrorResponse "Storage temporarily unavailable, retry later"
// @Router /admin/streaks/{userId} [delete]
func (h *AdminHandler) DeleteStreak(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		h.RespondError(w, http.StatusBadRequest, "user ID is required")
		return
	}

	if err := h.adminService.DeleteStreak(r.Context(), userID); err != nil {
		switch {
		case errors.Is(err, services.ErrStreakNotFound):
			h.RespondError(w, http.StatusNotFound, services.ErrStreakNotFound.Error())
		case errors.Is(err, services.ErrUnavailable):
			w.Header().Set("Retry-After", "1")
			h.RespondError(w, http.StatusServiceUnavailable, services.ErrUnavailable.Error())
		default:
			h.Logger.Error("failed to delete streak", zap.String("user_id", userID), zap.Error(err))
			h.RespondError(w, http.StatusInternalServerError, "failed to delete streak")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

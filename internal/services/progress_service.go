package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/xpensify/backend/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrUnauthenticated is returned when no user identity accompanies the call
	ErrUnauthenticated = errors.New("authentication required")
	// ErrPersistence is returned when the database rejects a read or write
	ErrPersistence = errors.New("failed to save progress")
	// ErrUnavailable is returned when the database cannot be reached in time; the call may be retried
	ErrUnavailable = errors.New("progress storage is temporarily unavailable, please try again")
	// ErrStreakNotFound is returned when a user has no streak record
	ErrStreakNotFound = errors.New("streak not found")
)

// StreakAdvanceFunc receives the locked streak row (nil when absent) and returns the row to store.
// Returning a nil streak leaves the stored row untouched.
type StreakAdvanceFunc = func(current *models.UserStreak) (*models.UserStreak, error)

// ProgressRepository is the interface that wraps methods for learning progress data access
type ProgressRepository interface {
	// Method RecordSubmission upserts the progress record and advances the user's streak in a single transaction.
	//
	// "progress" parameter is the record to insert, or whose completed, score and completion time overwrite the stored one.
	// "advance" parameter computes the next streak state while the user's streak row is locked.
	// It returns the stored progress record and the streak after the transaction (nil if the user has none).
	// If some error occurs, nothing is written and the error will be returned.
	RecordSubmission(ctx context.Context, progress *models.LearningProgress, advance StreakAdvanceFunc) (*models.LearningProgress, *models.UserStreak, error)
	// Method GetByUserID retrieves the user's progress records, newest first.
	//
	// "category" parameter filters the records when not empty.
	// If no records are found, an empty slice will be returned.
	GetByUserID(ctx context.Context, userID, category string) ([]models.LearningProgress, error)
}

// UserStreakRepository is the interface that wraps methods for user streak data access
type UserStreakRepository interface {
	// Method GetByUserID retrieves the user's streak, or nil when the user has none.
	GetByUserID(ctx context.Context, userID string) (*models.UserStreak, error)
	// Method DeleteByUserID removes the user's streak.
	//
	// If the user has no streak, models.ErrNotFound will be returned.
	DeleteByUserID(ctx context.Context, userID string) error
}

// StreakCache stores streak summaries for fast reads
type StreakCache interface {
	// Get returns nil without error on a cache miss
	Get(ctx context.Context, userID string) (*models.StreakSummary, error)
	// Generation returns the user's cache generation; it must be read before the database read a Fill stores.
	Generation(ctx context.Context, userID string) (int64, error)
	// Fill stores the summary unless the user's generation moved past "generation".
	// It reports whether the summary was stored.
	Fill(ctx context.Context, userID string, summary models.StreakSummary, generation int64) (bool, error)
	// Invalidate drops the user's summary and moves the generation forward.
	// It is called after every committed write to the user's streak.
	Invalidate(ctx context.Context, userID string) error
}

type progressService struct {
	progressRepo ProgressRepository
	streakRepo   UserStreakRepository
	cache        StreakCache
	logger       *zap.Logger
	location     *time.Location
	now          func() time.Time
}

// NewProgressService creates a new progress service.
//
// "location" is the calendar in which streak days are counted. "cache" may be nil.
func NewProgressService(
	progressRepo ProgressRepository,
	streakRepo UserStreakRepository,
	cache StreakCache,
	logger *zap.Logger,
	location *time.Location,
) *progressService {
	if location == nil {
		location = time.UTC
	}
	return &progressService{
		progressRepo: progressRepo,
		streakRepo:   streakRepo,
		cache:        cache,
		logger:       logger,
		location:     location,
		now:          time.Now,
	}
}

// RecordProgress stores a learning activity submission and updates the user's streak.
//
// The submission is validated before anything is written. Incorrect submissions store the
// progress record but leave the streak untouched; the current streak is still reported.
func (s *progressService) RecordProgress(ctx context.Context, userID string, req models.SubmissionRequest) (*models.SubmissionResult, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	if err := ValidateSubmission(&req); err != nil {
		return nil, err
	}

	now := s.now()
	today := models.DateOf(now, s.location)

	progress := &models.LearningProgress{
		UserID:      userID,
		LessonID:    req.LessonID,
		LessonTitle: req.LessonTitle,
		Category:    req.Category,
		Completed:   req.Completed,
		Score:       *req.Score,
	}
	if req.Completed {
		completedAt := now.UTC().Truncate(time.Second)
		progress.CompletedAt = &completedAt
	}

	var transition StreakTransition
	advance := func(current *models.UserStreak) (*models.UserStreak, error) {
		if !req.IsCorrect {
			return nil, nil
		}
		next, tr := AdvanceStreak(current, userID, today)
		transition = tr
		return &next, nil
	}

	saved, streak, err := s.progressRepo.RecordSubmission(ctx, progress, advance)
	// A timed out commit may still have been applied
	s.cacheInvalidate(ctx, userID)
	if err != nil {
		s.logger.Error("failed to record submission",
			zap.String("user_id", userID),
			zap.String("lesson_id", req.LessonID),
			zap.Error(err),
		)
		return nil, classifyStorageError(err)
	}

	if transition == TransitionFutureDate {
		s.logger.Warn("streak last activity date is after today, streak kept unchanged",
			zap.String("user_id", userID),
			zap.Stringer("today", today),
		)
	}

	summary := streak.Summary()

	return &models.SubmissionResult{
		Success:  true,
		Progress: saved,
		Streak:   summary,
		Message:  submissionMessage(req.IsCorrect, transition, summary),
	}, nil
}

// ListProgress retrieves the user's learning progress records
func (s *progressService) ListProgress(ctx context.Context, userID, category string) ([]models.LearningProgress, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	records, err := s.progressRepo.GetByUserID(ctx, userID, category)
	if err != nil {
		s.logger.Error("failed to list progress", zap.String("user_id", userID), zap.Error(err))
		return nil, classifyStorageError(err)
	}
	if records == nil {
		records = []models.LearningProgress{}
	}
	return records, nil
}

// GetStreak retrieves the user's streak counters, all zeros when the user has no streak yet
func (s *progressService) GetStreak(ctx context.Context, userID string) (models.StreakSummary, error) {
	if userID == "" {
		return models.StreakSummary{}, ErrUnauthenticated
	}

	fill := false
	var generation int64
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("failed to read streak cache", zap.String("user_id", userID), zap.Error(err))
		} else if cached != nil {
			return *cached, nil
		}

		if generation, err = s.cache.Generation(ctx, userID); err != nil {
			s.logger.Warn("failed to read streak cache generation", zap.String("user_id", userID), zap.Error(err))
		} else {
			fill = true
		}
	}

	streak, err := s.streakRepo.GetByUserID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to get streak", zap.String("user_id", userID), zap.Error(err))
		return models.StreakSummary{}, classifyStorageError(err)
	}

	summary := streak.Summary()
	if fill {
		if _, err := s.cache.Fill(ctx, userID, summary, generation); err != nil {
			s.logger.Warn("failed to write streak cache", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return summary, nil
}

// DeleteStreak removes the user's streak record
func (s *progressService) DeleteStreak(ctx context.Context, userID string) error {
	if err := s.streakRepo.DeleteByUserID(ctx, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ErrStreakNotFound
		}
		s.logger.Error("failed to delete streak", zap.String("user_id", userID), zap.Error(err))
		return classifyStorageError(err)
	}

	s.cacheInvalidate(ctx, userID)

	s.logger.Info("streak deleted", zap.String("user_id", userID))
	return nil
}

// cacheInvalidate drops the cached summary after a write; cache failures never fail the request
func (s *progressService) cacheInvalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	// The write is committed even when the request deadline already passed
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), userID); err != nil {
		s.logger.Warn("failed to invalidate streak cache", zap.String("user_id", userID), zap.Error(err))
	}
}

// classifyStorageError hides storage details behind ErrUnavailable (retryable) or ErrPersistence
func classifyStorageError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

func submissionMessage(isCorrect bool, transition StreakTransition, streak models.StreakSummary) string {
	if !isCorrect {
		return "Progress saved. Review the lesson and try again to keep your streak going!"
	}

	switch transition {
	case TransitionStarted:
		return "Great job! You started a new learning streak."
	case TransitionContinued:
		return fmt.Sprintf("Great job! Your learning streak is now %d days.", streak.CurrentStreak)
	case TransitionReset:
		return "Great job! A new learning streak starts today."
	default:
		return "Great job! Today's activity is already counted in your streak."
	}
}

package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xpensify/backend/internal/models"
)

// progressRepository implements ProgressRepository
type progressRepository struct {
	db         *sql.DB
	txAttempts int
}

// NewProgressRepository creates a new learning progress repository
func NewProgressRepository(db *sql.DB) *progressRepository {
	return &progressRepository{
		db:         db,
		txAttempts: defaultTxAttempts,
	}
}

// RecordSubmission upserts the progress record and advances the user's streak in one transaction.
//
// The user's streak row is locked first with SELECT ... FOR UPDATE, so concurrent submissions
// for the same user are applied one after another. Deadlocks and lock wait timeouts retry the
// whole transaction, which is why "advance" must not have side effects.
func (r *progressRepository) RecordSubmission(
	ctx context.Context,
	progress *models.LearningProgress,
	advance func(current *models.UserStreak) (*models.UserStreak, error),
) (*models.LearningProgress, *models.UserStreak, error) {
	var (
		saved  *models.LearningProgress
		streak *models.UserStreak
	)

	err := withTxRetry(ctx, r.txAttempts, func() error {
		var err error
		saved, streak, err = r.recordSubmissionTx(ctx, progress, advance)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return saved, streak, nil
}

func (r *progressRepository) recordSubmissionTx(
	ctx context.Context,
	progress *models.LearningProgress,
	advance func(current *models.UserStreak) (*models.UserStreak, error),
) (*models.LearningProgress, *models.UserStreak, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lockStreak(ctx, tx, progress.UserID)
	if err != nil {
		return nil, nil, err
	}

	upsertQuery := `
		INSERT INTO learning_progress
		(user_id, lesson_id, lesson_title, category, completed, score, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			completed = VALUES(completed),
			score = VALUES(score),
			completed_at = VALUES(completed_at)
	`
	_, err = tx.ExecContext(ctx, upsertQuery,
		progress.UserID,
		progress.LessonID,
		progress.LessonTitle,
		progress.Category,
		progress.Completed,
		progress.Score,
		progress.CompletedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to upsert learning progress: %w", err)
	}

	saved, err := getProgress(ctx, tx, progress.UserID, progress.LessonID)
	if err != nil {
		return nil, nil, err
	}

	next, err := advance(current)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to advance streak: %w", err)
	}

	if next != nil {
		if err := upsertStreak(ctx, tx, next); err != nil {
			return nil, nil, err
		}
		current = next
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return saved, current, nil
}

// GetByUserID retrieves the user's progress records, newest first
func (r *progressRepository) GetByUserID(ctx context.Context, userID, category string) ([]models.LearningProgress, error) {
	query := `
		SELECT id, user_id, lesson_id, lesson_title, category, completed, score,
		       completed_at, created_at, updated_at
		FROM learning_progress
		WHERE user_id = ?`
	args := []any{userID}

	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY updated_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query learning progress: %w", err)
	}
	defer rows.Close()

	records := []models.LearningProgress{}
	for rows.Next() {
		record, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// getProgress reads a single progress record inside the transaction
func getProgress(ctx context.Context, tx *sql.Tx, userID, lessonID string) (*models.LearningProgress, error) {
	query := `
		SELECT id, user_id, lesson_id, lesson_title, category, completed, score,
		       completed_at, created_at, updated_at
		FROM learning_progress
		WHERE user_id = ? AND lesson_id = ?`

	record, err := scanProgress(tx.QueryRowContext(ctx, query, userID, lessonID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("learning progress for lesson %q: %w", lessonID, models.ErrNotFound)
	}
	return record, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (*models.LearningProgress, error) {
	var (
		record      models.LearningProgress
		completedAt sql.NullTime
	)
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.LessonID,
		&record.LessonTitle,
		&record.Category,
		&record.Completed,
		&record.Score,
		&completedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan learning progress: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		record.CompletedAt = &t
	}
	return &record, nil
}

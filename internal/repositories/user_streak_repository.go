package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xpensify/backend/internal/models"
)

const selectStreakColumns = `
		SELECT id, user_id, current_streak, longest_streak, last_activity_date, total_lessons_completed
		FROM user_streaks
		WHERE user_id = ?`

// userStreakRepository implements UserStreakRepository
type userStreakRepository struct {
	db *sql.DB
}

// NewUserStreakRepository creates a new user streak repository
func NewUserStreakRepository(db *sql.DB) *userStreakRepository {
	return &userStreakRepository{
		db: db,
	}
}

// GetByUserID retrieves the user's streak, or nil when the user has none
func (r *userStreakRepository) GetByUserID(ctx context.Context, userID string) (*models.UserStreak, error) {
	streak, err := scanStreak(r.db.QueryRowContext(ctx, selectStreakColumns, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return streak, err
}

// DeleteByUserID removes the user's streak
func (r *userStreakRepository) DeleteByUserID(ctx context.Context, userID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM user_streaks WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user streak: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrNotFound
	}

	return nil
}

// lockStreak reads the user's streak row and locks it until the transaction ends.
// When the row does not exist yet, InnoDB locks the gap so a concurrent first insert waits or deadlocks.
func lockStreak(ctx context.Context, tx *sql.Tx, userID string) (*models.UserStreak, error) {
	streak, err := scanStreak(tx.QueryRowContext(ctx, selectStreakColumns+" FOR UPDATE", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return streak, err
}

// upsertStreak stores the computed streak state
func upsertStreak(ctx context.Context, tx *sql.Tx, streak *models.UserStreak) error {
	query := `
		INSERT INTO user_streaks
		(user_id, current_streak, longest_streak, last_activity_date, total_lessons_completed)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			current_streak = VALUES(current_streak),
			longest_streak = VALUES(longest_streak),
			last_activity_date = VALUES(last_activity_date),
			total_lessons_completed = VALUES(total_lessons_completed)
	`

	var lastActivity any
	if streak.LastActivityDate != nil {
		lastActivity = streak.LastActivityDate.String()
	}

	_, err := tx.ExecContext(ctx, query,
		streak.UserID,
		streak.CurrentStreak,
		streak.LongestStreak,
		lastActivity,
		streak.TotalLessonsCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user streak: %w", err)
	}

	return nil
}

func scanStreak(row rowScanner) (*models.UserStreak, error) {
	var (
		streak       models.UserStreak
		lastActivity sql.NullTime
	)
	err := row.Scan(
		&streak.ID,
		&streak.UserID,
		&streak.CurrentStreak,
		&streak.LongestStreak,
		&lastActivity,
		&streak.TotalLessonsCompleted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan user streak: %w", err)
	}

	if lastActivity.Valid {
		// DATE columns come back as midnight UTC with parseTime=true
		d := models.DateOf(lastActivity.Time, lastActivity.Time.Location())
		streak.LastActivityDate = &d
	}

	return &streak, nil
}

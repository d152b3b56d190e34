package services

import (
	"github.com/xpensify/backend/internal/models"
)

// StreakTransition names the branch of the streak state machine a correct submission took
type StreakTransition string

const (
	// TransitionStarted creates the first streak row for a user
	TransitionStarted StreakTransition = "started"
	// TransitionSameDay counts another lesson on a day that is already credited
	TransitionSameDay StreakTransition = "same_day"
	// TransitionContinued extends the chain by one day
	TransitionContinued StreakTransition = "continued"
	// TransitionReset starts a new chain after one or more missed days
	TransitionReset StreakTransition = "reset"
	// TransitionFutureDate counts a lesson while the stored last activity date lies after today
	TransitionFutureDate StreakTransition = "future_date"
)

// AdvanceStreak computes the streak state after a correct submission made on "today".
//
// "current" is the stored streak, or nil when the user has none yet.
// The input is never modified. Lessons completed always grows by one, longest streak
// never drops below current streak, and the last activity date never moves backwards:
// a stored date after today (clock skew) keeps the streak as it is instead of resetting it.
func AdvanceStreak(current *models.UserStreak, userID string, today models.Date) (models.UserStreak, StreakTransition) {
	if current == nil {
		day := today
		return models.UserStreak{
			UserID:                userID,
			CurrentStreak:         1,
			LongestStreak:         1,
			LastActivityDate:      &day,
			TotalLessonsCompleted: 1,
		}, TransitionStarted
	}

	next := *current
	next.TotalLessonsCompleted++

	var transition StreakTransition
	last := current.LastActivityDate
	switch {
	case last != nil && last.Equal(today):
		transition = TransitionSameDay
	case last != nil && last.After(today):
		transition = TransitionFutureDate
	case last != nil && last.Equal(today.AddDays(-1)):
		next.CurrentStreak++
		transition = TransitionContinued
	default:
		next.CurrentStreak = 1
		transition = TransitionReset
	}

	day := today
	if transition == TransitionFutureDate {
		day = *last
	}
	next.LastActivityDate = &day
	if next.CurrentStreak > next.LongestStreak {
		next.LongestStreak = next.CurrentStreak
	}

	return next, transition
}

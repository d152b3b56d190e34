package models

// UserStreak is the per-user daily activity streak row
type UserStreak struct {
	ID                    int64
	UserID                string
	CurrentStreak         int
	LongestStreak         int
	LastActivityDate      *Date // nil until the first correct submission is recorded
	TotalLessonsCompleted int
}

// StreakSummary is the part of a streak reported to clients.
// The last activity date is internal bookkeeping and never surfaced.
type StreakSummary struct {
	CurrentStreak         int `json:"current_streak"`
	LongestStreak         int `json:"longest_streak"`
	TotalLessonsCompleted int `json:"total_lessons_completed"`
}

// Summary returns the client-facing counters; a nil streak reports all zeros
func (s *UserStreak) Summary() StreakSummary {
	if s == nil {
		return StreakSummary{}
	}
	return StreakSummary{
		CurrentStreak:         s.CurrentStreak,
		LongestStreak:         s.LongestStreak,
		TotalLessonsCompleted: s.TotalLessonsCompleted,
	}
}

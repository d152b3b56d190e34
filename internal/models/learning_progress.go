package models

import "time"

// LearningProgress is a user's completion record for a single lesson.
// There is at most one record per (UserID, LessonID); resubmissions overwrite it.
type LearningProgress struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"userId"`
	LessonID    string     `json:"lessonId"`
	LessonTitle string     `json:"lessonTitle"`
	Category    string     `json:"category"`
	Completed   bool       `json:"completed"`
	Score       float64    `json:"score"`       // 0 - 100
	CompletedAt *time.Time `json:"completedAt"` // nil when not completed
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// SubmissionRequest is the payload of a learning activity submission
type SubmissionRequest struct {
	LessonID    string   `json:"lessonId" validate:"required,max=128"`
	LessonTitle string   `json:"lessonTitle" validate:"required,max=255"`
	Category    string   `json:"category" validate:"required,max=64"`
	Completed   bool     `json:"completed"`
	Score       *float64 `json:"score" validate:"required,gte=0,lte=100"`
	IsCorrect   bool     `json:"isCorrect"`
}

// SubmissionResult is returned after a submission has been recorded
type SubmissionResult struct {
	Success  bool              `json:"success"`
	Progress *LearningProgress `json:"progress"`
	Streak   StreakSummary     `json:"streak"`
	Message  string            `json:"message"`
}

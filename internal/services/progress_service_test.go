package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xpensify/backend/internal/models"
	"go.uber.org/zap"
)

// fakeProgressRepository is an in-memory implementation of ProgressRepository and UserStreakRepository
type fakeProgressRepository struct {
	progress    map[string]models.LearningProgress
	streaks     map[string]models.UserStreak
	nextID      int64
	recordErr   error
	listErr     error
	getErr      error
	deleteErr   error
	recordCalls int
}

func newFakeProgressRepository() *fakeProgressRepository {
	return &fakeProgressRepository{
		progress: map[string]models.LearningProgress{},
		streaks:  map[string]models.UserStreak{},
	}
}

func (f *fakeProgressRepository) RecordSubmission(ctx context.Context, progress *models.LearningProgress, advance StreakAdvanceFunc) (*models.LearningProgress, *models.UserStreak, error) {
	f.recordCalls++
	if f.recordErr != nil {
		return nil, nil, f.recordErr
	}

	var current *models.UserStreak
	if s, ok := f.streaks[progress.UserID]; ok {
		current = &s
	}

	next, err := advance(current)
	if err != nil {
		return nil, nil, err
	}

	key := progress.UserID + "/" + progress.LessonID
	stored, ok := f.progress[key]
	if !ok {
		f.nextID++
		stored = *progress
		stored.ID = f.nextID
	} else {
		stored.Completed = progress.Completed
		stored.Score = progress.Score
		stored.CompletedAt = progress.CompletedAt
	}
	f.progress[key] = stored

	if next != nil {
		f.streaks[progress.UserID] = *next
		current = next
	}
	return &stored, current, nil
}

func (f *fakeProgressRepository) GetByUserID(ctx context.Context, userID, category string) ([]models.LearningProgress, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.LearningProgress
	for _, p := range f.progress {
		if p.UserID == userID && (category == "" || p.Category == category) {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeStreakRepository reads the streaks held by a fakeProgressRepository
type fakeStreakRepository struct {
	repo *fakeProgressRepository
}

func (f *fakeStreakRepository) GetByUserID(ctx context.Context, userID string) (*models.UserStreak, error) {
	if f.repo.getErr != nil {
		return nil, f.repo.getErr
	}
	s, ok := f.repo.streaks[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeStreakRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if f.repo.deleteErr != nil {
		return f.repo.deleteErr
	}
	if _, ok := f.repo.streaks[userID]; !ok {
		return models.ErrNotFound
	}
	delete(f.repo.streaks, userID)
	return nil
}

// mockStreakCache is an in-memory implementation of StreakCache with the same generation rules as the Redis cache
type mockStreakCache struct {
	entries       map[string]models.StreakSummary
	generations   map[string]int64
	getErr        error
	fillErr       error
	invalidateErr error
	getCalls      int
	fills         int
}

func newMockStreakCache() *mockStreakCache {
	return &mockStreakCache{
		entries:     map[string]models.StreakSummary{},
		generations: map[string]int64{},
	}
}

func (m *mockStreakCache) Get(ctx context.Context, userID string) (*models.StreakSummary, error) {
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.entries[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *mockStreakCache) Generation(ctx context.Context, userID string) (int64, error) {
	return m.generations[userID], nil
}

func (m *mockStreakCache) Fill(ctx context.Context, userID string, summary models.StreakSummary, generation int64) (bool, error) {
	if m.fillErr != nil {
		return false, m.fillErr
	}
	if m.generations[userID] != generation {
		return false, nil
	}
	m.fills++
	m.entries[userID] = summary
	return true, nil
}

func (m *mockStreakCache) Invalidate(ctx context.Context, userID string) error {
	if m.invalidateErr != nil {
		return m.invalidateErr
	}
	m.generations[userID]++
	delete(m.entries, userID)
	return nil
}

func score(v float64) *float64 {
	return &v
}

func newTestService(repo *fakeProgressRepository, cache StreakCache) *progressService {
	svc := NewProgressService(repo, &fakeStreakRepository{repo: repo}, cache, zap.NewNop(), time.UTC)
	return svc
}

func at(y int, m time.Month, d int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, 12, 0, 0, 0, time.UTC) }
}

func TestNewProgressService(t *testing.T) {
	repo := newFakeProgressRepository()
	streakRepo := &fakeStreakRepository{repo: repo}
	cache := newMockStreakCache()

	svc := NewProgressService(repo, streakRepo, cache, zap.NewNop(), nil)

	assert.NotNil(t, svc)
	assert.Equal(t, repo, svc.progressRepo)
	assert.Equal(t, streakRepo, svc.streakRepo)
	assert.Equal(t, cache, svc.cache)
	assert.Equal(t, time.UTC, svc.location)
}

func TestProgressService_RecordProgress_Scenarios(t *testing.T) {
	repo := newFakeProgressRepository()
	cache := newMockStreakCache()
	svc := newTestService(repo, cache)
	ctx := context.Background()

	submit := func(t *testing.T, now func() time.Time, lessonID string, isCorrect bool, s float64) *models.SubmissionResult {
		t.Helper()
		svc.now = now
		res, err := svc.RecordProgress(ctx, "user-1", models.SubmissionRequest{
			LessonID:    lessonID,
			LessonTitle: "Budgeting basics",
			Category:    "budgeting",
			Completed:   isCorrect,
			Score:       score(s),
			IsCorrect:   isCorrect,
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		return res
	}

	// Cold start
	res := submit(t, at(2024, time.January, 10), "lesson-1", true, 100)
	assert.Equal(t, models.StreakSummary{CurrentStreak: 1, LongestStreak: 1, TotalLessonsCompleted: 1}, res.Streak)
	assert.Equal(t, day(2024, time.January, 10), *repo.streaks["user-1"].LastActivityDate)
	assert.Contains(t, res.Message, "started")

	// Same-day repeat
	res = submit(t, at(2024, time.January, 10), "lesson-2", true, 90)
	assert.Equal(t, models.StreakSummary{CurrentStreak: 1, LongestStreak: 1, TotalLessonsCompleted: 2}, res.Streak)

	// Consecutive day
	res = submit(t, at(2024, time.January, 11), "lesson-3", true, 80)
	assert.Equal(t, models.StreakSummary{CurrentStreak: 2, LongestStreak: 2, TotalLessonsCompleted: 3}, res.Streak)
	assert.Contains(t, res.Message, "2 days")

	// Gap resets, longest is retained
	res = submit(t, at(2024, time.January, 14), "lesson-4", true, 70)
	assert.Equal(t, models.StreakSummary{CurrentStreak: 1, LongestStreak: 2, TotalLessonsCompleted: 4}, res.Streak)

	// Wrong answer leaves the streak alone but still stores progress
	before := repo.streaks["user-1"]
	res = submit(t, at(2024, time.January, 15), "lesson-5", false, 0)
	assert.Equal(t, models.StreakSummary{CurrentStreak: 1, LongestStreak: 2, TotalLessonsCompleted: 4}, res.Streak)
	assert.Equal(t, before, repo.streaks["user-1"])
	require.NotNil(t, res.Progress)
	assert.False(t, res.Progress.Completed)
	assert.Equal(t, float64(0), res.Progress.Score)
	assert.Nil(t, res.Progress.CompletedAt)
	assert.Contains(t, res.Message, "try again")

	// Cache mirrors the last reported streak
	assert.NotContains(t, cache.entries, "user-1")
}

func TestProgressService_RecordProgress_UpsertKeepsSingleRecord(t *testing.T) {
	repo := newFakeProgressRepository()
	svc := newTestService(repo, nil)
	svc.now = at(2024, time.January, 10)
	ctx := context.Background()

	req := models.SubmissionRequest{LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Completed: true, Score: score(40), IsCorrect: true}
	_, err := svc.RecordProgress(ctx, "user-1", req)
	require.NoError(t, err)

	req.Score = score(95)
	res, err := svc.RecordProgress(ctx, "user-1", req)
	require.NoError(t, err)

	assert.Len(t, repo.progress, 1)
	assert.Equal(t, float64(95), res.Progress.Score)
	assert.Equal(t, int64(1), res.Progress.ID)
}

func TestProgressService_RecordProgress_IncorrectWithoutStreak(t *testing.T) {
	repo := newFakeProgressRepository()
	svc := newTestService(repo, nil)
	svc.now = at(2024, time.January, 10)

	res, err := svc.RecordProgress(context.Background(), "user-1", models.SubmissionRequest{
		LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Score: score(0),
	})

	require.NoError(t, err)
	assert.Equal(t, models.StreakSummary{}, res.Streak)
	assert.Empty(t, repo.streaks)
	assert.Len(t, repo.progress, 1)
}

func TestProgressService_RecordProgress_CompletedAt(t *testing.T) {
	repo := newFakeProgressRepository()
	svc := newTestService(repo, nil)
	svc.now = func() time.Time { return time.Date(2024, 1, 10, 9, 30, 15, 500, time.UTC) }

	res, err := svc.RecordProgress(context.Background(), "user-1", models.SubmissionRequest{
		LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Completed: true, Score: score(100), IsCorrect: true,
	})

	require.NoError(t, err)
	require.NotNil(t, res.Progress.CompletedAt)
	assert.Equal(t, time.Date(2024, 1, 10, 9, 30, 15, 0, time.UTC), *res.Progress.CompletedAt)
}

func TestProgressService_RecordProgress_TimezoneBoundary(t *testing.T) {
	repo := newFakeProgressRepository()
	tokyo := time.FixedZone("JST", 9*60*60)
	svc := NewProgressService(repo, &fakeStreakRepository{repo: repo}, nil, zap.NewNop(), tokyo)
	ctx := context.Background()
	req := models.SubmissionRequest{LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Completed: true, Score: score(100), IsCorrect: true}

	// 14:00 UTC on the 10th and 16:00 UTC on the 10th are different days in Tokyo
	svc.now = func() time.Time { return time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC) }
	_, err := svc.RecordProgress(ctx, "user-1", req)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Date(2024, 1, 10, 16, 0, 0, 0, time.UTC) }
	res, err := svc.RecordProgress(ctx, "user-1", req)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Streak.CurrentStreak)
}

func TestProgressService_RecordProgress_Errors(t *testing.T) {
	validReq := models.SubmissionRequest{LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Score: score(50), IsCorrect: true}

	tests := []struct {
		name            string
		userID          string
		req             models.SubmissionRequest
		recordErr       error
		expectedErr     error
		expectedFields  []string
		expectRepoCalls int
	}{
		{
			name:            "unauthenticated",
			userID:          "",
			req:             validReq,
			expectedErr:     ErrUnauthenticated,
			expectRepoCalls: 0,
		},
		{
			name:            "missing score",
			userID:          "user-1",
			req:             models.SubmissionRequest{LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", IsCorrect: true},
			expectedFields:  []string{"score"},
			expectRepoCalls: 0,
		},
		{
			name:            "missing text fields",
			userID:          "user-1",
			req:             models.SubmissionRequest{LessonID: "  ", Score: score(10)},
			expectedFields:  []string{"lessonId", "lessonTitle", "category"},
			expectRepoCalls: 0,
		},
		{
			name:            "score out of range",
			userID:          "user-1",
			req:             models.SubmissionRequest{LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Score: score(101)},
			expectedFields:  []string{"score"},
			expectRepoCalls: 0,
		},
		{
			name:            "database failure",
			userID:          "user-1",
			req:             validReq,
			recordErr:       errors.New("Error 1146: Table 'learning_progress' doesn't exist"),
			expectedErr:     ErrPersistence,
			expectRepoCalls: 1,
		},
		{
			name:            "database timeout",
			userID:          "user-1",
			req:             validReq,
			recordErr:       context.DeadlineExceeded,
			expectedErr:     ErrUnavailable,
			expectRepoCalls: 1,
		},
		{
			name:            "bad connection",
			userID:          "user-1",
			req:             validReq,
			recordErr:       driver.ErrBadConn,
			expectedErr:     ErrUnavailable,
			expectRepoCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeProgressRepository()
			repo.recordErr = tt.recordErr
			svc := newTestService(repo, nil)

			res, err := svc.RecordProgress(context.Background(), tt.userID, tt.req)

			assert.Nil(t, res)
			require.Error(t, err)
			if tt.expectedFields != nil {
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, tt.expectedFields, vErr.Fields)
			} else {
				assert.ErrorIs(t, err, tt.expectedErr)
			}
			assert.Equal(t, tt.expectRepoCalls, repo.recordCalls)
			assert.Empty(t, repo.progress)
			assert.Empty(t, repo.streaks)
		})
	}
}

func TestProgressService_RecordProgress_CacheFailureIgnored(t *testing.T) {
	repo := newFakeProgressRepository()
	cache := newMockStreakCache()
	cache.invalidateErr = errors.New("redis down")
	svc := newTestService(repo, cache)
	svc.now = at(2024, time.January, 10)

	res, err := svc.RecordProgress(context.Background(), "user-1", models.SubmissionRequest{
		LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Score: score(100), IsCorrect: true,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak.CurrentStreak)
}

func TestProgressService_GetStreak(t *testing.T) {
	tests := []struct {
		name             string
		stored           *models.UserStreak
		cached           *models.StreakSummary
		cacheErr         error
		getErr           error
		expected         models.StreakSummary
		expectedErr      error
		expectCachedUser bool
	}{
		{
			name:     "no streak yet",
			expected: models.StreakSummary{},
		},
		{
			name:             "stored streak populates cache",
			stored:           &models.UserStreak{UserID: "user-1", CurrentStreak: 3, LongestStreak: 4, TotalLessonsCompleted: 12},
			expected:         models.StreakSummary{CurrentStreak: 3, LongestStreak: 4, TotalLessonsCompleted: 12},
			expectCachedUser: true,
		},
		{
			name:     "cache hit",
			stored:   &models.UserStreak{UserID: "user-1", CurrentStreak: 9, LongestStreak: 9, TotalLessonsCompleted: 9},
			cached:   &models.StreakSummary{CurrentStreak: 2, LongestStreak: 2, TotalLessonsCompleted: 5},
			expected: models.StreakSummary{CurrentStreak: 2, LongestStreak: 2, TotalLessonsCompleted: 5},
		},
		{
			name:     "cache error falls back to database",
			stored:   &models.UserStreak{UserID: "user-1", CurrentStreak: 1, LongestStreak: 1, TotalLessonsCompleted: 1},
			cacheErr: errors.New("redis down"),
			expected: models.StreakSummary{CurrentStreak: 1, LongestStreak: 1, TotalLessonsCompleted: 1},
		},
		{
			name:        "database error",
			getErr:      errors.New("database error"),
			expectedErr: ErrPersistence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeProgressRepository()
			repo.getErr = tt.getErr
			if tt.stored != nil {
				repo.streaks["user-1"] = *tt.stored
			}
			cache := newMockStreakCache()
			cache.getErr = tt.cacheErr
			if tt.cached != nil {
				cache.entries["user-1"] = *tt.cached
			}
			svc := newTestService(repo, cache)

			summary, err := svc.GetStreak(context.Background(), "user-1")

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, summary)
			assert.Equal(t, 1, cache.getCalls)
			if tt.expectCachedUser {
				assert.Equal(t, tt.expected, cache.entries["user-1"])
			}
		})
	}
}

func TestProgressService_ListProgress(t *testing.T) {
	repo := newFakeProgressRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	t.Run("empty list is not nil", func(t *testing.T) {
		records, err := svc.ListProgress(ctx, "user-1", "")
		require.NoError(t, err)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	})

	t.Run("filters by category", func(t *testing.T) {
		repo.progress["user-1/a"] = models.LearningProgress{ID: 1, UserID: "user-1", LessonID: "a", Category: "saving"}
		repo.progress["user-1/b"] = models.LearningProgress{ID: 2, UserID: "user-1", LessonID: "b", Category: "investing"}
		repo.progress["user-2/a"] = models.LearningProgress{ID: 3, UserID: "user-2", LessonID: "a", Category: "saving"}

		records, err := svc.ListProgress(ctx, "user-1", "saving")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "a", records[0].LessonID)
	})

	t.Run("database error", func(t *testing.T) {
		repo.listErr = errors.New("database error")
		_, err := svc.ListProgress(ctx, "user-1", "")
		assert.ErrorIs(t, err, ErrPersistence)
	})
}

func TestProgressService_DeleteStreak(t *testing.T) {
	t.Run("success evicts cache", func(t *testing.T) {
		repo := newFakeProgressRepository()
		repo.streaks["user-1"] = models.UserStreak{UserID: "user-1", CurrentStreak: 2}
		cache := newMockStreakCache()
		cache.entries["user-1"] = models.StreakSummary{CurrentStreak: 2}
		svc := newTestService(repo, cache)

		err := svc.DeleteStreak(context.Background(), "user-1")

		require.NoError(t, err)
		assert.Empty(t, repo.streaks)
		assert.Empty(t, cache.entries)
	})

	t.Run("not found", func(t *testing.T) {
		svc := newTestService(newFakeProgressRepository(), nil)
		err := svc.DeleteStreak(context.Background(), "user-1")
		assert.ErrorIs(t, err, ErrStreakNotFound)
	})

	t.Run("database error", func(t *testing.T) {
		repo := newFakeProgressRepository()
		repo.deleteErr = errors.New("database error")
		svc := newTestService(repo, nil)
		err := svc.DeleteStreak(context.Background(), "user-1")
		assert.ErrorIs(t, err, ErrPersistence)
	})
}

// interleavingStreakRepository runs "afterRead" once, between the database read and the return to the service
type interleavingStreakRepository struct {
	UserStreakRepository
	afterRead func()
}

func (r *interleavingStreakRepository) GetByUserID(ctx context.Context, userID string) (*models.UserStreak, error) {
	streak, err := r.UserStreakRepository.GetByUserID(ctx, userID)
	if r.afterRead != nil {
		hook := r.afterRead
		r.afterRead = nil
		hook()
	}
	return streak, err
}

func TestProgressService_GetStreak_SubmissionDuringRead(t *testing.T) {
	repo := newFakeProgressRepository()
	cache := newMockStreakCache()
	streakRepo := &interleavingStreakRepository{UserStreakRepository: &fakeStreakRepository{repo: repo}}
	svc := NewProgressService(repo, streakRepo, cache, zap.NewNop(), time.UTC)
	svc.now = at(2024, time.January, 10)
	ctx := context.Background()

	submission := func(lessonID string) models.SubmissionRequest {
		return models.SubmissionRequest{
			LessonID: lessonID, LessonTitle: "Saving", Category: "saving", Score: score(100), IsCorrect: true,
		}
	}

	_, err := svc.RecordProgress(ctx, "user-1", submission("lesson-1"))
	require.NoError(t, err)

	var committed *models.SubmissionResult
	streakRepo.afterRead = func() {
		committed, err = svc.RecordProgress(ctx, "user-1", submission("lesson-2"))
		require.NoError(t, err)
	}

	// The read saw total 1; the submission committed total 2 before the cache fill
	stale, err := svc.GetStreak(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stale.TotalLessonsCompleted)
	assert.Equal(t, 0, cache.fills)
	assert.NotContains(t, cache.entries, "user-1")

	summary, err := svc.GetStreak(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, committed)
	assert.Equal(t, committed.Streak, summary)
	assert.Equal(t, 2, summary.TotalLessonsCompleted)
	assert.Equal(t, summary, cache.entries["user-1"])

	// Served from the cache now, still the committed counters
	cached, err := svc.GetStreak(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, summary, cached)
	assert.Equal(t, 1, cache.fills)
}

func TestProgressService_RecordProgress_InvalidatesCachedStreak(t *testing.T) {
	repo := newFakeProgressRepository()
	cache := newMockStreakCache()
	svc := newTestService(repo, cache)
	svc.now = at(2024, time.January, 10)
	ctx := context.Background()

	first, err := svc.RecordProgress(ctx, "user-1", models.SubmissionRequest{
		LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Score: score(100), IsCorrect: true,
	})
	require.NoError(t, err)

	cached, err := svc.GetStreak(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.Streak, cached)
	require.Contains(t, cache.entries, "user-1")

	second, err := svc.RecordProgress(ctx, "user-1", models.SubmissionRequest{
		LessonID: "lesson-2", LessonTitle: "Saving", Category: "saving", Score: score(100), IsCorrect: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, cache.entries, "user-1")

	summary, err := svc.GetStreak(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, second.Streak, summary)
	assert.Equal(t, 2, summary.TotalLessonsCompleted)
}

func TestProgressService_RecordProgress_InvalidatesOnStorageError(t *testing.T) {
	repo := newFakeProgressRepository()
	repo.recordErr = context.DeadlineExceeded
	cache := newMockStreakCache()
	cache.entries["user-1"] = models.StreakSummary{CurrentStreak: 1, LongestStreak: 1, TotalLessonsCompleted: 1}
	svc := newTestService(repo, cache)

	_, err := svc.RecordProgress(context.Background(), "user-1", models.SubmissionRequest{
		LessonID: "lesson-1", LessonTitle: "Saving", Category: "saving", Score: score(100), IsCorrect: true,
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotContains(t, cache.entries, "user-1")
	assert.Equal(t, int64(1), cache.generations["user-1"])
}

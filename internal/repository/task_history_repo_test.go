package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroair/vidtanium/internal/models"
	"github.com/astroair/vidtanium/internal/storage"
)

func newTestRepo(t *testing.T) *TaskHistoryRepository {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTaskHistoryRepository(db)
}

func record(id string, status models.TaskStatus, finished time.Time) *models.TaskHistory {
	return &models.TaskHistory{
		ID:          id,
		Name:        "task " + id,
		Status:      status,
		SubmittedAt: finished.Add(-time.Minute),
		FinishedAt:  &finished,
		FailedIndex: -1,
	}
}

func TestRecordAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := record("t1", models.TaskCompleted, time.Now())
	rec.DownloadedBytes = 12345
	require.NoError(t, repo.Record(ctx, rec))

	got, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, int64(12345), got.DownloadedBytes)
}

func TestGetByID_Missing(t *testing.T) {
	repo := newTestRepo(t)
	got, err := repo.GetByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecord_UpsertsSameID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, record("t1", models.TaskFailed, time.Now())))
	require.NoError(t, repo.Record(ctx, record("t1", models.TaskCompleted, time.Now())))

	all, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.TaskCompleted, all[0].Status)
}

func TestList_NewestFirstWithLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, repo.Record(ctx, record(id, models.TaskCompleted, base.Add(time.Duration(i)*time.Hour))))
	}

	got, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
}

func TestPruneOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.Record(ctx, record("old", models.TaskCompleted, old)))
	require.NoError(t, repo.Record(ctx, record("fresh", models.TaskCompleted, time.Now())))

	n, err := repo.PruneOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].ID)
}

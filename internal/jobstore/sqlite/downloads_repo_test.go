package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/jobstore/sqlite"
)

func TestDownloadRepoCreateAndGet(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewDownloadRepo(db)
	ctx := context.Background()

	d := &domain.Download{
		ID:   uuid.New().String(),
		Repo: "stability-ai/sd15",
		Files: []domain.DownloadFile{
			{RemotePath: "model.safetensors", DestPath: "/data/models/sd15/model.safetensors", TotalBytes: 1000},
			{RemotePath: "config.json", DestPath: "/data/models/sd15/config.json", TotalBytes: 10},
		},
		Status: domain.DownloadPending,
	}
	d.Recompute()
	require.NoError(t, repo.Create(ctx, d))

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "stability-ai/sd15", got.Repo)
	require.Len(t, got.Files, 2)
	assert.EqualValues(t, 1010, got.TotalBytes)
}

func TestDownloadRepoUpdateTracksFileProgress(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewDownloadRepo(db)
	ctx := context.Background()

	d := &domain.Download{
		ID:     uuid.New().String(),
		Repo:   "stability-ai/sd15",
		Files:  []domain.DownloadFile{{RemotePath: "model.safetensors", DestPath: "/x", TotalBytes: 1000}},
		Status: domain.DownloadPending,
	}
	require.NoError(t, repo.Create(ctx, d))

	d.Files[0].Downloaded = 500
	d.Status = domain.DownloadDownloading
	d.Recompute()
	d.SpeedBytesPerS = 1024
	require.NoError(t, repo.Update(ctx, d))

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DownloadDownloading, got.Status)
	assert.InDelta(t, 0.5, got.Progress(), 0.0001)
	assert.EqualValues(t, 500, got.Files[0].Downloaded)
}

func TestDownloadRepoGetMissing(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewDownloadRepo(db)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDownloadRepoAllOrdersByStartedAtDesc(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewDownloadRepo(db)
	ctx := context.Background()

	first := &domain.Download{ID: uuid.New().String(), Repo: "a", Status: domain.DownloadPending, StartedAt: time.Now().Add(-time.Hour)}
	second := &domain.Download{ID: uuid.New().String(), Repo: "b", Status: domain.DownloadPending, StartedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
}

func TestDownloadRepoCleanupOlderThan(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewDownloadRepo(db)
	ctx := context.Background()

	completedAt := time.Now().Add(-48 * time.Hour)
	d := &domain.Download{ID: uuid.New().String(), Repo: "old", Status: domain.DownloadCompleted, StartedAt: completedAt, CompletedAt: &completedAt}
	require.NoError(t, repo.Create(ctx, d))

	n, err := repo.CleanupOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, d.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDownloadRepoDeleteMissing(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewDownloadRepo(db)
	err := repo.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

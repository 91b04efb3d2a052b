package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/jobstore/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "store.db")
	db, err := sqlite.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobRepoEnqueueClaimGet(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewJobRepo(db)
	ctx := context.Background()

	j := &domain.Job{Type: domain.JobTypeGenerate, ModelID: "sd15", Prompt: "a cat", Width: 512, Height: 512, BatchSize: 1}
	require.NoError(t, repo.Enqueue(ctx, j))
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.JobPending, j.Status)

	claimed, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, j.ID, claimed.ID)
	assert.Equal(t, domain.JobProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	_, err = repo.ClaimNextPending(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound, "no more pending jobs to claim")

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
}

func TestJobRepoGetMissing(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewJobRepo(db)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepoSetProgressAndStatus(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewJobRepo(db)
	ctx := context.Background()

	j := &domain.Job{Type: domain.JobTypeGenerate, ModelID: "sd15"}
	require.NoError(t, repo.Enqueue(ctx, j))

	require.NoError(t, repo.SetProgress(ctx, j.ID, 0.3))
	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, got.Progress, 0.0001)

	errMsg := "engine crashed"
	require.NoError(t, repo.SetStatus(ctx, j.ID, domain.JobFailed, &errMsg))
	got, err = repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, errMsg, got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestJobRepoSetTimingsAndAppendImage(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewJobRepo(db)
	ctx := context.Background()

	j := &domain.Job{Type: domain.JobTypeGenerate, ModelID: "sd15"}
	require.NoError(t, repo.Enqueue(ctx, j))
	require.NoError(t, repo.SetTimings(ctx, j.ID, 1200, 4300))

	require.NoError(t, repo.AppendImage(ctx, j.ID, domain.GeneratedImage{Index: 0, MimeType: "image/png", FilePath: "/data/out/1.png"}))
	require.NoError(t, repo.AppendImage(ctx, j.ID, domain.GeneratedImage{Index: 1, MimeType: "image/png", FilePath: "/data/out/2.png"}))

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1200, got.ModelLoadingTimeMS)
	assert.EqualValues(t, 4300, got.GenerationTimeMS)
	require.Len(t, got.Images, 2)
	assert.Equal(t, 0, got.Images[0].Index)
}

func TestJobRepoListFiltersByStatusAndPaginates(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewJobRepo(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := &domain.Job{Type: domain.JobTypeGenerate, ModelID: "sd15"}
		require.NoError(t, repo.Enqueue(ctx, j))
	}

	jobs, page, err := repo.List(ctx, domain.JobFilter{Status: domain.JobPending, Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)

	jobs, page, err = repo.List(ctx, domain.JobFilter{Status: domain.JobPending, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.False(t, page.HasMore)
}

func TestJobRepoCancelRejectsTerminalJobs(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewJobRepo(db)
	ctx := context.Background()

	j := &domain.Job{Type: domain.JobTypeGenerate, ModelID: "sd15"}
	require.NoError(t, repo.Enqueue(ctx, j))
	require.NoError(t, repo.Cancel(ctx, j.ID))

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	assert.Error(t, repo.Cancel(ctx, j.ID), "cancelling an already-terminal job is a conflict")
}

func TestJobRepoListStuckProcessing(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewJobRepo(db)
	ctx := context.Background()

	j := &domain.Job{Type: domain.JobTypeGenerate, ModelID: "sd15"}
	require.NoError(t, repo.Enqueue(ctx, j))
	_, err := repo.ClaimNextPending(ctx)
	require.NoError(t, err)

	stuck, err := repo.ListStuckProcessing(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stuck, "job just claimed is not yet stuck")

	stuck, err = repo.ListStuckProcessing(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, j.ID, stuck[0].ID)
}

func TestJobRepoDeleteMissingReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewJobRepo(db)
	err := repo.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/jobstore/sqlite"
)

func TestModelRepoUpsertAndGet(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewModelRepo(db)
	ctx := context.Background()

	cfgScale := 7.5
	m := domain.ModelDescriptor{
		ID:               "sd15",
		Name:              "Stable Diffusion 1.5",
		Command:           "sd",
		Args:              []string{"-m", "sd15.ckpt"},
		ExecMode:          domain.ExecModeCLI,
		LoadMode:          domain.LoadModeOnDemand,
		GenerationParams:  domain.GenerationParams{CFGScale: &cfgScale},
		Capabilities:      []domain.Capability{domain.CapabilityTextToImage, domain.CapabilityImageToImage},
	}
	require.NoError(t, repo.Upsert(ctx, m))

	got, err := repo.Get(ctx, "sd15")
	require.NoError(t, err)
	assert.Equal(t, "Stable Diffusion 1.5", got.Name)
	assert.Equal(t, []string{"-m", "sd15.ckpt"}, got.Args)
	require.NotNil(t, got.GenerationParams.CFGScale)
	assert.InDelta(t, 7.5, *got.GenerationParams.CFGScale, 0.0001)
	assert.ElementsMatch(t, []domain.Capability{domain.CapabilityTextToImage, domain.CapabilityImageToImage}, got.Capabilities)
}

func TestModelRepoUpsertReplacesExisting(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewModelRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, domain.ModelDescriptor{ID: "sd15", Name: "v1", Command: "sd"}))
	require.NoError(t, repo.Upsert(ctx, domain.ModelDescriptor{ID: "sd15", Name: "v2", Command: "sd"}))

	got, err := repo.Get(ctx, "sd15")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
}

func TestModelRepoGetMissing(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewModelRepo(db)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestModelRepoAll(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewModelRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, domain.ModelDescriptor{ID: "a", Command: "x"}))
	require.NoError(t, repo.Upsert(ctx, domain.ModelDescriptor{ID: "b", Command: "y"}))

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

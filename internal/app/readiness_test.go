package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeRegistry struct{ records map[string]domain.ProcessRecord }

func (f fakeRegistry) Get(modelID string) (domain.ProcessRecord, bool) {
	rec, ok := f.records[modelID]
	return rec, ok
}

func TestReadinessFailsWhenDBUnreachable(t *testing.T) {
	check := BuildReadinessCheck(fakePinger{err: errors.New("disk full")}, fakeRegistry{}, nil)
	assert.Error(t, check(context.Background()))
}

func TestReadinessOKWithNoPreloadModels(t *testing.T) {
	check := BuildReadinessCheck(fakePinger{}, fakeRegistry{}, nil)
	assert.NoError(t, check(context.Background()))
}

func TestReadinessFailsWhenPreloadModelNotRunning(t *testing.T) {
	check := BuildReadinessCheck(fakePinger{}, fakeRegistry{records: map[string]domain.ProcessRecord{}}, []string{"sd15"})
	assert.Error(t, check(context.Background()))
}

func TestReadinessOKWhenPreloadModelRunning(t *testing.T) {
	reg := fakeRegistry{records: map[string]domain.ProcessRecord{
		"sd15": {ModelID: "sd15", Status: domain.ProcessRunning},
	}}
	check := BuildReadinessCheck(fakePinger{}, reg, []string{"sd15"})
	assert.NoError(t, check(context.Background()))
}

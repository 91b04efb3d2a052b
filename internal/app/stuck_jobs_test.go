package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

type fakeSweeperJobs struct {
	domain.JobRepository
	stuck    []domain.Job
	statuses map[string]domain.JobStatus
}

func (f *fakeSweeperJobs) ListStuckProcessing(ctx domain.Context, olderThan time.Time) ([]domain.Job, error) {
	return f.stuck, nil
}

func (f *fakeSweeperJobs) SetStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	if f.statuses == nil {
		f.statuses = map[string]domain.JobStatus{}
	}
	f.statuses[id] = status
	return nil
}

func TestStuckJobSweeperMarksOverdueJobsFailed(t *testing.T) {
	jobs := &fakeSweeperJobs{stuck: []domain.Job{{ID: "job-1"}, {ID: "job-2"}}}
	s := NewStuckJobSweeper(jobs, time.Minute, time.Hour)
	require.NotNil(t, s)

	s.sweepOnce(context.Background())

	assert.Equal(t, domain.JobFailed, jobs.statuses["job-1"])
	assert.Equal(t, domain.JobFailed, jobs.statuses["job-2"])
}

func TestNewStuckJobSweeperNilJobsReturnsNil(t *testing.T) {
	assert.Nil(t, NewStuckJobSweeper(nil, time.Minute, time.Minute))
}

func TestStuckJobSweeperRunStopsOnContextCancel(t *testing.T) {
	jobs := &fakeSweeperJobs{}
	s := NewStuckJobSweeper(jobs, time.Minute, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

package phasing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerStartup(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler()
	require.NoError(t, err)
	require.Empty(t, scheduler.jobs, "Scheduler should have no registered jobs after creation")
}

func TestRegisterIntervalJobCreatesThenUpdates(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler()
	require.NoError(t, err)

	firstJob := JobName("periodic-check")
	err = scheduler.RegisterIntervalJob(firstJob, 6*time.Hour, func(_ context.Context) error { return nil })
	require.NoError(t, err)
	require.Len(t, scheduler.jobs, 1)
	require.Contains(t, scheduler.jobs, firstJob)

	secondJob := JobName("other-job")
	err = scheduler.RegisterIntervalJob(secondJob, 30*time.Minute, func(_ context.Context) error { return nil })
	require.NoError(t, err)
	require.Len(t, scheduler.jobs, 2)
	require.Contains(t, scheduler.jobs, secondJob)

	// Re-registering under the same name updates the existing job rather
	// than adding a second one, keeping the same id.
	id := scheduler.jobs[firstJob]

	err = scheduler.RegisterIntervalJob(firstJob, time.Hour, func(_ context.Context) error { return nil })
	require.NoError(t, err)
	require.Len(t, scheduler.jobs, 2)
	require.Equal(t, id, scheduler.jobs[firstJob])
}

func TestSchedulerShutdownStopsAllJobs(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler()
	require.NoError(t, err)

	require.NoError(t, scheduler.RegisterIntervalJob(JobName("periodic-check"), time.Hour, func(_ context.Context) error { return nil }))

	scheduler.Start()
	require.NoError(t, scheduler.Shutdown())
}

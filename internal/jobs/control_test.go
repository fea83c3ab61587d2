package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedQueue starts a queue whose executor reports each unit index on
// started and waits for a token on release before finishing it.
func gatedQueue(t *testing.T, opts ...Option) (*Queue, chan int, chan struct{}) {
	t.Helper()
	started := make(chan int, 16)
	release := make(chan struct{}, 16)
	q := NewQueue(1, nil, opts...)
	q.Start(context.Background(), unitExecutor(func(idx int) {
		started <- idx
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		q.Stop()
	})
	return q, started, release
}

func TestControl_PauseIsDeferredUntilUnitBoundary(t *testing.T) {
	q, started, release := gatedQueue(t)
	ctx := context.Background()
	job := submit(t, q, 3, PriorityNormal)

	assert.Equal(t, 0, receive(t, started))
	res, err := q.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Equal(t, StatusRunning, res.PreviousStatus)
	assert.Equal(t, StatusPaused, res.NewStatus)

	mid, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, mid.Status)
	assert.Equal(t, ActionPause, mid.PendingAction)

	release <- struct{}{}
	paused := waitStatus(t, q, job.ID, StatusPaused)
	assert.Equal(t, 1, paused.Progress.UnitsCompleted)
	assert.Empty(t, paused.WorkerID)
	assert.Empty(t, paused.PendingAction)

	res, err = q.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	assert.Equal(t, StatusRunning, res.NewStatus)

	assert.Equal(t, 1, receive(t, started))
	release <- struct{}{}
	assert.Equal(t, 2, receive(t, started))
	release <- struct{}{}

	done := waitStatus(t, q, job.ID, StatusCompleted)
	assert.Equal(t, 3, done.Progress.UnitsCompleted)
}

func TestControl_PauseThenResumeBeforeBoundaryLeavesStateUnchanged(t *testing.T) {
	q, started, release := gatedQueue(t)
	ctx := context.Background()
	job := submit(t, q, 2, PriorityNormal)

	receive(t, started)
	before, err := q.Get(ctx, job.ID)
	require.NoError(t, err)

	_, err = q.Pause(ctx, job.ID)
	require.NoError(t, err)
	_, err = q.Resume(ctx, job.ID)
	require.NoError(t, err)

	after, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.Retries, after.Retries)
	assert.Empty(t, after.PendingAction)

	release <- struct{}{}
	receive(t, started)
	release <- struct{}{}
	waitStatus(t, q, job.ID, StatusCompleted)
}

func TestControl_CancelDuringInFlightUnit(t *testing.T) {
	q, started, release := gatedQueue(t)
	ctx := context.Background()
	job := submit(t, q, 3, PriorityNormal)

	receive(t, started)
	res, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Equal(t, StatusCancelled, res.NewStatus)

	release <- struct{}{}
	got := waitStatus(t, q, job.ID, StatusCancelled)
	assert.Equal(t, 1, got.Progress.UnitsCompleted)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, started, "no new unit starts after cancellation")

	units, err := q.Units(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, units, 1, "the in-flight unit is kept")
}

func TestControl_CancelPreventsClaim(t *testing.T) {
	q := NewQueue(1, nil)
	ctx := context.Background()
	job := submit(t, q, 1, PriorityNormal)

	res, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	assert.Equal(t, StatusQueued, res.PreviousStatus)

	_, ok := q.ClaimNext(ctx, "w1")
	assert.False(t, ok)
}

func TestControl_CancelPendingJob(t *testing.T) {
	q := NewQueue(1, nil, WithMaxQueued(1))
	ctx := context.Background()
	submit(t, q, 1, PriorityNormal)
	pending := submit(t, q, 1, PriorityNormal)

	res, err := q.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.PreviousStatus)
	waitStatus(t, q, pending.ID, StatusCancelled)
}

func TestControl_Idempotent(t *testing.T) {
	q := NewQueue(1, nil)
	ctx := context.Background()
	job := submit(t, q, 1, PriorityNormal)

	_, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	before, err := q.Get(ctx, job.ID)
	require.NoError(t, err)

	res, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.PreviousStatus)
	after, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestControl_InvalidTransitions(t *testing.T) {
	q := NewQueue(1, nil)
	ctx := context.Background()
	job := submit(t, q, 1, PriorityNormal)

	_, err := q.Pause(ctx, job.ID)
	assert.True(t, IsErrorType(err, ErrInvalidTransition), "cannot pause a queued job")
	_, err = q.Resume(ctx, job.ID)
	assert.True(t, IsErrorType(err, ErrInvalidTransition))

	_, err = q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	_, err = q.Resume(ctx, job.ID)
	assert.True(t, IsErrorType(err, ErrInvalidTransition))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestControl_JobNotFound(t *testing.T) {
	q := NewQueue(1, nil)
	_, err := q.Control(context.Background(), "missing", ActionPause)
	assert.True(t, IsErrorType(err, ErrJobNotFound))
}

func TestControl_ResumePolicyAfterFailure(t *testing.T) {
	tests := []struct {
		name    string
		policy  ResumePolicy
		retries int
	}{
		{name: "reset", policy: ResumeReset, retries: 0},
		{name: "carry over", policy: ResumeCarryOver, retries: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(1, nil)
			ctx := context.Background()
			cfg := testConfig(2)
			cfg.AutoPauseOnFailure = true
			cfg.ResumePolicy = tt.policy
			job, err := q.Submit(ctx, SubmitRequest{Config: cfg})
			require.NoError(t, err)

			run, ok := q.ClaimNext(ctx, "w1")
			require.True(t, ok)
			unit := &UnitRecord{Index: 0, Status: UnitFailedExhausted, Attempts: 4}
			paused, err := run.Fail(ctx, unit, NewError(ErrQualityExhausted, "prose below threshold"), func(j *Job) {
				j.Retries = 3
			})
			require.NoError(t, err)
			assert.Equal(t, StatusPaused, paused.Status)
			require.NotNil(t, paused.Error)
			assert.Equal(t, "QualityExhausted", paused.Error.Type)
			require.NotNil(t, paused.Error.Unit)
			assert.Equal(t, 0, *paused.Error.Unit)

			_, err = q.Resume(ctx, job.ID)
			require.NoError(t, err)
			got, err := q.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, got.Status)
			assert.Nil(t, got.Error)
			assert.Equal(t, tt.retries, got.Retries)

			again, ok := q.ClaimNext(ctx, "w2")
			require.True(t, ok)
			assert.Equal(t, job.ID, again.JobID())
		})
	}
}

func TestRun_FailWithoutAutoPause(t *testing.T) {
	q := NewQueue(1, nil)
	ctx := context.Background()
	job := submit(t, q, 3, PriorityNormal)

	run, ok := q.ClaimNext(ctx, "w1")
	require.True(t, ok)
	_, err := run.Checkpoint(ctx, &UnitRecord{Index: 0, Status: UnitAccepted}, func(j *Job) {
		j.Progress.UnitsCompleted = 1
	})
	require.NoError(t, err)

	failed, err := run.Fail(ctx, &UnitRecord{Index: 1, Status: UnitFailedExhausted}, NewError(ErrQualityExhausted, "exhausted"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)

	units, err := q.Units(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, UnitAccepted, units[0].Status)

	_, err = run.Checkpoint(ctx, nil, nil)
	assert.True(t, IsErrorType(err, ErrInvalidTransition), "terminal job rejects further writes")
}

func TestRun_CompleteSupersedesPendingPause(t *testing.T) {
	q := NewQueue(1, nil)
	ctx := context.Background()
	job := submit(t, q, 1, PriorityNormal)

	run, ok := q.ClaimNext(ctx, "w1")
	require.True(t, ok)
	res, err := q.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Deferred)

	done, err := run.Complete(ctx, &UnitRecord{Index: 0, Status: UnitAccepted}, func(j *Job) {
		j.Progress.UnitsCompleted = 1
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Empty(t, done.PendingAction)
}

func TestRun_CompleteHonoursPendingCancel(t *testing.T) {
	q := NewQueue(1, nil)
	ctx := context.Background()
	job := submit(t, q, 1, PriorityNormal)

	run, ok := q.ClaimNext(ctx, "w1")
	require.True(t, ok)
	res, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Equal(t, StatusCancelled, res.NewStatus)

	done, err := run.Complete(ctx, &UnitRecord{Index: 0, Status: UnitAccepted}, func(j *Job) {
		j.Progress.UnitsCompleted = 1
		j.Progress.Percentage = 100
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Empty(t, done.PendingAction)
	assert.Equal(t, 1, done.Progress.UnitsCompleted)
	assert.Less(t, done.Progress.Percentage, 100.0)

	units, err := q.Units(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, units, 1, "the final unit is kept")
	assert.Equal(t, UnitAccepted, units[0].Status)
}

func TestRun_WritesRejectedAfterOwnershipLost(t *testing.T) {
	q := NewQueue(1, nil)
	ctx := context.Background()
	job := submit(t, q, 2, PriorityNormal)

	run, ok := q.ClaimNext(ctx, "w1")
	require.True(t, ok)
	q.reassign(job.ID, "w2")

	err := run.Update(func(j *Job) { j.Progress.CurrentStep = "draft" })
	assert.True(t, IsErrorType(err, ErrInvalidTransition), err)
	_, err = run.Checkpoint(ctx, &UnitRecord{Index: 0, Status: UnitAccepted}, nil)
	assert.True(t, IsErrorType(err, ErrInvalidTransition), err)

	units, err := q.Units(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestRun_UpdateKeepsControlFields(t *testing.T) {
	q := NewQueue(1, nil)
	ctx := context.Background()
	job := submit(t, q, 2, PriorityNormal)
	run, ok := q.ClaimNext(ctx, "w1")
	require.True(t, ok)
	_, err := q.Pause(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, run.Update(func(j *Job) {
		j.Progress.CurrentStep = "draft"
		j.PendingAction = ""
		j.Status = StatusCompleted
	}))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", got.Progress.CurrentStep)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, ActionPause, got.PendingAction)
}

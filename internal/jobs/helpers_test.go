package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(units int) Config {
	cfg := DefaultConfig()
	cfg.TargetUnits = units
	return cfg
}

func submit(t *testing.T, q *Queue, units int, priority Priority) *Job {
	t.Helper()
	job, err := q.Submit(context.Background(), SubmitRequest{
		OwnerID:  "owner-1",
		Priority: priority,
		Config:   testConfig(units),
	})
	require.NoError(t, err)
	return job
}

// unitExecutor accepts one unit per iteration, calling gate before each.
func unitExecutor(gate func(idx int)) Executor {
	return func(ctx context.Context, run *Run) error {
		for {
			job := run.Job()
			idx := job.Progress.UnitsCompleted
			if gate != nil {
				gate(idx)
			}
			unit := &UnitRecord{Index: idx, Content: fmt.Sprintf("unit %d", idx), Status: UnitAccepted}
			mutate := func(j *Job) {
				j.Progress.UnitsCompleted++
				j.Retries = 0
			}

			var next *Job
			var err error
			if idx+1 >= job.Config.TargetUnits {
				next, err = run.Complete(ctx, unit, mutate)
			} else {
				next, err = run.Checkpoint(ctx, unit, mutate)
			}
			if err != nil {
				return err
			}
			if next.Status != StatusRunning {
				return nil
			}
		}
	}
}

func waitStatus(t *testing.T, q *Queue, id string, status Status) *Job {
	t.Helper()
	var got *Job
	require.Eventually(t, func() bool {
		job, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = job
		return job.Status == status
	}, time.Second, 10*time.Millisecond)
	return got
}

func receive(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for executor")
		return -1
	}
}

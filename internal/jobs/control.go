package jobs

import "context"

// ControlResult describes the effect of a control request. When Deferred is
// set the job is mid-unit and NewStatus is applied at the next unit boundary.
type ControlResult struct {
	JobID          string `json:"job_id"`
	PreviousStatus Status `json:"previous_status"`
	NewStatus      Status `json:"new_status"`
	Deferred       bool   `json:"deferred"`
}

// Control dispatches action to Pause, Resume or Cancel.
func (q *Queue) Control(ctx context.Context, id string, action Action) (ControlResult, error) {
	switch action {
	case ActionPause:
		return q.Pause(ctx, id)
	case ActionResume:
		return q.Resume(ctx, id)
	case ActionCancel:
		return q.Cancel(ctx, id)
	default:
		return ControlResult{}, Errorf(ErrValidation, "unknown action %q", action)
	}
}

// Status returns the current snapshot of a job.
func (q *Queue) Status(ctx context.Context, id string) (*Job, error) {
	return q.Get(ctx, id)
}

// Pause stops a running job between units.
func (q *Queue) Pause(ctx context.Context, id string) (ControlResult, error) {
	return q.mutate(ctx, id, func(cur, next *Job) (ControlResult, error) {
		res := ControlResult{JobID: cur.ID, PreviousStatus: cur.Status, NewStatus: StatusPaused}
		switch {
		case cur.Status == StatusPaused:
			return res, errNoop
		case cur.Status != StatusRunning:
			return res, invalidControl(cur, ActionPause)
		case cur.WorkerID == "":
			next.Progress.DetailedStatus = "paused"
			return res, Transition(next, StatusPaused, q.now())
		case cur.PendingAction == ActionCancel:
			return res, invalidControl(cur, ActionPause).WithContext("pending_action", cur.PendingAction)
		case cur.PendingAction == ActionPause:
			res.Deferred = true
			return res, errNoop
		default:
			res.Deferred = true
			next.PendingAction = ActionPause
			next.UpdatedAt = q.now()
			return res, nil
		}
	})
}

// Resume continues a paused job. On a running job it withdraws a pause
// that has not yet taken effect.
func (q *Queue) Resume(ctx context.Context, id string) (ControlResult, error) {
	resumed := false
	res, err := q.mutate(ctx, id, func(cur, next *Job) (ControlResult, error) {
		res := ControlResult{JobID: cur.ID, PreviousStatus: cur.Status, NewStatus: StatusRunning}
		switch {
		case cur.Status == StatusRunning && cur.PendingAction == ActionPause:
			next.PendingAction = ""
			next.UpdatedAt = q.now()
			return res, nil
		case cur.Status == StatusRunning:
			return res, errNoop
		case cur.Status != StatusPaused:
			return res, invalidControl(cur, ActionResume)
		}
		if err := Transition(next, StatusRunning, q.now()); err != nil {
			return res, err
		}
		next.WorkerID = ""
		next.PendingAction = ""
		if next.Error != nil && next.Config.ResumePolicy != ResumeCarryOver {
			next.Retries = 0
		}
		next.Error = nil
		next.Progress.DetailedStatus = "resumed"
		resumed = true
		return res, nil
	})
	if err == nil && resumed {
		if job, getErr := q.Get(ctx, id); getErr == nil {
			q.pushReady(job)
		}
	}
	return res, err
}

// Cancel stops a job permanently. Jobs attached to a worker are cancelled
// at the next unit boundary.
func (q *Queue) Cancel(ctx context.Context, id string) (ControlResult, error) {
	wasQueued := false
	res, err := q.mutate(ctx, id, func(cur, next *Job) (ControlResult, error) {
		res := ControlResult{JobID: cur.ID, PreviousStatus: cur.Status, NewStatus: StatusCancelled}
		switch {
		case cur.Status == StatusCancelled:
			return res, errNoop
		case cur.Status.Terminal():
			return res, invalidControl(cur, ActionCancel)
		case cur.Status == StatusRunning && cur.WorkerID != "":
			res.Deferred = true
			if cur.PendingAction == ActionCancel {
				return res, errNoop
			}
			next.PendingAction = ActionCancel
			next.UpdatedAt = q.now()
			return res, nil
		}
		wasQueued = cur.Status == StatusQueued
		next.Progress.DetailedStatus = "cancelled"
		return res, Transition(next, StatusCancelled, q.now())
	})
	if err == nil && res.NewStatus == StatusCancelled && !res.Deferred && res.PreviousStatus != StatusCancelled {
		if wasQueued {
			q.mu.Lock()
			q.queued--
			q.mu.Unlock()
			q.admit(ctx)
		}
		q.evictTerminal()
	}
	return res, err
}

// errNoop marks an idempotent request that needs no write.
var errNoop = NewError(ErrInvalidTransition, "no-op")

func invalidControl(job *Job, action Action) *Error {
	return Errorf(ErrInvalidTransition, "cannot %s job in status %s", action, job.Status).
		WithContext("job_id", job.ID)
}

// mutate runs fn under the job's lock and persists the result.
func (q *Queue) mutate(ctx context.Context, id string, fn func(cur, next *Job) (ControlResult, error)) (ControlResult, error) {
	e := q.lookup(id)
	if e == nil {
		stored, err := q.store.LoadJob(ctx, id)
		if err != nil {
			return ControlResult{}, err
		}
		// Only terminal jobs are evicted from memory; they never change.
		res, err := fn(stored, cloneJob(stored))
		if err == errNoop {
			return res, nil
		}
		if err == nil {
			err = invalidControl(stored, "modify")
		}
		return ControlResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.load()
	next := cloneJob(cur)
	res, err := fn(cur, next)
	if err == errNoop {
		return res, nil
	}
	if err != nil {
		return ControlResult{}, err
	}
	if err := q.persistLocked(ctx, e, next, nil); err != nil {
		return ControlResult{}, err
	}
	return res, nil
}

package jobs

import "time"

var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves job to status to, stamping lifecycle timestamps.
// Illegal edges return ErrInvalidTransition and leave job untouched.
func Transition(job *Job, to Status, now time.Time) error {
	if job == nil {
		return NewError(ErrJobNotFound, "job is nil")
	}
	if !CanTransition(job.Status, to) {
		return Errorf(ErrInvalidTransition, "cannot move job from %s to %s", job.Status, to).
			WithContext("job_id", job.ID)
	}
	job.Status = to
	job.UpdatedAt = now
	if to == StatusRunning && job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	if to.Terminal() {
		completed := now
		job.CompletedAt = &completed
		job.PendingAction = ""
		job.WorkerID = ""
	}
	return nil
}

package jobs

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusQueued, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", Errorf(ErrValidation, "unknown status %q", s)
	}
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank orders priorities; lower runs first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority defaults an empty value to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", Errorf(ErrValidation, "unknown priority %q", s)
	}
}

// Action is an external control request.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPause, ActionResume, ActionCancel:
		return a, nil
	default:
		return "", Errorf(ErrValidation, "unknown action %q", s)
	}
}

// Progress is the observer-facing view of a job's advancement.
type Progress struct {
	JobID          string    `json:"job_id"`
	CurrentStep    string    `json:"current_step"`
	TotalSteps     int       `json:"total_steps"`
	CompletedSteps int       `json:"completed_steps"`
	Percentage     float64   `json:"percentage"`
	CurrentUnit    int       `json:"current_unit"`
	UnitsCompleted int       `json:"units_completed"`
	TotalUnits     int       `json:"total_units"`
	LastUpdate     time.Time `json:"last_update"`
	DetailedStatus string    `json:"detailed_status,omitempty"`
	// UnitDurations holds the most recent unit wall-clock durations in seconds.
	UnitDurations []float64 `json:"unit_durations,omitempty"`
	ETASeconds    *float64  `json:"eta_seconds,omitempty"`
}

// JobError is the persisted failure reason of a job.
type JobError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Unit   *int   `json:"unit,omitempty"`
}

func (e *JobError) String() string {
	if e == nil {
		return ""
	}
	if e.Unit != nil {
		return fmt.Sprintf("%s: unit %d: %s", e.Type, *e.Unit, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

type JobResult struct {
	UnitsAccepted int     `json:"units_accepted"`
	TotalCost     float64 `json:"total_cost"`
}

type Job struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	OwnerID       string     `json:"owner_id"`
	Priority      Priority   `json:"priority"`
	Config        Config     `json:"config"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Retries       int        `json:"retries"`
	Error         *JobError  `json:"error,omitempty"`
	Result        *JobResult `json:"result,omitempty"`
	Progress      Progress   `json:"progress"`
	PendingAction Action     `json:"pending_action,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	Seq           uint64     `json:"seq"`
	Version       int64      `json:"version"`
}

type UnitStatus string

const (
	UnitAccepted        UnitStatus = "accepted"
	UnitFailedExhausted UnitStatus = "failed_exhausted"
	UnitBudgetBlocked   UnitStatus = "budget_blocked"
	UnitFailed          UnitStatus = "failed"
)

// StageResult records one stage invocation inside a unit.
type StageResult struct {
	Stage       string             `json:"stage"`
	Attempt     int                `json:"attempt"`
	Scores      map[string]float64 `json:"scores,omitempty"`
	Passed      map[string]bool    `json:"passed,omitempty"`
	Readability map[string]bool    `json:"readability,omitempty"`
	Decision    string             `json:"decision,omitempty"`
	ContentRef  string             `json:"content_ref,omitempty"`
	Cost        float64            `json:"cost"`
	Duration    time.Duration      `json:"duration"`
	Error       string             `json:"error,omitempty"`
}

// UnitRecord is the durable result of one unit of work.
type UnitRecord struct {
	JobID            string        `json:"job_id"`
	Index            int           `json:"index"`
	Title            string        `json:"title,omitempty"`
	Content          string        `json:"content"`
	Summary          string        `json:"summary,omitempty"`
	Score            float64       `json:"score"`
	Stages           []StageResult `json:"stages"`
	Cost             float64       `json:"cost"`
	Attempts         int           `json:"attempts"`
	Status           UnitStatus    `json:"status"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	DetectedLanguage string        `json:"detected_language,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type SubmitRequest struct {
	Type     string
	OwnerID  string
	Priority Priority
	Config   Config
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	OwnerID string
	Status  Status
	Limit   int
	Offset  int
}

func (f Filter) matches(job *Job) bool {
	if f.OwnerID != "" && job.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	return true
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.Config = job.Config.Clone()
	if job.StartedAt != nil {
		v := *job.StartedAt
		tmp.StartedAt = &v
	}
	if job.CompletedAt != nil {
		v := *job.CompletedAt
		tmp.CompletedAt = &v
	}
	if job.Error != nil {
		v := *job.Error
		if job.Error.Unit != nil {
			u := *job.Error.Unit
			v.Unit = &u
		}
		tmp.Error = &v
	}
	if job.Result != nil {
		v := *job.Result
		tmp.Result = &v
	}
	tmp.Progress.UnitDurations = append([]float64(nil), job.Progress.UnitDurations...)
	if job.Progress.ETASeconds != nil {
		v := *job.Progress.ETASeconds
		tmp.Progress.ETASeconds = &v
	}
	return &tmp
}

// CloneJob returns a deep copy of job.
func CloneJob(job *Job) *Job {
	return cloneJob(job)
}

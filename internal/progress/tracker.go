package progress

import (
	"fmt"
	"time"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
)

// DefaultWindow is the number of recent unit durations averaged for the ETA.
const DefaultWindow = 5

// Tracker derives Progress fields from unit-level events. Its methods are
// meant to run inside a jobs.Run mutation.
type Tracker struct {
	window int
}

func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window}
}

// Begin initialises totals when a worker picks the job up.
func (t *Tracker) Begin(job *jobs.Job, now time.Time) {
	p := &job.Progress
	p.JobID = job.ID
	p.TotalUnits = job.Config.TargetUnits
	p.TotalSteps = job.Config.TargetUnits * jobs.StepsPerUnit
	p.CurrentUnit = p.UnitsCompleted
	p.DetailedStatus = fmt.Sprintf("running unit %d of %d", p.UnitsCompleted+1, p.TotalUnits)
	t.recompute(job, now)
}

// StageStarted labels the step the executor is about to run.
func (t *Tracker) StageStarted(job *jobs.Job, unit int, stage string, attempt int, now time.Time) {
	p := &job.Progress
	p.CurrentUnit = unit
	if attempt > 1 {
		p.CurrentStep = fmt.Sprintf("unit %d: %s (attempt %d)", unit+1, stage, attempt)
	} else {
		p.CurrentStep = fmt.Sprintf("unit %d: %s", unit+1, stage)
	}
	p.LastUpdate = now
}

// StageCompleted counts a finished base stage of the current unit.
func (t *Tracker) StageCompleted(job *jobs.Job, now time.Time) {
	p := &job.Progress
	floor := p.UnitsCompleted * jobs.StepsPerUnit
	if p.CompletedSteps < floor {
		p.CompletedSteps = floor
	}
	if p.CompletedSteps < floor+jobs.StepsPerUnit {
		p.CompletedSteps++
	}
	p.LastUpdate = now
}

// UnitAccepted records a finished unit and its wall-clock duration.
func (t *Tracker) UnitAccepted(job *jobs.Job, elapsed time.Duration, now time.Time) {
	p := &job.Progress
	p.UnitsCompleted++
	p.CompletedSteps = p.UnitsCompleted * jobs.StepsPerUnit
	p.CurrentUnit = p.UnitsCompleted
	p.UnitDurations = append(p.UnitDurations, elapsed.Seconds())
	if len(p.UnitDurations) > t.window {
		p.UnitDurations = p.UnitDurations[len(p.UnitDurations)-t.window:]
	}
	if p.UnitsCompleted < p.TotalUnits {
		p.DetailedStatus = fmt.Sprintf("running unit %d of %d", p.UnitsCompleted+1, p.TotalUnits)
	} else {
		p.DetailedStatus = "all units accepted"
	}
	t.recompute(job, now)
}

// UnitFailed annotates the progress with a failure description.
func (t *Tracker) UnitFailed(job *jobs.Job, unit int, reason string, now time.Time) {
	p := &job.Progress
	p.CurrentUnit = unit
	p.DetailedStatus = fmt.Sprintf("unit %d failed: %s", unit+1, reason)
	p.LastUpdate = now
}

func (t *Tracker) recompute(job *jobs.Job, now time.Time) {
	p := &job.Progress
	if pct := Percentage(p.UnitsCompleted, p.TotalUnits); pct > p.Percentage {
		p.Percentage = pct
	}
	p.ETASeconds = ETA(p.UnitDurations, p.TotalUnits-p.UnitsCompleted)
	p.LastUpdate = now
}

// Percentage is completed/target clamped to 0..100.
func Percentage(completed, target int) float64 {
	if target <= 0 || completed <= 0 {
		return 0
	}
	pct := float64(completed) / float64(target) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// ETA multiplies the mean recent unit duration by the remaining units.
// It is nil until at least one unit has completed.
func ETA(durations []float64, remaining int) *float64 {
	if len(durations) == 0 {
		return nil
	}
	if remaining < 0 {
		remaining = 0
	}
	var sum float64
	for _, d := range durations {
		sum += d
	}
	eta := sum / float64(len(durations)) * float64(remaining)
	return &eta
}

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/progress"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/quality"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

const defaultCallTimeout = 2 * time.Minute

// Executor runs the plan, draft, assess and refine stages for every unit of
// a job, one unit at a time.
type Executor struct {
	generator   Generator
	assessor    Assessor
	budget      BudgetGate
	tracker     *progress.Tracker
	retry       RetryPolicy
	callTimeout time.Duration
	now         func() time.Time
}

type Option func(*Executor)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithCallTimeout bounds every individual stage call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Executor) { e.callTimeout = d }
}

func WithTracker(t *progress.Tracker) Option {
	return func(e *Executor) { e.tracker = t }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(gen Generator, assessor Assessor, budget BudgetGate, opts ...Option) *Executor {
	e := &Executor{
		generator:   gen,
		assessor:    assessor,
		budget:      budget,
		tracker:     progress.NewTracker(progress.DefaultWindow),
		retry:       DefaultRetryPolicy(),
		callTimeout: defaultCallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// unitOutcome is the result of one unit pipeline pass.
type unitOutcome struct {
	unit    *jobs.UnitRecord
	retries int
	elapsed time.Duration
	err     error
}

// Execute implements jobs.Executor.
func (e *Executor) Execute(ctx context.Context, run *jobs.Run) error {
	if err := run.Update(func(j *jobs.Job) { e.tracker.Begin(j, e.now()) }); err != nil {
		return err
	}
	job := run.Job()
	cfg := job.Config
	if job.Progress.UnitsCompleted >= cfg.TargetUnits {
		_, err := run.Complete(ctx, nil, nil)
		return err
	}

	prior, err := run.Units(ctx)
	if err != nil {
		return fmt.Errorf("load units: %w", err)
	}
	summaries := acceptedSummaries(prior, job.Progress.UnitsCompleted)
	retries := job.Retries

	for idx := job.Progress.UnitsCompleted; idx < cfg.TargetUnits; idx++ {
		out := e.runUnit(ctx, run, job, idx, summaries, retries)
		retries = 0
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if out.err != nil {
			if jobs.IsErrorType(out.err, jobs.ErrInvalidTransition) {
				// The job was taken from this worker; nothing more may be written.
				return out.err
			}
			reason := out.err.Error()
			log.Warn("Job %s unit %d failed: %v", job.ID, idx, out.err)
			_, err := run.Fail(ctx, out.unit, out.err, func(j *jobs.Job) {
				j.Retries = out.retries
				addCost(j, out.unit.Cost, false)
				e.tracker.UnitFailed(j, idx, reason, e.now())
			})
			return err
		}

		final := idx == cfg.TargetUnits-1
		mutate := func(j *jobs.Job) {
			e.tracker.UnitAccepted(j, out.elapsed, e.now())
			j.Retries = 0
			addCost(j, out.unit.Cost, true)
			if !final && j.Config.UserReviewRequired && j.PendingAction == "" {
				j.PendingAction = jobs.ActionPause
				j.Progress.DetailedStatus = fmt.Sprintf("awaiting review of unit %d", idx+1)
			}
		}

		var next *jobs.Job
		if final {
			next, err = run.Complete(ctx, out.unit, mutate)
		} else {
			next, err = run.Checkpoint(ctx, out.unit, mutate)
		}
		if err != nil {
			return err
		}
		log.Info("Job %s unit %d accepted (score %.2f, attempts %d)", job.ID, idx, out.unit.Score, out.unit.Attempts)
		if next.Status != jobs.StatusRunning {
			return nil
		}
		summaries = append(summaries, out.unit.Summary)
	}
	return nil
}

func (e *Executor) runUnit(ctx context.Context, run *jobs.Run, job *jobs.Job, idx int, summaries []string, retries int) unitOutcome {
	started := e.now()
	cfg := job.Config
	unit := &jobs.UnitRecord{JobID: job.ID, Index: idx, CreatedAt: started}
	sc := StageContext{
		JobID:          job.ID,
		Title:          cfg.Title,
		Brief:          cfg.Brief,
		Language:       cfg.Language,
		UnitIndex:      idx,
		TotalUnits:     cfg.TargetUnits,
		Attempt:        1,
		PriorSummaries: append([]string(nil), summaries...),
	}
	constraints := Constraints{TargetSize: cfg.TargetUnitSize, Language: cfg.Language}
	fail := func(err error, retries int) unitOutcome {
		unit.Status = statusFor(err)
		unit.FailureReason = err.Error()
		return unitOutcome{unit: unit, retries: retries, elapsed: e.now().Sub(started), err: err}
	}

	var plan Output
	err := e.call(ctx, run, unit, StagePlan, 1, cfg.CostEstimates.Plan, func(cctx context.Context) (float64, error) {
		out, err := e.generator.Generate(cctx, StagePlan, sc, constraints)
		plan = out
		return out.Cost, err
	})
	if err != nil {
		return fail(err, retries)
	}
	sc.Blueprint = plan.Blueprint
	if sc.Blueprint == nil {
		sc.Blueprint = &Blueprint{Summary: plan.Content}
	}
	unit.Title = sc.Blueprint.Title

	var draft Output
	err = e.call(ctx, run, unit, StageDraft, 1, cfg.CostEstimates.Draft, func(cctx context.Context) (float64, error) {
		out, err := e.generator.Generate(cctx, StageDraft, sc, constraints)
		draft = out
		return out.Cost, err
	})
	if err != nil {
		return fail(err, retries)
	}
	content, summary := draft.Content, draft.Summary
	unit.Content = content
	unit.Attempts = 1

	var previous map[string]bool
	for {
		sc.Content = content
		sc.Attempt = unit.Attempts

		var report ScoreReport
		err = e.call(ctx, run, unit, StageAssess, unit.Attempts, cfg.CostEstimates.Assess, func(cctx context.Context) (float64, error) {
			r, err := e.assessor.Score(cctx, content, sc)
			if err == nil {
				if verr := r.Validate(); verr != nil {
					err = jobs.WrapError(verr, jobs.ErrProviderRejected, "invalid score report")
				}
			}
			report = r
			return r.Cost, err
		})
		if err != nil {
			return fail(err, retries)
		}

		ev := quality.Evaluate(cfg.Quality, report.Report, previous, retries, cfg.MaxRetriesPerUnit)
		last := &unit.Stages[len(unit.Stages)-1]
		last.Scores = report.Scores
		last.Passed = ev.Passed
		last.Readability = report.Readability
		last.Decision = string(ev.Decision)
		last.ContentRef = contentRef(content)
		unit.Score = report.Aggregate()
		if len(ev.Regressed) > 0 {
			log.Warn("Job %s unit %d regressed on %s", job.ID, idx, strings.Join(ev.Regressed, ", "))
		}

		switch ev.Decision {
		case quality.DecisionAccepted:
			unit.Status = jobs.UnitAccepted
			unit.Content = content
			unit.Summary = firstNonEmpty(report.Summary, summary, sc.Blueprint.Summary)
			unit.DetectedLanguage = detectLanguage(content)
			if want := cfg.LanguageBase(); unit.DetectedLanguage != "" && want != "" && unit.DetectedLanguage != want {
				log.Warn("Job %s unit %d looks like %q, expected %q", job.ID, idx, unit.DetectedLanguage, want)
			}
			return unitOutcome{unit: unit, retries: retries, elapsed: e.now().Sub(started)}
		case quality.DecisionFailed:
			unit.Content = content
			unit.Summary = summary
			err := jobs.Errorf(jobs.ErrQualityExhausted,
				"unit %d failed %s after %d refinements", idx+1, strings.Join(ev.Failing, ", "), retries).
				WithContext("scores", report.Scores)
			return fail(err, retries)
		}

		previous = ev.Passed
		sc.Failing = ev.Failing
		sc.Feedback = report.Feedback
		sc.Attempt = unit.Attempts + 1

		var refined Output
		err = e.call(ctx, run, unit, StageRefine, unit.Attempts+1, cfg.CostEstimates.Refine, func(cctx context.Context) (float64, error) {
			out, err := e.generator.Generate(cctx, StageRefine, sc, constraints)
			refined = out
			return out.Cost, err
		})
		if err != nil {
			return fail(err, retries)
		}
		// Only a refinement that actually ran counts against the unit.
		retries++
		if err := run.Update(func(j *jobs.Job) { j.Retries = retries }); err != nil {
			return fail(err, retries)
		}
		unit.Attempts++
		content = refined.Content
		if refined.Summary != "" {
			summary = refined.Summary
		}
		unit.Content = content
	}
}

// call runs one stage invocation and appends its StageResult to unit. Every
// provider attempt, including transient retries, is authorised and settled
// on its own; a denial stops the retries.
func (e *Executor) call(ctx context.Context, run *jobs.Run, unit *jobs.UnitRecord, stage Stage, attempt int, estimate float64, fn func(context.Context) (float64, error)) error {
	jobID := unit.JobID
	if err := run.Update(func(j *jobs.Job) {
		e.tracker.StageStarted(j, unit.Index, string(stage), attempt, e.now())
	}); err != nil {
		return err
	}

	result := jobs.StageResult{Stage: string(stage), Attempt: attempt}
	started := e.now()
	err := e.retry.Do(ctx, func(ctx context.Context, _ int) error {
		auth, err := e.authorize(ctx, jobID, stage, estimate)
		if err != nil {
			return err
		}

		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		reported, err := fn(cctx)
		if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = jobs.WrapError(err, jobs.ErrProviderError, fmt.Sprintf("%s call timed out", stage))
		}

		actual := 0.0
		if err == nil {
			actual = reported
			if actual <= 0 {
				actual = estimate
			}
		}
		if serr := e.budget.Settle(context.WithoutCancel(ctx), auth, actual); serr != nil {
			log.Error("Failed to settle %s cost for job %s: %v", stage, jobID, serr)
		}
		result.Cost += actual
		return err
	})

	result.Duration = e.now().Sub(started)
	if err != nil {
		result.Error = err.Error()
	}
	unit.Stages = append(unit.Stages, result)
	unit.Cost += result.Cost

	if err == nil && stage != StageRefine {
		if uerr := run.Update(func(j *jobs.Job) { e.tracker.StageCompleted(j, e.now()) }); uerr != nil {
			return uerr
		}
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && jobs.TypeOf(err) == jobs.ErrUnrecoverable {
		err = jobs.WrapError(err, jobs.ErrProviderRejected, fmt.Sprintf("%s call failed", stage))
	}
	return err
}

func (e *Executor) authorize(ctx context.Context, jobID string, stage Stage, estimate float64) (Authorization, error) {
	auth, err := e.budget.Authorize(ctx, jobID, estimate)
	switch {
	case err != nil && ctx.Err() != nil:
		return auth, ctx.Err()
	case err != nil:
		return auth, jobs.WrapError(err, jobs.ErrBudgetDenied, "budget check failed")
	case !auth.Approved:
		return auth, jobs.Errorf(jobs.ErrBudgetDenied, "budget denied %s: %s", stage, auth.Reason).
			WithContext("estimate", estimate)
	}
	return auth, nil
}

func statusFor(err error) jobs.UnitStatus {
	switch jobs.TypeOf(err) {
	case jobs.ErrBudgetDenied:
		return jobs.UnitBudgetBlocked
	case jobs.ErrQualityExhausted:
		return jobs.UnitFailedExhausted
	default:
		return jobs.UnitFailed
	}
}

func addCost(j *jobs.Job, cost float64, accepted bool) {
	if j.Result == nil {
		j.Result = &jobs.JobResult{}
	}
	j.Result.TotalCost += cost
	if accepted {
		j.Result.UnitsAccepted = j.Progress.UnitsCompleted
	}
}

func acceptedSummaries(units []*jobs.UnitRecord, completed int) []string {
	ret := make([]string, 0, completed)
	for _, u := range units {
		if u.Index < completed && u.Status == jobs.UnitAccepted {
			ret = append(ret, u.Summary)
		}
	}
	return ret
}

func contentRef(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

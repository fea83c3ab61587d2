package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/quality"
)

const englishText = "The quiet harbour town woke slowly while the fishermen prepared their boats for the long day ahead."

type fakeGenerator struct {
	mu    sync.Mutex
	calls map[Stage]int
	hook  func(ctx context.Context, stage Stage, sc StageContext) (Output, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, stage Stage, sc StageContext, _ Constraints) (Output, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[Stage]int)
	}
	g.calls[stage]++
	hook := g.hook
	g.mu.Unlock()
	if hook != nil {
		return hook(ctx, stage, sc)
	}
	return defaultOutput(stage, sc), nil
}

func (g *fakeGenerator) count(stage Stage) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[stage]
}

func defaultOutput(stage Stage, sc StageContext) Output {
	switch stage {
	case StagePlan:
		return Output{Blueprint: &Blueprint{
			Title:   fmt.Sprintf("Unit %d", sc.UnitIndex+1),
			Summary: fmt.Sprintf("plan for unit %d", sc.UnitIndex+1),
		}}
	default:
		return Output{
			Content: fmt.Sprintf("%s\n%s (attempt %d)", englishText, englishText, sc.Attempt),
			Summary: fmt.Sprintf("summary of unit %d", sc.UnitIndex+1),
		}
	}
}

type fakeAssessor struct {
	mu    sync.Mutex
	calls map[int]int
	score func(sc StageContext) map[string]float64
}

func (a *fakeAssessor) Score(_ context.Context, _ string, sc StageContext) (ScoreReport, error) {
	a.mu.Lock()
	if a.calls == nil {
		a.calls = make(map[int]int)
	}
	a.calls[sc.UnitIndex]++
	a.mu.Unlock()

	scores := passing()
	if a.score != nil {
		scores = a.score(sc)
	}
	return ScoreReport{Report: quality.Report{
		Scores:   scores,
		Feedback: map[string]string{"prose": "tighten the rhythm"},
	}}, nil
}

func (a *fakeAssessor) count(unit int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[unit]
}

func passing() map[string]float64 {
	return map[string]float64{"prose": 9, "freshness": 8}
}

type openBudget struct {
	mu         sync.Mutex
	settled    float64
	authorized map[float64]int
}

func (b *openBudget) Authorize(_ context.Context, jobID string, estimate float64) (Authorization, error) {
	b.mu.Lock()
	if b.authorized == nil {
		b.authorized = make(map[float64]int)
	}
	b.authorized[estimate]++
	b.mu.Unlock()
	return Authorization{JobID: jobID, Amount: estimate, Approved: true}, nil
}

func (b *openBudget) authorizations(estimate float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authorized[estimate]
}

func (b *openBudget) Settle(_ context.Context, _ Authorization, actual float64) error {
	b.mu.Lock()
	b.settled += actual
	b.mu.Unlock()
	return nil
}

type mockBudget struct {
	mock.Mock
}

func (m *mockBudget) Authorize(ctx context.Context, jobID string, estimate float64) (Authorization, error) {
	args := m.Called(ctx, jobID, estimate)
	return args.Get(0).(Authorization), args.Error(1)
}

func (m *mockBudget) Settle(ctx context.Context, auth Authorization, actual float64) error {
	return m.Called(ctx, auth, actual).Error(0)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestExecutor(gen Generator, assessor Assessor, budget BudgetGate, opts ...Option) *Executor {
	policy := DefaultRetryPolicy()
	policy.Sleep = noSleep
	opts = append([]Option{WithRetryPolicy(policy)}, opts...)
	return NewExecutor(gen, assessor, budget, opts...)
}

func startQueue(t *testing.T, exec *Executor) *jobs.Queue {
	t.Helper()
	q := jobs.NewQueue(1, nil)
	q.Start(context.Background(), exec.Execute)
	t.Cleanup(q.Stop)
	return q
}

func testConfig(units int) jobs.Config {
	cfg := jobs.DefaultConfig()
	cfg.Title = "Harbour Stories"
	cfg.TargetUnits = units
	return cfg
}

func submitJob(t *testing.T, q *jobs.Queue, cfg jobs.Config) *jobs.Job {
	t.Helper()
	job, err := q.Submit(context.Background(), jobs.SubmitRequest{OwnerID: "owner-1", Config: cfg})
	require.NoError(t, err)
	return job
}

func waitFor(t *testing.T, q *jobs.Queue, id string, status jobs.Status) *jobs.Job {
	t.Helper()
	var got *jobs.Job
	require.Eventually(t, func() bool {
		job, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = job
		return job.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func loadUnits(t *testing.T, q *jobs.Queue, id string) []*jobs.UnitRecord {
	t.Helper()
	units, err := q.Units(context.Background(), id)
	require.NoError(t, err)
	return units
}

func TestExecute_AllUnitsPassFirstTime(t *testing.T) {
	gen := &fakeGenerator{}
	budget := &openBudget{}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, budget))

	job := submitJob(t, q, testConfig(3))
	done := waitFor(t, q, job.ID, jobs.StatusCompleted)

	assert.Equal(t, 100.0, done.Progress.Percentage)
	assert.Equal(t, 3, done.Progress.UnitsCompleted)
	assert.Equal(t, 9, done.Progress.CompletedSteps)
	require.NotNil(t, done.Progress.ETASeconds)
	assert.Zero(t, *done.Progress.ETASeconds)
	assert.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.Result)
	assert.Equal(t, 3, done.Result.UnitsAccepted)
	assert.InDelta(t, 9.0, done.Result.TotalCost, 0.0001)
	assert.InDelta(t, 9.0, budget.settled, 0.0001)
	assert.Zero(t, gen.count(StageRefine))

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 3)
	for i, u := range units {
		assert.Equal(t, i, u.Index)
		assert.Equal(t, jobs.UnitAccepted, u.Status)
		assert.Equal(t, 1, u.Attempts)
		assert.Equal(t, fmt.Sprintf("Unit %d", i+1), u.Title)
		assert.Equal(t, "en", u.DetectedLanguage)
		assert.InDelta(t, 8.5, u.Score, 0.0001)
		require.Len(t, u.Stages, 3)
		assert.Equal(t, string(quality.DecisionAccepted), u.Stages[2].Decision)
		assert.NotEmpty(t, u.Stages[2].ContentRef)
	}
}

func TestExecute_PriorSummariesFlowIntoLaterUnits(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int][]string)
	gen := &fakeGenerator{hook: func(_ context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StagePlan {
			mu.Lock()
			seen[sc.UnitIndex] = sc.PriorSummaries
			mu.Unlock()
		}
		return defaultOutput(stage, sc), nil
	}}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, &openBudget{}))

	job := submitJob(t, q, testConfig(3))
	waitFor(t, q, job.ID, jobs.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen[0])
	assert.Equal(t, []string{"summary of unit 1", "summary of unit 2"}, seen[2])
}

func TestExecute_RefinesUntilPassing(t *testing.T) {
	gen := &fakeGenerator{}
	assessor := &fakeAssessor{score: func(sc StageContext) map[string]float64 {
		if sc.Attempt == 1 {
			return map[string]float64{"prose": 6.0, "freshness": 8}
		}
		return map[string]float64{"prose": 8.5, "freshness": 8}
	}}
	q := startQueue(t, newTestExecutor(gen, assessor, &openBudget{}))

	job := submitJob(t, q, testConfig(1))
	done := waitFor(t, q, job.ID, jobs.StatusCompleted)

	assert.Equal(t, 1, gen.count(StageRefine))
	assert.Equal(t, 2, assessor.count(0))
	assert.Zero(t, done.Retries)
	assert.InDelta(t, 5.0, done.Result.TotalCost, 0.0001)

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 1)
	u := units[0]
	assert.Equal(t, 2, u.Attempts)
	var stages []string
	for _, s := range u.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"plan", "draft", "assess", "refine", "assess"}, stages)
	assert.Equal(t, string(quality.DecisionRefine), u.Stages[2].Decision)
	assert.False(t, u.Stages[2].Passed["prose"])
	assert.True(t, u.Stages[4].Passed["prose"])
	assert.Contains(t, u.Content, "(attempt 2)")
}

func TestExecute_QualityExhaustedFailsJob(t *testing.T) {
	gen := &fakeGenerator{}
	assessor := &fakeAssessor{score: func(sc StageContext) map[string]float64 {
		if sc.UnitIndex == 1 {
			return map[string]float64{"prose": 5, "freshness": 8}
		}
		return passing()
	}}
	q := startQueue(t, newTestExecutor(gen, assessor, &openBudget{}))

	job := submitJob(t, q, testConfig(3))
	failed := waitFor(t, q, job.ID, jobs.StatusFailed)

	require.NotNil(t, failed.Error)
	assert.Equal(t, "QualityExhausted", failed.Error.Type)
	require.NotNil(t, failed.Error.Unit)
	assert.Equal(t, 1, *failed.Error.Unit)
	assert.Equal(t, 3, failed.Retries)
	assert.Equal(t, 1, failed.Progress.UnitsCompleted)
	assert.Equal(t, 4, assessor.count(1))
	assert.Equal(t, 3, gen.count(StageRefine))
	assert.Equal(t, 2, gen.count(StagePlan))

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 2)
	assert.Equal(t, jobs.UnitAccepted, units[0].Status)
	assert.Equal(t, jobs.UnitFailedExhausted, units[1].Status)
	assert.Equal(t, 4, units[1].Attempts)
	assert.NotEmpty(t, units[1].Content)
	assert.Contains(t, units[1].FailureReason, "prose")
}

func TestExecute_AutoPauseThenResume(t *testing.T) {
	var fixed atomic.Bool
	assessor := &fakeAssessor{score: func(sc StageContext) map[string]float64 {
		if sc.UnitIndex == 1 && !fixed.Load() {
			return map[string]float64{"prose": 5, "freshness": 8}
		}
		return passing()
	}}
	q := startQueue(t, newTestExecutor(&fakeGenerator{}, assessor, &openBudget{}))

	cfg := testConfig(2)
	cfg.AutoPauseOnFailure = true
	job := submitJob(t, q, cfg)
	paused := waitFor(t, q, job.ID, jobs.StatusPaused)

	require.NotNil(t, paused.Error)
	assert.Equal(t, "QualityExhausted", paused.Error.Type)
	assert.Equal(t, 3, paused.Retries)
	assert.Equal(t, 1, paused.Progress.UnitsCompleted)
	assert.Nil(t, paused.CompletedAt)

	fixed.Store(true)
	res, err := q.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPaused, res.PreviousStatus)

	done := waitFor(t, q, job.ID, jobs.StatusCompleted)
	assert.Nil(t, done.Error)
	assert.Equal(t, 2, done.Progress.UnitsCompleted)
	assert.Equal(t, 5, assessor.count(1))

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 2)
	assert.Equal(t, jobs.UnitAccepted, units[1].Status)
}

func TestExecute_CancelDuringInFlightCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &fakeGenerator{hook: func(ctx context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StageDraft && sc.UnitIndex == 0 {
			once.Do(func() { close(started) })
			select {
			case <-release:
			case <-ctx.Done():
				return Output{}, ctx.Err()
			}
		}
		return defaultOutput(stage, sc), nil
	}}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, &openBudget{}))

	job := submitJob(t, q, testConfig(3))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("draft never started")
	}

	res, err := q.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	close(release)

	cancelled := waitFor(t, q, job.ID, jobs.StatusCancelled)
	assert.Equal(t, 1, cancelled.Progress.UnitsCompleted)
	assert.Empty(t, cancelled.PendingAction)
	assert.Equal(t, 1, gen.count(StagePlan))

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 1)
	assert.Equal(t, jobs.UnitAccepted, units[0].Status)
}

func TestExecute_CancelDuringFinalUnit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &fakeGenerator{hook: func(ctx context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StageDraft {
			once.Do(func() { close(started) })
			select {
			case <-release:
			case <-ctx.Done():
				return Output{}, ctx.Err()
			}
		}
		return defaultOutput(stage, sc), nil
	}}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, &openBudget{}))

	job := submitJob(t, q, testConfig(1))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("draft never started")
	}

	res, err := q.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Equal(t, jobs.StatusCancelled, res.NewStatus)
	close(release)

	cancelled := waitFor(t, q, job.ID, jobs.StatusCancelled)
	assert.Equal(t, 1, cancelled.Progress.UnitsCompleted)
	assert.Less(t, cancelled.Progress.Percentage, 100.0)
	assert.Empty(t, cancelled.PendingAction)

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 1)
	assert.Equal(t, jobs.UnitAccepted, units[0].Status)
}

func TestExecute_UserReviewPausesBetweenUnits(t *testing.T) {
	q := startQueue(t, newTestExecutor(&fakeGenerator{}, &fakeAssessor{}, &openBudget{}))

	cfg := testConfig(2)
	cfg.UserReviewRequired = true
	job := submitJob(t, q, cfg)

	paused := waitFor(t, q, job.ID, jobs.StatusPaused)
	assert.Equal(t, 1, paused.Progress.UnitsCompleted)
	assert.Nil(t, paused.Error)

	_, err := q.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	done := waitFor(t, q, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 2, done.Progress.UnitsCompleted)
}

func TestExecute_BudgetDeniedBlocksUnit(t *testing.T) {
	budget := &mockBudget{}
	budget.On("Authorize", mock.Anything, mock.Anything, 0.5).
		Return(Authorization{Amount: 0.5, Approved: true}, nil).Once()
	budget.On("Authorize", mock.Anything, mock.Anything, 2.0).
		Return(Authorization{Approved: false, Reason: "cap reached"}, nil).Once()
	budget.On("Settle", mock.Anything, mock.Anything, 0.5).Return(nil).Once()

	gen := &fakeGenerator{}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, budget))

	job := submitJob(t, q, testConfig(2))
	failed := waitFor(t, q, job.ID, jobs.StatusFailed)

	require.NotNil(t, failed.Error)
	assert.Equal(t, "BudgetDenied", failed.Error.Type)
	assert.Contains(t, failed.Error.Reason, "cap reached")
	assert.Zero(t, failed.Retries)
	assert.Zero(t, gen.count(StageDraft))
	budget.AssertExpectations(t)

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 1)
	assert.Equal(t, jobs.UnitBudgetBlocked, units[0].Status)
}

func TestExecute_BudgetDeniedRefineKeepsRetryCounter(t *testing.T) {
	approved := Authorization{Approved: true}
	budget := &mockBudget{}
	budget.On("Authorize", mock.Anything, mock.Anything, 0.5).Return(approved, nil)
	budget.On("Authorize", mock.Anything, mock.Anything, 2.0).Return(approved, nil)
	budget.On("Authorize", mock.Anything, mock.Anything, 1.5).
		Return(Authorization{Approved: false, Reason: "cap reached"}, nil).Once()
	budget.On("Settle", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	gen := &fakeGenerator{}
	assessor := &fakeAssessor{score: func(StageContext) map[string]float64 {
		return map[string]float64{"prose": 6, "freshness": 8}
	}}
	q := startQueue(t, newTestExecutor(gen, assessor, budget))

	job := submitJob(t, q, testConfig(1))
	failed := waitFor(t, q, job.ID, jobs.StatusFailed)

	require.NotNil(t, failed.Error)
	assert.Equal(t, "BudgetDenied", failed.Error.Type)
	assert.Zero(t, failed.Retries)
	assert.Zero(t, gen.count(StageRefine))
	budget.AssertExpectations(t)

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 1)
	assert.Equal(t, jobs.UnitBudgetBlocked, units[0].Status)
	assert.Equal(t, 1, units[0].Attempts)
}

func TestExecute_RejectedRefineKeepsRetryCounter(t *testing.T) {
	gen := &fakeGenerator{hook: func(_ context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StageRefine {
			return Output{}, jobs.NewError(jobs.ErrProviderRejected, "content_filter")
		}
		return defaultOutput(stage, sc), nil
	}}
	assessor := &fakeAssessor{score: func(StageContext) map[string]float64 {
		return map[string]float64{"prose": 6, "freshness": 8}
	}}
	q := startQueue(t, newTestExecutor(gen, assessor, &openBudget{}))

	job := submitJob(t, q, testConfig(1))
	failed := waitFor(t, q, job.ID, jobs.StatusFailed)

	require.NotNil(t, failed.Error)
	assert.Equal(t, "ProviderRejected", failed.Error.Type)
	assert.Zero(t, failed.Retries)
	assert.Equal(t, 1, gen.count(StageRefine))
}

func TestExecute_EachTransientAttemptIsAuthorised(t *testing.T) {
	var failures atomic.Int32
	gen := &fakeGenerator{hook: func(_ context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StageDraft && failures.Add(1) <= 2 {
			return Output{}, jobs.NewError(jobs.ErrProviderError, "upstream 503")
		}
		return defaultOutput(stage, sc), nil
	}}
	budget := &openBudget{}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, budget))

	job := submitJob(t, q, testConfig(1))
	done := waitFor(t, q, job.ID, jobs.StatusCompleted)

	assert.Equal(t, 3, gen.count(StageDraft))
	assert.Equal(t, 3, budget.authorizations(2.0))
	assert.InDelta(t, 3.0, budget.settled, 0.0001, "only the successful draft is charged")
	assert.InDelta(t, 3.0, done.Result.TotalCost, 0.0001)
}

func TestExecute_RetriesTransientProviderErrors(t *testing.T) {
	var failures atomic.Int32
	gen := &fakeGenerator{hook: func(_ context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StageDraft && failures.Add(1) <= 2 {
			return Output{}, jobs.NewError(jobs.ErrProviderError, "upstream 503")
		}
		return defaultOutput(stage, sc), nil
	}}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, &openBudget{}))

	job := submitJob(t, q, testConfig(1))
	waitFor(t, q, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 3, gen.count(StageDraft))
}

func TestExecute_TransientExhaustionFailsJob(t *testing.T) {
	gen := &fakeGenerator{hook: func(_ context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StageDraft {
			return Output{}, jobs.NewError(jobs.ErrProviderError, "upstream 503")
		}
		return defaultOutput(stage, sc), nil
	}}
	budget := &openBudget{}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, budget))

	job := submitJob(t, q, testConfig(1))
	failed := waitFor(t, q, job.ID, jobs.StatusFailed)

	require.NotNil(t, failed.Error)
	assert.Equal(t, "ProviderError", failed.Error.Type)
	assert.Equal(t, 3, gen.count(StageDraft))
	assert.InDelta(t, 0.5, budget.settled, 0.0001, "failed calls settle at zero")

	units := loadUnits(t, q, job.ID)
	require.Len(t, units, 1)
	assert.Equal(t, jobs.UnitFailed, units[0].Status)
}

func TestExecute_CallTimeoutIsTransient(t *testing.T) {
	var calls atomic.Int32
	gen := &fakeGenerator{hook: func(ctx context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StageDraft && calls.Add(1) == 1 {
			<-ctx.Done()
			return Output{}, ctx.Err()
		}
		return defaultOutput(stage, sc), nil
	}}
	q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, &openBudget{}, WithCallTimeout(20*time.Millisecond)))

	job := submitJob(t, q, testConfig(1))
	waitFor(t, q, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 2, gen.count(StageDraft))
}

func TestExecute_RejectedErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"typed rejection", jobs.NewError(jobs.ErrProviderRejected, "content_filter")},
		{"untyped error", errors.New("malformed response")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{hook: func(_ context.Context, stage Stage, sc StageContext) (Output, error) {
				if stage == StagePlan {
					return Output{}, tt.err
				}
				return defaultOutput(stage, sc), nil
			}}
			q := startQueue(t, newTestExecutor(gen, &fakeAssessor{}, &openBudget{}))

			job := submitJob(t, q, testConfig(1))
			failed := waitFor(t, q, job.ID, jobs.StatusFailed)
			require.NotNil(t, failed.Error)
			assert.Equal(t, "ProviderRejected", failed.Error.Type)
			assert.Equal(t, 1, gen.count(StagePlan))
		})
	}
}

func TestExecute_InvalidScoreReportIsRejected(t *testing.T) {
	assessor := &fakeAssessor{score: func(StageContext) map[string]float64 {
		return map[string]float64{"prose": 11}
	}}
	q := startQueue(t, newTestExecutor(&fakeGenerator{}, assessor, &openBudget{}))

	job := submitJob(t, q, testConfig(1))
	failed := waitFor(t, q, job.ID, jobs.StatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "ProviderRejected", failed.Error.Type)
	assert.Equal(t, 1, assessor.count(0))
}

func TestExecute_ShutdownReleasesJob(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	gen := &fakeGenerator{hook: func(ctx context.Context, stage Stage, sc StageContext) (Output, error) {
		if stage == StageDraft {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return Output{}, ctx.Err()
		}
		return defaultOutput(stage, sc), nil
	}}
	store := jobs.NewMemoryStore()
	q := jobs.NewQueue(1, store)
	q.Start(context.Background(), newTestExecutor(gen, &fakeAssessor{}, &openBudget{}).Execute)

	job := submitJob(t, q, testConfig(2))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("draft never started")
	}
	q.Stop()

	stored, err := store.LoadJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, stored.Status)
	assert.Empty(t, stored.WorkerID)
	assert.Nil(t, stored.Error)
}

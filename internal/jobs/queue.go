package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

// Executor drives a claimed job until it leaves the running state.
type Executor func(ctx context.Context, run *Run) error

// Observer is notified with a snapshot after every job change.
type Observer interface {
	JobChanged(job *Job)
}

type ObserverFunc func(job *Job)

func (f ObserverFunc) JobChanged(job *Job) { f(job) }

// entry guards one job. Writers hold mu; readers load snap without locking.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Job]
}

func (e *entry) load() *Job {
	return e.snap.Load()
}

type Queue struct {
	workerCount int
	maxQueued   int
	maxResident int
	store       Store
	observer    Observer
	now         func() time.Time
	newID       func() string

	// Lock order: entry.mu before mu.
	mu      sync.Mutex
	jobs    map[string]*entry
	pending jobHeap
	ready   jobHeap
	queued  int
	seq     uint64
	started bool

	wake     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Queue)

// WithMaxQueued bounds the number of admitted jobs awaiting a worker.
// Submissions beyond the bound stay pending. Zero means unbounded.
func WithMaxQueued(n int) Option {
	return func(q *Queue) { q.maxQueued = n }
}

// WithObserver registers the receiver of job snapshots.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithMaxResident caps the terminal jobs kept in memory. Evicted jobs are
// still served from the store.
func WithMaxResident(n int) Option {
	return func(q *Queue) { q.maxResident = n }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

func NewQueue(workerCount int, store Store, opts ...Option) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	if store == nil {
		store = NewMemoryStore()
	}
	q := &Queue{
		workerCount: workerCount,
		maxResident: 1000,
		store:       store,
		now:         time.Now,
		newID:       uuid.NewString,
		jobs:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wake = make(chan struct{}, q.workerCount)
	q.hydrateFromStore(context.Background())
	return q
}

// Submit validates and persists a new job, admitting it when the backlog allows.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if err := req.Config.Validate(); err != nil {
		return nil, err
	}
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		return nil, err
	}

	now := q.now()
	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.mu.Unlock()

	job := &Job{
		ID:        q.newID(),
		Type:      req.Type,
		OwnerID:   req.OwnerID,
		Priority:  priority,
		Config:    req.Config.Clone(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Seq:       seq,
		Version:   1,
	}
	job.Progress = Progress{
		JobID:      job.ID,
		TotalUnits: job.Config.TargetUnits,
		TotalSteps: job.Config.TargetUnits * StepsPerUnit,
		LastUpdate: now,
	}
	if job.Type == "" {
		job.Type = "generation"
	}

	if err := q.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	e := &entry{}
	e.snap.Store(job)
	q.mu.Lock()
	q.jobs[job.ID] = e
	q.pending.push(job)
	q.mu.Unlock()

	q.notify(job)
	q.admit(ctx)
	return cloneJob(e.load()), nil
}

// StepsPerUnit counts the base stages tracked per unit: plan, draft, assess.
const StepsPerUnit = 3

// Get returns a snapshot of the job, falling back to the store for evicted jobs.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	if e := q.lookup(id); e != nil {
		return cloneJob(e.load()), nil
	}
	return q.store.LoadJob(ctx, id)
}

// List returns jobs matching filter, newest first. Resident jobs are served
// from memory so in-flight progress is visible.
func (q *Queue) List(ctx context.Context, filter Filter) ([]*Job, error) {
	stored, err := q.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	ret := make([]*Job, 0, len(stored))
	for _, job := range stored {
		if e := q.lookup(job.ID); e != nil {
			job = cloneJob(e.load())
		}
		ret = append(ret, job)
	}
	return ret, nil
}

// Units returns the durable unit records of a job.
func (q *Queue) Units(ctx context.Context, id string) ([]*UnitRecord, error) {
	return q.store.LoadUnits(ctx, id)
}

// Start launches the worker pool. Cancelling ctx or calling Stop ends it.
func (q *Queue) Start(ctx context.Context, exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.admit(ctx)

	for i := range q.workerCount {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("worker-%d-%s", i+1, uuid.NewString()[:8]), exec)
	}
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		cancel := q.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		q.wg.Wait()
	})
}

func (q *Queue) worker(ctx context.Context, workerID string, exec Executor) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		run, ok := q.ClaimNext(ctx, workerID)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.execute(ctx, run, exec)
	}
}

func (q *Queue) execute(ctx context.Context, run *Run, exec Executor) {
	err := SafeExecute(func() error { return exec(ctx, run) })
	switch {
	case err == nil:
		q.finishAbandoned(run)
	case ctx.Err() != nil && !IsErrorType(err, ErrUnrecoverable):
		q.release(run)
	default:
		log.Error("Job %s failed: %v", run.jobID, err)
		q.failRun(run, err)
	}
}

// ClaimNext hands the highest-priority ready job to workerID.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*Run, bool) {
	for {
		q.mu.Lock()
		id, ok := q.ready.pop()
		e := q.jobs[id]
		q.mu.Unlock()
		if !ok {
			return nil, false
		}
		if e == nil {
			continue
		}
		run, claimed, retry := q.claim(ctx, e, workerID)
		if claimed {
			return run, true
		}
		if retry {
			q.mu.Lock()
			q.ready.push(e.load())
			q.mu.Unlock()
			return nil, false
		}
	}
}

// claim assigns e to workerID. retry is set when the job stays claimable
// but could not be persisted.
func (q *Queue) claim(ctx context.Context, e *entry, workerID string) (run *Run, claimed, retry bool) {
	e.mu.Lock()
	cur := e.load()
	next := cloneJob(cur)
	wasQueued := false
	switch {
	case cur.Status == StatusQueued:
		if err := Transition(next, StatusRunning, q.now()); err != nil {
			e.mu.Unlock()
			return nil, false, false
		}
		wasQueued = true
	case cur.Status == StatusRunning && cur.WorkerID == "":
		next.UpdatedAt = q.now()
	default:
		e.mu.Unlock()
		return nil, false, false
	}
	next.WorkerID = workerID
	next.Progress.DetailedStatus = "claimed by " + workerID
	if err := q.persistLocked(ctx, e, next, nil); err != nil {
		log.Error("Failed to claim job %s: %v", cur.ID, err)
		e.mu.Unlock()
		return nil, false, true
	}
	e.mu.Unlock()

	if wasQueued {
		q.mu.Lock()
		q.queued--
		q.mu.Unlock()
		q.admit(ctx)
	}
	log.Info("Job %s claimed by %s", next.ID, workerID)
	return &Run{q: q, e: e, jobID: next.ID, workerID: workerID}, true, false
}

// admit promotes pending jobs while the queued backlog has room.
func (q *Queue) admit(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.maxQueued > 0 && q.queued >= q.maxQueued {
			q.mu.Unlock()
			return
		}
		id, ok := q.pending.pop()
		e := q.jobs[id]
		if ok && e != nil {
			q.queued++
		}
		q.mu.Unlock()
		if !ok {
			return
		}
		if e == nil {
			continue
		}

		promoted, retry := q.promote(ctx, e)
		if promoted {
			continue
		}
		q.mu.Lock()
		q.queued--
		if retry {
			q.pending.push(e.load())
		}
		q.mu.Unlock()
		if retry {
			return
		}
	}
}

func (q *Queue) promote(ctx context.Context, e *entry) (promoted, retry bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.load()
	if cur.Status != StatusPending {
		return false, false
	}
	next := cloneJob(cur)
	if err := Transition(next, StatusQueued, q.now()); err != nil {
		return false, false
	}
	next.Progress.DetailedStatus = "queued"
	if err := q.persistLocked(ctx, e, next, nil); err != nil {
		log.Error("Failed to admit job %s: %v", cur.ID, err)
		return false, true
	}
	q.pushReady(next)
	return true, false
}

func (q *Queue) pushReady(job *Job) {
	q.mu.Lock()
	q.ready.push(job)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// release detaches a job whose worker is shutting down so it can be
// re-queued on the next start.
func (q *Queue) release(run *Run) {
	e := run.e
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.load()
	if cur.Status != StatusRunning || cur.WorkerID != run.workerID {
		return
	}
	next := cloneJob(cur)
	next.WorkerID = ""
	next.UpdatedAt = q.now()
	next.Progress.DetailedStatus = "released on shutdown"
	if err := q.persistLocked(context.Background(), e, next, nil); err != nil {
		log.Error("Failed to release job %s: %v", cur.ID, err)
		return
	}
	log.Info("Job %s released by %s", cur.ID, run.workerID)
}

func (q *Queue) failRun(run *Run, cause error) {
	e := run.e
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.load()
	if cur.Status != StatusRunning || cur.WorkerID != run.workerID {
		return
	}
	next := cloneJob(cur)
	next.Error = &JobError{Type: TypeOf(cause).String(), Reason: cause.Error()}
	if err := Transition(next, StatusFailed, q.now()); err != nil {
		return
	}
	if err := q.persistLocked(context.Background(), e, next, nil); err != nil {
		log.Error("Failed to persist failure of job %s: %v", cur.ID, err)
		return
	}
	q.evictTerminal()
}

// finishAbandoned fails a job the executor returned from while still owning it.
func (q *Queue) finishAbandoned(run *Run) {
	cur := run.e.load()
	if cur.Status == StatusRunning && cur.WorkerID == run.workerID {
		q.failRun(run, NewError(ErrUnrecoverable, "executor returned without finishing the job"))
	}
}

// persistLocked saves next with a bumped version and publishes it.
// The caller holds e.mu. On error the snapshot is left unchanged.
func (q *Queue) persistLocked(ctx context.Context, e *entry, next *Job, unit *UnitRecord) error {
	next.Version = e.load().Version + 1
	var err error
	if unit != nil {
		err = q.store.CommitUnit(ctx, next, unit)
	} else {
		err = q.store.SaveJob(ctx, next)
	}
	if err != nil {
		return err
	}
	e.snap.Store(next)
	q.notify(next)
	return nil
}

func (q *Queue) notify(job *Job) {
	if q.observer == nil || job == nil {
		return
	}
	q.observer.JobChanged(cloneJob(job))
}

func (q *Queue) lookup(id string) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id]
}

// evictTerminal drops the oldest terminal jobs from memory beyond maxResident.
func (q *Queue) evictTerminal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxResident <= 0 {
		return
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0)
	for id, e := range q.jobs {
		job := e.load()
		if job != nil && job.Status.Terminal() {
			terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
		}
	}
	toRemove := len(terminal) - q.maxResident
	if toRemove <= 0 {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})
	for i := 0; i < toRemove; i++ {
		delete(q.jobs, terminal[i].id)
	}
}

// Prune deletes terminal jobs last updated more than olderThan ago.
func (q *Queue) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	removed, err := q.store.DeleteTerminalBefore(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	for _, id := range removed {
		if e, ok := q.jobs[id]; ok && e.load().Status.Terminal() {
			delete(q.jobs, id)
		}
	}
	q.mu.Unlock()
	return len(removed), nil
}

func (q *Queue) hydrateFromStore(ctx context.Context) {
	loaded, err := q.store.LoadActiveJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}
	if latest, err := q.store.ListJobs(ctx, Filter{Limit: 1}); err == nil && len(latest) > 0 {
		q.seq = latest[0].Seq
	}

	now := q.now()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Seq > q.seq {
			q.seq = job.Seq
		}
		e := &entry{}
		e.snap.Store(job)
		q.jobs[job.ID] = e

		switch job.Status {
		case StatusPending:
			q.pending.push(job)
		case StatusQueued:
			q.ready.push(job)
			q.queued++
		case StatusRunning:
			if job.WorkerID == "" {
				q.ready.push(job)
				continue
			}
			q.recoverLost(ctx, e, now)
		}
	}
}

// recoverLost handles a job whose worker vanished without releasing it.
// With at least one durable unit the job is paused for resumption, otherwise
// it fails with ErrWorkerLost.
func (q *Queue) recoverLost(ctx context.Context, e *entry, now time.Time) {
	cur := e.load()
	next := cloneJob(cur)
	lost := cur.WorkerID
	next.WorkerID = ""
	unit := cur.Progress.UnitsCompleted
	reason := fmt.Sprintf("worker %s lost during unit %d", lost, unit)

	var target Status
	switch {
	case cur.PendingAction == ActionCancel:
		target = StatusCancelled
	case cur.Progress.UnitsCompleted > 0:
		target = StatusPaused
		next.Error = &JobError{Type: ErrWorkerLost.String(), Reason: reason + "; resume to continue", Unit: &unit}
	default:
		target = StatusFailed
		next.Error = &JobError{Type: ErrWorkerLost.String(), Reason: reason, Unit: &unit}
	}
	next.PendingAction = ""
	if err := Transition(next, target, now); err != nil {
		log.Error("Failed to recover job %s: %v", cur.ID, err)
		return
	}
	next.Progress.DetailedStatus = reason
	next.Version = cur.Version + 1
	if err := q.store.SaveJob(ctx, next); err != nil {
		log.Error("Failed to persist recovered job %s: %v", cur.ID, err)
		return
	}
	e.snap.Store(next)
	log.Warn("Recovered job %s as %s: %s", cur.ID, target, reason)
}

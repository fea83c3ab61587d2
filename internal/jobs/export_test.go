package jobs

// reassign hands job id to another worker, as a recovered or stolen claim would.
func (q *Queue) reassign(id, workerID string) {
	e := q.lookup(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	next := cloneJob(e.load())
	next.WorkerID = workerID
	e.snap.Store(next)
}

// Reassign exposes reassign to external test packages.
func Reassign(q *Queue, id, workerID string) { q.reassign(id, workerID) }

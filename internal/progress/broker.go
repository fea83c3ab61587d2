package progress

import (
	"sync"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
)

// Broker fans job snapshots out to in-process subscribers. Each subscriber
// holds at most one undelivered snapshot; newer snapshots replace it.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan *jobs.Job
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan *jobs.Job)}
}

// Subscribe delivers snapshots of jobID, or of every job when jobID is empty.
// The returned cancel func closes the channel.
func (b *Broker) Subscribe(jobID string) (<-chan *jobs.Job, func()) {
	ch := make(chan *jobs.Job, 1)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan *jobs.Job)
	}
	b.subs[jobID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], id)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// JobChanged implements jobs.Observer.
func (b *Broker) JobChanged(job *jobs.Job) {
	if job == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[job.ID] {
		offer(ch, job)
	}
	for _, ch := range b.subs[""] {
		offer(ch, job)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func offer(ch chan *jobs.Job, job *jobs.Job) {
	snapshot := jobs.CloneJob(job)
	select {
	case ch <- snapshot:
		return
	default:
	}
	// Drop the stale snapshot and retry once.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snapshot:
	default:
	}
}

// Fanout forwards snapshots to several observers in order.
type Fanout []jobs.Observer

func (f Fanout) JobChanged(job *jobs.Job) {
	for _, o := range f {
		if o != nil {
			o.JobChanged(job)
		}
	}
}

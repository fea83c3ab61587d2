package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/icron"
)

type fakePruner struct {
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
	removed int
	err     error
	gotAge  time.Duration
}

func (p *fakePruner) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	p.calls.Add(1)
	p.gotAge = olderThan
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.release != nil {
		<-p.release
	}
	return p.removed, p.err
}

func TestRetention_Sweep(t *testing.T) {
	pruner := &fakePruner{removed: 4}
	r := NewRetention(pruner, 48*time.Hour, "0 3 * * *", icron.NewCron())

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 48*time.Hour, pruner.gotAge)
}

func TestRetention_SweepError(t *testing.T) {
	pruner := &fakePruner{err: errors.New("disk full")}
	r := NewRetention(pruner, time.Hour, "@daily", icron.NewCron())

	_, err := r.Sweep(context.Background())
	assert.EqualError(t, err, "disk full")
}

func TestRetention_OverlappingSweepsShareOneRun(t *testing.T) {
	pruner := &fakePruner{removed: 2, release: make(chan struct{}), entered: make(chan struct{}, 1)}
	r := NewRetention(pruner, time.Hour, "@daily", icron.NewCron())

	var wg sync.WaitGroup
	results := make(chan int, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, _ := r.Sweep(context.Background())
		results <- n
	}()
	<-pruner.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		n, _ := r.Sweep(context.Background())
		results <- n
	}()
	// Give the second caller time to join the in-flight sweep.
	time.Sleep(50 * time.Millisecond)
	close(pruner.release)
	wg.Wait()
	close(results)

	for n := range results {
		assert.Equal(t, 2, n)
	}
	assert.Equal(t, int32(1), pruner.calls.Load())
}

func TestRetention_Schedule(t *testing.T) {
	c := icron.NewCron()
	r := NewRetention(&fakePruner{}, time.Hour, "@every 1h", c)
	require.NoError(t, r.Schedule(context.Background()))
	assert.Len(t, c.Entries(), 1)

	bad := NewRetention(&fakePruner{}, time.Hour, "whenever", icron.NewCron())
	assert.Error(t, bad.Schedule(context.Background()))
}

func TestRetention_NextRun(t *testing.T) {
	r := NewRetention(&fakePruner{}, time.Hour, "0 3 * * *", icron.NewCron())
	now := time.Date(2026, 5, 10, 1, 0, 0, 0, time.UTC)
	info, err := r.NextRun(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC), info.Next)
}

func TestRetention_PrunesQueue(t *testing.T) {
	store := jobs.NewMemoryStore()
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, store.SaveJob(context.Background(), &jobs.Job{
		ID: "old", Status: jobs.StatusCompleted, Config: jobs.DefaultConfig(),
		CreatedAt: old, UpdatedAt: old, Version: 1, Seq: 1,
	}))
	q := jobs.NewQueue(1, store)

	r := NewRetention(q, 24*time.Hour, "@daily", icron.NewCron())
	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Get(context.Background(), "old")
	assert.True(t, jobs.IsErrorType(err, jobs.ErrJobNotFound))
}

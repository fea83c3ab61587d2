package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

const defaultPublishTimeout = 2 * time.Second

// RedisPublisher mirrors job snapshots onto Redis pub/sub channels named
// "<prefix>:<job id>". JobChanged never blocks; non-terminal snapshots beyond
// the buffer are dropped and counted. A terminal snapshot evicts the oldest
// buffered one instead.
type RedisPublisher struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	events  chan *jobs.Job
	dropped atomic.Int64
}

func NewRedisPublisher(client redis.UniversalClient, prefix string, buffer int) *RedisPublisher {
	if prefix == "" {
		prefix = "jobs"
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisPublisher{
		client:  client,
		prefix:  prefix,
		timeout: defaultPublishTimeout,
		events:  make(chan *jobs.Job, buffer),
	}
}

func (p *RedisPublisher) Channel(jobID string) string {
	return p.prefix + ":" + jobID
}

// JobChanged implements jobs.Observer.
func (p *RedisPublisher) JobChanged(job *jobs.Job) {
	if job == nil {
		return
	}
	select {
	case p.events <- job:
		return
	default:
	}
	if job.Status.Terminal() {
		for range cap(p.events) + 1 {
			select {
			case <-p.events:
				p.drop()
			default:
			}
			select {
			case p.events <- job:
				return
			default:
			}
		}
	}
	p.drop()
}

func (p *RedisPublisher) drop() {
	if n := p.dropped.Add(1); n%100 == 1 {
		log.Warn("Redis progress buffer full, dropped %d snapshots", n)
	}
}

// Dropped reports how many snapshots were discarded.
func (p *RedisPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run publishes buffered snapshots until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-p.events:
			pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
			if err := p.Publish(pubCtx, job); err != nil {
				log.Warn("Failed to publish progress for job %s: %v", job.ID, err)
			}
			cancel()
		}
	}
}

// Publish sends one snapshot synchronously.
func (p *RedisPublisher) Publish(ctx context.Context, job *jobs.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(job.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Package service is the exposed surface of the job orchestrator.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/progress"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/report"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

const maxListLimit = 200

// DefaultsProvider supplies the job config that submitted configs are layered over.
type DefaultsProvider interface {
	JobDefaults() jobs.Config
}

type staticDefaults jobs.Config

func (d staticDefaults) JobDefaults() jobs.Config { return jobs.Config(d).Clone() }

// Orchestrator wires submission, inspection and control onto a queue.
type Orchestrator struct {
	queue    *jobs.Queue
	broker   *progress.Broker
	defaults DefaultsProvider
}

type Option func(*Orchestrator)

// WithDefaults overrides jobs.DefaultConfig as the base of submitted configs.
func WithDefaults(d DefaultsProvider) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.defaults = d
		}
	}
}

// New returns an Orchestrator. broker should be registered as an observer of
// queue for Subscribe to receive updates.
func New(queue *jobs.Queue, broker *progress.Broker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:    queue,
		broker:   broker,
		defaults: staticDefaults(jobs.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type SubmitJobRequest struct {
	Type     string          `json:"type,omitempty"`
	OwnerID  string          `json:"owner_id"`
	Priority string          `json:"priority,omitempty"`
	Config   json.RawMessage `json:"config"`
}

// SubmitJob validates the request and enqueues a new job, returning its id.
func (o *Orchestrator) SubmitJob(ctx context.Context, req SubmitJobRequest) (string, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "", jobs.NewError(jobs.ErrValidation, "owner_id is required")
	}
	priority, err := jobs.ParsePriority(req.Priority)
	if err != nil {
		return "", err
	}
	cfg, err := jobs.ParseConfig(req.Config, o.defaults.JobDefaults())
	if err != nil {
		return "", err
	}

	job, err := o.queue.Submit(ctx, jobs.SubmitRequest{
		Type:     strings.TrimSpace(req.Type),
		OwnerID:  req.OwnerID,
		Priority: priority,
		Config:   cfg,
	})
	if err != nil {
		return "", err
	}
	log.Info("Submitted job %s for owner %s: %d units, priority %s", job.ID, job.OwnerID, cfg.TargetUnits, job.Priority)
	return job.ID, nil
}

// JobDetails is a job snapshot with its durable unit records.
type JobDetails struct {
	*jobs.Job
	Units []*jobs.UnitRecord `json:"units"`
}

func (o *Orchestrator) GetJob(ctx context.Context, id string) (*JobDetails, error) {
	job, err := o.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	units, err := o.queue.Units(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load units of job %s: %w", id, err)
	}
	return &JobDetails{Job: job, Units: units}, nil
}

type ListJobsRequest struct {
	Owner  string
	Status string
	Limit  int
	Offset int
}

func (o *Orchestrator) ListJobs(ctx context.Context, req ListJobsRequest) ([]*jobs.Job, error) {
	filter := jobs.Filter{OwnerID: strings.TrimSpace(req.Owner)}
	if strings.TrimSpace(req.Status) != "" {
		st, err := jobs.ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = st
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, jobs.NewError(jobs.ErrValidation, "limit and offset must not be negative")
	}
	filter.Limit = req.Limit
	if filter.Limit == 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	filter.Offset = req.Offset
	return o.queue.List(ctx, filter)
}

// ControlJob applies pause, resume or cancel to a job.
func (o *Orchestrator) ControlJob(ctx context.Context, id string, action string) (jobs.ControlResult, error) {
	act, err := jobs.ParseAction(action)
	if err != nil {
		return jobs.ControlResult{}, err
	}
	res, err := o.queue.Control(ctx, id, act)
	if err != nil {
		return res, err
	}
	if res.Deferred {
		log.Info("Job %s: %s deferred to the next unit boundary", id, act)
	} else {
		log.Info("Job %s: %s applied, %s -> %s", id, act, res.PreviousStatus, res.NewStatus)
	}
	return res, nil
}

// Subscribe streams snapshots of job id. The first value is the current
// snapshot; cancel must be called to release the subscription.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (<-chan *jobs.Job, func(), error) {
	if o.broker == nil {
		return nil, nil, jobs.NewError(jobs.ErrUnrecoverable, "progress broker is not configured")
	}
	updates, cancel := o.broker.Subscribe(id)
	current, err := o.queue.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan *jobs.Job, 1)
	out <- current
	done := make(chan struct{})
	go func() {
		defer close(out)
		last := current.Version
		for {
			select {
			case <-done:
				return
			case job, ok := <-updates:
				if !ok {
					return
				}
				if job.Version < last {
					continue
				}
				last = job.Version
				select {
				case out <- job:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}
	return out, stop, nil
}

// ExportReport writes an XLSX workbook of the job's units to w and returns
// a suggested file name.
func (o *Orchestrator) ExportReport(ctx context.Context, id string, w io.Writer) (string, error) {
	details, err := o.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if err := report.Write(w, details.Job, details.Units); err != nil {
		return "", fmt.Errorf("export job %s: %w", id, err)
	}
	return report.FileName(details.Job), nil
}

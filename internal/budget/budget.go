// Package budget provides pipeline.BudgetGate implementations.
package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/pipeline"
)

// Unlimited approves every call.
type Unlimited struct{}

func (Unlimited) Authorize(_ context.Context, jobID string, estimate float64) (pipeline.Authorization, error) {
	return pipeline.Authorization{JobID: jobID, Amount: estimate, Approved: true, Remaining: -1}, nil
}

func (Unlimited) Settle(context.Context, pipeline.Authorization, float64) error { return nil }

// Allowance caps the spend of each job. Approved estimates are reserved
// until settled so concurrent calls cannot overshoot the cap together.
type Allowance struct {
	mu     sync.Mutex
	limit  float64
	limits map[string]float64
	ledger map[string]*account
}

type account struct {
	spent    float64
	reserved float64
}

func NewAllowance(limit float64) (*Allowance, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("budget limit must be positive, got %.2f", limit)
	}
	return &Allowance{
		limit:  limit,
		limits: make(map[string]float64),
		ledger: make(map[string]*account),
	}, nil
}

// SetLimit overrides the cap for one job.
func (a *Allowance) SetLimit(jobID string, limit float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limits[jobID] = limit
}

func (a *Allowance) Authorize(_ context.Context, jobID string, estimate float64) (pipeline.Authorization, error) {
	if estimate < 0 {
		return pipeline.Authorization{}, jobs.Errorf(jobs.ErrValidation, "negative estimate %.2f", estimate)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct := a.accountLocked(jobID)
	limit := a.limitLocked(jobID)
	remaining := limit - acct.spent - acct.reserved
	auth := pipeline.Authorization{JobID: jobID, Amount: estimate, Remaining: remaining}
	if estimate > remaining {
		auth.Reason = fmt.Sprintf("estimate %.2f exceeds remaining %.2f of %.2f", estimate, remaining, limit)
		return auth, nil
	}
	acct.reserved += estimate
	auth.Approved = true
	auth.Remaining = remaining - estimate
	return auth, nil
}

// Settle releases the reservation and books the actual amount.
func (a *Allowance) Settle(_ context.Context, auth pipeline.Authorization, actual float64) error {
	if !auth.Approved {
		return nil
	}
	if actual < 0 {
		return jobs.Errorf(jobs.ErrValidation, "negative cost %.2f", actual)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct := a.accountLocked(auth.JobID)
	acct.reserved -= auth.Amount
	if acct.reserved < 0 {
		acct.reserved = 0
	}
	acct.spent += actual
	return nil
}

// Spent returns the settled spend of a job.
func (a *Allowance) Spent(jobID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if acct, ok := a.ledger[jobID]; ok {
		return acct.spent
	}
	return 0
}

// Remaining returns what a job may still reserve.
func (a *Allowance) Remaining(jobID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.ledger[jobID]
	if !ok {
		return a.limitLocked(jobID)
	}
	return a.limitLocked(jobID) - acct.spent - acct.reserved
}

// JobChanged drops the ledger of finished jobs. A job resumed after a
// restart is seeded from its recorded total cost.
func (a *Allowance) JobChanged(job *jobs.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if job.Status.Terminal() {
		delete(a.ledger, job.ID)
		delete(a.limits, job.ID)
		return
	}
	if _, ok := a.ledger[job.ID]; !ok && job.Result != nil && job.Result.TotalCost > 0 {
		a.ledger[job.ID] = &account{spent: job.Result.TotalCost}
	}
}

func (a *Allowance) accountLocked(jobID string) *account {
	acct, ok := a.ledger[jobID]
	if !ok {
		acct = &account{}
		a.ledger[jobID] = acct
	}
	return acct
}

func (a *Allowance) limitLocked(jobID string) float64 {
	if v, ok := a.limits[jobID]; ok {
		return v
	}
	return a.limit
}

package pipeline

import (
	"context"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/quality"
)

type Stage string

const (
	StagePlan   Stage = "plan"
	StageDraft  Stage = "draft"
	StageAssess Stage = "assess"
	StageRefine Stage = "refine"
)

// Blueprint is the plan for one unit.
type Blueprint struct {
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	RequiredPoints []string `json:"required_points"`
}

// StageContext is everything a stage needs to know about its unit.
type StageContext struct {
	JobID          string
	Title          string
	Brief          string
	Language       string
	UnitIndex      int
	TotalUnits     int
	Attempt        int
	PriorSummaries []string
	Blueprint      *Blueprint
	// Content is the current draft for assess and refine.
	Content string
	// Failing and Feedback steer a refinement.
	Failing  []string
	Feedback map[string]string
}

// Constraints bound the size and shape of generated content.
type Constraints struct {
	TargetSize int
	Language   string
}

// Output is a stage result. Blueprint is set by plan; Content by draft and refine.
type Output struct {
	Content   string
	Summary   string
	Blueprint *Blueprint
	Cost      float64
}

// ScoreReport is an assessment plus the cost it incurred.
type ScoreReport struct {
	quality.Report
	Cost float64 `json:"-"`
}

// Generator produces plans and content. Errors should be *jobs.Error with
// ErrProviderError for transient failures or ErrProviderRejected otherwise.
type Generator interface {
	Generate(ctx context.Context, stage Stage, sc StageContext, c Constraints) (Output, error)
}

type Assessor interface {
	Score(ctx context.Context, content string, sc StageContext) (ScoreReport, error)
}

// Authorization is a budget reservation for one billable call.
type Authorization struct {
	JobID     string
	Amount    float64
	Approved  bool
	Reason    string
	Remaining float64
}

// BudgetGate approves spend before billable calls and records actual cost after.
type BudgetGate interface {
	Authorize(ctx context.Context, jobID string, estimate float64) (Authorization, error)
	// Settle replaces the reservation in auth with the actual amount spent.
	Settle(ctx context.Context, auth Authorization, actual float64) error
}

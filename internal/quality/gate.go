package quality

import (
	"fmt"
	"sort"
	"strings"
)

// Readability is the category name evaluated by sub-checks instead of a score.
const Readability = "readability"

type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRefine   Decision = "refine"
	DecisionFailed   Decision = "failed"
)

// Config holds per-job quality thresholds.
type Config struct {
	StandardThreshold    float64            `json:"standard_threshold" yaml:"standard_threshold"`
	EngagementThreshold  float64            `json:"engagement_threshold" yaml:"engagement_threshold"`
	EngagementCategories []string           `json:"engagement_categories,omitempty" yaml:"engagement_categories"`
	Overrides            map[string]float64 `json:"overrides,omitempty" yaml:"overrides"`
	RequiredCategories   []string           `json:"required_categories,omitempty" yaml:"required_categories"`
	ReadabilityChecks    int                `json:"readability_checks" yaml:"readability_checks"`
	ReadabilityMinPass   int                `json:"readability_min_pass" yaml:"readability_min_pass"`
}

func DefaultConfig() Config {
	return Config{
		StandardThreshold:    8.0,
		EngagementThreshold:  7.0,
		EngagementCategories: []string{"freshness", "engagement"},
		ReadabilityChecks:    3,
		ReadabilityMinPass:   2,
	}
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.EngagementCategories = append([]string(nil), c.EngagementCategories...)
	out.RequiredCategories = append([]string(nil), c.RequiredCategories...)
	if c.Overrides != nil {
		out.Overrides = make(map[string]float64, len(c.Overrides))
		for k, v := range c.Overrides {
			out.Overrides[k] = v
		}
	}
	return out
}

func (c Config) Validate() error {
	if err := validScore(c.StandardThreshold); err != nil {
		return fmt.Errorf("standard_threshold: %w", err)
	}
	if err := validScore(c.EngagementThreshold); err != nil {
		return fmt.Errorf("engagement_threshold: %w", err)
	}
	seen := make(map[string]string, len(c.Overrides))
	for name, v := range c.Overrides {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("overrides: empty category name")
		}
		key := strings.ToLower(name)
		if other, ok := seen[key]; ok {
			return fmt.Errorf("overrides: %q and %q name the same category", other, name)
		}
		seen[key] = name
		if err := validScore(v); err != nil {
			return fmt.Errorf("overrides[%s]: %w", name, err)
		}
	}
	if c.ReadabilityChecks < 1 {
		return fmt.Errorf("readability_checks must be at least 1")
	}
	if c.ReadabilityMinPass < 1 || c.ReadabilityMinPass > c.ReadabilityChecks {
		return fmt.Errorf("readability_min_pass must be between 1 and %d", c.ReadabilityChecks)
	}
	return nil
}

// Threshold returns the minimum score a category must reach. Category
// names match case-insensitively.
func (c Config) Threshold(category string) float64 {
	if v, ok := c.Overrides[category]; ok {
		return v
	}
	for name, v := range c.Overrides {
		if strings.EqualFold(name, category) {
			return v
		}
	}
	for _, name := range c.EngagementCategories {
		if strings.EqualFold(name, category) {
			return c.EngagementThreshold
		}
	}
	return c.StandardThreshold
}

// Report is an Assessor's verdict on one piece of content.
type Report struct {
	Scores      map[string]float64 `json:"scores"`
	Readability map[string]bool    `json:"readability,omitempty"`
	Feedback    map[string]string  `json:"feedback,omitempty"`
	Summary     string             `json:"summary,omitempty"`
}

// Validate rejects reports with scores outside 0..10.
func (r Report) Validate() error {
	if len(r.Scores) == 0 && len(r.Readability) == 0 {
		return fmt.Errorf("report has no scores")
	}
	for name, v := range r.Scores {
		if err := validScore(v); err != nil {
			return fmt.Errorf("score %s: %w", name, err)
		}
	}
	return nil
}

// Aggregate is the mean of all numeric scores.
func (r Report) Aggregate() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.Scores {
		sum += v
	}
	return sum / float64(len(r.Scores))
}

// Evaluation is the outcome of one gate pass.
type Evaluation struct {
	Decision Decision        `json:"decision"`
	Passed   map[string]bool `json:"passed"`
	Failing  []string        `json:"failing,omitempty"`
	// Regressed lists categories that passed on the previous assessment and fail now.
	Regressed []string `json:"regressed,omitempty"`
}

// Evaluate applies the thresholds of cfg to report. retries is the number of
// refinements already spent on the unit; previous may be nil.
func Evaluate(cfg Config, report Report, previous map[string]bool, retries, maxRetries int) Evaluation {
	passed := make(map[string]bool, len(report.Scores)+1)
	sentinel := len(report.Readability) > 0 || contains(cfg.RequiredCategories, Readability)

	for name, score := range report.Scores {
		if sentinel && strings.EqualFold(name, Readability) {
			continue
		}
		passed[name] = score >= cfg.Threshold(name)
	}
	if sentinel {
		passed[Readability] = readabilityPasses(cfg, report.Readability)
	}
	for _, name := range cfg.RequiredCategories {
		if !hasCategory(passed, name) {
			passed[name] = false
		}
	}

	ev := Evaluation{Passed: passed}
	for name, ok := range passed {
		if ok {
			continue
		}
		ev.Failing = append(ev.Failing, name)
		if previous != nil && previous[name] {
			ev.Regressed = append(ev.Regressed, name)
		}
	}
	sort.Strings(ev.Failing)
	sort.Strings(ev.Regressed)

	switch {
	case len(ev.Failing) == 0:
		ev.Decision = DecisionAccepted
	case retries < maxRetries:
		ev.Decision = DecisionRefine
	default:
		ev.Decision = DecisionFailed
	}
	return ev
}

func hasCategory(passed map[string]bool, name string) bool {
	if _, ok := passed[name]; ok {
		return true
	}
	for k := range passed {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// readabilityPasses counts passing sub-checks; sub-checks absent from the
// report count as failed.
func readabilityPasses(cfg Config, checks map[string]bool) bool {
	count := 0
	for _, ok := range checks {
		if ok {
			count++
		}
	}
	if count > cfg.ReadabilityChecks {
		count = cfg.ReadabilityChecks
	}
	return count >= cfg.ReadabilityMinPass
}

func validScore(v float64) error {
	if v < 0 || v > 10 {
		return fmt.Errorf("value %.2f outside 0..10", v)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/quality"
	"golang.org/x/text/language"
)

type ResumePolicy string

const (
	// ResumeReset restarts a failed unit with a fresh retry counter.
	ResumeReset ResumePolicy = "reset"
	// ResumeCarryOver keeps the exhausted retry counter of a failed unit.
	ResumeCarryOver ResumePolicy = "carry_over"
)

const (
	maxTargetUnits    = 500
	maxTargetUnitSize = 100000
	maxRetriesLimit   = 10
	maxTitleLength    = 200
)

// CostEstimates are the per-stage amounts reserved with the budget gate.
type CostEstimates struct {
	Plan   float64 `json:"plan" yaml:"plan"`
	Draft  float64 `json:"draft" yaml:"draft"`
	Assess float64 `json:"assess" yaml:"assess"`
	Refine float64 `json:"refine" yaml:"refine"`
}

// Config is the typed per-job configuration.
type Config struct {
	Title              string         `json:"title,omitempty" yaml:"title"`
	Brief              string         `json:"brief,omitempty" yaml:"brief"`
	Language           string         `json:"language" yaml:"language"`
	TargetUnits        int            `json:"target_units" yaml:"target_units"`
	TargetUnitSize     int            `json:"target_unit_size" yaml:"target_unit_size"`
	MaxRetriesPerUnit  int            `json:"max_retries_per_unit" yaml:"max_retries_per_unit"`
	AutoPauseOnFailure bool           `json:"auto_pause_on_failure" yaml:"auto_pause_on_failure"`
	UserReviewRequired bool           `json:"user_review_required" yaml:"user_review_required"`
	ResumePolicy       ResumePolicy   `json:"resume_policy" yaml:"resume_policy"`
	Quality            quality.Config `json:"quality" yaml:"quality"`
	CostEstimates      CostEstimates  `json:"cost_estimates" yaml:"cost_estimates"`
}

func DefaultConfig() Config {
	return Config{
		Language:          "en",
		TargetUnitSize:    3000,
		MaxRetriesPerUnit: 3,
		ResumePolicy:      ResumeReset,
		Quality:           quality.DefaultConfig(),
		CostEstimates: CostEstimates{
			Plan:   0.5,
			Draft:  2,
			Assess: 0.5,
			Refine: 1.5,
		},
	}
}

func (c Config) Clone() Config {
	out := c
	out.Quality = c.Quality.Clone()
	return out
}

// ParseConfig decodes raw JSON over defaults and validates the result.
// Unknown fields are rejected.
func ParseConfig(raw []byte, defaults Config) (Config, error) {
	cfg := defaults.Clone()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, cfg.Validate()
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, WrapError(err, ErrValidation, "invalid job config")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, NewError(ErrValidation, "invalid job config: trailing data")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Title) > maxTitleLength {
		return Errorf(ErrValidation, "title exceeds %d characters", maxTitleLength)
	}
	if c.TargetUnits < 1 || c.TargetUnits > maxTargetUnits {
		return Errorf(ErrValidation, "target_units must be between 1 and %d", maxTargetUnits)
	}
	if c.TargetUnitSize < 1 || c.TargetUnitSize > maxTargetUnitSize {
		return Errorf(ErrValidation, "target_unit_size must be between 1 and %d", maxTargetUnitSize)
	}
	if c.MaxRetriesPerUnit < 0 || c.MaxRetriesPerUnit > maxRetriesLimit {
		return Errorf(ErrValidation, "max_retries_per_unit must be between 0 and %d", maxRetriesLimit)
	}
	switch c.ResumePolicy {
	case ResumeReset, ResumeCarryOver:
	default:
		return Errorf(ErrValidation, "unknown resume_policy %q", c.ResumePolicy)
	}
	if _, err := language.Parse(strings.TrimSpace(c.Language)); err != nil {
		return WrapError(err, ErrValidation, "invalid language tag").WithContext("language", c.Language)
	}
	if err := c.Quality.Validate(); err != nil {
		return WrapError(err, ErrValidation, "invalid quality config")
	}
	e := c.CostEstimates
	if e.Plan < 0 || e.Draft < 0 || e.Assess < 0 || e.Refine < 0 {
		return NewError(ErrValidation, "cost_estimates must not be negative")
	}
	return nil
}

// LanguageBase returns the ISO 639 base of the configured language.
func (c Config) LanguageBase() string {
	tag, err := language.Parse(strings.TrimSpace(c.Language))
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return base.String()
}

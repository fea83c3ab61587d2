package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
)

// LoadJobDefaultsFile reads job config defaults from a YAML or JSON file,
// layered over jobs.DefaultConfig. Unknown keys are rejected.
func LoadJobDefaultsFile(path string) (jobs.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jobs.Config{}, err
	}
	return ParseJobDefaults(data)
}

func ParseJobDefaults(data []byte) (jobs.Config, error) {
	cfg := jobs.DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return jobs.Config{}, fmt.Errorf("invalid job defaults: %w", err)
	}
	if err := ValidateJobDefaults(cfg); err != nil {
		return jobs.Config{}, err
	}
	return cfg, nil
}

// ValidateJobDefaults validates cfg as a job config, allowing target_units to
// be left for the submitter.
func ValidateJobDefaults(cfg jobs.Config) error {
	candidate := cfg.Clone()
	if candidate.TargetUnits == 0 {
		candidate.TargetUnits = 1
	}
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("invalid job defaults: %w", err)
	}
	return nil
}

func WriteJobDefaultsFile(path string, cfg jobs.Config) error {
	if err := ValidateJobDefaults(cfg); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// JobDefaultsStore holds the defaults applied to submitted job configs.
// With an empty path updates stay in memory.
type JobDefaultsStore struct {
	path string

	mu      sync.RWMutex
	current jobs.Config
}

func NewJobDefaultsStore(path string, initial jobs.Config) (*JobDefaultsStore, error) {
	if err := ValidateJobDefaults(initial); err != nil {
		return nil, err
	}
	return &JobDefaultsStore{
		path:    strings.TrimSpace(path),
		current: initial.Clone(),
	}, nil
}

// OpenJobDefaultsStore loads path when it exists and falls back to
// jobs.DefaultConfig otherwise.
func OpenJobDefaultsStore(path string) (*JobDefaultsStore, error) {
	initial := jobs.DefaultConfig()
	if strings.TrimSpace(path) != "" {
		loaded, err := LoadJobDefaultsFile(path)
		switch {
		case err == nil:
			initial = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	return NewJobDefaultsStore(path, initial)
}

func (s *JobDefaultsStore) JobDefaults() jobs.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

func (s *JobDefaultsStore) UpdateJobDefaults(next jobs.Config) (jobs.Config, error) {
	if err := ValidateJobDefaults(next); err != nil {
		return jobs.Config{}, err
	}
	if s.path != "" {
		if err := WriteJobDefaultsFile(s.path, next); err != nil {
			return jobs.Config{}, err
		}
	}

	s.mu.Lock()
	s.current = next.Clone()
	s.mu.Unlock()
	return next, nil
}

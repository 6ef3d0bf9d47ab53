package grading

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// RuleSource supplies the grading rules of an application step.
type RuleSource interface {
	Rules(ctx context.Context, applicationStepID string) ([]models.Rule, error)
}

// ruleFile is the on-disk layout: rules grouped by application step id.
type ruleFile struct {
	Steps map[string][]models.Rule `yaml:"steps"`
}

// FileRules serves rules from a YAML file, reloaded when Reload is called.
type FileRules struct {
	path string

	mu    sync.RWMutex
	steps map[string][]models.Rule
}

// LoadFileRules reads the rule file at path.
func LoadFileRules(path string) (*FileRules, error) {
	r := &FileRules{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the file.
func (r *FileRules) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read rule file: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse rule file %s: %w", r.path, err)
	}
	for step, rules := range f.Steps {
		for i := range rules {
			if rules[i].ID == "" {
				return fmt.Errorf("rule %d of step %s has no id", i, step)
			}
			if rules[i].ApplicationStep == "" {
				rules[i].ApplicationStep = step
			}
		}
	}
	r.mu.Lock()
	r.steps = f.Steps
	r.mu.Unlock()
	return nil
}

// Rules implements RuleSource.
func (r *FileRules) Rules(_ context.Context, applicationStepID string) ([]models.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules := r.steps[applicationStepID]
	return append([]models.Rule(nil), rules...), nil
}

// StaticRules is an in-memory RuleSource.
type StaticRules map[string][]models.Rule

func (s StaticRules) Rules(_ context.Context, applicationStepID string) ([]models.Rule, error) {
	return s[applicationStepID], nil
}

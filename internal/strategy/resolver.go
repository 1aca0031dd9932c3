// Package strategy decides which generation strategy a stage runs with: a primary, and a
// distinct fallback for the single retry.
package strategy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/pipeline"
)

var ErrNoFallback = errors.New("no fallback strategy distinct from primary")

type StageRoute struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

type Config struct {
	DefaultPrimary  string                     `yaml:"default_primary"`
	DefaultFallback string                     `yaml:"default_fallback"`
	Stages          map[entity.Step]StageRoute `yaml:"stages"`
}

type Resolver struct {
	cfg Config
}

func DefaultConfig() Config {
	return Config{
		DefaultPrimary:  "primary-large",
		DefaultFallback: "fallback-small",
	}
}

func NewResolver(cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.DefaultPrimary) == "" {
		cfg.DefaultPrimary = DefaultConfig().DefaultPrimary
	}
	if strings.TrimSpace(cfg.DefaultFallback) == "" {
		cfg.DefaultFallback = DefaultConfig().DefaultFallback
	}
	if cfg.DefaultPrimary == cfg.DefaultFallback {
		return nil, fmt.Errorf("default_primary and default_fallback must differ (both %q)", cfg.DefaultPrimary)
	}
	for stage := range cfg.Stages {
		if !pipeline.IsStage(stage) {
			return nil, fmt.Errorf("unknown stage %q in strategy config", stage)
		}
	}
	return &Resolver{cfg: cfg}, nil
}

// LoadFile reads a routing file. An empty path yields the defaults.
func LoadFile(path string) (*Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return NewResolver(DefaultConfig())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse strategy file: %w", err)
	}
	return NewResolver(cfg)
}

// Primary picks the explicit selection for stage, then the stage route, then the default.
func (r *Resolver) Primary(stage entity.Step, selection map[entity.Step]string) string {
	if s := strings.TrimSpace(selection[stage]); s != "" {
		return s
	}
	if route, ok := r.cfg.Stages[stage]; ok && route.Primary != "" {
		return route.Primary
	}
	return r.cfg.DefaultPrimary
}

// Fallback returns a strategy for stage that differs from primary.
func (r *Resolver) Fallback(stage entity.Step, primary string) (string, error) {
	candidates := []string{}
	if route, ok := r.cfg.Stages[stage]; ok {
		candidates = append(candidates, route.Fallback, route.Primary)
	}
	candidates = append(candidates, r.cfg.DefaultFallback, r.cfg.DefaultPrimary)
	for _, c := range candidates {
		if c != "" && c != primary {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: stage=%s primary=%s", ErrNoFallback, stage, primary)
}

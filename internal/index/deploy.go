package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// StageState tracks pipeline progress through the staged rollout.
type StageState string

const (
	StageNotDeployed StageState = "NOT_DEPLOYED"
	StageDeploying   StageState = "DEPLOYING"
	StageVerifying   StageState = "VERIFYING"
	StageReady       StageState = "READY"
	StageFailed      StageState = "FAILED"
)

// ErrDeployTimeout is returned when an environment does not reach READY
// within the maximum wait.
var ErrDeployTimeout = errors.New("index deployment timed out")

// Stage is one environment in the rollout order.
type Stage struct {
	Name      string
	Inventory Inventory
}

// PipelineOptions configures the deployment pipeline.
type PipelineOptions struct {
	// PollInterval between comparator re-checks (default 30s).
	PollInterval time.Duration

	// MaxWait per environment before the stage is declared FAILED
	// (default 1h).
	MaxWait time.Duration

	Logger *slog.Logger
}

// Pipeline rolls indexes out stage by stage. A failed stage blocks every
// later stage.
type Pipeline struct {
	expected []Definition
	stages   []Stage
	poll     time.Duration
	maxWait  time.Duration
	logger   *slog.Logger

	states map[string]StageState
}

// NewPipeline creates a deployment pipeline for the expected definitions.
// Stages run in the given order; staging must reach READY before
// production deployment starts.
func NewPipeline(expected []Definition, stages []Stage, opts PipelineOptions) *Pipeline {
	poll := opts.PollInterval
	if poll == 0 {
		poll = 30 * time.Second
	}
	maxWait := opts.MaxWait
	if maxWait == 0 {
		maxWait = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	states := make(map[string]StageState, len(stages))
	for _, s := range stages {
		states[s.Name] = StageNotDeployed
	}

	return &Pipeline{
		expected: expected,
		stages:   stages,
		poll:     poll,
		maxWait:  maxWait,
		logger:   logger.With("component", "index-pipeline"),
		states:   states,
	}
}

// State returns the recorded state for a stage name.
func (p *Pipeline) State(stage string) StageState {
	return p.states[stage]
}

// Run executes the staged rollout. It returns on the first stage that
// fails; the remaining stages are never started.
func (p *Pipeline) Run(ctx context.Context) error {
	groups := collectionGroups(p.expected)

	for _, stage := range p.stages {
		p.states[stage.Name] = StageDeploying
		p.logger.Info("deploying indexes", "stage", stage.Name, "count", len(p.expected))

		if err := p.deploy(ctx, stage, groups); err != nil {
			p.states[stage.Name] = StageFailed
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		p.states[stage.Name] = StageVerifying
		if err := p.verify(ctx, stage, groups); err != nil {
			p.states[stage.Name] = StageFailed
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		p.states[stage.Name] = StageReady
		p.logger.Info("stage ready", "stage", stage.Name)
	}
	return nil
}

func (p *Pipeline) deploy(ctx context.Context, stage Stage, groups []string) error {
	deployed, err := stage.Inventory.Deployed(ctx, groups)
	if err != nil {
		return err
	}

	result := Compare(p.expected, deployed)
	for _, def := range result.Missing {
		p.logger.Info("creating index", "stage", stage.Name, "index", def.Identity())
		if err := stage.Inventory.EnsureIndex(ctx, def); err != nil {
			return fmt.Errorf("ensure %s: %w", def.Identity(), err)
		}
	}
	return nil
}

// verify polls the comparator until every expected index is present, the
// max wait elapses, or the context is cancelled.
func (p *Pipeline) verify(ctx context.Context, stage Stage, groups []string) error {
	deadline := time.Now().Add(p.maxWait)
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		deployed, err := stage.Inventory.Deployed(ctx, groups)
		if err != nil {
			return err
		}

		result := Compare(p.expected, deployed)
		if result.AllPresent() {
			return nil
		}

		p.logger.Info("waiting for indexes",
			"stage", stage.Name,
			"missing", len(result.Missing),
			"building", len(result.Building),
		)

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d missing, %d building after %s",
				ErrDeployTimeout, len(result.Missing), len(result.Building), p.maxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func collectionGroups(defs []Definition) []string {
	seen := make(map[string]bool)
	var groups []string
	for _, d := range defs {
		if !seen[d.CollectionGroup] {
			seen[d.CollectionGroup] = true
			groups = append(groups, d.CollectionGroup)
		}
	}
	return groups
}

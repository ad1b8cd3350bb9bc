package engine

import (
	"context"
	"fmt"

	"github.com/yangwenmai/draftsync/internal/model"
)

// Step is the generation work for one processing stage.
type Step interface {
	Name() string
	Stage() model.Status
	Run(ctx context.Context, sc *StepContext) error
}

// StepContext carries the artifact through a step run.
type StepContext struct {
	Artifact *model.Artifact
	Research []model.ResearchItem

	// Hold keeps the artifact at its stage after a successful run, for
	// stages that wait on the user.
	Hold bool
}

// Pipeline maps each processing stage to the step that does its work.
type Pipeline struct {
	steps map[model.Status]Step
}

// NewPipeline creates a pipeline from steps. A later step for the same
// stage replaces an earlier one.
func NewPipeline(steps ...Step) *Pipeline {
	p := &Pipeline{steps: make(map[model.Status]Step, len(steps))}
	for _, s := range steps {
		p.steps[s.Stage()] = s
	}
	return p
}

// Handles reports whether the pipeline has a step for stage.
func (p *Pipeline) Handles(stage model.Status) bool {
	_, ok := p.steps[stage]
	return ok
}

// Run executes the step for the artifact's current stage.
// On failure it returns a *StepError indicating which step failed.
func (p *Pipeline) Run(ctx context.Context, sc *StepContext) error {
	step, ok := p.steps[sc.Artifact.Status]
	if !ok {
		return &StepError{Step: string(sc.Artifact.Status), Err: fmt.Errorf("no step for stage %s", sc.Artifact.Status)}
	}
	if err := step.Run(ctx, sc); err != nil {
		return &StepError{Step: step.Name(), Err: err}
	}
	return nil
}

// StepError wraps an error with the step name that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepName returns the name of the failed step.
func (e *StepError) StepName() string { return e.Step }

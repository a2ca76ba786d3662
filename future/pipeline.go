package future

import (
	"context"
	"fmt"
)

// Stage is one pipeline step. It receives the previous stage's output (the
// initial value for the first stage) and produces the next input. A stage
// may return an Awaitable; Execute awaits it before threading the settled
// value into the next stage.
type Stage func(ctx context.Context, in any) (any, error)

// Pipeline is an ordered list of stages threaded through Execute.
type Pipeline struct {
	stages []Stage
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Add appends a stage and returns the pipeline for chaining.
func (p *Pipeline) Add(stage Stage) *Pipeline {
	p.stages = append(p.stages, stage)
	return p
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Execute threads initial through every stage in order. The first stage
// error stops the pipeline; later stages do not run.
func (p *Pipeline) Execute(ctx context.Context, initial any) (any, error) {
	current := initial
	for i, stage := range p.stages {
		out, err := stage(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("pipeline stage %d: %w", i, err)
		}
		if awaitable, ok := out.(Awaitable); ok {
			out, err = awaitable.Await(ctx)
			if err != nil {
				return nil, fmt.Errorf("pipeline stage %d: %w", i, err)
			}
		}
		current = out
	}
	return current, nil
}

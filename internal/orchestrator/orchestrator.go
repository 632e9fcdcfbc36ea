// Package orchestrator sequences build stages. A build starts from the
// default stage sequence; whenever a stage reports that dependencies changed,
// everything still pending is dropped and a fresh default sequence is
// appended, since new dependencies can change what indexing and compilation
// produce.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/stages"
)

var tracer = otel.Tracer("intentcode/orchestrator")

// DefaultMaxReplans bounds how often one build may start over.
const DefaultMaxReplans = 8

// ErrPlanDone is returned by Advance when no stages remain.
var ErrPlanDone = errors.New("no more stages")

// DefaultStages is the pipeline, leaves first.
func DefaultStages() []stages.Type {
	return []stages.Type{
		stages.TechStack,
		stages.Lower,
		stages.Deps,
		stages.Index,
		stages.Compile,
		stages.Deps,
	}
}

// Plan is the ordered stage queue of one build and a cursor into it.
type Plan struct {
	queue   []stages.Type
	cursor  int
	replans int
}

// NewPlan returns a plan holding the default sequence.
func NewPlan() *Plan {
	return &Plan{queue: DefaultStages()}
}

// Next pops the next stage type.
func (p *Plan) Next() (stages.Type, bool) {
	if p.cursor >= len(p.queue) {
		return "", false
	}
	t := p.queue[p.cursor]
	p.cursor++
	return t, true
}

// Replan drops every pending stage and appends a fresh default sequence.
func (p *Plan) Replan() {
	p.queue = append(p.queue[:p.cursor:p.cursor], DefaultStages()...)
	p.replans++
}

// Remaining returns the pending stage types.
func (p *Plan) Remaining() []stages.Type {
	return append([]stages.Type(nil), p.queue[p.cursor:]...)
}

// Executed returns the stage types already popped, in order.
func (p *Plan) Executed() []stages.Type {
	return append([]stages.Type(nil), p.queue[:p.cursor]...)
}

// Replans returns how many times the plan started over.
func (p *Plan) Replans() int { return p.replans }

// Executor runs one stage.
type Executor interface {
	Execute(ctx context.Context, t stages.Type) (*stages.Result, error)
}

// Orchestrator drives a plan through an Executor.
type Orchestrator struct {
	exec       Executor
	logger     *slog.Logger
	maxReplans int
	onStage    func(*stages.Result)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithMaxReplans(n int) Option      { return func(o *Orchestrator) { o.maxReplans = n } }

// OnStage registers a callback run after every completed stage.
func OnStage(f func(*stages.Result)) Option { return func(o *Orchestrator) { o.onStage = f } }

// New creates an Orchestrator.
func New(exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:       exec,
		logger:     slog.New(slog.DiscardHandler),
		maxReplans: DefaultMaxReplans,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Advance executes the next stage of the plan and replans when that stage
// changed dependencies. It returns ErrPlanDone once the plan is empty.
func (o *Orchestrator) Advance(ctx context.Context, plan *Plan) (*stages.Result, error) {
	t, ok := plan.Next()
	if !ok {
		return nil, ErrPlanDone
	}
	res, err := o.exec.Execute(ctx, t)
	if err != nil {
		return res, err
	}
	if o.onStage != nil {
		o.onStage(res)
	}
	if res.DependenciesChanged {
		if plan.Replans() >= o.maxReplans {
			return res, &runner.FatalError{
				Unit: "build plan",
				Kind: runner.KindInvariant,
				Err:  fmt.Errorf("dependencies still changing after %d replans", plan.Replans()),
			}
		}
		plan.Replan()
		o.logger.Info("dependencies changed, replanning", "after", t, "replans", plan.Replans())
	}
	return res, nil
}

// Summary describes a finished build.
type Summary struct {
	Stages   []*stages.Result
	Replans  int
	Duration time.Duration
}

// Run executes a fresh plan until it is empty. Cancellation is honoured
// between stages; a stage error ends the build.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "build")
	defer span.End()

	start := time.Now()
	plan := NewPlan()
	sum := &Summary{}
	defer func() {
		sum.Replans = plan.Replans()
		sum.Duration = time.Since(start)
		span.SetAttributes(attribute.Int("stages", len(sum.Stages)), attribute.Int("replans", sum.Replans))
	}()

	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return sum, err
		}
		res, err := o.Advance(ctx, plan)
		if errors.Is(err, ErrPlanDone) {
			return sum, nil
		}
		if res != nil {
			sum.Stages = append(sum.Stages, res)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return sum, err
		}
	}
}

package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/llm"
	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/stages"
	"github.com/jfilby/intentcode-sub000/internal/stages/stagestest"
)

// fakeExecutor reports a dependency change on the listed call numbers
// (1-based, counting every executed stage).
type fakeExecutor struct {
	changeOn map[int]bool
	failOn   map[int]error
	calls    []stages.Type
	after    func(n int)
}

func (f *fakeExecutor) Execute(_ context.Context, t stages.Type) (*stages.Result, error) {
	f.calls = append(f.calls, t)
	n := len(f.calls)
	if f.after != nil {
		defer f.after(n)
	}
	if err := f.failOn[n]; err != nil {
		return &stages.Result{Stage: t}, err
	}
	return &stages.Result{Stage: t, DependenciesChanged: f.changeOn[n]}, nil
}

func TestPlan_DefaultSequence(t *testing.T) {
	plan := NewPlan()
	var got []stages.Type
	for {
		typ, ok := plan.Next()
		if !ok {
			break
		}
		got = append(got, typ)
	}
	assert.Equal(t, DefaultStages(), got)
	assert.Empty(t, plan.Remaining())
}

func TestPlan_ReplanLeavesExactlyDefaultSequence(t *testing.T) {
	for popped := 0; popped <= len(DefaultStages()); popped++ {
		plan := NewPlan()
		for i := 0; i < popped; i++ {
			plan.Next()
		}
		plan.Replan()
		assert.Equal(t, DefaultStages(), plan.Remaining(), "after %d stages", popped)
		assert.Len(t, plan.Executed(), popped)
	}

	// Replanning twice in a row still leaves one copy
	plan := NewPlan()
	plan.Next()
	plan.Replan()
	plan.Replan()
	assert.Equal(t, DefaultStages(), plan.Remaining())
	assert.Equal(t, 2, plan.Replans())
}

func TestPlan_ReplanDoesNotAliasExecuted(t *testing.T) {
	plan := NewPlan()
	plan.Next()
	plan.Next()
	executed := plan.Executed()
	plan.Replan()
	assert.Equal(t, []stages.Type{stages.TechStack, stages.Lower}, executed)
	assert.Equal(t, executed, plan.Executed())
}

func TestRun_NoChanges(t *testing.T) {
	exec := &fakeExecutor{}
	sum, err := New(exec).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultStages(), exec.calls)
	assert.Equal(t, 0, sum.Replans)
	assert.Len(t, sum.Stages, len(DefaultStages()))
}

func TestRun_ReplanOnDependencyChange(t *testing.T) {
	// The first deps refresh (call 3) changes dependencies
	exec := &fakeExecutor{changeOn: map[int]bool{3: true}}
	sum, err := New(exec).Run(context.Background())
	require.NoError(t, err)

	want := append([]stages.Type{stages.TechStack, stages.Lower, stages.Deps}, DefaultStages()...)
	assert.Equal(t, want, exec.calls)
	assert.Equal(t, 1, sum.Replans)
}

func TestAdvance_RemainingAfterChangeIsDefault(t *testing.T) {
	exec := &fakeExecutor{changeOn: map[int]bool{5: true}}
	o := New(exec)
	plan := NewPlan()
	for i := 0; i < 5; i++ {
		_, err := o.Advance(context.Background(), plan)
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultStages(), plan.Remaining())
}

func TestAdvance_Done(t *testing.T) {
	o := New(&fakeExecutor{})
	plan := NewPlan()
	for range DefaultStages() {
		_, err := o.Advance(context.Background(), plan)
		require.NoError(t, err)
	}
	_, err := o.Advance(context.Background(), plan)
	assert.ErrorIs(t, err, ErrPlanDone)
}

func TestRun_MaxReplans(t *testing.T) {
	exec := &fakeExecutor{changeOn: map[int]bool{}}
	for i := 1; i <= 100; i++ {
		exec.changeOn[i] = true
	}
	_, err := New(exec, WithMaxReplans(2)).Run(context.Background())
	fatal, ok := runner.AsFatal(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, runner.KindInvariant, fatal.Kind)
	assert.Len(t, exec.calls, 3)
}

func TestRun_StageErrorStops(t *testing.T) {
	boom := errors.New("boom")
	exec := &fakeExecutor{failOn: map[int]error{2: boom}}
	sum, err := New(exec).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, exec.calls, 2)
	assert.Len(t, sum.Stages, 2)
}

func TestRun_CancelledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExecutor{after: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	_, err := New(exec).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, exec.calls, 1)
}

func TestRun_OnStage(t *testing.T) {
	var seen []stages.Type
	_, err := New(&fakeExecutor{}, OnStage(func(r *stages.Result) { seen = append(seen, r.Stage) })).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultStages(), seen)
}

func TestBuild_Idempotent(t *testing.T) {
	f := stagestest.New(t)
	f.WriteFile(t, "specs/orders.md", "# Orders\nuses api/users.md\n")

	sum, err := New(f.Pipeline(t)).Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, sum.Replans)
	first := f.Snapshot(t)
	calls := f.Mock.Calls()
	require.Positive(t, calls)
	assert.Contains(t, first, "backend/src/api/users.go")
	assert.Contains(t, first, "backend/src/api/orders.go")
	assert.Contains(t, first, "backend/dependencies.yaml")

	sum, err = New(f.Pipeline(t)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls, f.Mock.Calls(), "second build must not call the endpoint")
	assert.Equal(t, 0, sum.Replans)
	for _, res := range sum.Stages {
		assert.Equal(t, 0, res.Generated, "stage %s", res.Stage)
	}
	assert.Equal(t, first, f.Snapshot(t))
}

func TestBuild_ChangedSpecMisses(t *testing.T) {
	f := stagestest.New(t)
	_, err := New(f.Pipeline(t)).Run(context.Background())
	require.NoError(t, err)
	calls := f.Mock.Calls()

	f.WriteFile(t, "specs/users.md", "# Users\nUsers can sign up, log in and reset passwords.\n")
	_, err = New(f.Pipeline(t)).Run(context.Background())
	require.NoError(t, err)

	// lower, then index and compile of the rewritten intent file
	assert.Equal(t, calls+3, f.Mock.Calls())
	assert.Contains(t, f.ReadFile(t, "backend/intent/api/users.md"), "reset passwords")
}

func TestBuild_RunsEveryStageAndReplans(t *testing.T) {
	f := stagestest.New(t)
	var seen []stages.Type
	sum, err := New(f.Pipeline(t), OnStage(func(r *stages.Result) { seen = append(seen, r.Stage) })).
		Run(context.Background())
	require.NoError(t, err)

	// The tech stack adds chi and compilation adds sqlx; each refresh that
	// sees a change starts the sequence over
	want := []stages.Type{stages.TechStack, stages.Lower, stages.Deps}
	want = append(want, DefaultStages()...)
	want = append(want, DefaultStages()...)
	assert.Equal(t, want, seen)
	assert.Len(t, sum.Stages, 15)
	assert.Equal(t, 2, sum.Replans)

	set, _, err := deps.ReadMirror(filepath.Join(f.Root, "backend", deps.MirrorFile))
	require.NoError(t, err)
	assert.Equal(t, deps.Set{
		"github.com/go-chi/chi/v5": "5.0.0",
		"github.com/jmoiron/sqlx":  "1.3.0",
	}, set)
}

func TestBuild_RemovedSpecAndIntentRetracted(t *testing.T) {
	f := stagestest.New(t)
	f.WriteFile(t, "specs/orders.md", "# Orders\nTrack orders.\n")
	// Only users needs sqlx
	f.Respond(stages.Compile, func(prompt string) llm.MockResponse {
		r := stagestest.DefaultCompile(prompt)
		if !strings.Contains(prompt, "/api/users.go") {
			r.Text = strings.Replace(r.Text, `{"op":"add","name":"github.com/jmoiron/sqlx","minVersion":"1.3.0"}`, "", 1)
		}
		return r
	})
	ctx := context.Background()
	_, err := New(f.Pipeline(t)).Run(ctx)
	require.NoError(t, err)
	require.True(t, f.Exists("backend/src/api/users.go"))

	f.Remove(t, "specs/users.md")
	f.Remove(t, "backend/intent/api/users.md")
	p := f.Pipeline(t)
	_, err = New(p).Run(ctx)
	require.NoError(t, err)

	assert.False(t, f.Exists("backend/src/api/users.go"))
	assert.True(t, f.Exists("backend/src/api/orders.go"))

	root := f.ProjectRoot(t, "backend")
	effective, err := f.Deps.Effective(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, deps.Set{"github.com/go-chi/chi/v5": "5.0.0"}, effective)
	set, _, err := deps.ReadMirror(filepath.Join(f.Root, "backend", deps.MirrorFile))
	require.NoError(t, err)
	assert.Equal(t, effective, set)

	for _, r := range []*graph.Node{p.SpecRoot(), root} {
		report, err := f.DB.Check(ctx, r)
		require.NoError(t, err)
		assert.True(t, report.OK(), report.String())
	}
}

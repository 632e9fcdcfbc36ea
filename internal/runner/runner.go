// Package runner implements the generative transformation algorithm shared by
// every build stage: build the prompt, consult the generation cache, call the
// endpoint with bounded retry and validation on a miss, then apply the result
// and surface its diagnostics last.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jfilby/intentcode-sub000/internal/cas"
	"github.com/jfilby/intentcode-sub000/internal/gencache"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/llm"
	"github.com/jfilby/intentcode-sub000/internal/schema"
)

var tracer = otel.Tracer("intentcode/runner")

// DefaultMaxAttempts is the endpoint call budget per unit of work.
const DefaultMaxAttempts = 5

// Config tunes the runner.
type Config struct {
	MaxAttempts int
	CallTimeout time.Duration
}

// DefaultConfig returns the standard attempt budget and call timeout.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, CallTimeout: 120 * time.Second}
}

// Sink receives the diagnostics of every unit of work.
type Sink interface {
	Report(unit, tool string, d schema.Diagnostics)
}

// Runner executes units of work. It is safe for concurrent use; calls for
// the same derived node are serialized.
type Runner struct {
	db       *graph.DB
	cache    *gencache.Cache
	provider llm.Provider
	logger   *slog.Logger
	metrics  *Metrics
	sink     Sink
	cfg      Config
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }
func WithMetrics(m *Metrics) Option    { return func(r *Runner) { r.metrics = m } }
func WithSink(s Sink) Option           { return func(r *Runner) { r.sink = s } }
func WithConfig(c Config) Option       { return func(r *Runner) { r.cfg = c } }

// New creates a Runner.
func New(db *graph.DB, cache *gencache.Cache, provider llm.Provider, opts ...Option) *Runner {
	r := &Runner{
		db:       db,
		cache:    cache,
		provider: provider,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	if r.cfg.MaxAttempts < 1 {
		r.cfg.MaxAttempts = DefaultMaxAttempts
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

// DB returns the graph the runner writes to.
func (r *Runner) DB() *graph.DB { return r.db }

// Unit is one unit of work for a tool producing results of type T. T must
// embed schema.Diagnostics.
type Unit[T any] struct {
	// Name identifies the unit in logs and errors, usually a relative path.
	Name string
	// Node is the artifact the derived data hangs off.
	Node *graph.Node
	Tool llm.ToolConfig
	// Primer is the role context sent ahead of the prompt.
	Primer string
	// SourceModTime is the on-disk mtime of the artifact Node represents.
	SourceModTime time.Time
	// Prompt builds the prompt from current graph state. It must be a pure
	// function of that state so identical inputs give identical prompts.
	Prompt func(ctx context.Context) (string, error)
	// Validate parses and checks a raw JSON response.
	Validate func(raw []byte) (*T, error)
	// Apply performs the unit's side effects. It runs on cache hits too and
	// must be idempotent.
	Apply func(ctx context.Context, result *T) error
}

// Outcome describes how a unit of work completed.
type Outcome struct {
	Cached      bool
	Attempts    int
	Diagnostics schema.Diagnostics
	Derived     *graph.Node
}

// Derived is the structured content of a derived-data node written by the
// runner.
type Derived struct {
	Tool       string          `json:"tool"`
	PromptHash string          `json:"promptHash"`
	Result     json.RawMessage `json:"result"`
}

// Run executes one unit of work.
func Run[T any](ctx context.Context, r *Runner, u Unit[T]) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "runner.unit", trace.WithAttributes(
		attribute.String("unit", u.Name),
		attribute.String("tool", u.Tool.ID),
	))
	defer span.End()

	out, err := run(ctx, r, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("cached", out.Cached), attribute.Int("attempts", out.Attempts))
	}
	return out, err
}

func run[T any](ctx context.Context, r *Runner, u Unit[T]) (*Outcome, error) {
	logger := r.logger.With("unit", u.Name, "tool", u.Tool.ID)

	// 1. Prompt from current state
	prompt, err := u.Prompt(ctx)
	if err != nil {
		return nil, classify(u.Name, fmt.Errorf("building prompt: %w", err))
	}
	key := cacheKey(u.Primer, prompt)

	derived, err := r.db.GetOrCreateChild(ctx, u.Node, graph.TypeDerivedData, u.Tool.ID)
	if err != nil {
		return nil, classify(u.Name, err)
	}

	unlock := r.cache.Lock(derived.ID)
	defer unlock()
	// Another worker may have finished this node while we waited
	if derived, err = r.db.GetNode(ctx, derived.ID); err != nil {
		return nil, classify(u.Name, err)
	}

	out := &Outcome{Derived: derived}

	// 2. Cache
	result, err := lookup(ctx, r, u, derived, key, logger)
	if err != nil {
		return nil, classify(u.Name, err)
	}

	// 3-4. Endpoint with bounded retry
	if result != nil {
		out.Cached = true
	} else {
		result, out.Attempts, err = generate(ctx, r, u, derived, prompt, key, logger)
		if err != nil {
			return nil, err
		}
	}

	diagnosed, ok := any(result).(schema.Diagnosed)
	if !ok {
		return nil, &FatalError{Unit: u.Name, Kind: KindInvariant, Err: fmt.Errorf("result type %T carries no diagnostics", result)}
	}
	out.Diagnostics = diagnosed.Diags()

	// 5. Side effects, then the derived node, then diagnostics
	if err := u.Apply(ctx, result); err != nil {
		return nil, classify(u.Name, err)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, classify(u.Name, err)
	}
	derived, err = r.db.UpsertDerivedData(ctx, u.Node, u.Tool.ID, Derived{
		Tool:       u.Tool.ID,
		PromptHash: cas.PromptHash(key),
		Result:     resultJSON,
	})
	if err != nil {
		return nil, classify(u.Name, err)
	}
	status := graph.StatusValid
	if len(out.Diagnostics.Errors) > 0 {
		status = graph.StatusError
	}
	if err := r.db.SetStatus(ctx, derived, status); err != nil {
		return nil, classify(u.Name, err)
	}
	out.Derived = derived

	if r.sink != nil {
		r.sink.Report(u.Name, u.Tool.ID, out.Diagnostics)
	}
	for _, w := range out.Diagnostics.Warnings {
		logger.Debug("warning", "message", w.String())
	}
	if n := len(out.Diagnostics.Errors); n > 0 {
		return out, &FatalError{Unit: u.Name, Kind: KindDiagnostics, Err: fmt.Errorf("%d error(s) reported: %s", n, out.Diagnostics.Errors[0])}
	}

	logger.Debug("unit complete", "cached", out.Cached, "attempts", out.Attempts)
	return out, nil
}

func lookup[T any](ctx context.Context, r *Runner, u Unit[T], derived *graph.Node, key string, logger *slog.Logger) (*T, error) {
	if derived.ContentUpdatedAt.IsZero() {
		// Never written for this tool
		r.metrics.CacheLookups.WithLabelValues(u.Tool.ID, "miss").Inc()
		return nil, nil
	}
	if !gencache.Fresh(derived, u.SourceModTime) {
		r.metrics.CacheLookups.WithLabelValues(u.Tool.ID, "stale").Inc()
		return nil, nil
	}
	rec, ok, err := r.cache.Lookup(ctx, derived, u.Tool.ID, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.metrics.CacheLookups.WithLabelValues(u.Tool.ID, "miss").Inc()
		return nil, nil
	}
	// Build state may have moved on since the record was stored
	result, err := u.Validate([]byte(rec.Output))
	if err != nil {
		logger.Info("cached output no longer validates", "error", err)
		r.metrics.CacheLookups.WithLabelValues(u.Tool.ID, "invalid").Inc()
		return nil, nil
	}
	r.metrics.CacheLookups.WithLabelValues(u.Tool.ID, "hit").Inc()
	return result, nil
}

func generate[T any](ctx context.Context, r *Runner, u Unit[T], derived *graph.Node, prompt, key string, logger *slog.Logger) (*T, int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}

		result, raw, err := attemptOnce(ctx, r, u, prompt)
		if err == nil {
			if _, err := r.cache.Store(ctx, derived, u.Tool.ID, key, string(raw), result); err != nil {
				return nil, attempt, classify(u.Name, err)
			}
			return result, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempt, ctxErr
		}
		lastErr = err
		logger.Warn("attempt failed", "attempt", attempt, "of", r.cfg.MaxAttempts, "error", err)
	}
	return nil, r.cfg.MaxAttempts, &FatalError{Unit: u.Name, Kind: KindRetriesExhausted, Err: lastErr}
}

// attemptOnce is one call plus validation. It never touches the cache. The
// call timeout starts once a gated provider admits the call, so time spent
// queued behind other units does not use up an attempt.
func attemptOnce[T any](ctx context.Context, r *Runner, u Unit[T], prompt string) (*T, []byte, error) {
	provider := r.provider.Name()

	turns, err := r.provider.PrepareMessages(u.Tool, u.Primer, []llm.Turn{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return nil, nil, fmt.Errorf("preparing messages: %w", err)
	}

	send := r.provider.Send
	if gate, ok := r.provider.(*llm.Gate); ok {
		release, err := gate.Admit(ctx)
		if err != nil {
			return nil, nil, err
		}
		defer release()
		send = gate.Provider.Send
	}
	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}
	reply, err := send(ctx, turns, u.Tool)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		r.metrics.EndpointCalls.WithLabelValues(provider, outcome).Inc()
		return nil, nil, err
	}
	r.metrics.EndpointCalls.WithLabelValues(provider, "ok").Inc()
	r.metrics.Tokens.WithLabelValues("input").Add(float64(reply.InputTokens))
	r.metrics.Tokens.WithLabelValues("output").Add(float64(reply.OutputTokens))

	raw, err := llm.ExtractJSON(reply.Text())
	if err != nil {
		r.metrics.ValidationFailures.WithLabelValues(u.Tool.ID).Inc()
		return nil, nil, &schema.ValidationError{Reason: fmt.Sprintf("reply status %s", reply.Status), Err: err}
	}
	result, err := u.Validate(raw)
	if err != nil {
		r.metrics.ValidationFailures.WithLabelValues(u.Tool.ID).Inc()
		return nil, nil, err
	}
	return result, raw, nil
}

// cacheKey is the text the generation cache compares: primer and prompt
// together, so a changed primer misses too.
func cacheKey(primer, prompt string) string {
	if primer == "" {
		return prompt
	}
	return primer + "\n\n" + prompt
}

func classify(unit string, err error) error {
	if err == nil || IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, graph.ErrInvariant) {
		return &FatalError{Unit: unit, Kind: KindInvariant, Err: err}
	}
	return fmt.Errorf("%s: %w", unit, err)
}

// LoadResult decodes the result a tool last stored on node. Returns
// graph.ErrNotFound when the tool has not run for node.
func LoadResult[T any](ctx context.Context, db *graph.DB, node *graph.Node, toolID string) (*T, error) {
	derived, err := db.DerivedData(ctx, node, toolID)
	if err != nil {
		return nil, err
	}
	var d Derived
	if err := derived.Decode(&d); err != nil {
		return nil, err
	}
	if len(d.Result) == 0 {
		return nil, fmt.Errorf("%w: %s result on %s", graph.ErrNotFound, toolID, node.Name)
	}
	var out T
	if err := json.Unmarshal(d.Result, &out); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", toolID, err)
	}
	return &out, nil
}

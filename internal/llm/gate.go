package llm

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate bounds how hard a provider is driven: at most maxConcurrent requests
// in flight and ratePerSecond new requests per second. A Gate is shared by
// every unit of work in a build so retries of one unit queue behind, not in
// front of, other units' first attempts.
type Gate struct {
	Provider
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewGate wraps p. A non-positive ratePerSecond disables rate limiting.
func NewGate(p Provider, maxConcurrent int, ratePerSecond float64) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	limit := rate.Inf
	burst := maxConcurrent
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Gate{
		Provider: p,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Admit blocks until a call may start and returns the func that frees its
// slot. Callers that admit must send through the wrapped Provider.
func (g *Gate) Admit(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.sem.Release(1)
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}

func (g *Gate) Send(ctx context.Context, turns []Turn, tool ToolConfig) (*Reply, error) {
	release, err := g.Admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return g.Provider.Send(ctx, turns, tool)
}

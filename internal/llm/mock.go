package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MockProvider is a scripted Provider for tests.
//
// Thread Safety: safe for concurrent use.
type MockProvider struct {
	mu sync.Mutex

	name      string
	responses []MockResponse
	fallback  *MockResponse
	respond   func(turns []Turn, tool ToolConfig) MockResponse
	delay     time.Duration
	calls     []MockCall

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// MockResponse is one scripted answer.
type MockResponse struct {
	Text  string
	Err   error
	Delay time.Duration
}

// MockCall records a call to Send.
type MockCall struct {
	Turns []Turn
	Tool  ToolConfig
}

// NewMockProvider creates an empty mock. With nothing queued, Send returns
// ErrEmptyReply.
func NewMockProvider() *MockProvider {
	return &MockProvider{name: "mock"}
}

// Queue appends scripted answers.
func (m *MockProvider) Queue(responses ...MockResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
	return m
}

// QueueText appends successful answers.
func (m *MockProvider) QueueText(texts ...string) *MockProvider {
	for _, t := range texts {
		m.Queue(MockResponse{Text: t})
	}
	return m
}

// Always answers every call with r once the queue is drained.
func (m *MockProvider) Always(r MockResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &r
	return m
}

// RespondWith computes answers from the request once the queue is drained.
func (m *MockProvider) RespondWith(f func(turns []Turn, tool ToolConfig) MockResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = f
	return m
}

// WithDelay adds artificial latency to every call.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) PrepareMessages(tool ToolConfig, rolePrimer string, prior []Turn) ([]Turn, error) {
	return Interleave(InlineSystem(rolePrimer, prior)), nil
}

func (m *MockProvider) Send(ctx context.Context, turns []Turn, tool ToolConfig) (*Reply, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Turns: turns, Tool: tool})
	delay := m.delay
	var r *MockResponse
	switch {
	case len(m.responses) > 0:
		r = &m.responses[0]
		m.responses = m.responses[1:]
	case m.respond != nil:
		resp := m.respond(turns, tool)
		r = &resp
	case m.fallback != nil:
		r = m.fallback
	}
	m.mu.Unlock()

	if r != nil && r.Delay > delay {
		delay = r.Delay
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrEmptyReply
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &Reply{
		Texts:        []string{r.Text},
		InputTokens:  len(lastContent(turns)) / 4,
		OutputTokens: len(r.Text) / 4,
		Status:       StatusOK,
	}, nil
}

// Calls returns the number of Send calls so far.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CallLog returns a copy of all recorded calls.
func (m *MockProvider) CallLog() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// MaxInFlight reports the highest number of concurrent Send calls observed.
func (m *MockProvider) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

func lastContent(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].Content
}

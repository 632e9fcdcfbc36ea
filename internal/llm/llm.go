// Package llm is the generative endpoint adapter layer. Each provider
// normalizes the same three roles (system, user, assistant) onto its own wire
// format and reports token usage back in a common shape.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Role is a normalized conversation role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one normalized message.
type Turn struct {
	Role    Role
	Content string
}

// ToolConfig describes the tool making the call.
type ToolConfig struct {
	// ID is the tool identity, also the generation cache key component.
	ID          string
	Model       string
	MaxTokens   int
	Temperature *float32
	// JSON requests machine-parseable output where the provider supports it.
	JSON bool
}

// Status summarizes how a reply ended.
type Status string

const (
	StatusOK        Status = "ok"
	StatusTruncated Status = "truncated"
	StatusRefused   Status = "refused"
)

// Reply is a provider-independent response.
type Reply struct {
	Texts        []string
	InputTokens  int
	OutputTokens int
	Status       Status
}

// Text joins all reply texts.
func (r *Reply) Text() string {
	return strings.Join(r.Texts, "")
}

// Provider is implemented by every generative endpoint adapter.
type Provider interface {
	Name() string
	// PrepareMessages turns a role primer and prior turns into the sequence
	// this provider accepts.
	PrepareMessages(tool ToolConfig, rolePrimer string, prior []Turn) ([]Turn, error)
	Send(ctx context.Context, turns []Turn, tool ToolConfig) (*Reply, error)
}

// ErrEmptyReply is returned when a provider answers with no text.
var ErrEmptyReply = errors.New("empty reply")

const (
	acknowledgement = "Understood."
	fillerUser      = "Continue."
	fillerAssistant = "OK."
)

// InlineSystem folds a role primer into the conversation for providers with no
// native system role: the primer becomes the first user turn, followed by a
// synthetic assistant acknowledgement.
func InlineSystem(rolePrimer string, prior []Turn) []Turn {
	out := make([]Turn, 0, len(prior)+2)
	if rolePrimer != "" {
		out = append(out,
			Turn{Role: RoleUser, Content: rolePrimer},
			Turn{Role: RoleAssistant, Content: acknowledgement})
	}
	for _, t := range prior {
		if t.Role == RoleSystem {
			t.Role = RoleUser
		}
		out = append(out, t)
	}
	return out
}

// Interleave inserts filler turns so that no two neighbouring turns share a
// role, and so that the conversation opens with a user turn. A leading system
// turn is left in place.
func Interleave(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleSystem {
			out = append(out, t)
			continue
		}
		prev := lastConversational(out)
		switch {
		case prev == "" && t.Role == RoleAssistant:
			out = append(out, Turn{Role: RoleUser, Content: fillerUser})
		case prev == t.Role && t.Role == RoleUser:
			out = append(out, Turn{Role: RoleAssistant, Content: fillerAssistant})
		case prev == t.Role && t.Role == RoleAssistant:
			out = append(out, Turn{Role: RoleUser, Content: fillerUser})
		}
		out = append(out, t)
	}
	return out
}

func lastConversational(turns []Turn) Role {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != RoleSystem {
			return turns[i].Role
		}
	}
	return ""
}

// splitSystem separates a leading system turn from the rest.
func splitSystem(turns []Turn) (string, []Turn) {
	var system []string
	rest := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleSystem {
			system = append(system, t.Content)
			continue
		}
		rest = append(rest, t)
	}
	return strings.Join(system, "\n\n"), rest
}

// Settings selects and configures a provider.
type Settings struct {
	Provider string
	Model    string
	BaseURL  string
	Timeout  time.Duration
	// InlineSystem folds the role primer into the first user turn, for models
	// served without a system role.
	InlineSystem bool
}

// KeyStore looks up stored credentials by name.
type KeyStore interface {
	Get(name string) (string, error)
}

var keyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// APIKey resolves a provider's key from the environment first, then the
// credential store. Providers that need no key return "".
func APIKey(provider string, store KeyStore) (string, error) {
	env, ok := keyEnv[provider]
	if !ok {
		return "", nil
	}
	if key := strings.TrimSpace(os.Getenv(env)); key != "" {
		return key, nil
	}
	if store != nil {
		if key, err := store.Get(provider); err == nil && key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("%s not set and no %q credential stored (run: intentcode creds set %s)", env, provider, provider)
}

// New constructs the provider named in settings.
func New(s Settings, store KeyStore) (Provider, error) {
	key, err := APIKey(s.Provider, store)
	if err != nil {
		return nil, err
	}
	switch s.Provider {
	case "openai":
		return NewOpenAI(key, s), nil
	case "anthropic":
		return NewAnthropic(key, s), nil
	case "ollama":
		return NewOllama(s), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", s.Provider)
	}
}

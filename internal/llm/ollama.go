package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultOllamaURL = "http://localhost:11434"

var tracer = otel.Tracer("intentcode/llm")

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// Ollama talks to a local Ollama server's /api/chat endpoint.
type Ollama struct {
	httpClient   *http.Client
	baseURL      string
	model        string
	inlineSystem bool
}

// NewOllama creates an Ollama adapter.
func NewOllama(s Settings) *Ollama {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	o := &Ollama{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(s.BaseURL, "/"),
		model:        s.Model,
		inlineSystem: s.InlineSystem,
	}
	if o.baseURL == "" {
		o.baseURL = defaultOllamaURL
	}
	return o
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) PrepareMessages(tool ToolConfig, rolePrimer string, prior []Turn) ([]Turn, error) {
	if o.inlineSystem {
		return Interleave(InlineSystem(rolePrimer, prior)), nil
	}
	turns := make([]Turn, 0, len(prior)+1)
	if rolePrimer != "" {
		turns = append(turns, Turn{Role: RoleSystem, Content: rolePrimer})
	}
	return append(turns, prior...), nil
}

func (o *Ollama) Send(ctx context.Context, turns []Turn, tool ToolConfig) (*Reply, error) {
	model := o.model
	if tool.Model != "" {
		model = tool.Model
	}
	ctx, span := tracer.Start(ctx, "Ollama.Send")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.num_messages", len(turns)))

	payload := ollamaChatRequest{Model: model, Stream: false, Options: map[string]interface{}{}}
	for _, t := range turns {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: string(t.Role), Content: t.Content})
	}
	if tool.JSON {
		payload.Format = "json"
	}
	if tool.Temperature != nil {
		payload.Options["temperature"] = *tool.Temperature
	}
	if tool.MaxTokens > 0 {
		payload.Options["num_predict"] = tool.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ollama: status %d: %s", resp.StatusCode, truncate(respBody, 512))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("ollama: parsing response: %w", err)
	}
	if chatResp.Error != "" {
		return nil, fmt.Errorf("ollama: %s", chatResp.Error)
	}
	if chatResp.Message.Content == "" {
		return nil, fmt.Errorf("ollama: %w", ErrEmptyReply)
	}

	reply := &Reply{
		Texts:        []string{chatResp.Message.Content},
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
		Status:       StatusOK,
	}
	if chatResp.DoneReason == "length" {
		reply.Status = StatusTruncated
	}
	span.SetAttributes(attribute.Int("llm.output_tokens", reply.OutputTokens))
	return reply, nil
}

package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI talks to the Chat Completions API or any compatible endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an OpenAI adapter. A non-empty BaseURL targets a
// compatible endpoint instead of api.openai.com.
func NewOpenAI(apiKey string, s Settings) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	if s.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: s.Timeout}
	}
	model := s.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *OpenAI) Name() string { return "openai" }

// PrepareMessages keeps the primer as a native system message.
func (o *OpenAI) PrepareMessages(tool ToolConfig, rolePrimer string, prior []Turn) ([]Turn, error) {
	turns := make([]Turn, 0, len(prior)+1)
	if rolePrimer != "" {
		turns = append(turns, Turn{Role: RoleSystem, Content: rolePrimer})
	}
	return append(turns, prior...), nil
}

func (o *OpenAI) Send(ctx context.Context, turns []Turn, tool ToolConfig) (*Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(turns)),
	}
	if tool.Model != "" {
		req.Model = tool.Model
	}
	for _, t := range turns {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content})
	}
	if tool.MaxTokens > 0 {
		req.MaxCompletionTokens = tool.MaxTokens
	}
	if tool.Temperature != nil {
		req.Temperature = *tool.Temperature
	}
	if tool.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", ErrEmptyReply)
	}

	reply := &Reply{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Status:       StatusOK,
	}
	for _, c := range resp.Choices {
		reply.Texts = append(reply.Texts, c.Message.Content)
	}
	switch resp.Choices[0].FinishReason {
	case openai.FinishReasonLength:
		reply.Status = StatusTruncated
	case openai.FinishReasonContentFilter:
		reply.Status = StatusRefused
	}
	return reply, nil
}

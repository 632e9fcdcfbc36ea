package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	anthropicAPIVersion   = "2023-06-01"
	anthropicDefaultURL   = "https://api.anthropic.com/v1/messages"
	anthropicDefaultModel = "claude-3-5-sonnet-20240620"
	anthropicMaxTokens    = 8192
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Anthropic talks to the Messages API. The system prompt is a top-level
// field and user/assistant turns must strictly alternate.
type Anthropic struct {
	httpClient *http.Client
	url        string
	apiKey     string
	model      string
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(apiKey string, s Settings) *Anthropic {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	a := &Anthropic{
		httpClient: &http.Client{Timeout: timeout},
		url:        anthropicDefaultURL,
		apiKey:     apiKey,
		model:      s.Model,
	}
	if s.BaseURL != "" {
		a.url = s.BaseURL
	}
	if a.model == "" {
		a.model = anthropicDefaultModel
	}
	return a
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) PrepareMessages(tool ToolConfig, rolePrimer string, prior []Turn) ([]Turn, error) {
	turns := make([]Turn, 0, len(prior)+1)
	if rolePrimer != "" {
		turns = append(turns, Turn{Role: RoleSystem, Content: rolePrimer})
	}
	return Interleave(append(turns, prior...)), nil
}

func (a *Anthropic) Send(ctx context.Context, turns []Turn, tool ToolConfig) (*Reply, error) {
	system, rest := splitSystem(turns)
	payload := anthropicRequest{
		Model:       a.model,
		System:      system,
		MaxTokens:   anthropicMaxTokens,
		Temperature: tool.Temperature,
	}
	if tool.Model != "" {
		payload.Model = tool.Model
	}
	if tool.MaxTokens > 0 {
		payload.MaxTokens = tool.MaxTokens
	}
	for _, t := range rest {
		payload.Messages = append(payload.Messages, anthropicMessage{Role: string(t.Role), Content: t.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, truncate(respBody, 512))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("anthropic: parsing response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	reply := &Reply{
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
		Status:       StatusOK,
	}
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			reply.Texts = append(reply.Texts, block.Text)
		}
	}
	if len(reply.Texts) == 0 {
		return nil, fmt.Errorf("anthropic: %w", ErrEmptyReply)
	}
	switch apiResp.StopReason {
	case "max_tokens":
		reply.Status = StatusTruncated
	case "refusal":
		reply.Status = StatusRefused
	}
	return reply, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

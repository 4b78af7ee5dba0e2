package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nugget/jarvis/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (OpenRouter, Groq, a local gateway). It serves the cheap
// classification models, which never receive tool schemas.
type OpenAIClient struct {
	client  openai.Client
	baseURL string
	logger  *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(60 * time.Second))),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		baseURL: baseURL,
		logger:  logger.With("provider", "openai", "base_url", baseURL),
	}
}

// Chat sends a chat completion request. Tool calling is not supported
// on this client; passing tools is a programming error.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts ...CallOption) (*ChatResponse, error) {
	if len(tools) > 0 {
		return nil, fmt.Errorf("openai-compatible client does not accept tools (model %s)", model)
	}
	o := ApplyOptions(opts)

	params := openai.ChatCompletionNewParams{
		Model:     model,
		Messages:  convertToOpenAI(messages),
		MaxTokens: openai.Int(int64(o.MaxTokens)),
	}
	if o.Temperature != nil {
		params.Temperature = openai.Float(*o.Temperature)
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		pe := &ProviderError{Provider: "openai", Model: model, Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return nil, pe
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Model: model, Err: errors.New("empty choices")}
	}

	out := &ChatResponse{
		Model:        resp.Model,
		StopReason:   string(resp.Choices[0].FinishReason),
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		Duration:     time.Since(start),
		Message: Message{
			Role:    RoleAssistant,
			Content: resp.Choices[0].Message.Content,
		},
	}
	c.logger.Debug("openai response",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", out.Duration,
	)
	return out, nil
}

// Ping lists models to confirm the endpoint and key are usable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return &ProviderError{Provider: "openai", Err: err}
	}
	return nil
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			if m.Content != "" {
				out = append(out, openai.AssistantMessage(m.Content))
			}
		case RoleTool:
			// Tool transcripts never reach the classifier; flatten
			// to user text if one slips through.
			out = append(out, openai.UserMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

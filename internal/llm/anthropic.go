package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/jarvis/internal/httpkit"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. A non-empty
// baseURL overrides the public endpoint (used by tests and proxies).
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}

	// LLM responses can take significant time before sending headers.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))),
		// Retry policy lives in the conversation loop, which knows
		// whether a repeat is safe.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a non-streaming Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts ...CallOption) (*ChatResponse, error) {
	o := ApplyOptions(opts)
	converted, system := convertToAnthropic(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(o.MaxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if o.Temperature != nil {
		params.Temperature = anthropic.Float(*o.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = convertToolsToAnthropic(tools)
	}

	c.logger.Log(ctx, levelTrace, "anthropic request",
		"model", model, "messages", len(converted), "tools", len(tools))

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(model, err)
	}

	out := convertFromAnthropic(resp)
	out.Duration = time.Since(start)

	c.logger.Debug("anthropic response",
		"model", out.Model,
		"stop_reason", out.StopReason,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
		"elapsed", out.Duration,
	)
	return out, nil
}

// Ping checks that the API key is accepted by listing models.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return wrapAnthropicError("", err)
	}
	return nil
}

func wrapAnthropicError(model string, err error) error {
	pe := &ProviderError{Provider: "anthropic", Model: model, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}

// convertToAnthropic splits out system content and maps the remaining
// conversation onto Messages API params. Consecutive tool results are
// grouped into one user message, as the API requires every tool_result
// for a turn to follow the assistant's tool_use blocks directly.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var system []string
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()

	return out, strings.Join(system, "\n\n")
}

// convertToolsToAnthropic maps OpenAI-style function definitions onto
// Anthropic tool params.
func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		tool := anthropic.ToolParam{Name: name}
		if desc, _ := fn["description"].(string); desc != "" {
			tool.Description = anthropic.String(desc)
		}
		if params, ok := fn["parameters"].(map[string]any); ok {
			tool.InputSchema.Properties = params["properties"]
			switch req := params["required"].(type) {
			case []string:
				tool.InputSchema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						tool.InputSchema.Required = append(tool.InputSchema.Required, s)
					}
				}
			}
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func convertFromAnthropic(resp *anthropic.Message) *ChatResponse {
	out := &ChatResponse{
		Model:        string(resp.Model),
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Message:      Message{Role: RoleAssistant},
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: json.RawMessage(tu.Input),
			})
		}
	}
	out.Message.Content = text.String()
	return out
}

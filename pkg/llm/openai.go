package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/rexxy-sasori/rlm/pkg/models"
)

const (
	// DefaultTimeout is the overall budget for one Complete call, retries
	// and backoff waits included.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3

	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 60 * time.Second
)

// Config configures the OpenAI-compatible client. BaseURL may point at any
// chat-completion endpoint speaking the OpenAI wire format.
type Config struct {
	APIKey         string
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// OpenAIClient implements Client against an OpenAI-compatible API.
// It is safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
}

// NewOpenAIClient creates a client from the given config.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	cfg = cfg.withDefaults()
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
	}
}

// Close implements Client. The underlying HTTP client holds no resources
// that need explicit release.
func (c *OpenAIClient) Close() error { return nil }

// Complete implements Client. Rate-limit and transient network failures are
// retried with exponential backoff and jitter until the retry budget or the
// overall timeout runs out; other failures are returned immediately with
// their classification.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	oaiReq := openai.ChatCompletionRequest{
		Model:       req.ModelID,
		Messages:    toOpenAIMessages(req.Messages),
		Tools:       toOpenAITools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // the call context bounds the whole loop
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), callCtx)

	var resp openai.ChatCompletionResponse
	var lastErr *Error
	operation := func() error {
		r, err := c.client.CreateChatCompletion(callCtx, oaiReq)
		if err != nil {
			cerr := classifyError(err)
			lastErr = cerr
			if !cerr.Retryable() {
				return backoff.Permanent(cerr)
			}
			slog.Warn("Model call failed, retrying",
				"model", req.ModelID,
				"kind", cerr.Kind,
				"error", err)
			return cerr
		}
		if len(r.Choices) == 0 {
			cerr := &Error{Kind: models.ErrorKindTransientNetwork, Err: errors.New("response contained no choices")}
			lastErr = cerr
			return cerr
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		var mErr *Error
		if errors.As(err, &mErr) && !mErr.Retryable() {
			return nil, mErr
		}
		if errors.Is(err, context.Canceled) {
			return nil, &Error{Kind: models.ErrorKindCancelled, Err: err}
		}
		// Retries exhausted or the overall budget elapsed.
		cause := err
		if lastErr != nil {
			cause = lastErr
		}
		return nil, &Error{Kind: models.ErrorKindModelUnavailable, Err: cause}
	}

	out := c.toResponse(req, resp)
	// Wallclock covers the whole call, retries and backoff waits included,
	// so it aggregates the same way the token counts do.
	out.Usage.WallclockMS = time.Since(start).Milliseconds()
	return out, nil
}

func (c *OpenAIClient) toResponse(req *Request, resp openai.ChatCompletionResponse) *Response {
	choice := resp.Choices[0]

	out := &Response{
		Message: models.Message{
			Role:    models.RoleAssistant,
			Content: choice.Message.Content,
		},
		ContentFiltered: choice.FinishReason == openai.FinishReasonContentFilter,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if out.ContentFiltered {
		out.Message.Content = ""
		out.Message.ToolCalls = nil
	}

	out.Usage = models.UsageRecord{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		ModelID:          resp.Model,
	}
	if out.Usage.ModelID == "" {
		out.Usage.ModelID = req.ModelID
	}
	if resp.Usage.PromptTokensDetails != nil {
		out.Usage.CachedPromptTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	return out
}

func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case models.RoleSystem:
			om.Role = openai.ChatMessageRoleSystem
		case models.RoleUser:
			om.Role = openai.ChatMessageRoleUser
		case models.RoleAssistant:
			om.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case models.RoleTool:
			om.Role = openai.ChatMessageRoleTool
			om.ToolCallID = m.ToolCallID
		default:
			om.Role = openai.ChatMessageRoleUser
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal([]byte(tool.ParametersSchema), &schema); err != nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

var _ Client = (*OpenAIClient)(nil)

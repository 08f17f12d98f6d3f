package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/tools"
	"github.com/promethea-labs/promethea/pkg/models"
)

// ChatMessage is one prompt entry in provider-neutral form.
type ChatMessage struct {
	Role       models.Role
	Content    string
	ToolCalls  []models.ToolCall
	ToolCallID string
}

// Request is one streamed completion call.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []ChatMessage
	Tools       []tools.Tool
}

// Delta is one unit of provider output. Exactly one field is set: a text
// fragment, or a fully-assembled tool call.
type Delta struct {
	Text     string
	ToolCall *models.ToolCall
}

// Provider streams completions. Implementations classify transport failures
// into the error taxonomy so the scheduler can decide about retries.
type Provider interface {
	// Stream starts a completion against the endpoint in api and returns a
	// channel of deltas. The channel closes at end-of-stream; a mid-stream
	// failure is delivered through the error channel (at most one error).
	Stream(ctx context.Context, api config.APIConfig, req Request) (<-chan Delta, <-chan error, error)
}

// rateLimitError carries the wait before retrying a 429 response.
// classifyProviderError always sets it to one second; the response's
// Retry-After header is not read.
type rateLimitError struct {
	inner      *models.Error
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string             { return e.inner.Error() }
func (e *rateLimitError) Unwrap() error             { return e.inner }
func (e *rateLimitError) RetryAfter() time.Duration { return e.retryAfter }

// OpenAIProvider implements Provider against any OpenAI-compatible
// chat-completions endpoint, per the api.base_url / api.model config.
type OpenAIProvider struct{}

// NewOpenAIProvider creates the provider. Clients are built per call from
// the turn's config snapshot so per-user endpoint overrides take effect
// without restarts.
func NewOpenAIProvider() *OpenAIProvider { return &OpenAIProvider{} }

func (p *OpenAIProvider) client(api config.APIConfig) *openai.Client {
	cfg := openai.DefaultConfig(api.APIKey)
	if api.BaseURL != "" {
		cfg.BaseURL = api.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func (p *OpenAIProvider) Stream(ctx context.Context, api config.APIConfig, req Request) (<-chan Delta, <-chan error, error) {
	client := p.client(api)

	oaReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
		Messages:    toOpenAIMessages(req.Messages),
		Tools:       toOpenAITools(req.Tools),
	}

	callCtx, cancel := context.WithTimeout(ctx, api.Timeout())
	stream, err := client.CreateChatCompletionStream(callCtx, oaReq)
	if err != nil {
		cancel()
		return nil, nil, classifyProviderError(err)
	}

	deltas := make(chan Delta, 32)
	errCh := make(chan error, 1)

	go func() {
		defer cancel()
		defer close(deltas)
		defer close(errCh)
		defer stream.Close()

		assembler := newToolCallAssembler()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- classifyProviderError(err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			if choice.Delta.Content != "" {
				select {
				case deltas <- Delta{Text: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				assembler.add(tc)
			}
		}
		for _, call := range assembler.completed() {
			select {
			case deltas <- Delta{ToolCall: call}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return deltas, errCh, nil
}

// toolCallAssembler accumulates streamed tool-call fragments by index until
// the stream ends.
type toolCallAssembler struct {
	order []int
	parts map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args []byte
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{parts: map[int]*partialCall{}}
}

func (a *toolCallAssembler) add(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	part := a.parts[idx]
	if part == nil {
		part = &partialCall{}
		a.parts[idx] = part
		a.order = append(a.order, idx)
	}
	if tc.ID != "" {
		part.id = tc.ID
	}
	if tc.Function.Name != "" {
		part.name += tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		part.args = append(part.args, tc.Function.Arguments...)
	}
}

func (a *toolCallAssembler) completed() []*models.ToolCall {
	var out []*models.ToolCall
	for _, idx := range a.order {
		part := a.parts[idx]
		if part.name == "" {
			continue
		}
		args := part.args
		if len(args) == 0 {
			args = []byte(`{}`)
		}
		out = append(out, &models.ToolCall{
			ID:        part.id,
			Name:      part.name,
			Arguments: json.RawMessage(args),
			Status:    models.ToolPending,
		})
	}
	return out
}

func toOpenAIMessages(msgs []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		oa := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			oa.ToolCalls = append(oa.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, oa)
	}
	return out
}

func toOpenAITools(declared []tools.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(declared))
	for _, t := range declared {
		var params any
		if raw := t.Schema(); len(raw) > 0 {
			_ = json.Unmarshal(raw, &params)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  params,
			},
		})
	}
	return out
}

// classifyProviderError maps transport failures into the error taxonomy.
func classifyProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &rateLimitError{
				inner:      models.E(models.KindRateLimited, "the model is receiving too many requests, please try again shortly"),
				retryAfter: time.Second,
			}
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return models.E(models.KindUnauthorized, "the model endpoint rejected the configured API key")
		case apiErr.HTTPStatusCode >= 500:
			return models.Wrap(models.KindUpstreamUnavailable, "the model endpoint is unavailable", err)
		case apiErr.Code == "content_filter":
			return models.E(models.KindInternal, "the reply was blocked by the provider's content filter")
		}
		return models.Wrap(models.KindInternal, "the model endpoint returned an error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Wrap(models.KindUpstreamUnavailable, "the model endpoint timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return models.Wrap(models.KindCancelled, "request cancelled", err)
	}
	return models.Wrap(models.KindUpstreamUnavailable, "could not reach the model endpoint", err)
}

// Package llm is the chat completion client. It speaks the
// OpenAI-compatible HTTPS surface (bearer auth, /chat/completions) so
// any provider exposing that shape works through LLM_BASE_URL.
//
// Retry ownership lives here: transient failures (network, 5xx, 429
// honoring Retry-After) are retried with exponential backoff up to a
// bounded attempt count; auth and invalid-request errors surface
// immediately.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client-level errors.
var (
	// ErrUnavailable means the provider could not be reached after all
	// retry attempts.
	ErrUnavailable = errors.New("llm: provider unavailable")

	// ErrRateLimited is the per-attempt classification of a 429. It is
	// retried internally and only visible through error wrapping when
	// attempts run out.
	ErrRateLimited = errors.New("llm: rate limited")
)

// BadRequestError is a non-retryable provider rejection (4xx other
// than 429).
type BadRequestError struct {
	Status  int
	Message string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("llm: provider rejected request (%d): %s", e.Status, e.Message)
}

// Message is one chat message.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// Tool declares a callable tool to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options tune a single completion.
type Options struct {
	MaxTokens   int
	Temperature float64
	Tools       []Tool
}

// Reply is the model's answer: either final content or tool calls.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	TokensIn  int
	TokensOut int
}

// RetryObserver is notified on every retried attempt. Used to surface
// retries through the observability hook.
type RetryObserver func(attempt int, reason string)

// Config holds client configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	MaxInFlight int
	OnRetry     RetryObserver
}

// Client is stateless per call and safe for concurrent use; a semaphore
// bounds in-flight requests to respect provider rate limits.
type Client struct {
	cfg   Config
	httpc *http.Client
	sem   chan struct{}
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
		sem:   make(chan struct{}, cfg.MaxInFlight),
	}
}

// Complete sends the composed prompt and returns the assistant reply.
func (c *Client) Complete(ctx context.Context, systemPrompt string, messages []Message, opts Options) (*Reply, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := json.Marshal(c.buildRequest(systemPrompt, messages, opts))
	if err != nil {
		return nil, fmt.Errorf("llm: encoding request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if c.cfg.OnRetry != nil {
				c.cfg.OnRetry(attempt, lastErr.Error())
			}
		}

		reply, retryAfter, err := c.doRequest(ctx, body)
		if err == nil {
			return reply, nil
		}

		var badReq *BadRequestError
		if errors.As(err, &badReq) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, backoff(attempt, retryAfter)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// doRequest performs one HTTP attempt. retryAfter is non-zero when the
// provider sent a Retry-After header on a 429.
func (c *Client) doRequest(ctx context.Context, body []byte) (*Reply, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("llm: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("llm: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("llm: reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		reply, err := decodeReply(respBody)
		return reply, 0, err

	case resp.StatusCode == http.StatusTooManyRequests:
		var after time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		return nil, after, fmt.Errorf("%w: %s", ErrRateLimited, truncateBody(respBody))

	case resp.StatusCode >= 500:
		return nil, 0, fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, truncateBody(respBody))

	default:
		return nil, 0, &BadRequestError{Status: resp.StatusCode, Message: truncateBody(respBody)}
	}
}

// ─── Wire format ─────────────────────────────────────────────────────────────

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) buildRequest(systemPrompt string, messages []Message, opts Options) wireRequest {
	req := wireRequest{
		Model:       c.cfg.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if systemPrompt != "" {
		req.Messages = append(req.Messages, wireMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		req.Messages = append(req.Messages, wm)
	}
	for _, t := range opts.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, wt)
	}
	return req
}

func decodeReply(body []byte) (*Reply, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("llm: decoding response: %w", err)
	}
	if wr.Error != nil {
		return nil, fmt.Errorf("llm: provider error: %s", wr.Error.Message)
	}
	if len(wr.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty response")
	}

	msg := wr.Choices[0].Message
	reply := &Reply{
		Content:   msg.Content,
		TokensIn:  wr.Usage.PromptTokens,
		TokensOut: wr.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}

// backoff returns the delay before the next attempt: the provider's
// Retry-After when given, otherwise exponential from 500ms.
func backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	return time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateBody(b []byte) string {
	const max = 300
	s := string(b)
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

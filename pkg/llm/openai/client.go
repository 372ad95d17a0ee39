package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/nostragent/pkg/llm"
)

var _ llm.Provider = (*Client)(nil)

// Client implements llm.Provider for OpenAI-compatible chat completion APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

func New(config *llm.Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
	}
}

// APIError is a non-200 answer from the completions endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []requestMessage  `json:"messages"`
	Tools          []llm.Tool        `json:"tools,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    *float32          `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// wireToolCall is a tool call as the API encodes it: arguments are a JSON
// document inside a string.
type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func toWire(calls []llm.ToolCall) []wireToolCall {
	out := make([]wireToolCall, len(calls))
	for i, tc := range calls {
		out[i].ID = tc.ID
		out[i].Type = tc.Type
		out[i].Function.Name = tc.Function.Name
		args := string(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out[i].Function.Arguments, _ = json.Marshal(args)
	}
	return out
}

// fromWire unwraps string-encoded arguments. Some compatible servers send
// the arguments object directly, which is kept as is.
func fromWire(calls []wireToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		var s string
		if json.Unmarshal(args, &s) == nil {
			args = json.RawMessage(s)
		}
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out[i] = llm.ToolCall{
			ID:       tc.ID,
			Type:     tc.Type,
			Function: llm.FunctionCall{Name: tc.Function.Name, Arguments: args},
		}
	}
	return out
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) buildRequest(messages []llm.Message, tools []llm.Tool, opts llm.CallOptions) chatRequest {
	req := chatRequest{
		Model:     c.config.Model,
		Messages:  make([]requestMessage, len(messages)),
		Tools:     tools,
		MaxTokens: c.config.MaxTokens,
	}
	for i, msg := range messages {
		rm := requestMessage{Role: msg.Role, Content: msg.Content}
		switch {
		case msg.Role == "tool" && len(msg.Tools) > 0:
			// Tool results carry the call they answer in Tools[0].
			rm.ToolCallID = msg.Tools[0].ID
		case len(msg.Tools) > 0:
			rm.ToolCalls = toWire(msg.Tools)
		}
		req.Messages[i] = rm
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		req.Temperature = &temp
	}
	if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	}
	if opts.JSON {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	return req
}

// Complete sends a chat completion request. Rate limits and server errors
// are retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool, opts ...llm.Option) (*llm.Response, error) {
	body, err := json.Marshal(c.buildRequest(messages, tools, llm.Apply(opts...)))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	delay := c.retryDelay
	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, body)
		var apiErr *APIError
		if err == nil || attempt >= c.maxRetries || !errors.As(err, &apiErr) || !apiErr.Temporary() {
			return resp, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (c *Client) do(ctx context.Context, body []byte) (*llm.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	msg := chatResp.Choices[0].Message
	return &llm.Response{
		Content:   msg.Content,
		ToolCalls: fromWire(msg.ToolCalls),
		Usage: llm.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		},
	}, nil
}

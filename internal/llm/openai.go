package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/nudge/internal/config"
	"github.com/nugget/nudge/internal/httpkit"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIClient talks to the OpenAI Responses API. Conversation state
// lives on the server and is addressed by previous_response_id.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a Responses API client. A zero timeout leaves
// request lifetime entirely to ctx.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	// Reasoning models can think for a long time before the first
	// header arrives.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// Responses API wire types

type openaiRequest struct {
	Model              string        `json:"model"`
	Instructions       string        `json:"instructions,omitempty"`
	Input              []openaiInput `json:"input"`
	PreviousResponseID string        `json:"previous_response_id,omitempty"`
	Tools              []openaiTool  `json:"tools,omitempty"`
	ToolChoice         string        `json:"tool_choice,omitempty"`
	Store              bool          `json:"store"`
}

type openaiInput struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Output  string `json:"output,omitempty"`
}

type openaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openaiResponse struct {
	ID     string         `json:"id"`
	Model  string         `json:"model"`
	Output []openaiOutput `json:"output"`
	Usage  openaiUsage    `json:"usage"`
}

type openaiOutput struct {
	Type      string          `json:"type"`
	Role      string          `json:"role,omitempty"`
	Content   []openaiContent `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
}

type openaiContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type openaiUsage struct {
	InputTokens        int `json:"input_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Respond submits req to /v1/responses.
func (c *OpenAIClient) Respond(ctx context.Context, req *Request) (*Response, error) {
	body := buildOpenAIRequest(req)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"input_items", len(body.Input),
		"tools", len(body.Tools),
		"continued", req.PreviousResponseID != "",
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 8192)
		c.logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
		return nil, classifyStatus(resp.StatusCode, resp.Header, errBody)
	}

	var wire openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := convertOpenAIResponse(&wire)
	c.logger.Debug("response received",
		"response_id", out.ID,
		"model", out.Model,
		"text_segments", len(out.Text),
		"tool_calls", len(out.ToolCalls),
		"input_tokens", out.Usage.InputTokens,
		"cached_tokens", out.Usage.CachedInputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}

func buildOpenAIRequest(req *Request) openaiRequest {
	body := openaiRequest{
		Model:              req.Model,
		Instructions:       req.Instructions,
		PreviousResponseID: req.PreviousResponseID,
		ToolChoice:         req.ToolChoice,
		Store:              true,
	}
	for _, item := range req.Input {
		switch item.Kind {
		case ItemToolOutput:
			body.Input = append(body.Input, openaiInput{
				Type:   "function_call_output",
				CallID: item.CallID,
				Output: item.Output,
			})
		default:
			body.Input = append(body.Input, openaiInput{
				Type:    "message",
				Role:    item.Role,
				Content: item.Text,
			})
		}
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if len(body.Tools) == 0 {
		body.ToolChoice = ""
	}
	return body
}

func convertOpenAIResponse(wire *openaiResponse) *Response {
	out := &Response{
		ID:    wire.ID,
		Model: wire.Model,
		Usage: Usage{
			InputTokens:       wire.Usage.InputTokens,
			CachedInputTokens: wire.Usage.InputTokensDetails.CachedTokens,
			OutputTokens:      wire.Usage.OutputTokens,
			TotalTokens:       wire.Usage.TotalTokens,
		},
	}
	for _, o := range wire.Output {
		switch o.Type {
		case "message":
			for _, c := range o.Content {
				if c.Type == "output_text" && strings.TrimSpace(c.Text) != "" {
					out.Text = append(out.Text, c.Text)
				}
			}
		case "function_call":
			args := json.RawMessage(o.Arguments)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				CallID:    o.CallID,
				Name:      o.Name,
				Arguments: args,
			})
		}
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Package llm talks to an OpenAI-compatible chat completion service.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrStreamError   = errors.New("stream error")
)

// Client handles communication with the chat completion API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Stream sends a streaming chat request. Text deltas are passed to onText as
// they arrive; the completed turn, with tool calls in emission order, is
// returned once the stream ends.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onText func(string)) (*Turn, error) {
	req.Stream = true
	if len(req.Tools) > 0 && req.ToolMode == "" {
		req.ToolMode = "auto"
	}
	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return c.processStream(ctx, body, onText)
}

// StreamText is Stream without tools, for callers that only want raw text.
func (c *Client) StreamText(ctx context.Context, req ChatRequest, onText func(string)) error {
	req.Tools = nil
	req.ToolMode = ""
	_, err := c.Stream(ctx, req, onText)
	return err
}

// Complete sends a non-streaming request and returns the first choice.
func (c *Client) Complete(ctx context.Context, req any) (*Delta, error) {
	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp ChatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrStreamError, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Error.Message)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("%w: no choices in response", ErrStreamError)
	}
	return resp.Choices[0].Message, nil
}

func (c *Client) post(ctx context.Context, payload any) (io.ReadCloser, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("llm request", "url", c.baseURL+"/chat/completions", "bytes", len(bodyBytes))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("llm api error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// processStream reads SSE chunks until [DONE] or EOF.
func (c *Client) processStream(ctx context.Context, reader io.Reader, onText func(string)) (*Turn, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	// Tool calls arrive in pieces keyed by index.
	toolCalls := make(map[int]*ToolCall)
	var text strings.Builder
	turn := &Turn{}

	finish := func() *Turn {
		turn.Text = text.String()
		idx := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			turn.ToolCalls = append(turn.ToolCalls, *toolCalls[i])
		}
		return turn
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return finish(), nil
		}

		var resp ChatResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue // Skip malformed chunks
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: %s", ErrStreamError, resp.Error.Message)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			turn.FinishReason = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			delta = choice.Message
		}
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onText != nil {
				onText(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			if existing, ok := toolCalls[tc.Index]; ok && tc.ID == "" {
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				existing.Function.Arguments += tc.Function.Arguments
				continue
			}
			call := tc
			toolCalls[tc.Index] = &call
		}
	}

	if err := scanner.Err(); err != nil {
		// A cancelled request closes the body; report the cancellation.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrStreamError, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.logger.Debug("llm stream ended without [DONE]", "tool_calls", len(toolCalls))
	return finish(), nil
}

// Package client talks to the photoedit server. It implements the
// collaborator interfaces of the editor over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"photoedit/internal/agent"
	"photoedit/internal/imagegen"
	"photoedit/internal/models"
	"photoedit/internal/tips"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrStreamEnded = errors.New("stream ended early")
)

// Client handles communication with the photoedit server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient, logger: logger}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// apiError reads the {"error": ...} body of a failed response.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

// StreamAgent posts an agent request and passes every streamed event to fn.
func (c *Client) StreamAgent(ctx context.Context, req agent.StreamRequest, fn func(agent.Event)) error {
	const op = "client.StreamAgent"
	resp, err := c.do(ctx, http.MethodPost, "/api/agent", req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", op, apiError(resp))
	}

	ended := false
	err = agent.Decode(resp.Body, func(e agent.Event) bool {
		fn(e)
		ended = e.Terminal()
		return !ended
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ended {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", op, ErrStreamEnded)
	}
	return nil
}

// ResetSession drops the server-side chat history of a project.
func (c *Client) ResetSession(ctx context.Context, projectID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/agent/session/"+url.PathEscape(projectID), nil)
	if err != nil {
		return fmt.Errorf("client.ResetSession: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("client.ResetSession: %w", apiError(resp))
	}
	return nil
}

// StreamTips implements tips.Streamer over the tips endpoint.
func (c *Client) StreamTips(ctx context.Context, req tips.Request, yield func(models.Tip)) error {
	const op = "client.StreamTips"
	resp, err := c.do(ctx, http.MethodPost, "/api/tips", req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", op, apiError(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var rec struct {
			models.Tip
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			c.logger.Debug("skipping malformed tip record", "error", err)
			continue
		}
		if rec.Error != "" {
			return fmt.Errorf("%s: %s", op, rec.Error)
		}
		yield(rec.Tip)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", op, ErrStreamEnded)
}

// Generate implements imagegen.Synthesizer over the preview endpoint.
func (c *Client) Generate(ctx context.Context, req imagegen.Request) (string, error) {
	const op = "client.Generate"
	resp, err := c.do(ctx, http.MethodPost, "/api/preview", map[string]any{
		"images":      req.Images,
		"prompt":      req.Prompt,
		"aspectRatio": req.AspectRatio,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%s: %w", op, imagegen.ErrNoImage)
	default:
		return "", fmt.Errorf("%s: %w", op, apiError(resp))
	}

	var out struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	if out.Image == "" {
		return "", fmt.Errorf("%s: %w", op, imagegen.ErrNoImage)
	}
	return out.Image, nil
}

// Upload sends a photo file and returns the normalized image reference.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	const op = "client.Upload"
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &body)
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %w", op, apiError(resp))
	}

	var out struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	return out.Image, nil
}

// GetProject loads a stored project for restore.
func (c *Client) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	const op = "client.GetProject"
	resp, err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %w", op, apiError(resp))
	}

	var p models.Project
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &p, nil
}

// Package imagegen invokes the image-synthesis service.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"photoedit/internal/imageref"
	"photoedit/internal/llm"
)

// ErrNoImage means the service answered but produced no image.
var ErrNoImage = errors.New("no image in response")

type Request struct {
	Images      []string // edit base first, then references
	Prompt      string
	AspectRatio string
}

// Synthesizer renders an edit instruction against one or more images.
type Synthesizer interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Completer is the subset of llm.Client used for image-capable models.
type Completer interface {
	Complete(ctx context.Context, req any) (*llm.Delta, error)
}

// Client renders through an OpenRouter-style chat endpoint with image output.
type Client struct {
	api     Completer
	model   string
	system  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(api Completer, model, systemPrompt string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, model: model, system: systemPrompt, timeout: timeout, logger: logger}
}

type imageRequest struct {
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Modalities  []string      `json:"modalities"`
	Temperature float64       `json:"temperature"`
	Messages    []llm.Message `json:"messages"`
	ImageConfig *imageConfig  `json:"image_config,omitempty"`
}

type imageConfig struct {
	AspectRatio string `json:"aspect_ratio"`
}

func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	const op = "imagegen.Generate"
	if len(req.Images) == 0 {
		return "", fmt.Errorf("%s: no input image", op)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	parts := make([]llm.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, llm.ImagePart(imageref.DataURL(img)))
	}
	parts = append(parts, llm.TextPart(req.Prompt))

	body := imageRequest{
		Model:       c.model,
		Modalities:  []string{"image", "text"},
		Temperature: 1.0,
	}
	if c.system != "" {
		body.Messages = append(body.Messages, llm.Message{Role: "system", Content: llm.Text(c.system)})
	}
	body.Messages = append(body.Messages, llm.Message{Role: "user", Content: llm.Parts(parts...)})
	if req.AspectRatio != "" {
		body.ImageConfig = &imageConfig{AspectRatio: req.AspectRatio}
	}

	start := time.Now()
	msg, err := c.api.Complete(ctx, body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	for _, img := range msg.Images {
		url := img.URL
		if img.ImageURL != nil && img.ImageURL.URL != "" {
			url = img.ImageURL.URL
		}
		if url != "" {
			c.logger.Info("image generated", "images_in", len(req.Images), "elapsed", time.Since(start))
			return url, nil
		}
	}
	return "", fmt.Errorf("%s: %w", op, ErrNoImage)
}

// WithReferences renders on current while showing original as an identity
// reference. If the two-image call fails it falls back to a single-image call
// on current; fallback reports that the reference was dropped.
func WithReferences(ctx context.Context, s Synthesizer, current, original, prompt, aspectRatio string) (img string, fallback bool, err error) {
	labels := strings.Join([]string{
		"[Image 1: current edit version (edit base)]",
		"[Image 2: original photo (face and identity reference only)]",
	}, "\n")
	img, err = s.Generate(ctx, Request{
		Images:      []string{current, original},
		Prompt:      labels + "\n\n" + prompt,
		AspectRatio: aspectRatio,
	})
	if err == nil {
		return img, false, nil
	}
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	img, err = s.Generate(ctx, Request{Images: []string{current}, Prompt: prompt, AspectRatio: aspectRatio})
	return img, true, err
}

// Retryable reports whether a failed call is worth reissuing. Cancellation
// and a definitive "no image" answer are not; timeouts and service errors are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNoImage)
}

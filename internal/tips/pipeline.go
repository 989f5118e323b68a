// Package tips generates edit suggestions for an image: one streamed request
// per category, each scanned incrementally so tips surface as soon as their
// JSON object closes.
package tips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"photoedit/internal/models"
)

type Pipeline struct {
	src     Streamer
	retries uint64
	backoff time.Duration
	logger  *slog.Logger
}

// NewPipeline retries a failing category up to retries times, waiting
// backoff, then twice backoff, and so on between attempts.
func NewPipeline(src Streamer, retries int, backoff time.Duration, logger *slog.Logger) *Pipeline {
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{src: src, retries: uint64(retries), backoff: backoff, logger: logger}
}

// Run streams every category concurrently and returns when all of them have
// finished or been abandoned. yield is never called concurrently and never
// sees two tips with the same edit prompt. The returned error lists the
// abandoned categories; the other categories are unaffected by it.
func (p *Pipeline) Run(ctx context.Context, image string, meta *models.PhotoMetadata, cats []models.Category, yield func(models.Tip)) error {
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		errs error
		wg   sync.WaitGroup
	)
	emit := func(t models.Tip) {
		mu.Lock()
		defer mu.Unlock()
		if seen[t.EditPrompt] {
			return
		}
		seen[t.EditPrompt] = true
		yield(t)
	}

	for _, cat := range cats {
		wg.Add(1)
		go func(cat models.Category) {
			defer wg.Done()
			if err := p.category(ctx, Request{Image: image, Category: cat, Metadata: meta}, emit); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", cat, err))
				mu.Unlock()
			}
		}(cat)
	}
	wg.Wait()
	return errs
}

func (p *Pipeline) category(ctx context.Context, req Request, emit func(models.Tip)) error {
	b := retry.WithMaxRetries(p.retries, retry.NewFibonacci(p.backoff))
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := p.src.StreamTips(ctx, req, emit)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return err
		}
		p.logger.Warn("tips category failed", "category", req.Category, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("tips category abandoned", "category", req.Category, "attempts", attempt, "error", err)
	}
	return err
}

// PreviewMode decides which yielded tips get a preview rendered right away.
type PreviewMode int

const (
	// PreviewFull previews every tip.
	PreviewFull PreviewMode = iota
	// PreviewSelective previews the first enhance tip and the first wild tip.
	PreviewSelective
	// PreviewNone previews nothing.
	PreviewNone
)

func (m PreviewMode) String() string {
	switch m {
	case PreviewSelective:
		return "selective"
	case PreviewNone:
		return "none"
	}
	return "full"
}

// Selector applies a PreviewMode to one pipeline run. It is not safe for
// concurrent use; feed it from the pipeline's yield.
type Selector struct {
	mode PreviewMode
	seen map[models.Category]bool
}

func NewSelector(mode PreviewMode) *Selector {
	return &Selector{mode: mode, seen: make(map[models.Category]bool)}
}

func (s *Selector) Select(t models.Tip) bool {
	switch s.mode {
	case PreviewNone:
		return false
	case PreviewSelective:
		if t.Category != models.CategoryEnhance && t.Category != models.CategoryWild {
			return false
		}
		if s.seen[t.Category] {
			return false
		}
		s.seen[t.Category] = true
		return true
	}
	return true
}

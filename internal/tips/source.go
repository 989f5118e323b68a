package tips

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"photoedit/internal/imageref"
	"photoedit/internal/llm"
	"photoedit/internal/models"
)

// Request asks for the tips of one category.
type Request struct {
	Image    string                `json:"image"`
	Category models.Category       `json:"category"`
	Metadata *models.PhotoMetadata `json:"metadata,omitempty"`
}

// Streamer produces the tips of one category, calling yield as each completes.
type Streamer interface {
	StreamTips(ctx context.Context, req Request, yield func(models.Tip)) error
}

// TextStreamer is the chat capability LLMSource needs.
type TextStreamer interface {
	StreamText(ctx context.Context, req llm.ChatRequest, onText func(string)) error
}

// LLMSource asks a vision chat model for tips and scans its streamed reply.
type LLMSource struct {
	api    TextStreamer
	model  string
	logger *slog.Logger
}

func NewLLMSource(api TextStreamer, model string, logger *slog.Logger) *LLMSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMSource{api: api, model: model, logger: logger}
}

var categoryBriefs = map[models.Category]string{
	models.CategoryEnhance:  "enhance: professional improvements to light, color, sharpness and composition that keep the photo believable",
	models.CategoryCreative: "creative: playful additions that fit the scene, such as props, weather or stylized touches",
	models.CategoryWild:     "wild: bold, surprising transformations of the whole scene that are still recognizably this photo",
}

const formatSuffix = `Reply with a JSON array only, no other text:
[{"emoji":"one emoji","label":"2-4 words, verb first","desc":"one short sentence","editPrompt":"detailed English editing prompt","category":"%s","aspectRatio":"optional, only for recomposition, e.g. 4:5"}]`

func categoryPrompt(cat models.Category, meta *models.PhotoMetadata) (system, user string) {
	system = fmt.Sprintf("You are a photo editing suggestion expert. Study the image and write 2 suggestions of the %s kind. "+
		"The editPrompt must be in English and extremely specific. Preserve the identity of every person.", cat)

	var b strings.Builder
	fmt.Fprintf(&b, "Category %s.\n", categoryBriefs[cat])
	if !meta.Empty() {
		if meta.TakenAt != "" {
			fmt.Fprintf(&b, "Taken at: %s\n", meta.TakenAt)
		}
		if meta.Location != "" {
			fmt.Fprintf(&b, "Location: %s\n", meta.Location)
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, formatSuffix, cat)
	return system, b.String()
}

func (s *LLMSource) StreamTips(ctx context.Context, req Request, yield func(models.Tip)) error {
	const op = "tips.StreamTips"
	if !req.Category.Valid() {
		return fmt.Errorf("%s: unknown category %q", op, req.Category)
	}
	if req.Image == "" {
		return fmt.Errorf("%s: %w", op, imageref.ErrInvalid)
	}

	system, user := categoryPrompt(req.Category, req.Metadata)
	var sc Scanner
	err := s.api.StreamText(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "system", Content: llm.Text(system)},
			{Role: "user", Content: llm.Parts(llm.ImagePart(imageref.DataURL(req.Image)), llm.TextPart(user))},
		},
		MaxTokens: 2048,
	}, func(delta string) {
		for _, t := range sc.Feed(delta) {
			yield(t)
		}
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Debug("tips stream finished", "category", req.Category, "objects", sc.emitted)
	return nil
}

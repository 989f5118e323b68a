package tips

import (
	"context"
	"fmt"
	"time"

	"photoedit/internal/models"
)

var mockTips = map[models.Category][]models.Tip{
	models.CategoryEnhance: {
		{Emoji: "🌅", Label: "Cinematic light", Desc: "Deeper contrast for a film look.", EditPrompt: "Enhance with cinematic lighting, add a warm golden hour glow, increase contrast between highlights and shadows.", Category: models.CategoryEnhance},
		{Emoji: "📷", Label: "Film grain", Desc: "Soft grain and vintage tones.", EditPrompt: "Apply an analog film look with soft grain, slightly faded blacks and warm vintage color grading.", Category: models.CategoryEnhance},
	},
	models.CategoryCreative: {
		{Emoji: "🦋", Label: "Add a butterfly", Desc: "A blue butterfly lands on the shoulder.", EditPrompt: "Add a photorealistic blue morpho butterfly perched on the shoulder, with natural shadow and lighting matching the scene.", Category: models.CategoryCreative},
		{Emoji: "🌸", Label: "Falling petals", Desc: "Pink petals drift through the frame.", EditPrompt: "Add several photorealistic pink cherry blossom petals gently falling through the scene with natural depth of field blur.", Category: models.CategoryCreative},
	},
	models.CategoryWild: {
		{Emoji: "🔮", Label: "Miniature world", Desc: "The scene becomes a tiny model.", EditPrompt: "Transform the entire scene into a tilt-shift miniature model with exaggerated depth of field and saturated colors.", Category: models.CategoryWild},
		{Emoji: "🌊", Label: "Go underwater", Desc: "Everything sinks into a dreamy sea.", EditPrompt: "Transform the scene to appear submerged underwater with light rays filtering from above, floating bubbles and caustic light patterns.", Category: models.CategoryWild},
	},
}

// Mock streams a fixed set of tips per category, one every Delay.
type Mock struct {
	Delay time.Duration
}

func (m Mock) StreamTips(ctx context.Context, req Request, yield func(models.Tip)) error {
	const op = "tips.Mock"
	list, ok := mockTips[req.Category]
	if !ok {
		return fmt.Errorf("%s: unknown category %q", op, req.Category)
	}
	for _, t := range list {
		if m.Delay > 0 {
			timer := time.NewTimer(m.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		yield(t)
	}
	return nil
}

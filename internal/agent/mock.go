package agent

import (
	"context"
	"time"

	"photoedit/internal/llm"
)

const (
	mockPhotoReply = "What a lovely photo! The framing feels natural and the colors sit well together. I picked a few edits you can preview from the cards below."
	mockReply      = "Sure, on it."
)

// MockChat is an offline ChatModel. It streams a canned reply in small
// chunks and never calls tools, so every run ends after one turn.
type MockChat struct {
	Delay time.Duration
}

func (m MockChat) Stream(ctx context.Context, req llm.ChatRequest, onText func(string)) (*llm.Turn, error) {
	text := mockReply
	if n := len(req.Messages); n > 0 && hasImage(req.Messages[n-1]) {
		text = mockPhotoReply
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i += 3 {
		if m.Delay > 0 {
			timer := time.NewTimer(m.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		onText(string(runes[i:min(i+3, len(runes))]))
	}
	return &llm.Turn{Text: text, FinishReason: "stop"}, nil
}

func hasImage(msg llm.Message) bool {
	for _, p := range msg.Content.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

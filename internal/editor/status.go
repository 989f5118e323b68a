package editor

import (
	"fmt"

	"photoedit/internal/models"
)

const (
	StatusGreeting    = "Hi! How would you like to edit this photo?"
	StatusThinking    = "Thinking..."
	StatusAnalyzing   = "Analyzing image..."
	StatusFindingTips = "Finding interesting possibilities..."
	StatusImageReady  = "Image generated"
)

// StatusInput is everything the status line depends on, for the snapshot
// whose tips are on screen.
type StatusInput struct {
	AgentActive  bool
	AgentStatus  string
	TipsFetching bool
	Tips         []models.Tip
	Baseline     int
	// Idle replaces the greeting once something better is known, e.g. a teaser.
	Idle string
}

// DeriveStatus picks the status line. The agent wins over tip generation,
// which wins over preview progress, which wins over the idle text.
func DeriveStatus(in StatusInput) string {
	if in.AgentActive {
		if in.AgentStatus != "" {
			return in.AgentStatus
		}
		return StatusThinking
	}
	if in.TipsFetching {
		return StatusFindingTips
	}
	if x, y := PreviewProgress(in.Tips, in.Baseline); y > x {
		return fmt.Sprintf("Rendering previews %d of %d", x, y)
	}
	if in.Idle != "" {
		return in.Idle
	}
	return StatusGreeting
}

// PreviewProgress returns x done since baseline and y = x + previews still in
// flight, counting those queued behind the concurrency limit. x is clamped at zero: previews settling out of order can briefly
// leave fewer done than the baseline.
func PreviewProgress(tips []models.Tip, baseline int) (x, y int) {
	x = max(countStatus(tips, models.PreviewDone)-baseline, 0)
	return x, x + countStatus(tips, models.PreviewPending, models.PreviewGenerating)
}

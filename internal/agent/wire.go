package agent

import (
	"errors"
	"fmt"

	"photoedit/internal/models"
)

// Kind names what a streamed agent request is for.
type Kind string

const (
	KindChat          Kind = "chat"
	KindAnalysis      Kind = "analysis"
	KindReaction      Kind = "reaction"
	KindTeaser        Kind = "teaser"
	KindNaming        Kind = "naming"
	KindPreviewsReady Kind = "previews_ready"
)

var ErrBadRequest = errors.New("bad agent request")

// StreamRequest is the body of an agent stream request.
type StreamRequest struct {
	Kind          Kind                `json:"kind"`
	ProjectID     string              `json:"projectId"`
	Prompt        string              `json:"prompt,omitempty"`
	Image         string              `json:"image,omitempty"`
	OriginalImage string              `json:"originalImage,omitempty"`
	PostEdit      bool                `json:"postEdit,omitempty"`
	CommittedTip  *models.TipSummary  `json:"committedTip,omitempty"`
	Tips          []models.TipSummary `json:"tips,omitempty"`
	Description   string              `json:"description,omitempty"`
}

// Resolve turns a wire request into a run request with its mode and prompt.
func (r StreamRequest) Resolve() (Request, error) {
	const op = "agent.Resolve"
	if r.ProjectID == "" {
		return Request{}, fmt.Errorf("%s: %w: projectId is required", op, ErrBadRequest)
	}
	needImage := func() error {
		if r.Image == "" {
			return fmt.Errorf("%s: %w: image is required for %s", op, ErrBadRequest, r.Kind)
		}
		return nil
	}

	switch r.Kind {
	case KindChat, "":
		if err := needImage(); err != nil {
			return Request{}, err
		}
		if r.Prompt == "" {
			return Request{}, fmt.Errorf("%s: %w: prompt is required", op, ErrBadRequest)
		}
		return Request{Prompt: r.Prompt, Image: r.Image, Original: r.OriginalImage, Mode: ModeChat}, nil
	case KindAnalysis:
		if err := needImage(); err != nil {
			return Request{}, err
		}
		return Request{Prompt: AnalysisPrompt(r.PostEdit), Image: r.Image, Mode: ModeAnalysis}, nil
	case KindReaction:
		if r.CommittedTip == nil {
			return Request{}, fmt.Errorf("%s: %w: committedTip is required", op, ErrBadRequest)
		}
		return Request{Prompt: ReactionPrompt(*r.CommittedTip, r.Tips), Image: r.Image, Mode: ModeReaction}, nil
	case KindTeaser:
		if len(r.Tips) == 0 {
			return Request{}, fmt.Errorf("%s: %w: tips are required", op, ErrBadRequest)
		}
		return Request{Prompt: TeaserPrompt(r.Tips), Mode: ModeReaction}, nil
	case KindPreviewsReady:
		if len(r.Tips) == 0 {
			return Request{}, fmt.Errorf("%s: %w: tips are required", op, ErrBadRequest)
		}
		return Request{Prompt: PreviewsReadyPrompt(r.Tips), Mode: ModeReaction}, nil
	case KindNaming:
		if r.Description == "" {
			return Request{}, fmt.Errorf("%s: %w: description is required", op, ErrBadRequest)
		}
		return Request{Prompt: NamingPrompt(r.Description), Mode: ModeReaction}, nil
	}
	return Request{}, fmt.Errorf("%s: %w: unknown kind %q", op, ErrBadRequest, r.Kind)
}

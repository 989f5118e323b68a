// internal/models/models.go
package models

import "time"

// Category is the fixed set of suggestion kinds.
type Category string

const (
	CategoryEnhance  Category = "enhance"
	CategoryCreative Category = "creative"
	CategoryWild     Category = "wild"
)

// Categories returns every category in request order.
func Categories() []Category {
	return []Category{CategoryEnhance, CategoryCreative, CategoryWild}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryEnhance, CategoryCreative, CategoryWild:
		return true
	}
	return false
}

// PreviewStatus tracks speculative rendering of one tip.
type PreviewStatus string

const (
	PreviewNone       PreviewStatus = "none"
	PreviewPending    PreviewStatus = "pending"
	PreviewGenerating PreviewStatus = "generating"
	PreviewDone       PreviewStatus = "done"
	PreviewError      PreviewStatus = "error"
	// PreviewCancelled is terminal for the batch that was cancelled; a later
	// selection may start a fresh attempt.
	PreviewCancelled PreviewStatus = "cancelled"
)

// Settled reports whether no call is outstanding for the status.
func (s PreviewStatus) Settled() bool {
	switch s {
	case PreviewDone, PreviewError, PreviewCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a tip may move from one preview status to another.
func CanTransition(from, to PreviewStatus) bool {
	if from == "" {
		from = PreviewNone
	}
	switch from {
	case PreviewNone:
		return to == PreviewPending || to == PreviewNone
	case PreviewPending:
		return to == PreviewGenerating || to == PreviewCancelled
	case PreviewGenerating:
		return to == PreviewDone || to == PreviewError || to == PreviewCancelled
	case PreviewError, PreviewCancelled:
		return to == PreviewPending
	}
	return false
}

type Tip struct {
	Emoji        string        `json:"emoji"`
	Label        string        `json:"label"`
	Desc         string        `json:"desc"`
	EditPrompt   string        `json:"editPrompt"`
	Category     Category      `json:"category"`
	AspectRatio  string        `json:"aspectRatio,omitempty"`
	PreviewImage string        `json:"previewImage,omitempty"`
	Status       PreviewStatus `json:"previewStatus,omitempty"`
}

// Persistable drops the preview sub-record, which is not stored with the tip list.
func (t Tip) Persistable() Tip {
	t.PreviewImage = ""
	t.Status = ""
	return t
}

// TipSummary is the short form handed to the model when it comments on tips.
type TipSummary struct {
	Emoji    string   `json:"emoji"`
	Label    string   `json:"label"`
	Desc     string   `json:"desc"`
	Category Category `json:"category"`
}

func (t Tip) Summary() TipSummary {
	return TipSummary{Emoji: t.Emoji, Label: t.Label, Desc: t.Desc, Category: t.Category}
}

type PhotoMetadata struct {
	TakenAt  string `json:"takenAt,omitempty"`
	Location string `json:"location,omitempty"`
}

func (m *PhotoMetadata) Empty() bool {
	return m == nil || (m.TakenAt == "" && m.Location == "")
}

type Snapshot struct {
	ID          string         `json:"id"`
	Image       string         `json:"image"`
	Tips        []Tip          `json:"tips"`
	MessageID   string         `json:"messageId"`
	Description string         `json:"description,omitempty"`
	Metadata    *PhotoMetadata `json:"metadata,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Image      string    `json:"image,omitempty"`
	EditPrompt string    `json:"editPrompt,omitempty"`
	SnapshotID string    `json:"snapshotId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Project is a stored editing session, as returned for restore.
type Project struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	Snapshots []Snapshot `json:"snapshots"`
	Messages  []Message  `json:"messages"`
}

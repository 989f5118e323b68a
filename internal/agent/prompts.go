package agent

import (
	"fmt"
	"strings"

	"photoedit/internal/models"
)

// SystemPrompt is used when the runner is not given one.
const SystemPrompt = `You are a friendly photo editing assistant. The user shares a photo and asks for changes in plain language.
Use analyze_image when you need to look at the current photo before answering.
Use generate_image to perform an edit; write the editPrompt in detailed English and describe only what should change.
Set useOriginalAsReference when faces or fine details drifted in earlier edits and the original should guide the restore.
Keep replies short and conversational. Never describe an edit as done unless generate_image reported success.`

const (
	analysisInitial  = "Describe what is in this photo in one or two sentences, like a friend sharing it. Start directly with the subject. Do not open with phrases like \"let me take a look\"."
	analysisPostEdit = "The edit is finished. Start with \"After the edit,\" and describe the overall look and mood of the image now in one sentence. Go straight to the result."
)

// AnalysisPrompt is the fixed instruction for analysis-mode runs.
func AnalysisPrompt(postEdit bool) string {
	if postEdit {
		return analysisPostEdit
	}
	return analysisInitial
}

// ReactionPrompt asks for a short remark after the user committed a tip.
func ReactionPrompt(committed models.TipSummary, siblings []models.TipSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user just applied the suggestion %s %q (%s): %s.\n", committed.Emoji, committed.Label, committed.Category, committed.Desc)
	b.WriteString("The new image is attached. React in one or two sentences as a friend would")
	if len(siblings) > 0 {
		b.WriteString(", and mention one of the other suggestions they could try next:\n")
		writeTipList(&b, siblings)
	} else {
		b.WriteString(".\n")
	}
	return b.String()
}

// TeaserPrompt asks for one sentence that invites the user to look at fresh tips.
func TeaserPrompt(tips []models.TipSummary) string {
	var b strings.Builder
	b.WriteString("These edit suggestions were just prepared for the user's photo:\n")
	writeTipList(&b, tips)
	b.WriteString("Write one short sentence teasing the most interesting one. No lists, no quotes.")
	return b.String()
}

// PreviewsReadyPrompt asks for a note once previews of a snapshot have rendered.
func PreviewsReadyPrompt(tips []models.TipSummary) string {
	var b strings.Builder
	b.WriteString("Previews are ready for these suggestions:\n")
	writeTipList(&b, tips)
	b.WriteString("Tell the user in one or two sentences that they can tap a suggestion to preview it and tap again to apply it.")
	return b.String()
}

// NamingPrompt asks for a project title derived from the first analysis.
func NamingPrompt(description string) string {
	return "Give this photo project a title of at most six words based on this description. Reply with the title only.\n\n" + description
}

func writeTipList(b *strings.Builder, tips []models.TipSummary) {
	for _, t := range tips {
		fmt.Fprintf(b, "- [%s] %s %s: %s\n", t.Category, t.Emoji, t.Label, t.Desc)
	}
}

const (
	historyLimit   = 30
	historyContent = 500
)

// ChatContext is what the client knows when the user sends a chat message.
type ChatContext struct {
	Text        string
	Index       int // snapshot the request applies to
	Total       int // committed snapshots
	Metadata    *models.PhotoMetadata
	Description string // omitted when the user is looking at a draft
	Tips        []models.TipSummary
	History     []models.Message
}

// BuildChatPrompt folds the context blocks into the user prompt of a chat run.
func BuildChatPrompt(c ChatContext) string {
	var b strings.Builder
	if c.Total > 0 && c.Index < c.Total-1 {
		fmt.Fprintf(&b, "[Important] The user is editing version %d of %d, not the latest one. The conversation history describes other versions; rely only on the attached current image.\n\n", c.Index+1, c.Total)
	}
	if !c.Metadata.Empty() {
		b.WriteString("[Photo metadata]\n")
		if c.Metadata.TakenAt != "" {
			fmt.Fprintf(&b, "Taken at: %s\n", c.Metadata.TakenAt)
		}
		if c.Metadata.Location != "" {
			fmt.Fprintf(&b, "Location: %s\n", c.Metadata.Location)
		}
		b.WriteString("\n")
	}
	if c.Description != "" {
		fmt.Fprintf(&b, "[Image analysis]\n%s\n\n", c.Description)
	}
	if len(c.Tips) > 0 {
		b.WriteString("[Suggestions currently shown]\n")
		writeTipList(&b, c.Tips)
		b.WriteString("\n")
	}
	if h := historyBlock(c.History); h != "" {
		fmt.Fprintf(&b, "[Conversation history]\n%s\n\n", h)
	}
	b.WriteString("[Current request]\n")
	b.WriteString(c.Text)
	return b.String()
}

func historyBlock(msgs []models.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" || (m.Role != models.RoleUser && m.Role != models.RoleAssistant) {
			continue
		}
		who := "User"
		if m.Role == models.RoleAssistant {
			who = "Assistant"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", who, truncateRunes(m.Content, historyContent)))
	}
	if len(lines) > historyLimit {
		lines = lines[len(lines)-historyLimit:]
	}
	return strings.Join(lines, "\n")
}

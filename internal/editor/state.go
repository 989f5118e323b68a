package editor

import (
	"maps"
	"slices"

	"photoedit/internal/models"
)

// Draft is the uncommitted next version: the preview of one tip of a
// committed snapshot. It sits at timeline position len(Snapshots).
type Draft struct {
	Parent int
	Tip    int
}

// State is the whole editing session. Values are never mutated in place:
// reducers copy the slices and maps they change, so a State handed out to an
// observer stays valid.
type State struct {
	ProjectName string
	Snapshots   []models.Snapshot
	Draft       *Draft
	ViewIndex   int
	Messages    []models.Message

	TipsFetching map[string]bool
	// Baseline is the done count at the start of the current preview batch.
	Baseline int

	AgentRuns   int
	AgentStatus string

	Teasers  map[string]string
	Notified map[string]bool
}

// Timeline is the committed images followed by the draft preview, if any.
func (s State) Timeline() []string {
	out := make([]string, 0, len(s.Snapshots)+1)
	for _, snap := range s.Snapshots {
		out = append(out, snap.Image)
	}
	if img, ok := s.draftImage(); ok {
		out = append(out, img)
	}
	return out
}

func (s State) draftImage() (string, bool) {
	if s.Draft == nil || s.Draft.Parent >= len(s.Snapshots) {
		return "", false
	}
	tips := s.Snapshots[s.Draft.Parent].Tips
	if s.Draft.Tip >= len(tips) {
		return "", false
	}
	return tips[s.Draft.Tip].PreviewImage, true
}

func (s State) viewingDraft() bool {
	return s.Draft != nil && s.ViewIndex >= len(s.Snapshots)
}

// sourceIndex is the committed snapshot whose tips are on screen: the draft's
// parent while the draft is viewed, else the viewed snapshot.
func (s State) sourceIndex() int {
	if len(s.Snapshots) == 0 {
		return -1
	}
	if s.viewingDraft() {
		return s.Draft.Parent
	}
	return min(s.ViewIndex, len(s.Snapshots)-1)
}

func (s State) source() (models.Snapshot, bool) {
	i := s.sourceIndex()
	if i < 0 {
		return models.Snapshot{}, false
	}
	return s.Snapshots[i], true
}

func (s State) snapshotIndex(id string) int {
	return slices.IndexFunc(s.Snapshots, func(snap models.Snapshot) bool { return snap.ID == id })
}

func (s State) tipIndex(snapshotID, editPrompt string) (int, int) {
	si := s.snapshotIndex(snapshotID)
	if si < 0 {
		return -1, -1
	}
	ti := slices.IndexFunc(s.Snapshots[si].Tips, func(t models.Tip) bool { return t.EditPrompt == editPrompt })
	return si, ti
}

func (s State) messageIndex(id string) int {
	return slices.IndexFunc(s.Messages, func(m models.Message) bool { return m.ID == id })
}

func withKey[V any](m map[string]V, k string, v V) map[string]V {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[string]V)
	}
	out[k] = v
	return out
}

func withoutKey[V any](m map[string]V, k string) map[string]V {
	out := maps.Clone(m)
	delete(out, k)
	return out
}

// uploaded starts a new project from one snapshot.
func uploaded(s State, snap models.Snapshot) State {
	return State{
		ProjectName: s.ProjectName,
		Snapshots:   []models.Snapshot{snap},
	}
}

// restored replaces the session with persisted history. Tips come back
// without previews.
func restored(name string, snaps []models.Snapshot, msgs []models.Message) State {
	out := State{ProjectName: name, Messages: slices.Clone(msgs)}
	out.Snapshots = make([]models.Snapshot, len(snaps))
	notified := make(map[string]bool)
	for i, snap := range snaps {
		tips := make([]models.Tip, len(snap.Tips))
		for j, t := range snap.Tips {
			tips[j] = t.Persistable()
			tips[j].Status = models.PreviewNone
		}
		snap.Tips = tips
		out.Snapshots[i] = snap
		notified[snap.ID] = true
	}
	out.Notified = notified
	out.ViewIndex = max(len(snaps)-1, 0)
	return out
}

func withSnapshot(s State, i int, fn func(*models.Snapshot)) State {
	snaps := slices.Clone(s.Snapshots)
	fn(&snaps[i])
	s.Snapshots = snaps
	return s
}

// appendSnapshot commits snap after the last snapshot, drops any draft and
// views the new snapshot.
func appendSnapshot(s State, snap models.Snapshot) State {
	s.Snapshots = append(slices.Clone(s.Snapshots), snap)
	s.Draft = nil
	s.ViewIndex = len(s.Snapshots) - 1
	return s
}

// appendTip adds t to a snapshot unless a tip with the same edit prompt is
// already there. Tips are routed by edit prompt, so it must be unique.
func appendTip(s State, snapshotID string, t models.Tip) (State, bool) {
	si, ti := s.tipIndex(snapshotID, t.EditPrompt)
	if si < 0 || ti >= 0 {
		return s, false
	}
	return withSnapshot(s, si, func(snap *models.Snapshot) {
		snap.Tips = append(slices.Clone(snap.Tips), t)
	}), true
}

// setPreview moves one tip to status, storing image when it is done. Illegal
// transitions and unknown tips leave s unchanged.
func setPreview(s State, snapshotID, editPrompt string, status models.PreviewStatus, image string) (State, bool) {
	si, ti := s.tipIndex(snapshotID, editPrompt)
	if ti < 0 || !models.CanTransition(s.Snapshots[si].Tips[ti].Status, status) {
		return s, false
	}
	return withSnapshot(s, si, func(snap *models.Snapshot) {
		tips := slices.Clone(snap.Tips)
		tips[ti].Status = status
		if status == models.PreviewDone {
			tips[ti].PreviewImage = image
		}
		snap.Tips = tips
	}), true
}

func setDescription(s State, snapshotID, desc string) State {
	si := s.snapshotIndex(snapshotID)
	if si < 0 {
		return s
	}
	return withSnapshot(s, si, func(snap *models.Snapshot) { snap.Description = desc })
}

func tipsStarted(s State, snapshotID string) State {
	s.TipsFetching = withKey(s.TipsFetching, snapshotID, true)
	s.Baseline = 0
	return s
}

func tipsStopped(s State, snapshotID string) State {
	s.TipsFetching = withoutKey(s.TipsFetching, snapshotID)
	return s
}

func appendMessage(s State, msgs ...models.Message) State {
	s.Messages = append(slices.Clone(s.Messages), msgs...)
	return s
}

func editMessage(s State, id string, fn func(*models.Message)) State {
	i := s.messageIndex(id)
	if i < 0 {
		return s
	}
	msgs := slices.Clone(s.Messages)
	fn(&msgs[i])
	s.Messages = msgs
	return s
}

func removeMessage(s State, id string) State {
	i := s.messageIndex(id)
	if i < 0 {
		return s
	}
	s.Messages = slices.Delete(slices.Clone(s.Messages), i, i+1)
	return s
}

// navigate views timeline position i, clamped. Leaving the draft's position
// keeps the draft; only Dismiss and commits drop it.
func navigate(s State, i int) State {
	n := len(s.Timeline())
	if n == 0 {
		return s
	}
	s.ViewIndex = max(0, min(i, n-1))
	return s
}

func dismiss(s State) State {
	if s.Draft == nil {
		return s
	}
	if s.ViewIndex >= len(s.Snapshots) {
		s.ViewIndex = s.Draft.Parent
	}
	s.Draft = nil
	return s
}

type selectAction int

const (
	selectIgnored selectAction = iota
	selectPreview
	selectDraft
	selectCommit
)

// selectTip decides what a tap on tip i of the on-screen tips does and
// applies the draft part of it. Preview requests and commits are completed
// by the caller.
func selectTip(s State, i int) (State, selectAction) {
	parent := s.sourceIndex()
	if parent < 0 || i < 0 || i >= len(s.Snapshots[parent].Tips) {
		return s, selectIgnored
	}
	tip := s.Snapshots[parent].Tips[i]
	switch tip.Status {
	case models.PreviewDone:
	case models.PreviewNone, models.PreviewCancelled, "":
		return s, selectPreview
	default:
		// pending and generating are inert; failed previews go through retry.
		return s, selectIgnored
	}

	if s.viewingDraft() && s.Draft.Parent == parent && s.Draft.Tip == i {
		return s, selectCommit
	}
	s.Draft = &Draft{Parent: parent, Tip: i}
	s.ViewIndex = len(s.Snapshots)
	return s, selectDraft
}

// previewsSettled reports whether a snapshot has done previews and nothing
// left in flight.
func previewsSettled(snap models.Snapshot) bool {
	done := 0
	for _, t := range snap.Tips {
		switch t.Status {
		case models.PreviewPending, models.PreviewGenerating:
			return false
		case models.PreviewDone:
			done++
		}
	}
	return done > 0
}

func countStatus(tips []models.Tip, statuses ...models.PreviewStatus) int {
	n := 0
	for _, t := range tips {
		if slices.Contains(statuses, t.Status) {
			n++
		}
	}
	return n
}

func summaries(tips []models.Tip, keep func(models.Tip) bool) []models.TipSummary {
	var out []models.TipSummary
	for _, t := range tips {
		if keep == nil || keep(t) {
			out = append(out, t.Summary())
		}
	}
	return out
}

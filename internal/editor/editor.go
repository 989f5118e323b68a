// Package editor is the client-side editing session: committed snapshots, at
// most one draft, tips with speculative previews, the chat, and the one-line
// status that summarizes what is going on.
//
// All state lives in one Editor behind a mutex and changes only through the
// reducers in state.go. Service calls run in the background and apply their
// results through the same reducers, so completions that interleave never
// overwrite each other's fields.
package editor

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"photoedit/internal/agent"
	"photoedit/internal/imagegen"
	"photoedit/internal/models"
	"photoedit/internal/persist"
	"photoedit/internal/preview"
	"photoedit/internal/tips"
)

// AgentStreamer runs one agent request and reports its events in order.
type AgentStreamer interface {
	StreamAgent(ctx context.Context, req agent.StreamRequest, fn func(agent.Event)) error
}

var (
	ErrNoImage = errors.New("editor: no image")
	ErrBusy    = errors.New("editor: agent is busy")
	ErrNoTip   = errors.New("editor: no such tip")
)

const (
	analysisSuffix = "\n\nThinking up some fun edits for you..."
	chatFailed     = "Something went wrong, please try again."
)

type Options struct {
	ProjectID   string
	TipsRetries int
	TipsBackoff time.Duration
	Preview     preview.Options
	Now         func() time.Time
	NewID       func() string
	Logger      *slog.Logger
}

// View is what observers render. It shares its slices with the editor and
// must not be modified.
type View struct {
	State
	Status       string
	Timeline     []string
	Tips         []models.Tip
	ViewingDraft bool
}

type Editor struct {
	projectID string
	agent     AgentStreamer
	pipeline  *tips.Pipeline
	queue     *preview.Queue
	store     persist.Persister
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	effects effectCount

	mu    sync.Mutex
	state State
	// generation is cancelled when the project is replaced; work started
	// under an older generation must not touch the new state.
	generation     context.Context
	stopGeneration context.CancelFunc
	stopChat       context.CancelFunc
	named          bool
	reacting       bool
	pendingTeaser  string
	analyses       []models.Snapshot

	obsMu     sync.Mutex
	observers map[int]func(View)
	nextObs   int
}

func New(ag AgentStreamer, src tips.Streamer, synth imagegen.Synthesizer, store persist.Persister, opts Options) *Editor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if store == nil {
		store = persist.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Editor{
		projectID: opts.ProjectID,
		agent:     ag,
		pipeline:  tips.NewPipeline(src, opts.TipsRetries, opts.TipsBackoff, opts.Logger),
		store:     store,
		now:       opts.Now,
		newID:     opts.NewID,
		logger:    opts.Logger.With("project", opts.ProjectID),
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[int]func(View)),
	}
	e.generation, e.stopGeneration = context.WithCancel(ctx)
	e.queue = preview.NewQueue(synth, previewSink{e}, opts.Preview, opts.Logger)
	return e
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Subscribe registers fn to receive a View after every change. fn is called
// from background goroutines, one call at a time, and must not block or call
// back into the Editor.
func (e *Editor) Subscribe(fn func(View)) (unsubscribe func()) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

func (e *Editor) notify() {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	if len(e.observers) == 0 {
		return
	}
	v := e.View()
	for _, id := range slices.Sorted(maps.Keys(e.observers)) {
		e.observers[id](v)
	}
}

func (e *Editor) View() View {
	e.mu.Lock()
	s := e.state
	e.mu.Unlock()
	return view(s)
}

func view(s State) View {
	v := View{State: s, Timeline: s.Timeline(), ViewingDraft: s.viewingDraft()}
	in := StatusInput{AgentActive: s.AgentRuns > 0, AgentStatus: s.AgentStatus}
	if snap, ok := s.source(); ok {
		v.Tips = snap.Tips
		in.TipsFetching = s.TipsFetching[snap.ID]
		in.Tips = snap.Tips
		in.Baseline = s.Baseline
		in.Idle = s.Teasers[snap.ID]
	}
	v.Status = DeriveStatus(in)
	return v
}

func (e *Editor) Status() string           { return e.View().Status }
func (e *Editor) Timeline() []string       { return e.View().Timeline }
func (e *Editor) CurrentTips() []models.Tip { return e.View().Tips }

// Wait blocks until no background work is outstanding.
func (e *Editor) Wait() {
	for {
		<-e.effects.idle()
		<-e.queue.Idle()
		if e.quiet() {
			return
		}
	}
}

// quiet checks the queue on both sides of the effect count: an effect may
// enqueue and finish between two reads, and a settling preview starts its
// follow-up effect before it leaves the queue.
func (e *Editor) quiet() bool {
	return e.queue.Outstanding() == 0 && e.effects.count() == 0 && e.queue.Outstanding() == 0
}

// Close cancels everything in flight and waits for it to wind down.
func (e *Editor) Close() {
	e.cancel()
	e.queue.Close()
	e.Wait()
}

func (e *Editor) goEffect(fn func()) {
	e.effects.add()
	go func() {
		defer e.effects.done()
		fn()
	}()
}

// effectCount tracks running effects. Effects start from zero while others
// wait for quiet, so it hands out a channel instead of using a WaitGroup.
type effectCount struct {
	mu    sync.Mutex
	n     int
	quiet chan struct{} // closed when n drops to zero
}

func (c *effectCount) add() {
	c.mu.Lock()
	if c.n == 0 {
		c.quiet = make(chan struct{})
	}
	c.n++
	c.mu.Unlock()
}

func (c *effectCount) done() {
	c.mu.Lock()
	c.n--
	if c.n == 0 {
		close(c.quiet)
	}
	c.mu.Unlock()
}

func (c *effectCount) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// idle returns a channel that is closed once no effect is running.
func (c *effectCount) idle() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.quiet
}

// resetLocked starts a new generation for a replaced project.
func (e *Editor) resetLocked() context.Context {
	e.stopGeneration()
	if e.stopChat != nil {
		e.stopChat()
		e.stopChat = nil
	}
	e.generation, e.stopGeneration = context.WithCancel(e.ctx)
	e.reacting = false
	e.pendingTeaser = ""
	e.analyses = nil
	return e.generation
}

// Upload starts a project from image: it becomes the first snapshot, every
// tip of it gets a preview, and the image is analyzed.
func (e *Editor) Upload(image string, meta *models.PhotoMetadata) (string, error) {
	if image == "" {
		return "", ErrNoImage
	}
	e.queue.CancelAll()
	snap := models.Snapshot{ID: e.newID(), Image: image, Metadata: meta}

	e.mu.Lock()
	gen := e.resetLocked()
	e.state = uploaded(e.state, snap)
	e.mu.Unlock()
	e.notify()

	e.saveSnapshot(snap, 0)
	e.fetchTips(gen, snap, tips.PreviewFull)
	e.analyze(gen, snap, false)
	return snap.ID, nil
}

// Restore replaces the session with persisted history. Nothing is
// regenerated; tips come back without previews.
func (e *Editor) Restore(name string, snaps []models.Snapshot, msgs []models.Message) {
	e.queue.CancelAll()
	e.mu.Lock()
	e.resetLocked()
	e.state = restored(name, snaps, msgs)
	e.named = name != ""
	e.mu.Unlock()
	e.notify()
}

// SelectTip handles a tap on tip i of the tips on screen. A done tip becomes
// the draft, or is committed when it already is the viewed draft. A tip
// without a preview starts rendering one. Tips that are rendering or failed
// ignore taps.
func (e *Editor) SelectTip(i int) error {
	e.mu.Lock()
	next, action := selectTip(e.state, i)
	e.state = next
	switch action {
	case selectIgnored:
		snap, _ := e.state.source()
		e.mu.Unlock()
		if i < 0 || i >= len(snap.Tips) {
			return ErrNoTip
		}
		return nil
	case selectPreview:
		job := e.requestPreviewLocked(i)
		e.mu.Unlock()
		e.queue.Enqueue(job)
	case selectDraft:
		e.mu.Unlock()
	case selectCommit:
		c := e.commitLocked()
		e.mu.Unlock()
		e.afterCommit(c)
	}
	e.notify()
	return nil
}

// RetryPreview renders a failed preview again.
func (e *Editor) RetryPreview(i int) error {
	e.mu.Lock()
	snap, ok := e.state.source()
	if !ok || i < 0 || i >= len(snap.Tips) {
		e.mu.Unlock()
		return ErrNoTip
	}
	if snap.Tips[i].Status != models.PreviewError {
		e.mu.Unlock()
		return nil
	}
	job := e.requestPreviewLocked(i)
	e.mu.Unlock()
	e.queue.Enqueue(job)
	e.notify()
	return nil
}

// requestPreviewLocked marks tip i of the on-screen snapshot pending and
// restarts progress accounting from the previews already done.
func (e *Editor) requestPreviewLocked(i int) preview.Job {
	snap, _ := e.state.source()
	tip := snap.Tips[i]
	e.state.Baseline = countStatus(snap.Tips, models.PreviewDone)
	e.state, _ = setPreview(e.state, snap.ID, tip.EditPrompt, models.PreviewPending, "")
	return preview.Job{SnapshotID: snap.ID, EditPrompt: tip.EditPrompt, Image: snap.Image, AspectRatio: tip.AspectRatio}
}

type commit struct {
	gen      context.Context
	snap     models.Snapshot
	index    int
	msgs     []models.Message
	tip      models.Tip
	siblings []models.TipSummary
}

func (e *Editor) commitLocked() commit {
	d := *e.state.Draft
	parent := e.state.Snapshots[d.Parent]
	tip := parent.Tips[d.Tip]
	now := e.now()

	user := models.Message{ID: e.newID(), Role: models.RoleUser, Content: tip.Label, CreatedAt: now}
	reply := models.Message{ID: e.newID(), Role: models.RoleAssistant, Image: tip.PreviewImage, EditPrompt: tip.EditPrompt, CreatedAt: now}
	snap := models.Snapshot{ID: e.newID(), Image: tip.PreviewImage, MessageID: reply.ID, Metadata: parent.Metadata}
	reply.SnapshotID = snap.ID

	e.state = appendMessage(e.state, user, reply)
	e.state = appendSnapshot(e.state, snap)

	var siblings []models.TipSummary
	for j, t := range parent.Tips {
		if j != d.Tip {
			siblings = append(siblings, t.Summary())
		}
	}
	return commit{
		gen:      e.generation,
		snap:     snap,
		index:    len(e.state.Snapshots) - 1,
		msgs:     []models.Message{user, reply},
		tip:      tip,
		siblings: siblings,
	}
}

func (e *Editor) afterCommit(c commit) {
	e.queue.CancelAll()
	e.saveSnapshot(c.snap, c.index)
	for _, m := range c.msgs {
		e.saveMessage(m)
	}
	e.fetchTips(c.gen, c.snap, tips.PreviewSelective)
	e.react(c)
}

// Dismiss drops the draft.
func (e *Editor) Dismiss() {
	e.mu.Lock()
	e.state = dismiss(e.state)
	e.mu.Unlock()
	e.notify()
}

// Navigate views timeline position i.
func (e *Editor) Navigate(i int) {
	e.mu.Lock()
	e.state = navigate(e.state, i)
	snapID := ""
	if snap, ok := e.state.source(); ok {
		snapID = snap.ID
	}
	gen := e.generation
	e.mu.Unlock()
	e.notify()
	if snapID != "" {
		e.checkPreviewsReady(gen, snapID)
	}
}

// CancelAgent stops the running chat. Images it already produced stay.
func (e *Editor) CancelAgent() {
	e.mu.Lock()
	stop := e.stopChat
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// SendMessage hands text to the agent together with what is on screen. While
// a draft is viewed the agent edits the draft's preview.
func (e *Editor) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	e.mu.Lock()
	if e.stopChat != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	s := e.state
	src, ok := s.source()
	if !ok {
		e.mu.Unlock()
		return ErrNoImage
	}
	image := src.Image
	description := src.Description
	if s.viewingDraft() {
		if img, ok := s.draftImage(); ok && img != "" {
			image = img
		}
		description = ""
	}
	prompt := agent.BuildChatPrompt(agent.ChatContext{
		Text:        text,
		Index:       s.sourceIndex(),
		Total:       len(s.Snapshots),
		Metadata:    s.Snapshots[0].Metadata,
		Description: description,
		Tips:        summaries(src.Tips, nil),
		History:     s.Messages,
	})
	req := agent.StreamRequest{
		Kind:          agent.KindChat,
		ProjectID:     e.projectID,
		Prompt:        prompt,
		Image:         image,
		OriginalImage: s.Snapshots[0].Image,
	}

	now := e.now()
	user := models.Message{ID: e.newID(), Role: models.RoleUser, Content: text, CreatedAt: now}
	reply := models.Message{ID: e.newID(), Role: models.RoleAssistant, CreatedAt: now}
	e.state = appendMessage(e.state, user, reply)
	e.state.AgentRuns++
	e.state.AgentStatus = StatusThinking
	gen := e.generation
	ctx, stop := context.WithCancel(gen)
	e.stopChat = stop
	e.mu.Unlock()
	e.notify()

	e.saveMessage(user)
	run := &chatRun{e: e, gen: gen, current: reply.ID, ids: []string{reply.ID}}
	e.goEffect(func() {
		defer stop()
		err := e.agent.StreamAgent(ctx, req, run.handler().Dispatch)
		run.finish(err)
	})
	return nil
}

// chatRun follows one chat stream. Its fields are touched only by the
// stream's goroutine.
type chatRun struct {
	e          *Editor
	gen        context.Context
	current    string
	ids        []string
	editPrompt string
	failed     string
	ended      bool
}

func (r *chatRun) handler() agent.Handler {
	e := r.e
	return agent.Handler{
		OnStatus: func(text string) { e.setAgentStatus(r.gen, text) },
		OnNewTurn: func() {
			msg := models.Message{ID: e.newID(), Role: models.RoleAssistant, CreatedAt: e.now()}
			r.current = msg.ID
			r.ids = append(r.ids, msg.ID)
			e.apply(r.gen, func(s State) State { return appendMessage(s, msg) })
		},
		OnContent: func(text string) {
			id := r.current
			e.apply(r.gen, func(s State) State {
				return editMessage(s, id, func(m *models.Message) { m.Content += text })
			})
		},
		OnToolCall: func(tool string, input map[string]any, images []string) {
			if p, ok := input["editPrompt"].(string); ok && tool == agent.ToolGenerateImage {
				r.editPrompt = p
			}
		},
		OnImage: r.image,
		OnDone:  func() { r.ended = true },
		OnError: func(msg string) {
			r.ended = true
			r.failed = msg
		},
	}
}

// image commits an agent edit: it replaces any draft and becomes the viewed
// snapshot. Its tips are listed without previews and it is analyzed once the
// run is over.
func (r *chatRun) image(img string) {
	e := r.e
	snap := models.Snapshot{ID: e.newID(), Image: img, MessageID: r.current}
	prompt := r.editPrompt
	r.editPrompt = ""

	e.mu.Lock()
	if e.generation != r.gen {
		e.mu.Unlock()
		return
	}
	if len(e.state.Snapshots) > 0 {
		snap.Metadata = e.state.Snapshots[0].Metadata
	}
	e.state = appendSnapshot(e.state, snap)
	e.state = editMessage(e.state, r.current, func(m *models.Message) {
		m.Image = img
		m.EditPrompt = prompt
		m.SnapshotID = snap.ID
	})
	e.state.AgentStatus = StatusImageReady
	e.analyses = append(e.analyses, snap)
	index := len(e.state.Snapshots) - 1
	e.mu.Unlock()
	e.notify()

	e.saveSnapshot(snap, index)
	e.fetchTips(r.gen, snap, tips.PreviewNone)
}

func (r *chatRun) finish(err error) {
	e := r.e
	if err != nil && !r.ended && !errors.Is(err, context.Canceled) {
		r.failed = err.Error()
	}
	if r.failed != "" {
		e.logger.Warn("agent run failed", "error", r.failed)
	}

	e.mu.Lock()
	if e.generation != r.gen {
		e.mu.Unlock()
		return
	}
	e.stopChat = nil
	if r.failed != "" {
		e.state = editMessage(e.state, r.current, func(m *models.Message) {
			if m.Content == "" {
				m.Content = chatFailed
			}
		})
	}
	var keep []models.Message
	for _, id := range r.ids {
		i := e.state.messageIndex(id)
		if i < 0 {
			continue
		}
		if m := e.state.Messages[i]; m.Content == "" && m.Image == "" {
			e.state = removeMessage(e.state, id)
		} else {
			keep = append(keep, m)
		}
	}
	analyses := e.analyses
	e.analyses = nil
	teaser := e.endRunLocked()
	if len(analyses) > 0 && teaser != "" {
		// The analyses hold it back again.
		e.pendingTeaser, teaser = teaser, ""
	}
	e.mu.Unlock()
	e.notify()

	for _, m := range keep {
		e.saveMessage(m)
	}
	for _, snap := range analyses {
		e.analyze(r.gen, snap, true)
	}
	if teaser != "" {
		e.teaserFor(r.gen, teaser)
	}
}

// apply runs fn on the state unless gen has been replaced.
func (e *Editor) apply(gen context.Context, fn func(State) State) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	e.state = fn(e.state)
	e.mu.Unlock()
	e.notify()
}

func (e *Editor) setAgentStatus(gen context.Context, text string) {
	e.apply(gen, func(s State) State {
		if s.AgentRuns > 0 {
			s.AgentStatus = text
		}
		return s
	})
}

// beginRunLocked counts an agent run as active.
func (e *Editor) beginRunLocked(status string) {
	e.state.AgentRuns++
	e.state.AgentStatus = status
}

// endRunLocked ends an agent run. When the last one ends it hands back the
// snapshot whose teaser was held back, if any.
func (e *Editor) endRunLocked() string {
	e.state.AgentRuns = max(e.state.AgentRuns-1, 0)
	if e.state.AgentRuns > 0 {
		return ""
	}
	e.state.AgentStatus = ""
	id := e.pendingTeaser
	e.pendingTeaser = ""
	return id
}

// fetchTips streams the tips of snap. mode decides which tips get a preview
// right away.
func (e *Editor) fetchTips(gen context.Context, snap models.Snapshot, mode tips.PreviewMode) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	e.state = tipsStarted(e.state, snap.ID)
	e.mu.Unlock()
	e.queue.NewBatch()
	e.notify()

	e.goEffect(func() {
		sel := tips.NewSelector(mode)
		err := e.pipeline.Run(gen, snap.Image, snap.Metadata, models.Categories(), func(t models.Tip) {
			render := sel.Select(t)
			t.Status = models.PreviewNone
			if render {
				t.Status = models.PreviewPending
			}
			e.mu.Lock()
			next, ok := appendTip(e.state, snap.ID, t)
			ok = ok && e.generation == gen
			if ok {
				e.state = next
			}
			e.mu.Unlock()
			if !ok {
				return
			}
			if render {
				e.queue.Enqueue(preview.Job{SnapshotID: snap.ID, EditPrompt: t.EditPrompt, Image: snap.Image, AspectRatio: t.AspectRatio})
			}
			e.notify()
		})
		if err != nil && gen.Err() == nil {
			e.logger.Warn("tip generation incomplete", "snapshot", snap.ID, "mode", mode, "error", err)
		}
		e.tipsDone(gen, snap.ID)
	})
}

func (e *Editor) tipsDone(gen context.Context, snapshotID string) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	e.state = tipsStopped(e.state, snapshotID)
	i := e.state.snapshotIndex(snapshotID)
	if i < 0 {
		e.mu.Unlock()
		e.notify()
		return
	}
	snap := e.state.Snapshots[i]
	teaser := false
	if len(snap.Tips) > 0 && e.state.sourceIndex() == i {
		if e.state.AgentRuns > 0 {
			e.pendingTeaser = snapshotID
		} else {
			teaser = true
		}
	}
	e.mu.Unlock()
	e.notify()

	if len(snap.Tips) > 0 {
		e.updateTips(snapshotID, snap.Tips)
	}
	if teaser {
		e.teaser(gen, snap)
	}
	e.checkPreviewsReady(gen, snapshotID)
}

// analyze describes snap. The first analysis of a project is also shown in
// the chat and names the project.
func (e *Editor) analyze(gen context.Context, snap models.Snapshot, postEdit bool) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	e.beginRunLocked(StatusAnalyzing)
	var msg models.Message
	if !postEdit {
		msg = models.Message{ID: e.newID(), Role: models.RoleAssistant, CreatedAt: e.now()}
		e.state = appendMessage(e.state, msg)
	}
	e.mu.Unlock()
	e.notify()

	req := agent.StreamRequest{Kind: agent.KindAnalysis, ProjectID: e.projectID, Image: snap.Image, PostEdit: postEdit}
	e.goEffect(func() {
		var onText func(string)
		if msg.ID != "" {
			onText = func(text string) {
				e.apply(gen, func(s State) State {
					return editMessage(s, msg.ID, func(m *models.Message) { m.Content += text })
				})
			}
		}
		desc, err := e.collect(gen, req, func(text string) { e.setAgentStatus(gen, text) }, onText)
		if err != nil && gen.Err() == nil {
			e.logger.Warn("analysis failed", "snapshot", snap.ID, "error", err)
		}

		e.mu.Lock()
		if e.generation != gen {
			e.mu.Unlock()
			return
		}
		name := false
		var saved *models.Message
		if desc != "" {
			e.state = setDescription(e.state, snap.ID, desc)
			if !e.named && e.state.ProjectName == "" {
				e.named = true
				name = true
			}
			if msg.ID != "" {
				e.state = editMessage(e.state, msg.ID, func(m *models.Message) {
					m.Content += analysisSuffix
					final := *m
					saved = &final
				})
			}
		} else if msg.ID != "" {
			e.state = removeMessage(e.state, msg.ID)
		}
		teaser := e.endRunLocked()
		e.mu.Unlock()
		e.notify()

		if desc != "" {
			e.persistAsync("update_description", func(ctx context.Context) error {
				return e.store.UpdateDescription(ctx, e.projectID, snap.ID, desc)
			})
		}
		if saved != nil {
			e.saveMessage(*saved)
		}
		if name {
			e.nameProject(gen, desc)
		}
		if teaser != "" {
			e.teaserFor(gen, teaser)
		}
	})
}

// collect runs req to the end and returns its text. onStatus and onText may
// be nil.
func (e *Editor) collect(ctx context.Context, req agent.StreamRequest, onStatus, onText func(string)) (string, error) {
	var b strings.Builder
	var failed error
	h := agent.Handler{
		OnStatus: onStatus,
		OnContent: func(text string) {
			b.WriteString(text)
			if onText != nil {
				onText(text)
			}
		},
		OnError: func(msg string) { failed = errors.New(msg) },
	}
	err := e.agent.StreamAgent(ctx, req, h.Dispatch)
	if err == nil {
		err = failed
	}
	return strings.TrimSpace(b.String()), err
}

// note streams a short assistant message into the chat. An empty note is
// removed again.
func (e *Editor) note(gen context.Context, req agent.StreamRequest, done func()) {
	msg := models.Message{ID: e.newID(), Role: models.RoleAssistant, CreatedAt: e.now()}
	e.apply(gen, func(s State) State { return appendMessage(s, msg) })

	e.goEffect(func() {
		if done != nil {
			defer done()
		}
		_, err := e.collect(gen, req, nil, func(text string) {
			e.apply(gen, func(s State) State {
				return editMessage(s, msg.ID, func(m *models.Message) { m.Content += text })
			})
		})
		if err != nil && gen.Err() == nil {
			e.logger.Debug("note failed", "kind", req.Kind, "error", err)
		}

		e.mu.Lock()
		i := e.state.messageIndex(msg.ID)
		var final models.Message
		if i >= 0 {
			final = e.state.Messages[i]
			if final.Content == "" {
				e.state = removeMessage(e.state, msg.ID)
			}
		}
		e.mu.Unlock()
		e.notify()
		if final.Content != "" {
			e.saveMessage(final)
		}
	})
}

// react comments on a committed tip. Only one reaction runs at a time.
func (e *Editor) react(c commit) {
	e.mu.Lock()
	if e.reacting || e.generation != c.gen {
		e.mu.Unlock()
		return
	}
	e.reacting = true
	e.mu.Unlock()

	summary := c.tip.Summary()
	req := agent.StreamRequest{
		Kind:         agent.KindReaction,
		ProjectID:    e.projectID,
		Image:        c.snap.Image,
		CommittedTip: &summary,
		Tips:         c.siblings,
	}
	e.note(c.gen, req, func() {
		e.mu.Lock()
		if e.generation == c.gen {
			e.reacting = false
		}
		e.mu.Unlock()
	})
}

func (e *Editor) teaserFor(gen context.Context, snapshotID string) {
	e.mu.Lock()
	i := e.state.snapshotIndex(snapshotID)
	var snap models.Snapshot
	if i >= 0 {
		snap = e.state.Snapshots[i]
	}
	e.mu.Unlock()
	if i >= 0 && len(snap.Tips) > 0 {
		e.teaser(gen, snap)
	}
}

// teaser asks for a one-line pitch of snap's tips, shown as the idle status
// while the user stays on snap.
func (e *Editor) teaser(gen context.Context, snap models.Snapshot) {
	req := agent.StreamRequest{Kind: agent.KindTeaser, ProjectID: e.projectID, Tips: summaries(snap.Tips, nil)}
	e.goEffect(func() {
		text, err := e.collect(gen, req, nil, nil)
		if err != nil || text == "" {
			return
		}
		e.apply(gen, func(s State) State {
			if cur, ok := s.source(); !ok || cur.ID != snap.ID {
				return s
			}
			s.Teasers = withKey(s.Teasers, snap.ID, text)
			return s
		})
	})
}

// checkPreviewsReady posts a chat note the first time every preview of the
// viewed snapshot has settled with at least one done. It is called from the
// preview sink and must not call into the queue.
func (e *Editor) checkPreviewsReady(gen context.Context, snapshotID string) {
	e.mu.Lock()
	i := e.state.snapshotIndex(snapshotID)
	if e.generation != gen || i < 0 || e.state.sourceIndex() != i ||
		e.state.TipsFetching[snapshotID] || e.state.Notified[snapshotID] ||
		!previewsSettled(e.state.Snapshots[i]) {
		e.mu.Unlock()
		return
	}
	e.state.Notified = withKey(e.state.Notified, snapshotID, true)
	ready := summaries(e.state.Snapshots[i].Tips, func(t models.Tip) bool { return t.Status == models.PreviewDone })
	e.mu.Unlock()

	e.note(gen, agent.StreamRequest{Kind: agent.KindPreviewsReady, ProjectID: e.projectID, Tips: ready}, nil)
}

func (e *Editor) nameProject(gen context.Context, description string) {
	e.goEffect(func() {
		name, err := e.collect(gen, agent.StreamRequest{Kind: agent.KindNaming, ProjectID: e.projectID, Description: description}, nil, nil)
		name = strings.Trim(name, "\"'` \n")
		if err != nil || name == "" {
			return
		}
		renamed := false
		e.apply(gen, func(s State) State {
			if s.ProjectName == "" {
				s.ProjectName = name
				renamed = true
			}
			return s
		})
		if renamed {
			e.persistAsync("rename_project", func(ctx context.Context) error {
				return e.store.RenameProject(ctx, e.projectID, name)
			})
		}
	})
}

// previewSink feeds queue reports into the state. It runs under the queue's
// lock, so nothing here may call the queue.
type previewSink struct{ e *Editor }

func (s previewSink) PreviewStarted(snapshotID, editPrompt string) {
	s.e.previewChanged(snapshotID, editPrompt, models.PreviewGenerating, "")
}

func (s previewSink) PreviewDone(snapshotID, editPrompt, image string) {
	s.e.previewChanged(snapshotID, editPrompt, models.PreviewDone, image)
}

func (s previewSink) PreviewFailed(snapshotID, editPrompt string, err error) {
	s.e.previewChanged(snapshotID, editPrompt, models.PreviewError, "")
}

func (s previewSink) PreviewCancelled(snapshotID, editPrompt string) {
	s.e.previewChanged(snapshotID, editPrompt, models.PreviewCancelled, "")
}

func (e *Editor) previewChanged(snapshotID, editPrompt string, status models.PreviewStatus, image string) {
	e.mu.Lock()
	next, ok := setPreview(e.state, snapshotID, editPrompt, status, image)
	e.state = next
	gen := e.generation
	e.mu.Unlock()
	if !ok {
		return
	}
	e.notify()
	if status.Settled() {
		e.checkPreviewsReady(gen, snapshotID)
	}
}

func (e *Editor) persistAsync(op string, fn func(ctx context.Context) error) {
	e.goEffect(func() {
		if err := fn(context.Background()); err != nil {
			e.logger.Warn("persist failed", "op", op, "error", err)
		}
	})
}

func (e *Editor) saveSnapshot(snap models.Snapshot, index int) {
	e.persistAsync("save_snapshot", func(ctx context.Context) error {
		return e.store.SaveSnapshot(ctx, e.projectID, snap, index)
	})
}

func (e *Editor) saveMessage(msg models.Message) {
	e.persistAsync("save_message", func(ctx context.Context) error {
		return e.store.SaveMessage(ctx, e.projectID, msg)
	})
}

func (e *Editor) updateTips(snapshotID string, tips []models.Tip) {
	e.persistAsync("update_tips", func(ctx context.Context) error {
		return e.store.UpdateTips(ctx, e.projectID, snapshotID, tips)
	})
}

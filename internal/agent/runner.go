// Package agent runs the multi-turn tool-calling loop that edits a photo and
// reports progress as an ordered event stream.
package agent

import (
	"context"
	"errors"
	"log/slog"

	"photoedit/internal/imagegen"
	"photoedit/internal/imageref"
	"photoedit/internal/llm"
)

// ChatModel is the streaming chat service the loop drives.
type ChatModel interface {
	Stream(ctx context.Context, req llm.ChatRequest, onText func(string)) (*llm.Turn, error)
}

// Mode selects the tools and turn budget of a run.
type Mode int

const (
	// ModeChat exposes generate_image and analyze_image.
	ModeChat Mode = iota
	// ModeAnalysis exposes analyze_image only, to describe an image.
	ModeAnalysis
	// ModeReaction is a single tool-less turn for short remarks.
	ModeReaction
)

func (m Mode) String() string {
	switch m {
	case ModeAnalysis:
		return "analysis"
	case ModeReaction:
		return "reaction"
	}
	return "chat"
}

type Request struct {
	Prompt   string
	Image    string // current image
	Original string // optional identity reference
	Mode     Mode
	History  []llm.Message
	MaxTurns int // zero uses the runner's budget for the mode
}

// Result summarizes a finished run.
type Result struct {
	RunContext RunContext
	Text       string // assistant text across all turns
	Err        error
}

type Runner struct {
	model         ChatModel
	synth         imagegen.Synthesizer
	modelName     string
	system        string
	turnsChat     int
	turnsAnalysis int
	logger        *slog.Logger
}

type Options struct {
	Model            string
	SystemPrompt     string
	MaxTurnsChat     int
	MaxTurnsAnalysis int
}

func NewRunner(model ChatModel, synth imagegen.Synthesizer, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxTurnsChat <= 0 {
		opts.MaxTurnsChat = 5
	}
	if opts.MaxTurnsAnalysis <= 0 {
		opts.MaxTurnsAnalysis = 2
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = SystemPrompt
	}
	return &Runner{
		model:         model,
		synth:         synth,
		modelName:     opts.Model,
		system:        opts.SystemPrompt,
		turnsChat:     opts.MaxTurnsChat,
		turnsAnalysis: opts.MaxTurnsAnalysis,
		logger:        logger,
	}
}

func (r *Runner) tools(m Mode) []llm.Tool {
	switch m {
	case ModeAnalysis:
		return []llm.Tool{analyzeImageTool}
	case ModeReaction:
		return nil
	}
	return []llm.Tool{generateImageTool, analyzeImageTool}
}

func (r *Runner) budget(req Request) int {
	if req.MaxTurns > 0 {
		return req.MaxTurns
	}
	switch req.Mode {
	case ModeAnalysis:
		return r.turnsAnalysis
	case ModeReaction:
		return 1
	}
	return r.turnsChat
}

// Run drives the loop, passing every event to emit in order. Exactly one
// terminal event (done or error) is emitted, and it is the last.
func (r *Runner) Run(ctx context.Context, req Request, emit func(Event)) Result {
	rc := RunContext{Current: req.Image, Original: req.Original}
	tools := r.tools(req.Mode)
	maxTurns := r.budget(req)

	first := llm.Message{Role: "user", Content: llm.Text(req.Prompt)}
	if req.Mode == ModeReaction && req.Image != "" {
		first.Content = llm.Parts(llm.ImagePart(imageref.DataURL(req.Image)), llm.TextPart(req.Prompt))
	}
	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: llm.Text(r.system)})
	messages = append(messages, req.History...)
	messages = append(messages, first)

	r.logger.Info("agent run started", "mode", req.Mode.String(), "max_turns", maxTurns, "tools", len(tools))

	var text string
	emitted := 0
	flush := func() {
		for _, img := range rc.Generated[emitted:] {
			emit(Image(img))
		}
		emitted = len(rc.Generated)
	}

	for turn := 0; turn < maxTurns; turn++ {
		rc.Turn = turn + 1
		if turn > 0 {
			emit(NewTurn())
		}

		resp, err := r.model.Stream(ctx, llm.ChatRequest{
			Model:     r.modelName,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: 4096,
		}, func(delta string) {
			text += delta
			emit(Content(delta))
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				r.logger.Info("agent run cancelled", "turn", rc.Turn)
			} else {
				r.logger.Error("agent model call failed", "turn", rc.Turn, "error", err)
			}
			emit(Error(err.Error()))
			return Result{RunContext: rc, Text: text, Err: err}
		}
		messages = append(messages, resp.Message())

		if len(resp.ToolCalls) == 0 {
			flush()
			emit(Done())
			r.logger.Info("agent run completed", "turns", rc.Turn, "images", len(rc.Generated))
			return Result{RunContext: rc, Text: text}
		}

		var extra []llm.Message
		for _, raw := range resp.ToolCalls {
			call := ParseToolCall(raw)
			emit(Status(statusFor(call)))
			emit(ToolCallEvent(call.Name(), call.Input(), r.inputImages(rc, call)))

			out := call.accept(ctx, &executor{runner: r, rc: rc})
			rc = out.rc
			if out.fallback {
				emit(Status("Reference image unavailable, edited the current image only"))
			}
			if out.image != "" {
				flush()
			}
			messages = append(messages, out.result)
			extra = append(extra, out.extra...)
		}
		messages = append(messages, extra...)
	}

	// Budget exhausted with tool calls still pending is a normal stop.
	flush()
	emit(Done())
	r.logger.Info("agent run reached turn budget", "turns", maxTurns, "images", len(rc.Generated))
	return Result{RunContext: rc, Text: text}
}

func (r *Runner) inputImages(rc RunContext, call ToolCall) []string {
	gen, ok := call.(GenerateImage)
	if !ok {
		return nil
	}
	if gen.UseOriginalAsReference && rc.Original != "" && rc.Original != rc.Current {
		return []string{rc.Current, rc.Original}
	}
	return []string{rc.Current}
}

// executor runs tool calls against one RunContext value.
type executor struct {
	runner *Runner
	rc     RunContext
}

func (x *executor) generateImage(ctx context.Context, call GenerateImage) toolOutcome {
	out := toolOutcome{rc: x.rc}
	if call.EditPrompt == "" {
		out.result = toolMessage(call.ID, GenerateResult{Message: "editPrompt is required."})
		return out
	}

	var (
		img      string
		err      error
		fallback bool
	)
	if call.UseOriginalAsReference && x.rc.Original != "" && x.rc.Original != x.rc.Current {
		img, fallback, err = imagegen.WithReferences(ctx, x.runner.synth, x.rc.Current, x.rc.Original, call.EditPrompt, call.AspectRatio)
	} else {
		img, err = x.runner.synth.Generate(ctx, imagegen.Request{
			Images:      []string{x.rc.Current},
			Prompt:      call.EditPrompt,
			AspectRatio: call.AspectRatio,
		})
	}
	out.fallback = fallback
	if err != nil {
		x.runner.logger.Warn("generate_image failed", "error", err)
		out.result = toolMessage(call.ID, GenerateResult{Message: "Image generation failed. Try a different prompt."})
		return out
	}

	out.rc = x.rc.withImage(img)
	out.image = img
	out.result = toolMessage(call.ID, GenerateResult{Success: true, Message: "Image generated successfully and shown to the user."})
	return out
}

func (x *executor) analyzeImage(ctx context.Context, call AnalyzeImage) toolOutcome {
	result, image, err := analyzeResult(x.rc, call)
	if err != nil {
		return toolOutcome{rc: x.rc, result: toolMessage(call.ID, "No current image is available.")}
	}
	return toolOutcome{rc: x.rc, result: result, extra: []llm.Message{image}}
}

func (x *executor) unknownTool(ctx context.Context, call UnknownTool) toolOutcome {
	x.runner.logger.Warn("unknown tool requested", "tool", call.ToolName)
	return toolOutcome{rc: x.rc, result: toolMessage(call.ID, "Unknown tool: "+call.ToolName)}
}

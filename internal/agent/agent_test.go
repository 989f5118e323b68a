package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"photoedit/internal/imagegen"
	"photoedit/internal/llm"
	"photoedit/internal/models"
)

type step struct {
	chunks []string
	calls  []llm.ToolCall
	err    error
}

type fakeModel struct {
	steps []step
	reqs  []llm.ChatRequest
}

func (f *fakeModel) Stream(ctx context.Context, req llm.ChatRequest, onText func(string)) (*llm.Turn, error) {
	f.reqs = append(f.reqs, req)
	if len(f.reqs) > len(f.steps) {
		return nil, fmt.Errorf("unexpected model call %d", len(f.reqs))
	}
	s := f.steps[len(f.reqs)-1]
	if s.err != nil {
		return nil, s.err
	}
	turn := &llm.Turn{ToolCalls: s.calls}
	for _, c := range s.chunks {
		onText(c)
		turn.Text += c
	}
	return turn, nil
}

type fakeSynth struct {
	reqs []imagegen.Request
	fail func(req imagegen.Request) bool
}

func (f *fakeSynth) Generate(ctx context.Context, req imagegen.Request) (string, error) {
	f.reqs = append(f.reqs, req)
	if f.fail != nil && f.fail(req) {
		return "", errors.New("synthesis failed")
	}
	return fmt.Sprintf("gen-%d", len(f.reqs)), nil
}

func generateCall(id, prompt string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.ToolCallFunction{
		Name:      ToolGenerateImage,
		Arguments: fmt.Sprintf(`{"editPrompt":%q}`, prompt),
	}}
}

func run(t *testing.T, m *fakeModel, s *fakeSynth, req Request) ([]Event, Result) {
	t.Helper()
	r := NewRunner(m, s, Options{Model: "test"}, nil)
	var events []Event
	res := r.Run(context.Background(), req, func(e Event) { events = append(events, e) })
	return events, res
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func assertSingleTerminal(t *testing.T, events []Event) {
	t.Helper()
	n := 0
	for _, e := range events {
		if e.Terminal() {
			n++
		}
	}
	if n != 1 || !events[len(events)-1].Terminal() {
		t.Fatalf("want exactly one terminal event at the end, got %v", types(events))
	}
}

func TestRunTwoEditsAcrossTurns(t *testing.T) {
	m := &fakeModel{steps: []step{
		{chunks: []string{"Sure, ", "warming it up."}, calls: []llm.ToolCall{generateCall("c1", "warmer tones")}},
		{chunks: []string{"Now the sky."}, calls: []llm.ToolCall{generateCall("c2", "bluer sky")}},
		{chunks: []string{"All done!"}},
	}}
	s := &fakeSynth{}
	events, res := run(t, m, s, Request{Prompt: "make it nicer", Image: "img0", Mode: ModeChat})

	assertSingleTerminal(t, events)
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("last event = %v, want done", events[len(events)-1].Type)
	}

	var newTurns, images int
	lastToolCall := -1
	for i, e := range events {
		switch e.Type {
		case EventNewTurn:
			newTurns++
			if i+1 >= len(events) || events[i+1].Type != EventContent {
				t.Errorf("new_turn at %d not followed by content: %v", i, types(events))
			}
		case EventToolCall:
			lastToolCall = i
		case EventImage:
			images++
			if lastToolCall < 0 {
				t.Errorf("image at %d without a preceding tool_call", i)
			}
			lastToolCall = -1
		}
	}
	if newTurns != 2 || images != 2 {
		t.Errorf("new_turn=%d image=%d, want 2 and 2; events %v", newTurns, images, types(events))
	}

	if len(s.reqs) != 2 || s.reqs[0].Images[0] != "img0" || s.reqs[1].Images[0] != "gen-1" {
		t.Errorf("synth requests = %+v, want second edit based on first result", s.reqs)
	}
	if res.RunContext.Current != "gen-2" || len(res.RunContext.Generated) != 2 {
		t.Errorf("run context = %+v", res.RunContext)
	}
	if res.Text != "Sure, warming it up.Now the sky.All done!" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRunBudgetExhaustedIsDone(t *testing.T) {
	m := &fakeModel{steps: []step{
		{calls: []llm.ToolCall{generateCall("c1", "a")}},
		{calls: []llm.ToolCall{generateCall("c2", "b")}},
	}}
	events, res := run(t, m, &fakeSynth{}, Request{Prompt: "go", Image: "img0", MaxTurns: 2})
	assertSingleTerminal(t, events)
	if events[len(events)-1].Type != EventDone || res.Err != nil {
		t.Fatalf("events %v err %v, want done", types(events), res.Err)
	}
	if len(m.reqs) != 2 {
		t.Errorf("model calls = %d, want 2", len(m.reqs))
	}
}

func TestRunModelErrorEmitsSingleError(t *testing.T) {
	boom := errors.New("service unavailable")
	m := &fakeModel{steps: []step{
		{chunks: []string{"Working"}, calls: []llm.ToolCall{generateCall("c1", "a")}},
		{err: boom},
	}}
	events, res := run(t, m, &fakeSynth{}, Request{Prompt: "go", Image: "img0"})
	assertSingleTerminal(t, events)
	last := events[len(events)-1]
	if last.Type != EventError || last.Message != boom.Error() {
		t.Fatalf("last = %+v, want error event", last)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("result err = %v", res.Err)
	}
	// The image from the first turn was emitted before the failure and stays generated.
	if len(res.RunContext.Generated) != 1 {
		t.Errorf("generated = %v", res.RunContext.Generated)
	}
}

func TestRunFailedGenerateIsFedBack(t *testing.T) {
	m := &fakeModel{steps: []step{
		{calls: []llm.ToolCall{generateCall("c1", "impossible")}},
		{chunks: []string{"That did not work, sorry."}},
	}}
	s := &fakeSynth{fail: func(imagegen.Request) bool { return true }}
	events, _ := run(t, m, s, Request{Prompt: "go", Image: "img0"})

	assertSingleTerminal(t, events)
	for _, e := range events {
		if e.Type == EventImage || e.Type == EventError {
			t.Fatalf("unexpected %s event: %v", e.Type, types(events))
		}
	}
	msgs := m.reqs[1].Messages
	tool := msgs[len(msgs)-1]
	if tool.Role != "tool" || tool.ToolCallID != "c1" || !strings.Contains(tool.Content.String(), `"success":false`) {
		t.Errorf("tool result = %+v", tool)
	}
}

func TestRunMissingEditPrompt(t *testing.T) {
	m := &fakeModel{steps: []step{
		{calls: []llm.ToolCall{{ID: "c1", Function: llm.ToolCallFunction{Name: ToolGenerateImage, Arguments: "{}"}}}},
		{chunks: []string{"ok"}},
	}}
	s := &fakeSynth{}
	run(t, m, s, Request{Prompt: "go", Image: "img0"})
	if len(s.reqs) != 0 {
		t.Errorf("synth called %d times for an empty editPrompt", len(s.reqs))
	}
}

func TestRunFallbackIsObservable(t *testing.T) {
	m := &fakeModel{steps: []step{
		{calls: []llm.ToolCall{{ID: "c1", Function: llm.ToolCallFunction{
			Name:      ToolGenerateImage,
			Arguments: `{"editPrompt":"restore face","useOriginalAsReference":true}`,
		}}}},
		{chunks: []string{"Fixed."}},
	}}
	s := &fakeSynth{fail: func(r imagegen.Request) bool { return len(r.Images) == 2 }}
	events, res := run(t, m, s, Request{Prompt: "fix", Image: "edited", Original: "orig"})

	var sawFallback, sawImage bool
	for _, e := range events {
		if e.Type == EventToolCall && len(e.Images) != 2 {
			t.Errorf("tool_call images = %v, want current and original", e.Images)
		}
		if e.Type == EventStatus && strings.Contains(e.Text, "Reference image unavailable") {
			sawFallback = true
		}
		if e.Type == EventImage {
			sawImage = true
		}
	}
	if !sawFallback || !sawImage {
		t.Errorf("fallback=%v image=%v: %v", sawFallback, sawImage, types(events))
	}
	if len(s.reqs) != 2 || len(s.reqs[1].Images) != 1 || s.reqs[1].Images[0] != "edited" {
		t.Errorf("synth requests = %+v", s.reqs)
	}
	if res.RunContext.Original != "orig" {
		t.Errorf("original changed to %q", res.RunContext.Original)
	}
}

func TestRunAnalysisModeTools(t *testing.T) {
	m := &fakeModel{steps: []step{
		{calls: []llm.ToolCall{{ID: "a1", Function: llm.ToolCallFunction{Name: ToolAnalyzeImage, Arguments: `{"question":"lighting"}`}}}},
		{chunks: []string{"A sunny beach."}},
	}}
	events, res := run(t, m, &fakeSynth{}, Request{Prompt: AnalysisPrompt(false), Image: "img0", Mode: ModeAnalysis})

	assertSingleTerminal(t, events)
	if tools := m.reqs[0].Tools; len(tools) != 1 || tools[0].Function.Name != ToolAnalyzeImage {
		t.Fatalf("analysis tools = %+v", tools)
	}
	if events[0].Type != EventStatus || events[0].Text != "Analyzing image: lighting" {
		t.Errorf("first event = %+v", events[0])
	}
	msgs := m.reqs[1].Messages
	tool, image := msgs[len(msgs)-2], msgs[len(msgs)-1]
	if tool.Role != "tool" || tool.ToolCallID != "a1" {
		t.Errorf("tool message = %+v", tool)
	}
	if image.Role != "user" || len(image.Content.Parts) != 2 || image.Content.Parts[0].ImageURL.URL != "data:image/jpeg;base64,img0" {
		t.Errorf("image message = %+v", image)
	}
	if res.Text != "A sunny beach." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRunToolResultsStayContiguous(t *testing.T) {
	m := &fakeModel{steps: []step{
		{calls: []llm.ToolCall{
			{ID: "a1", Function: llm.ToolCallFunction{Name: ToolAnalyzeImage}},
			generateCall("g1", "brighter"),
		}},
		{chunks: []string{"ok"}},
	}}
	run(t, m, &fakeSynth{}, Request{Prompt: "look then edit", Image: "img0"})
	msgs := m.reqs[1].Messages
	n := len(msgs)
	if msgs[n-3].Role != "tool" || msgs[n-2].Role != "tool" || msgs[n-1].Role != "user" {
		t.Errorf("roles = %s %s %s, want tool tool user", msgs[n-3].Role, msgs[n-2].Role, msgs[n-1].Role)
	}
}

func TestRunReactionMode(t *testing.T) {
	m := &fakeModel{steps: []step{{chunks: []string{"Lovely!"}}}}
	events, _ := run(t, m, &fakeSynth{}, Request{Prompt: "react", Image: "img1", Mode: ModeReaction})
	if got := types(events); len(got) != 2 || got[0] != EventContent || got[1] != EventDone {
		t.Fatalf("events = %v", got)
	}
	req := m.reqs[0]
	if len(req.Tools) != 0 {
		t.Errorf("reaction tools = %+v", req.Tools)
	}
	if user := req.Messages[len(req.Messages)-1]; len(user.Content.Parts) != 2 {
		t.Errorf("reaction user message = %+v, want image and text parts", user)
	}
}

func TestRunUnknownTool(t *testing.T) {
	m := &fakeModel{steps: []step{
		{calls: []llm.ToolCall{{ID: "x1", Function: llm.ToolCallFunction{Name: "crop_image", Arguments: `{"w":10}`}}}},
		{chunks: []string{"ok"}},
	}}
	events, _ := run(t, m, &fakeSynth{}, Request{Prompt: "crop", Image: "img0"})
	assertSingleTerminal(t, events)
	if events[0].Text != "Running crop_image" || events[1].Input["w"] != float64(10) {
		t.Errorf("events = %+v", events[:2])
	}
	msgs := m.reqs[1].Messages
	if got := msgs[len(msgs)-1].Content.String(); got != "Unknown tool: crop_image" {
		t.Errorf("tool result = %q", got)
	}
}

func TestCancelledRunEndsWithError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &fakeModel{steps: []step{{err: context.Canceled}}}
	r := NewRunner(m, &fakeSynth{}, Options{}, nil)
	var events []Event
	res := r.Run(ctx, Request{Prompt: "go", Image: "img0"}, func(e Event) { events = append(events, e) })
	assertSingleTerminal(t, events)
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestEncodeDecodeDispatch(t *testing.T) {
	var buf bytes.Buffer
	for _, e := range []Event{Status("thinking"), Content("hi"), NewTurn(), Image("img"), ToolCallEvent(ToolGenerateImage, map[string]any{"editPrompt": "x"}, []string{"a"}), Done()} {
		if err := Encode(&buf, e); err != nil {
			t.Fatal(err)
		}
	}
	buf.WriteString("data: {not json\n\n")
	buf.WriteString(`data: {"type":"sparkle","text":"future"}` + "\n\n")

	var seen []string
	h := Handler{
		OnStatus:   func(text string) { seen = append(seen, "status:"+text) },
		OnContent:  func(text string) { seen = append(seen, "content:"+text) },
		OnNewTurn:  func() { seen = append(seen, "new_turn") },
		OnImage:    func(img string) { seen = append(seen, "image:"+img) },
		OnToolCall: func(tool string, input map[string]any, images []string) { seen = append(seen, "tool:"+tool) },
		OnDone:     func() { seen = append(seen, "done") },
	}
	var count int
	err := Decode(&buf, func(e Event) bool {
		count++
		h.Dispatch(e)
		return true
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if count != 7 {
		t.Errorf("decoded %d events, want 7 (unknown tag passed through)", count)
	}
	want := "status:thinking content:hi new_turn image:img tool:generate_image done"
	if got := strings.Join(seen, " "); got != want {
		t.Errorf("dispatch = %q, want %q", got, want)
	}
}

func TestBuildChatPrompt(t *testing.T) {
	var history []models.Message
	for i := 0; i < 35; i++ {
		history = append(history, models.Message{Role: models.RoleUser, Content: fmt.Sprintf("msg%d", i)})
	}
	history = append(history, models.Message{Role: models.RoleAssistant, Content: strings.Repeat("x", 600)})

	p := BuildChatPrompt(ChatContext{
		Text:        "make it pop",
		Index:       0,
		Total:       3,
		Metadata:    &models.PhotoMetadata{Location: "Lisbon"},
		Description: "A tram on a hill.",
		Tips:        []models.TipSummary{{Emoji: "✨", Label: "Pop", Desc: "more color", Category: models.CategoryEnhance}},
		History:     history,
	})
	for _, want := range []string{"version 1 of 3", "Location: Lisbon", "A tram on a hill.", "[enhance] ✨ Pop", "[Current request]\nmake it pop"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p, "msg5\n") || !strings.Contains(p, "msg6") {
		t.Errorf("history not limited to the last 30 messages")
	}
	if strings.Contains(p, strings.Repeat("x", 501)) {
		t.Errorf("history content not truncated")
	}

	latest := BuildChatPrompt(ChatContext{Text: "hi", Index: 2, Total: 3})
	if latest != "[Current request]\nhi" {
		t.Errorf("latest prompt = %q", latest)
	}
}

func TestMockChatStreamsCannedReply(t *testing.T) {
	var chunks []string
	turn, err := MockChat{}.Stream(context.Background(), llm.ChatRequest{Messages: []llm.Message{
		{Role: "user", Content: llm.Parts(llm.ImagePart("data:image/jpeg;base64,AA=="), llm.TextPart("hi"))},
	}}, func(s string) { chunks = append(chunks, s) })
	if err != nil {
		t.Fatal(err)
	}
	if turn.Text != mockPhotoReply || strings.Join(chunks, "") != mockPhotoReply || len(chunks) < 2 {
		t.Fatalf("turn %q from %d chunks", turn.Text, len(chunks))
	}

	r := NewRunner(MockChat{}, &fakeSynth{}, Options{Model: "test"}, nil)
	var events []Event
	res := r.Run(context.Background(), Request{Prompt: "make it warm", Image: "img0", Mode: ModeChat}, func(e Event) { events = append(events, e) })
	if res.Err != nil || res.Text == "" {
		t.Fatalf("result = %+v", res)
	}
	if last := events[len(events)-1]; last.Type != EventDone {
		t.Fatalf("last event = %+v", last)
	}
}

func TestMockChatHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (MockChat{Delay: time.Second}).Stream(ctx, llm.ChatRequest{}, func(string) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

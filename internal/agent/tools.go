package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"photoedit/internal/imageref"
	"photoedit/internal/llm"
)

const (
	ToolGenerateImage = "generate_image"
	ToolAnalyzeImage  = "analyze_image"
)

var generateImageTool = llm.Tool{
	Type: "function",
	Function: llm.ToolFunction{
		Name:        ToolGenerateImage,
		Description: "Edit the current photo. Takes a detailed English editing prompt and produces an edited image. The result is automatically shown to the user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"editPrompt": map[string]any{
					"type":        "string",
					"description": "Detailed English prompt describing the desired edits",
				},
				"aspectRatio": map[string]any{
					"type":        "string",
					"description": `Target aspect ratio e.g. "4:5", "1:1", "16:9"`,
				},
				"useOriginalAsReference": map[string]any{
					"type":        "boolean",
					"description": "Also send the original upload as a reference to restore faces or details that drifted in earlier edits",
				},
			},
			"required": []string{"editPrompt"},
		},
	},
}

var analyzeImageTool = llm.Tool{
	Type: "function",
	Function: llm.ToolFunction{
		Name:        ToolAnalyzeImage,
		Description: "See and analyze the current photo. Returns the image so you can view it directly with your vision capabilities.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "Optional focus area for the analysis",
				},
			},
		},
	},
}

// ToolCall is one invocation requested by the model. The set of variants is
// closed: each one dispatches to a method of toolVisitor, so a new tool does
// not compile until every visitor handles it.
type ToolCall interface {
	CallID() string
	Name() string
	Input() map[string]any
	accept(ctx context.Context, v toolVisitor) toolOutcome
}

type toolVisitor interface {
	generateImage(ctx context.Context, call GenerateImage) toolOutcome
	analyzeImage(ctx context.Context, call AnalyzeImage) toolOutcome
	unknownTool(ctx context.Context, call UnknownTool) toolOutcome
}

type GenerateImage struct {
	ID                     string
	EditPrompt             string `json:"editPrompt"`
	AspectRatio            string `json:"aspectRatio,omitempty"`
	UseOriginalAsReference bool   `json:"useOriginalAsReference,omitempty"`
}

type AnalyzeImage struct {
	ID       string
	Question string `json:"question,omitempty"`
}

// UnknownTool is any invocation name this agent does not define.
type UnknownTool struct {
	ID        string
	ToolName  string
	Arguments string
}

func (c GenerateImage) CallID() string { return c.ID }
func (c GenerateImage) Name() string   { return ToolGenerateImage }
func (c GenerateImage) Input() map[string]any {
	in := map[string]any{"editPrompt": c.EditPrompt}
	if c.AspectRatio != "" {
		in["aspectRatio"] = c.AspectRatio
	}
	if c.UseOriginalAsReference {
		in["useOriginalAsReference"] = true
	}
	return in
}
func (c GenerateImage) accept(ctx context.Context, v toolVisitor) toolOutcome {
	return v.generateImage(ctx, c)
}

func (c AnalyzeImage) CallID() string { return c.ID }
func (c AnalyzeImage) Name() string   { return ToolAnalyzeImage }
func (c AnalyzeImage) Input() map[string]any {
	if c.Question == "" {
		return map[string]any{}
	}
	return map[string]any{"question": c.Question}
}
func (c AnalyzeImage) accept(ctx context.Context, v toolVisitor) toolOutcome {
	return v.analyzeImage(ctx, c)
}

func (c UnknownTool) CallID() string { return c.ID }
func (c UnknownTool) Name() string   { return c.ToolName }
func (c UnknownTool) Input() map[string]any {
	var in map[string]any
	if json.Unmarshal([]byte(c.Arguments), &in) != nil {
		return map[string]any{}
	}
	return in
}
func (c UnknownTool) accept(ctx context.Context, v toolVisitor) toolOutcome {
	return v.unknownTool(ctx, c)
}

// ParseToolCall converts a raw model tool call into its variant. Arguments
// that do not parse leave the variant's fields empty.
func ParseToolCall(tc llm.ToolCall) ToolCall {
	args := tc.Function.Arguments
	if args == "" {
		args = "{}"
	}
	switch tc.Function.Name {
	case ToolGenerateImage:
		call := GenerateImage{}
		json.Unmarshal([]byte(args), &call)
		call.ID = tc.ID
		return call
	case ToolAnalyzeImage:
		call := AnalyzeImage{}
		json.Unmarshal([]byte(args), &call)
		call.ID = tc.ID
		return call
	}
	return UnknownTool{ID: tc.ID, ToolName: tc.Function.Name, Arguments: args}
}

// RunContext is the state of one run, threaded through every tool call.
type RunContext struct {
	Current   string   // edit base for the next generate_image
	Original  string   // first upload; never replaced
	Generated []string // images produced during the run, in order
	Turn      int
}

func (rc RunContext) withImage(img string) RunContext {
	gen := make([]string, len(rc.Generated), len(rc.Generated)+1)
	copy(gen, rc.Generated)
	rc.Generated = append(gen, img)
	rc.Current = img
	return rc
}

// GenerateResult is the tool result returned to the model for generate_image.
type GenerateResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// toolOutcome is what executing one call produced.
type toolOutcome struct {
	rc       RunContext
	image    string // set when generate_image succeeded
	fallback bool   // two-image mode degraded to a single image
	result   llm.Message
	extra    []llm.Message // content that must follow all tool results
}

func toolMessage(id string, v any) llm.Message {
	var content string
	switch x := v.(type) {
	case string:
		content = x
	default:
		b, _ := json.Marshal(x)
		content = string(b)
	}
	return llm.Message{Role: "tool", ToolCallID: id, Content: llm.Text(content)}
}

// analyzeResult hands the current image back to the model. Tool messages
// only carry text, so the image follows as user content.
func analyzeResult(rc RunContext, call AnalyzeImage) (llm.Message, llm.Message, error) {
	if rc.Current == "" {
		return llm.Message{}, llm.Message{}, fmt.Errorf("analyze_image: %w", imageref.ErrInvalid)
	}
	focus := "Analyze this image in detail for photo editing purposes."
	if call.Question != "" {
		focus = "Analyze the image above, focusing on: " + call.Question
	}
	return toolMessage(call.ID, "The current image is attached below."),
		llm.Message{Role: "user", Content: llm.Parts(llm.ImagePart(imageref.DataURL(rc.Current)), llm.TextPart(focus))},
		nil
}

// statusFor is the status line shown while a call runs.
func statusFor(call ToolCall) string {
	switch c := call.(type) {
	case AnalyzeImage:
		if c.Question != "" {
			return "Analyzing image: " + truncateRunes(c.Question, 25)
		}
		return "Analyzing image"
	case GenerateImage:
		return "Generating image..."
	}
	return "Running " + call.Name()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

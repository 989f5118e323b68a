package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventType tags an event on the agent stream.
type EventType string

const (
	EventStatus   EventType = "status"
	EventContent  EventType = "content"
	EventNewTurn  EventType = "new_turn"
	EventImage    EventType = "image"
	EventToolCall EventType = "tool_call"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one record of the agent stream. Only the fields of its Type are set.
type Event struct {
	Type    EventType      `json:"type"`
	Text    string         `json:"text,omitempty"`
	Image   string         `json:"image,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Message string         `json:"message,omitempty"`
}

func Status(text string) Event  { return Event{Type: EventStatus, Text: text} }
func Content(text string) Event { return Event{Type: EventContent, Text: text} }
func NewTurn() Event            { return Event{Type: EventNewTurn} }
func Image(img string) Event    { return Event{Type: EventImage, Image: img} }
func Done() Event               { return Event{Type: EventDone} }
func Error(msg string) Event    { return Event{Type: EventError, Message: msg} }

func ToolCallEvent(tool string, input map[string]any, images []string) Event {
	return Event{Type: EventToolCall, Tool: tool, Input: input, Images: images}
}

// Terminal reports whether no event may follow e.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Encode writes e as one "data: <json>" record.
func Encode(w io.Writer, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// Decode reads records from r and calls fn for each well-formed one until r
// is exhausted or fn returns false. Malformed records are skipped.
func Decode(r io.Reader, fn func(Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	scanner.Split(splitRecords)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &e); err != nil {
			continue
		}
		if !fn(e) {
			return nil
		}
	}
	return scanner.Err()
}

// splitRecords splits on blank lines, accepting single newlines too.
func splitRecords(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Handler mirrors the consumer contract; nil callbacks are skipped.
type Handler struct {
	OnStatus   func(text string)
	OnContent  func(text string)
	OnNewTurn  func()
	OnImage    func(img string)
	OnToolCall func(tool string, input map[string]any, images []string)
	OnDone     func()
	OnError    func(msg string)
}

// Dispatch routes e to its callback. Unknown tags are ignored.
func (h Handler) Dispatch(e Event) {
	switch e.Type {
	case EventStatus:
		if h.OnStatus != nil {
			h.OnStatus(e.Text)
		}
	case EventContent:
		if h.OnContent != nil {
			h.OnContent(e.Text)
		}
	case EventNewTurn:
		if h.OnNewTurn != nil {
			h.OnNewTurn()
		}
	case EventImage:
		if h.OnImage != nil {
			h.OnImage(e.Image)
		}
	case EventToolCall:
		if h.OnToolCall != nil {
			h.OnToolCall(e.Tool, e.Input, e.Images)
		}
	case EventDone:
		if h.OnDone != nil {
			h.OnDone()
		}
	case EventError:
		if h.OnError != nil {
			h.OnError(e.Message)
		}
	}
}

package tips

import (
	"encoding/json"
	"strings"

	"photoedit/internal/models"
)

// Scan finds the balanced-brace objects in text and returns those beyond the
// first emitted ones, together with the new total. Braces inside JSON string
// literals are ignored. An unmatched brace, or one wrapping other objects, is
// stepped over and scanning continues inside it; past such a brace only valid
// JSON objects are counted, so the total is stable when it closes later.
// An unterminated trailing object is left for a later call with more text.
func Scan(text string, emitted int) ([]json.RawMessage, int) {
	var (
		out   []json.RawMessage
		found int
		loose bool
	)
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, nested := closing(text, i)
		if end < 0 || nested {
			loose = true
			continue
		}
		if loose && !json.Valid([]byte(text[i:end+1])) {
			continue
		}
		found++
		if found > emitted {
			out = append(out, json.RawMessage(text[i:end+1]))
		}
		i = end
	}
	if found < emitted {
		found = emitted
	}
	return out, found
}

// closing returns the index of the brace that closes the object opened at
// start, or -1 when text ends first. nested reports an inner object.
func closing(text string, start int) (end int, nested bool) {
	depth := 0
	inString, escaped := false, false
	for j := start; j < len(text); j++ {
		c := text[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
			if depth > 1 {
				nested = true
			}
		case '}':
			depth--
			if depth == 0 {
				return j, nested
			}
		}
	}
	return -1, nested
}

// ParseTip decodes one object. It reports false for malformed JSON and for
// tips missing label, editPrompt or a known category.
func ParseTip(raw json.RawMessage) (models.Tip, bool) {
	var t models.Tip
	if err := json.Unmarshal(raw, &t); err != nil {
		return models.Tip{}, false
	}
	t.Label = strings.TrimSpace(t.Label)
	t.EditPrompt = strings.TrimSpace(t.EditPrompt)
	if t.Label == "" || t.EditPrompt == "" || !t.Category.Valid() {
		return models.Tip{}, false
	}
	// Preview state is owned by the client, never by the model.
	t.PreviewImage = ""
	t.Status = ""
	return t, true
}

// Scanner accumulates streamed text and returns tips as their objects close.
type Scanner struct {
	text    strings.Builder
	emitted int
}

// Feed appends delta and returns the tips completed by it.
func (s *Scanner) Feed(delta string) []models.Tip {
	s.text.WriteString(delta)
	var raws []json.RawMessage
	raws, s.emitted = Scan(s.text.String(), s.emitted)
	var out []models.Tip
	for _, raw := range raws {
		if t, ok := ParseTip(raw); ok {
			out = append(out, t)
		}
	}
	return out
}

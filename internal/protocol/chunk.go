package protocol

import (
	"encoding/json"
	"strings"
	"unicode"
)

// ExtractChunkText resolves the text carried by a stream chunk. The backend
// has shipped several shapes over time; the first match wins:
//
//	"x"
//	{"content": "x"}
//	{"content": {"chunk": "x"}}
//	{"content": {"chunk": {"content": "x"}}}
//	{"content": {"chunk": {"text": "x"}}}
//
// Anything else yields "".
func ExtractChunkText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var outer struct {
		Content json.RawMessage `json:"content"`
	}
	if json.Unmarshal(raw, &outer) != nil || len(outer.Content) == 0 {
		return ""
	}
	if json.Unmarshal(outer.Content, &s) == nil {
		return s
	}

	var middle struct {
		Chunk json.RawMessage `json:"chunk"`
	}
	if json.Unmarshal(outer.Content, &middle) != nil || len(middle.Chunk) == 0 {
		return ""
	}
	if json.Unmarshal(middle.Chunk, &s) == nil {
		return s
	}

	var inner struct {
		Content *string `json:"content"`
		Text    *string `json:"text"`
	}
	if json.Unmarshal(middle.Chunk, &inner) != nil {
		return ""
	}
	if inner.Content != nil {
		return *inner.Content
	}
	if inner.Text != nil {
		return *inner.Text
	}
	return ""
}

// Sanitize drops control characters other than newline, carriage return
// and tab from assistant text. Whitespace and line endings are kept so the
// stored text is exactly the concatenated stream.
func Sanitize(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}

// Package privacy scrubs user text before it is written to the transcript.
package privacy

import (
	"regexp"
	"strings"
)

// InlineDataMarker replaces pasted data URLs.
const InlineDataMarker = "[inline data]"

// scrubber rewrites one kind of content out of a message.
type scrubber struct {
	name string
	re   *regexp.Regexp
	with string
}

// scrubbers run in order. Private spans go first so a data URL inside one
// is dropped rather than marked.
var scrubbers = []scrubber{
	{name: "private", re: regexp.MustCompile(`(?s)<private>.*?</private>`)},
	{name: "canvas_state", re: regexp.MustCompile(`(?s)<canvas_state>.*?</canvas_state>`)},
	{name: "data_url", re: regexp.MustCompile(`data:[\w.+-]+/[\w.+-]+;base64,[A-Za-z0-9+/=_-]{64,}`), with: InlineDataMarker},
}

func scrub(name, text string) string {
	for _, s := range scrubbers {
		if s.name == name {
			return s.re.ReplaceAllString(text, s.with)
		}
	}
	return text
}

// StripPrivateTags removes all <private>...</private> content from text.
func StripPrivateTags(text string) string { return scrub("private", text) }

// StripCanvasState removes the <canvas_state> block the gateway prepends to missions.
func StripCanvasState(text string) string { return scrub("canvas_state", text) }

// RedactInlineData replaces long base64 data URLs with InlineDataMarker.
func RedactInlineData(text string) string { return scrub("data_url", text) }

// IsEntirelyPrivate reports whether nothing remains once private spans are removed.
func IsEntirelyPrivate(text string) bool {
	return strings.TrimSpace(StripPrivateTags(text)) == ""
}

// Clean applies every scrubber and trims the result. Use it before storing
// any user content.
func Clean(text string) string {
	for _, s := range scrubbers {
		text = s.re.ReplaceAllString(text, s.with)
	}
	return strings.TrimSpace(text)
}

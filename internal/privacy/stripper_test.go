package privacy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripPrivateTags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no tags", input: "Hello world", expected: "Hello world"},
		{name: "single private tag", input: "Hello <private>secret</private> world", expected: "Hello  world"},
		{name: "multiple private tags", input: "a <private>1</private> b <private>2</private> c", expected: "a  b  c"},
		{name: "multiline private tag", input: "Hello <private>\nmulti\nline\n</private> world", expected: "Hello  world"},
		{name: "empty private tag", input: "Hello <private></private> world", expected: "Hello  world"},
		{name: "entirely private", input: "<private>everything is secret</private>", expected: ""},
		{name: "unmatched opening tag", input: "Hello <private>unclosed", expected: "Hello <private>unclosed"},
		{name: "unmatched closing tag", input: "Hello </private> world", expected: "Hello </private> world"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripPrivateTags(tt.input))
		})
	}
}

func TestStripCanvasState(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no block", input: "summarize invoices", expected: "summarize invoices"},
		{
			name:     "prepended block",
			input:    "<canvas_state>\n[card_1] Invoice\n</canvas_state>\n\nsummarize invoices",
			expected: "\n\nsummarize invoices",
		},
		{name: "only block", input: "<canvas_state>[card_1] A</canvas_state>", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripCanvasState(tt.input))
		})
	}
}

func TestRedactInlineData(t *testing.T) {
	payload := strings.Repeat("QUJD", 32)
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "image", input: "see data:image/png;base64," + payload + " here", expected: "see [inline data] here"},
		{name: "pdf", input: "data:application/pdf;base64," + payload, expected: "[inline data]"},
		{name: "short payload kept", input: "data:text/plain;base64,aGk=", expected: "data:text/plain;base64,aGk="},
		{name: "plain url kept", input: "https://example.com/a.png", expected: "https://example.com/a.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedactInlineData(tt.input))
		})
	}
}

func TestIsEntirelyPrivate(t *testing.T) {
	assert.True(t, IsEntirelyPrivate("<private>x</private>"))
	assert.True(t, IsEntirelyPrivate("  <private>x</private>\n"))
	assert.True(t, IsEntirelyPrivate(""))
	assert.False(t, IsEntirelyPrivate("visible <private>x</private>"))
}

func TestClean(t *testing.T) {
	in := "<canvas_state>\n[card_1] Invoice\n</canvas_state>\n\nFind the <private>acct 1234</private> total  "
	assert.Equal(t, "Find the  total", Clean(in))
	assert.Equal(t, "", Clean("   "))

	pasted := "<private>data:image/png;base64," + strings.Repeat("A", 80) + "</private>read this data:image/png;base64," + strings.Repeat("B", 80)
	assert.Equal(t, "read this [inline data]", Clean(pasted))
}

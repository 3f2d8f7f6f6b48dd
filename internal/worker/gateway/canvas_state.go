package gateway

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

const (
	maxBlockText  = 200
	maxTableRows  = 5
	maxStatePairs = 10
)

// binaryKeys mark blocks whose payload must never reach the agent prompt.
var binaryKeys = []string{"data", "base64", "content_base64", "image"}

// FormatCanvasState renders the client's open cards as a <canvas_state>
// block. raw is a JSON array of cards, a JSON string holding one, or an
// object with a "cards" array. Unparseable or empty input yields "".
func FormatCanvasState(raw json.RawMessage) string {
	cards := parseCanvasState(raw)
	if len(cards) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<canvas_state>\n")
	for _, card := range cards {
		id, _ := card["id"].(string)
		if id == "" {
			id, _ = card["card_id"].(string)
		}
		title, _ := card["title"].(string)
		fmt.Fprintf(&b, "[%s] %s\n", id, oneLine(title, maxBlockText))
		blocks, _ := card["blocks"].([]any)
		for _, raw := range blocks {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if line := summarizeBlock(block); line != "" {
				b.WriteString("  - ")
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
	}
	b.WriteString("</canvas_state>")
	return b.String()
}

func parseCanvasState(raw json.RawMessage) []map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
	}
	if obj, ok := v.(map[string]any); ok {
		v = obj["cards"]
	}
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if card, ok := item.(map[string]any); ok {
			out = append(out, card)
		}
	}
	return out
}

func isBinary(block map[string]any) bool {
	if t, _ := block["type"].(string); t == "document" || t == "image" {
		return true
	}
	for _, k := range binaryKeys {
		if _, ok := block[k]; ok {
			return true
		}
	}
	return false
}

func summarizeBlock(block map[string]any) string {
	typ, _ := block["type"].(string)
	if isBinary(block) {
		name := str(block["filename"])
		if name == "" {
			name = str(block["name"])
		}
		if name == "" {
			name = "(binary)"
		}
		if typ == "" {
			typ = "file"
		}
		return typ + ": " + oneLine(name, maxBlockText)
	}

	switch typ {
	case "separator":
		return ""
	case "heading", "badge":
		return typ + ": " + oneLine(str(block["text"]), maxBlockText)
	case "text":
		return "text: " + oneLine(str(block["content"]), maxBlockText)
	case "stat":
		return fmt.Sprintf("stat: %s = %s", str(block["label"]), oneLine(str(block["value"]), maxBlockText))
	case "progress":
		return fmt.Sprintf("progress: %s %s%%", str(block["label"]), str(block["value"]))
	case "key-value":
		pairs, _ := block["pairs"].([]any)
		parts := make([]string, 0, len(pairs))
		for i, p := range pairs {
			if i == maxStatePairs {
				parts = append(parts, "...")
				break
			}
			kv, _ := p.(map[string]any)
			parts = append(parts, str(kv["key"])+"="+oneLine(str(kv["value"]), 60))
		}
		return "key-value: " + strings.Join(parts, ", ")
	case "table":
		return summarizeTable(block)
	case "":
		return ""
	default:
		return typ
	}
}

func summarizeTable(block map[string]any) string {
	var headers []string
	if hs, ok := block["headers"].([]any); ok {
		for _, h := range hs {
			headers = append(headers, str(h))
		}
	}
	rows, _ := block["rows"].([]any)
	var b strings.Builder
	fmt.Fprintf(&b, "table: %s (%d rows)", strings.Join(headers, " | "), len(rows))
	for i, r := range rows {
		if i == maxTableRows {
			b.WriteString("; ...")
			break
		}
		b.WriteString("; ")
		b.WriteString(rowText(r, headers))
	}
	return b.String()
}

func rowText(r any, headers []string) string {
	switch row := r.(type) {
	case map[string]any:
		keys := headers
		if len(keys) == 0 {
			for k := range row {
				keys = append(keys, k)
			}
			sort.Strings(keys)
		}
		vals := make([]string, 0, len(keys))
		for _, k := range keys {
			vals = append(vals, oneLine(str(row[k]), 60))
		}
		return strings.Join(vals, " | ")
	case []any:
		vals := make([]string, 0, len(row))
		for _, v := range row {
			vals = append(vals, oneLine(str(v), 60))
		}
		return strings.Join(vals, " | ")
	default:
		return oneLine(str(r), 60)
	}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

package sdk

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/memory"
	"github.com/thebtf/tandem/pkg/models"
)

// ParsedResponse is the structured content of one curation response.
type ParsedResponse struct {
	// FileUpdates maps a daemon-managed file name to its full new content.
	FileUpdates map[string]string
	Learnings   []*models.Learning
	Actions     []*models.PendingAction
	None        bool
}

// Empty reports whether the response produced nothing to store.
func (p *ParsedResponse) Empty() bool {
	return len(p.Learnings) == 0 && len(p.Actions) == 0 && len(p.FileUpdates) == 0
}

var (
	entryRe  = regexp.MustCompile(`^(?:[-*]\s+)?(FACT|PATTERN|CORRECTION|PREFERENCE|TOOL_INSTALL|ACTION):\s*(.*)$`)
	updateRe = regexp.MustCompile(`^([A-Z][A-Z0-9_]*_UPDATE):\s*(.*)$`)
	noneRe   = regexp.MustCompile(`^(?:[-*]\s+)?NONE\.?$`)
	actionRe = regexp.MustCompile(`(?i)^\[(low|normal|high)\]\s*(.*)$`)
)

// ParseResponse reads single-line entries and multi-line <FILE>_UPDATE blocks.
// A block runs until the next recognized prefix or the end of text. Blocks
// naming files that are not daemon-managed are dropped.
func ParseResponse(text string, manifest *memory.Manifest) *ParsedResponse {
	out := &ParsedResponse{FileUpdates: make(map[string]string)}

	var (
		blockFile  string
		blockLines []string
		inBlock    bool
	)
	closeBlock := func() {
		if !inBlock {
			return
		}
		if blockFile != "" {
			out.FileUpdates[blockFile] = strings.Trim(strings.Join(blockLines, "\n"), "\n") + "\n"
		}
		inBlock, blockFile, blockLines = false, "", nil
	}

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)

		if m := updateRe.FindStringSubmatch(line); m != nil {
			closeBlock()
			inBlock = true
			if spec, ok := manifest.ByUpdateKey(m[1]); ok {
				blockFile = spec.Name
			} else {
				log.Warn().Str("key", m[1]).Msg("Ignoring update block for a file curation does not manage")
			}
			if m[2] != "" {
				blockLines = append(blockLines, m[2])
			}
			continue
		}
		if m := entryRe.FindStringSubmatch(line); m != nil {
			closeBlock()
			addEntry(out, m[1], strings.TrimSpace(m[2]))
			continue
		}
		if noneRe.MatchString(line) {
			closeBlock()
			out.None = true
			continue
		}
		if inBlock {
			blockLines = append(blockLines, strings.TrimRight(raw, " \t"))
		}
	}
	closeBlock()
	return out
}

func addEntry(out *ParsedResponse, prefix, content string) {
	if content == "" || isSelfReferential(content) {
		return
	}
	if prefix == "ACTION" {
		priority := models.PriorityNormal
		if m := actionRe.FindStringSubmatch(content); m != nil {
			priority = models.ParsePriority(m[1])
			content = strings.TrimSpace(m[2])
		}
		if content == "" {
			return
		}
		out.Actions = append(out.Actions, &models.PendingAction{
			Content:  content,
			Priority: priority,
			Status:   models.ActionPending,
		})
		return
	}
	typ, ok := models.ParseLearningType(prefix)
	if !ok {
		return
	}
	out.Learnings = append(out.Learnings, &models.Learning{Type: typ, Content: content})
}

// selfReferentialPhrases mark entries where the summarizer describes its own
// task instead of the conversation.
var selfReferentialPhrases = []string{
	"memory curation",
	"memory agent",
	"curation agent",
	"as an ai",
	"no conversation turns",
	"awaiting user input",
	"waiting for the user",
	"nothing to record",
}

func isSelfReferential(content string) bool {
	lower := strings.ToLower(content)
	for _, p := range selfReferentialPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Package sdk turns unprocessed transcript observations into curated memory
// through one stateless summarization call per batch.
package sdk

import (
	"fmt"
	"strings"
	"time"

	"github.com/thebtf/tandem/internal/memory"
	"github.com/thebtf/tandem/pkg/models"
)

// BuildObservationBlock formats one observation for the curation prompt.
func BuildObservationBlock(obs *models.Observation) string {
	timestamp := time.UnixMilli(obs.Timestamp).UTC().Format(time.RFC3339)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<observation seq=\"%d\" at=\"%s\">\n", obs.SequenceNum, timestamp))
	if obs.UserMessage != "" {
		sb.WriteString(fmt.Sprintf("  <user>%s</user>\n", truncate(obs.UserMessage, 4000)))
	}
	for _, tc := range obs.ToolCalls {
		sb.WriteString(fmt.Sprintf("  <tool name=\"%s\">\n", tc.Name))
		if tc.Input != "" {
			sb.WriteString(fmt.Sprintf("    <parameters>%s</parameters>\n", tc.Input))
		}
		if tc.Response != "" {
			sb.WriteString(fmt.Sprintf("    <outcome>%s</outcome>\n", tc.Response))
		}
		sb.WriteString("  </tool>\n")
	}
	if obs.AgentResponse != "" {
		sb.WriteString(fmt.Sprintf("  <agent>%s</agent>\n", truncate(obs.AgentResponse, 4000)))
	}
	sb.WriteString("</observation>")
	return sb.String()
}

// BuildCurationPrompt builds the single prompt for one batch: current memory
// file contents, every observation, and the response format.
func BuildCurationPrompt(manifest *memory.Manifest, sections []memory.Section, observations []*models.Observation) string {
	var sb strings.Builder

	sb.WriteString("MEMORY CURATION\n")
	sb.WriteString("===============\n")
	sb.WriteString("You maintain the long-term memory of an assistant that works with a user on a visual canvas of cards. ")
	sb.WriteString("Read the current memory files and the conversation turns below, then record only what will matter in future sessions.\n\n")

	sb.WriteString("CURRENT MEMORY FILES\n")
	if rendered := memory.Render(sections); rendered != "" {
		sb.WriteString(rendered)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("(empty)\n\n")
	}

	sb.WriteString(fmt.Sprintf("CONVERSATION TURNS (%d)\n", len(observations)))
	for _, obs := range observations {
		sb.WriteString(BuildObservationBlock(obs))
		sb.WriteString("\n")
	}

	sb.WriteString(`
Respond with one entry per line using these prefixes:
FACT: <a durable fact about the user, their business or their data>
PATTERN: <a recurring workflow or habit>
CORRECTION: <subject>: <what the assistant got wrong and the correct behavior>
PREFERENCE: <how the user likes things done>
TOOL_INSTALL: <a tool or integration the user set up>
ACTION: [low|normal|high] <a follow-up that needs doing>
NONE (when nothing is worth remembering)
`)

	var keys []string
	for _, f := range manifest.Daemon() {
		keys = append(keys, fmt.Sprintf("%s (%s)", f.UpdateKey(), f.Name))
	}
	if len(keys) > 0 {
		sb.WriteString("\nTo rewrite a memory file, start a line with its key followed by a colon and put the complete new file content below it. ")
		sb.WriteString("The content replaces the whole file and runs until the next prefixed line. Only these files may be rewritten: ")
		sb.WriteString(strings.Join(keys, ", "))
		sb.WriteString(".\n")
	}

	sb.WriteString("\nDo not describe yourself or this task. Output nothing except the entries above.")
	return sb.String()
}

// truncate truncates a string to the specified length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}

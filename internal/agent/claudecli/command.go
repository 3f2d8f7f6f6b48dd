// Package claudecli implements agent.Backend and sdk.Summarizer on top of the
// claude CLI in print mode.
package claudecli

import (
	"context"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"
)

// BuildCmd constructs a claude invocation. The prompt is fed on stdin, which
// also keeps the CLI from waiting on a terminal. CLAUDECODE* variables are
// stripped so a nested CLI does not believe it runs inside another session.
func BuildCmd(ctx context.Context, path, prompt string, args ...string) *exec.Cmd {
	if path == "" {
		path = "claude"
	}
	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec // arguments are constructed internally
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = slices.DeleteFunc(os.Environ(), func(e string) bool {
		return strings.HasPrefix(e, "CLAUDECODE")
	})
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// turnArgs are the flags of one streamed conversation turn.
func turnArgs(model, systemPrompt, resumeID, mcpConfig string, maxTurns int, allowed []string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if mcpConfig != "" {
		args = append(args, "--mcp-config", mcpConfig, "--strict-mcp-config")
	}
	if len(allowed) > 0 {
		args = append(args, "--allowedTools", strings.Join(allowed, ","))
	}
	return args
}

// summarizeArgs are the flags of a stateless single completion.
func summarizeArgs(model string) []string {
	args := []string{"-p", "--output-format", "json", "--max-turns", "1"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// qualifiedToolName is the name the CLI exposes an MCP tool under.
func qualifiedToolName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}

// bareToolName strips the mcp__<server>__ prefix when present.
func bareToolName(name string) string {
	if !strings.HasPrefix(name, "mcp__") {
		return name
	}
	parts := strings.SplitN(name, "__", 3)
	if len(parts) != 3 || parts[2] == "" {
		return name
	}
	return parts[2]
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	data []byte
	max  int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if over := len(b.data) - b.max; over > 0 {
		b.data = b.data[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return strings.TrimSpace(string(b.data)) }

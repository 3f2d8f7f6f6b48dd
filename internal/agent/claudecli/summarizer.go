package claudecli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/goccy/go-json"

	"github.com/thebtf/tandem/internal/agent"
)

// Summarizer makes stateless single completions for memory curation.
type Summarizer struct {
	ClaudePath string
	Model      string

	newCmd func(ctx context.Context, prompt string, args []string) *exec.Cmd
}

// NewSummarizer returns a summarizer using the given executable and model.
func NewSummarizer(path, model string) *Summarizer {
	s := &Summarizer{ClaudePath: path, Model: model}
	s.newCmd = func(ctx context.Context, prompt string, args []string) *exec.Cmd {
		return BuildCmd(ctx, s.ClaudePath, prompt, args...)
	}
	return s
}

type jsonResult struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// Summarize runs prompt and returns the completion text.
func (s *Summarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	cmd := s.newCmd(ctx, prompt, summarizeArgs(s.Model))
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("summarize: %w", ctx.Err())
		}
		if msg := stderr.String(); msg != "" {
			return "", fmt.Errorf("summarize: %w", agent.ErrorFromMessage(msg))
		}
		return "", fmt.Errorf("summarize: %w", err)
	}

	out = bytes.TrimSpace(out)
	var res jsonResult
	if err := json.Unmarshal(out, &res); err != nil {
		// Older CLIs print plain text for -p.
		return strings.TrimSpace(string(out)), nil
	}
	if res.IsError {
		msg := res.Result
		if msg == "" {
			msg = res.Subtype
		}
		return "", fmt.Errorf("summarize: %w", agent.ErrorFromMessage(msg))
	}
	return strings.TrimSpace(res.Result), nil
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "curate", "snapshot", "mcp", "version"}, names)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tandem dev"), out)
}

func TestSnapshot_FreshDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TANDEM_DATA_DIR", dir)

	out, err := run(t, "snapshot", "--data-dir", dir)
	require.NoError(t, err)

	var snap struct {
		Stacks        []json.RawMessage `json:"stacks"`
		ActiveStackID string            `json:"active_stack_id"`
		ChatHistory   []json.RawMessage `json:"chat_history"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Len(t, snap.Stacks, 1)
	assert.NotEmpty(t, snap.ActiveStackID)
	assert.Empty(t, snap.ChatHistory)
	assert.FileExists(t, dir+"/workspace.db")
	assert.FileExists(t, dir+"/memory/USER.md")
}

func TestCurate_NothingPending(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TANDEM_DATA_DIR", dir)

	out, err := run(t, "curate")
	require.NoError(t, err)
	assert.Equal(t, "Nothing to curate\n", out)
}

func TestMCP_RequiresHandle(t *testing.T) {
	_, err := run(t, "mcp", "--url", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--handle")
}

func TestMCP_EmptyInput(t *testing.T) {
	out, err := run(t, "mcp", "--url", "http://127.0.0.1:1", "--handle", "h1")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

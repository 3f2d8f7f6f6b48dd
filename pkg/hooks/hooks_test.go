package hooks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/tandem/pkg/models"
)

type fakeTranscript struct {
	mu         sync.Mutex
	inserted   []*models.Observation
	unprocess  int
	insertErr  error
	countErr   error
	pruneCalls int
	panicOn    string
}

func (f *fakeTranscript) InsertObservation(_ context.Context, obs *models.Observation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == "insert" {
		panic("disk on fire")
	}
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted = append(f.inserted, obs)
	f.unprocess++
	return int64(len(f.inserted)), nil
}

func (f *fakeTranscript) PruneProcessed(context.Context, int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneCalls++
	return 0, nil
}

func (f *fakeTranscript) CountUnprocessed(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unprocess, f.countErr
}

type fakeFlusher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFlusher) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestTurnBuffer(t *testing.T) {
	b := NewTurnBuffer()
	b.SetUserMessage("hello")
	b.AppendResponse("Part 1")
	b.AppendResponse(" Part 2")
	b.AddToolCall("create_card", strings.Repeat("i", 1500), strings.Repeat("r", 2500))

	snap := b.Snapshot()
	assert.Equal(t, "hello", snap.UserMessage)
	assert.Equal(t, "Part 1 Part 2", snap.AgentResponse)
	require.Len(t, snap.ToolCalls, 1)
	assert.Len(t, snap.ToolCalls[0].Input, MaxToolInputChars)
	assert.Len(t, snap.ToolCalls[0].Response, MaxToolResponseChars)

	b.Clear()
	empty := b.Snapshot()
	assert.Empty(t, empty.UserMessage)
	assert.Empty(t, empty.AgentResponse)
	assert.Empty(t, empty.ToolCalls)
	assert.Len(t, snap.ToolCalls, 1, "snapshot is independent of the buffer")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"cut", "abcdef", 3, "abc"},
		{"runes", "héllo wörld", 4, "héll"},
		{"zero limit", "abc", 0, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.n))
		})
	}
}

func TestTurnStopped_InsertsCleanedObservation(t *testing.T) {
	tr := &fakeTranscript{}
	d := Deps{Buffer: NewTurnBuffer(), Transcript: tr, SessionID: "default"}

	PromptSubmitted(context.Background(), d, "<canvas_state>[card_1] X</canvas_state>\nfind <private>pin</private> it")
	PostToolUse(context.Background(), d, "create_card", map[string]any{"title": "T"}, "ok")
	d.Buffer.AppendResponse("done")

	resp := TurnStopped(context.Background(), d)
	assert.True(t, resp.Continue)

	require.Len(t, tr.inserted, 1)
	obs := tr.inserted[0]
	assert.Equal(t, "find  it", obs.UserMessage)
	assert.Equal(t, "done", obs.AgentResponse)
	assert.Equal(t, "default", obs.SessionID)
	require.Len(t, obs.ToolCalls, 1)
	assert.JSONEq(t, `{"title":"T"}`, obs.ToolCalls[0].Input)
	assert.Equal(t, 1, tr.pruneCalls)
	assert.Empty(t, d.Buffer.Snapshot().AgentResponse, "buffer cleared after stop")
}

func TestTurnStopped_EmptyTurnSkipped(t *testing.T) {
	tr := &fakeTranscript{}
	d := Deps{Buffer: NewTurnBuffer(), Transcript: tr}
	TurnStopped(context.Background(), d)
	assert.Empty(t, tr.inserted)
}

func TestTurnStopped_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		preloaded int
		threshold int
		flushes   int
	}{
		{"below threshold", 0, 3, 0},
		{"reaches threshold", 2, 3, 1},
		{"above threshold", 7, 3, 1},
		{"default threshold", 9, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTranscript{unprocess: tt.preloaded}
			fl := &fakeFlusher{}
			d := Deps{Buffer: NewTurnBuffer(), Transcript: tr, Processor: fl, BatchThreshold: tt.threshold}
			PromptSubmitted(context.Background(), d, "hi")
			TurnStopped(context.Background(), d)
			assert.Equal(t, tt.flushes, fl.count())
		})
	}
}

func TestTurnStopped_SpawnsFlush(t *testing.T) {
	tr := &fakeTranscript{unprocess: 10}
	fl := &fakeFlusher{}
	var spawned []string
	d := Deps{
		Buffer:     NewTurnBuffer(),
		Transcript: tr,
		Processor:  fl,
		Spawn: func(name string, fn func(ctx context.Context)) {
			spawned = append(spawned, name)
			fn(context.Background())
		},
	}
	PromptSubmitted(context.Background(), d, "hi")
	TurnStopped(context.Background(), d)
	assert.Equal(t, []string{"flush:threshold"}, spawned)
	assert.Equal(t, 1, fl.count())
}

func TestHooksNeverFail(t *testing.T) {
	tests := []struct {
		name string
		tr   *fakeTranscript
		fl   *fakeFlusher
	}{
		{"insert error", &fakeTranscript{insertErr: errors.New("readonly database")}, &fakeFlusher{}},
		{"count error", &fakeTranscript{countErr: errors.New("locked")}, &fakeFlusher{}},
		{"insert panic", &fakeTranscript{panicOn: "insert"}, &fakeFlusher{}},
		{"flush error", &fakeTranscript{unprocess: 50}, &fakeFlusher{err: errors.New("summarizer down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Deps{Buffer: NewTurnBuffer(), Transcript: tt.tr, Processor: tt.fl}
			assert.True(t, PromptSubmitted(context.Background(), d, "hi").Continue)
			assert.True(t, PostToolUse(context.Background(), d, "x", nil, nil).Continue)
			assert.True(t, TurnStopped(context.Background(), d).Continue)
			assert.True(t, PreCompact(context.Background(), d).Continue)
		})
	}
}

func TestNilDeps(t *testing.T) {
	var d Deps
	assert.True(t, PromptSubmitted(context.Background(), d, "hi").Continue)
	assert.True(t, PostToolUse(context.Background(), d, "x", "in", "out").Continue)
	assert.True(t, TurnStopped(context.Background(), d).Continue)
	assert.True(t, PreCompact(context.Background(), d).Continue)
}

func TestPreCompactAlwaysFlushes(t *testing.T) {
	fl := &fakeFlusher{}
	d := Deps{Buffer: NewTurnBuffer(), Transcript: &fakeTranscript{}, Processor: fl}
	PreCompact(context.Background(), d)
	PreCompact(context.Background(), d)
	assert.Equal(t, 2, fl.count())
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "plain", stringify("plain"))
	assert.Equal(t, `{"a":1}`, stringify([]byte(`{"a":1}`)))
	assert.JSONEq(t, `{"a":1}`, stringify(map[string]int{"a": 1}))
}

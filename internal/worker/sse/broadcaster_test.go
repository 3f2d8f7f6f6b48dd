package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/tandem/pkg/protocol"
)

type BroadcasterSuite struct {
	suite.Suite
	broadcaster *Broadcaster
}

func (s *BroadcasterSuite) SetupTest() {
	s.broadcaster = NewBroadcaster()
}

func TestBroadcasterSuite(t *testing.T) {
	suite.Run(t, new(BroadcasterSuite))
}

type mockResponseWriter struct {
	header http.Header
	body   []byte
	err    error
	mu     sync.Mutex
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{header: make(http.Header)}
}

func (m *mockResponseWriter) Header() http.Header { return m.header }

func (m *mockResponseWriter) Write(data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.body = append(m.body, data...)
	return len(data), nil
}

func (m *mockResponseWriter) WriteHeader(int) {}

func (m *mockResponseWriter) Flush() {}

func (m *mockResponseWriter) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.body)
}

// nonFlusher lacks http.Flusher.
type nonFlusher struct{ http.ResponseWriter }

func agentText(text string) protocol.Envelope {
	return protocol.AgentEvent(protocol.AgentEventPayload{EventType: protocol.AgentText, Content: text})
}

func (s *BroadcasterSuite) TestAddRemove() {
	w := newMockResponseWriter()
	c, err := s.broadcaster.AddClient(w, "")
	s.Require().NoError(err)
	s.True(strings.HasPrefix(c.ID, "sse_"))
	s.Equal(1, s.broadcaster.ClientCount())

	s.broadcaster.RemoveClient(c)
	s.broadcaster.RemoveClient(c)
	s.Equal(0, s.broadcaster.ClientCount())
	select {
	case <-c.Done:
	default:
		s.Fail("done channel should be closed")
	}
}

func (s *BroadcasterSuite) TestAddClientRequiresFlusher() {
	_, err := s.broadcaster.AddClient(nonFlusher{httptest.NewRecorder()}, "")
	s.Error(err)
}

func (s *BroadcasterSuite) TestPublishFormatsFrame() {
	w := newMockResponseWriter()
	_, err := s.broadcaster.AddClient(w, "")
	s.Require().NoError(err)

	env := agentText("hello")
	s.broadcaster.Publish("default", env)

	out := w.String()
	s.True(strings.HasPrefix(out, "event: agent_event\nid: "+env.ID+"\ndata: {"))
	s.True(strings.HasSuffix(out, "}\n\n"))
	s.Contains(out, `"content":"hello"`)
}

func (s *BroadcasterSuite) TestPublishFilters() {
	all := newMockResponseWriter()
	alice := newMockResponseWriter()
	_, err := s.broadcaster.AddClient(all, "")
	s.Require().NoError(err)
	_, err = s.broadcaster.AddClient(alice, "alice")
	s.Require().NoError(err)

	s.broadcaster.Publish("bob", agentText("for bob"))
	s.broadcaster.Publish("alice", protocol.SystemEvent(protocol.EventAck, nil))
	s.broadcaster.Publish("alice", protocol.CanvasUpdateMessage(protocol.CanvasClose, "card_1", nil))

	s.Contains(all.String(), "for bob")
	s.NotContains(alice.String(), "for bob", "session filter")
	s.NotContains(all.String(), "event: system", "system messages are not mirrored")
	s.Contains(alice.String(), "event: canvas_update")
}

func (s *BroadcasterSuite) TestDeadClientRemoved() {
	w := newMockResponseWriter()
	w.err = errors.New("broken pipe")
	_, err := s.broadcaster.AddClient(w, "")
	s.Require().NoError(err)

	s.broadcaster.Publish("x", agentText("bye"))
	s.Equal(0, s.broadcaster.ClientCount())
}

func (s *BroadcasterSuite) TestConcurrentPublish() {
	writers := make([]*mockResponseWriter, 5)
	for i := range writers {
		writers[i] = newMockResponseWriter()
		_, err := s.broadcaster.AddClient(writers[i], "")
		s.Require().NoError(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.broadcaster.Publish("x", agentText("chunk"))
		}()
	}
	wg.Wait()

	for _, w := range writers {
		s.Equal(20, strings.Count(w.String(), "event: agent_event"), "frames never interleave")
	}
}

func TestMirrored(t *testing.T) {
	assert.True(t, Mirrored(protocol.TypeCanvasUpdate))
	assert.True(t, Mirrored(protocol.TypeAgentEvent))
	assert.False(t, Mirrored(protocol.TypeStateSync))
	assert.False(t, Mirrored(protocol.TypePong))
}

func TestHandleSSE(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events?session=alice", nil).WithContext(ctx)
	w := newMockResponseWriter()

	done := make(chan struct{})
	go func() {
		b.HandleSSE(w, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	b.Publish("alice", agentText("live"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	assert.Equal(t, 0, b.ClientCount())
	assert.True(t, strings.HasPrefix(w.String(), "event: hello\n"))
	assert.Contains(t, w.String(), "live")
}

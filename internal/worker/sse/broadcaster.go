// Package sse mirrors outbound canvas and agent messages to read-only
// viewers over Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/pkg/protocol"
)

const (
	// WriteTimeout bounds one write to a viewer so a stale connection
	// cannot stall the publisher.
	WriteTimeout = 2 * time.Second

	// KeepAlive is the interval between comment frames on idle streams.
	KeepAlive = 30 * time.Second
)

// Client is one connected viewer.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	// Session limits the stream to one session key. Empty receives all.
	Session string

	writeMu sync.Mutex
	once    sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

func (c *Client) write(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.Writer.Write([]byte(frame)); err != nil {
		return err
	}
	c.Flusher.Flush()
	return nil
}

// Mirrored reports whether messages of type t are published to viewers.
func Mirrored(t protocol.Type) bool {
	return t == protocol.TypeCanvasUpdate || t == protocol.TypeAgentEvent
}

// Broadcaster fans messages out to viewers.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewBroadcaster returns a broadcaster with no viewers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers w as a viewer of session.
func (b *Broadcaster) AddClient(w http.ResponseWriter, session string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	client := &Client{
		ID:      protocol.ShortID("sse"),
		Session: session,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[client.ID] = client
	n := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client", client.ID).Str("session", session).Int("viewers", n).Msg("SSE viewer connected")
	return client, nil
}

// RemoveClient unregisters a viewer. Removing twice is a no-op.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, existed := b.clients[client.ID]
	delete(b.clients, client.ID)
	n := len(b.clients)
	b.mu.Unlock()

	client.close()
	if existed {
		log.Debug().Str("client", client.ID).Int("viewers", n).Msg("SSE viewer disconnected")
	}
}

// ClientCount returns the number of viewers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Format renders env as one SSE frame named after its type.
func Format(env protocol.Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", env.Type, env.ID, data), nil
}

// Publish mirrors env from session to matching viewers. Types that are not
// mirrored are ignored. Viewers whose write fails or times out are removed.
func (b *Broadcaster) Publish(session string, env protocol.Envelope) {
	if !Mirrored(env.Type) {
		return
	}
	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		if c.Session == "" || c.Session == session {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	frame, err := Format(env)
	if err != nil {
		log.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to encode SSE frame")
		return
	}

	dead := make(chan *Client, len(targets))
	var wg sync.WaitGroup
	for _, c := range targets {
		select {
		case <-c.Done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			b.writeWithTimeout(c, frame, dead)
		}(c)
	}
	wg.Wait()
	close(dead)
	for c := range dead {
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) writeWithTimeout(c *Client, frame string, dead chan<- *Client) {
	done := make(chan error, 1)
	go func() { done <- c.write(frame) }()

	timer := time.NewTimer(WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			log.Debug().Err(err).Str("client", c.ID).Msg("SSE write failed, dropping viewer")
			dead <- c
		}
	case <-timer.C:
		log.Warn().Str("client", c.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out, dropping viewer")
		dead <- c
	case <-c.Done:
	}
}

// HandleSSE streams mirrored messages until the viewer disconnects. The
// optional session query parameter limits the stream to one session.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w, r.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	if err := client.write(fmt.Sprintf("event: hello\ndata: {\"client_id\":%q}\n\n", client.ID)); err != nil {
		return
	}

	ticker := time.NewTicker(KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-ticker.C:
			if err := client.write(": keepalive\n\n"); err != nil {
				return
			}
		}
	}
}

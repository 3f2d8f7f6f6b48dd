package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/worker/gateway"
	"github.com/thebtf/tandem/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 << 20
	defaultSession = "default"
)

var errConnClosed = errors.New("connection closed")

// conn serializes writes to one WebSocket.
type conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *conn) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// handleWS attaches a client to its logical session, sends the state
// snapshot, then routes frames until the client goes quiet or disconnects.
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("session")
	if key == "" {
		key = defaultSession
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	c := &conn{ws: ws}
	s.conns.Add(1)
	defer s.conns.Add(-1)
	defer c.close()

	sess := s.sessions.Get(key)
	gen := sess.UpdateSendFn(func(env protocol.Envelope) error {
		frame, err := protocol.Encode(env)
		if err != nil {
			return err
		}
		s.broadcast.Publish(key, env)
		return c.write(frame)
	})
	defer sess.Detach(gen)

	logger := log.With().Str("session", key).Uint64("generation", gen).Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("Client connected")

	ctx := s.tasks.Context()
	snap, err := s.snapshots.Build(ctx, sess.ActiveStack())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build state snapshot")
		sess.Send(protocol.SystemError("failed to load workspace", ""))
	} else {
		if sess.ActiveStack() == "" {
			sess.SetActiveStack(snap.ActiveStackID)
		}
		sess.Send(snap.Message())
	}

	router := gateway.New(gateway.Deps{
		Session:    sess,
		Lock:       s.locks.For(key),
		Workspace:  s.workspace,
		Maintainer: s.maintainer,
		Tasks:      s.tasks,
		Reply:      c.write,
	}, gateway.Config{
		UploadDir:            s.uploadDir,
		UploadInlineMaxBytes: s.config.UploadInlineMaxBytes,
		UploadMaxBytes:       s.config.UploadMaxBytes,
		WelcomeEnabled:       s.config.WelcomeEnabled,
	})
	defer router.Close()
	router.Welcome(ctx)

	s.readLoop(ctx, c, router, logger)
}

func (s *Service) readLoop(ctx context.Context, c *conn, router *gateway.Router, logger zerolog.Logger) {
	idle := s.config.IdleTimeout
	for {
		if idle > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		}
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Info().Msg("Client disconnected")
			case isTimeout(err):
				logger.Info().Dur("idle", idle).Msg("Client idle, closing")
			default:
				logger.Debug().Err(err).Msg("Read failed, closing")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		router.Route(ctx, raw)
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

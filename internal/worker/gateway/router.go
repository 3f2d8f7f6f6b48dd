// Package gateway is the per-connection trust boundary: it parses and
// validates inbound frames and dispatches them to the session, the
// workspace store or background tasks.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/telemetry"
	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

const (
	welcomePrompt = `This is a new user's first visit. Greet them in two or three sentences, ` +
		`explain that you can build cards on the canvas and extract invoices from uploaded documents, ` +
		`and ask what they are working on.`

	newStackName = "New Stack"
)

// Session is the agent runtime a gateway forwards to.
type Session interface {
	HandleMessage(ctx context.Context, text string) error
	SetActiveStack(stackID string)
	ActiveStack() string
	Send(env protocol.Envelope)
	Connected() bool
}

// Workspace is the workspace store subset the gateway writes.
type Workspace interface {
	AddChatMessage(ctx context.Context, role models.ChatRole, content string) (*models.ChatMessage, error)
	CountChat(ctx context.Context) (int64, error)
	EnsureDefaultStack(ctx context.Context) (*models.Stack, error)
	CreateStack(ctx context.Context, name, color string) (*models.Stack, error)
	ArchiveStack(ctx context.Context, id string) (int64, error)
	RestoreStack(ctx context.Context, id string) (int64, error)
	ArchiveCard(ctx context.Context, id string) error
	MoveCard(ctx context.Context, id string, pos models.Position, zIndex *int) error
	UpsertCard(ctx context.Context, c *models.Card) error
	CreateDocument(ctx context.Context, d *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string) error
	SetDocumentCard(ctx context.Context, id, cardID string) error
}

// Config tunes uploads and the welcome turn.
type Config struct {
	UploadDir            string
	UploadInlineMaxBytes int
	UploadMaxBytes       int
	WelcomeEnabled       bool
}

// Deps are a router's collaborators. Maintainer may be nil.
type Deps struct {
	Session    Session
	Lock       *MissionLock
	Workspace  Workspace
	Maintainer *Maintainer
	Tasks      *TaskSet
	// Reply writes one frame to this connection.
	Reply func(frame []byte) error
}

// Router dispatches the frames of one connection. Agent-bound frames run in
// arrival order on a queue so the read loop stays free to answer pings.
type Router struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	jobs    []func(ctx context.Context)
	closed  bool
	stopped bool
	wake    chan struct{}
	pending sync.WaitGroup

	welcomeOnce sync.Once
}

// New returns a router and starts its agent queue on deps.Tasks.
func New(deps Deps, cfg Config) *Router {
	if deps.Lock == nil {
		deps.Lock = NewMissionLock()
	}
	if deps.Tasks == nil {
		deps.Tasks = NewTaskSet(context.Background())
	}
	r := &Router{deps: deps, cfg: cfg, wake: make(chan struct{}, 1)}
	if !deps.Tasks.Go("agent-queue", r.runQueue) {
		r.stopped = true
	}
	return r
}

// Route handles one raw inbound frame. It never panics.
func (r *Router) Route(ctx context.Context, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Router panicked")
			r.reply(protocol.SystemError("internal error", ""))
		}
	}()

	frame, err := protocol.Parse(raw)
	if err != nil {
		telemetry.Error(ctx, "malformed")
		log.Debug().Err(err).Msg("Rejected malformed frame")
		r.reply(protocol.SystemError("malformed frame: expected a JSON object", ""))
		return
	}
	if id, ok := frame.PingID(); ok {
		telemetry.Frame(ctx, string(protocol.TypePing))
		r.pong(id)
		return
	}
	env, err := frame.Envelope()
	if err != nil {
		telemetry.Error(ctx, "validation")
		log.Debug().Err(err).Str("type", frame.TypeName()).Msg("Rejected invalid envelope")
		r.reply(protocol.SystemError(err.Error(), ""))
		return
	}
	telemetry.Frame(ctx, string(env.Type))

	switch env.Type {
	case protocol.TypeMission:
		r.handleMission(ctx, env)
	case protocol.TypeHeartbeat:
		r.handleHeartbeat(env)
	case protocol.TypeCanvasInteraction:
		r.handleCanvas(ctx, env)
	case protocol.TypeFileUpload:
		r.handleUpload(ctx, env)
	case protocol.TypeAuth:
		r.reply(protocol.Reply(env, protocol.TypeSystem, protocol.SystemPayload{Event: protocol.EventAuthOK}))
	case protocol.TypeSystem:
		r.reply(protocol.Reply(env, protocol.TypeSystem, protocol.SystemPayload{Event: protocol.EventAck}))
	default:
		r.reply(protocol.SystemError(fmt.Sprintf("unsupported message type %q", env.Type), ""))
	}
}

func (r *Router) handleMission(ctx context.Context, env *protocol.Envelope) {
	var p protocol.MissionPayload
	if err := env.Decode(&p); err != nil {
		r.fail(env, "", "invalid mission payload")
		return
	}
	text := strings.TrimSpace(p.Text)
	forward := text
	if p.Context != nil {
		if p.Context.StackID != "" {
			r.deps.Session.SetActiveStack(p.Context.StackID)
		}
		if state := FormatCanvasState(p.Context.CanvasState); state != "" {
			forward = strings.TrimSpace(state + "\n\n" + text)
		}
	}
	if forward == "" {
		r.fail(env, "", "mission text is required")
		return
	}
	if text != "" {
		if _, err := r.deps.Workspace.AddChatMessage(ctx, models.RoleUser, text); err != nil {
			log.Error().Err(err).Msg("Failed to persist user message")
		}
	}
	r.enqueue("mission", func(ctx context.Context) {
		r.runTurn(ctx, forward)
	})
}

func (r *Router) handleHeartbeat(env *protocol.Envelope) {
	var p protocol.HeartbeatPayload
	if err := env.Decode(&p); err != nil {
		log.Debug().Err(err).Msg("Heartbeat payload ignored")
	}
	r.enqueue("heartbeat", func(ctx context.Context) {
		if err := r.deps.Lock.Lock(ctx); err != nil {
			log.Debug().Err(err).Msg("Heartbeat abandoned waiting for mission lock")
		} else {
			if _, err := r.deps.Maintainer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Correction maintenance failed")
			}
			if prompt := strings.TrimSpace(p.Prompt); prompt != "" {
				if err := r.deps.Session.HandleMessage(ctx, prompt); err != nil {
					log.Warn().Err(err).Msg("Heartbeat turn failed")
				}
			}
			r.deps.Lock.Unlock()
		}
		r.reply(protocol.Reply(env, protocol.TypeSystem, protocol.SystemPayload{Event: protocol.EventHeartbeatAck}))
	})
}

// runTurn forwards text to the session under the mission lock. Turn errors
// have already been reported to the client by the session.
func (r *Router) runTurn(ctx context.Context, text string) {
	if err := r.deps.Lock.Lock(ctx); err != nil {
		log.Debug().Err(err).Msg("Turn abandoned waiting for mission lock")
		return
	}
	defer r.deps.Lock.Unlock()
	if err := r.deps.Session.HandleMessage(ctx, text); err != nil {
		log.Debug().Err(err).Msg("Agent turn ended with error")
	}
}

// Welcome sends a one-time greeting turn when the chat history is empty.
func (r *Router) Welcome(ctx context.Context) {
	if !r.cfg.WelcomeEnabled {
		return
	}
	r.welcomeOnce.Do(func() {
		n, err := r.deps.Workspace.CountChat(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to count chat history, skipping welcome")
			return
		}
		if n > 0 {
			return
		}
		r.deps.Tasks.Go("welcome", func(ctx context.Context) {
			log.Info().Msg("Sending welcome turn")
			r.runTurn(ctx, welcomePrompt)
		})
	})
}

func (r *Router) handleCanvas(ctx context.Context, env *protocol.Envelope) {
	var p protocol.CanvasInteractionPayload
	if err := env.Decode(&p); err != nil {
		r.fail(env, "", "invalid canvas_interaction payload")
		return
	}
	ws := r.deps.Workspace
	fields := map[string]any{"action": p.Action}
	var err error

	switch p.Action {
	case protocol.ActionArchiveCard:
		err = ws.ArchiveCard(ctx, p.CardID)
		fields["card_id"] = p.CardID

	case protocol.ActionArchiveStack:
		var n int64
		n, err = ws.ArchiveStack(ctx, p.StackID)
		fields["stack_id"] = p.StackID
		fields["cards"] = n
		if err == nil && p.StackID == r.deps.Session.ActiveStack() {
			r.rescopeTools(ctx)
		}

	case protocol.ActionRestoreStack:
		var n int64
		n, err = ws.RestoreStack(ctx, p.StackID)
		fields["stack_id"] = p.StackID
		fields["cards"] = n

	case protocol.ActionCreateStack:
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = newStackName
		}
		color := p.Color
		if color == "" {
			color = models.DefaultStackColor
		}
		var stack *models.Stack
		stack, err = ws.CreateStack(ctx, name, color)
		if err == nil {
			fields["stack"] = stack
		}

	case protocol.ActionMove:
		if p.Position == nil {
			err = errors.New("position is required")
			break
		}
		err = ws.MoveCard(ctx, p.CardID, models.Position{X: p.Position.X, Y: p.Position.Y}, p.ZIndex)
		fields["card_id"] = p.CardID

	case protocol.ActionEditCell, protocol.ActionResize, protocol.ActionClose:
		// Legacy client actions; acknowledged without effect.
		fields["card_id"] = p.CardID

	default:
		err = fmt.Errorf("unsupported action %q", p.Action)
	}

	if err != nil {
		telemetry.Error(ctx, "canvas")
		log.Warn().Err(err).Str("action", p.Action).Msg("Canvas interaction failed")
		r.fail(env, p.Action, err.Error())
		return
	}
	r.reply(withRequest(env, protocol.SystemEvent(protocol.EventConnected, fields)))
}

func (r *Router) handleUpload(ctx context.Context, env *protocol.Envelope) {
	const action = "file_upload"
	var p protocol.FileUploadPayload
	if err := env.Decode(&p); err != nil {
		r.fail(env, action, "invalid file_upload payload")
		return
	}
	filename, err := safeFilename(p.Filename)
	if err != nil {
		r.fail(env, action, err.Error())
		return
	}

	data, dataMime, err := decodeUpload(p.Data, r.cfg.UploadMaxBytes)
	if err == nil && r.cfg.UploadMaxBytes > 0 && len(data) > r.cfg.UploadMaxBytes {
		err = ErrUploadTooLarge
	}
	if err != nil {
		telemetry.Error(ctx, "upload")
		log.Warn().Err(err).Str("filename", filename).Msg("Upload rejected")
		r.fail(env, action, err.Error())
		return
	}
	mime := p.MimeType
	if mime == "" {
		mime = dataMime
	}

	docID := protocol.ShortID("doc")
	path := filepath.Join(r.cfg.UploadDir, docID+"_"+filename)
	offload := len(data) > r.cfg.UploadInlineMaxBytes
	if err := writeUpload(ctx, path, data, offload); err != nil {
		telemetry.Error(ctx, "upload")
		log.Error().Err(err).Str("filename", filename).Bool("offloaded", offload).Msg("Upload write failed")
		r.fail(env, action, "failed to store file")
		return
	}

	doc := &models.Document{
		ID:          docID,
		Filename:    filename,
		MimeType:    mime,
		StoragePath: path,
		SizeBytes:   int64(len(data)),
		ContentHash: contentHash(data),
	}
	if err := r.deps.Workspace.CreateDocument(ctx, doc); err != nil {
		log.Error().Err(err).Str("filename", filename).Msg("Failed to record document")
		r.fail(env, action, "failed to record document")
		return
	}

	card, err := r.placeholderCard(ctx, doc, p.StackID)
	if err != nil {
		log.Error().Err(err).Str("document", doc.ID).Msg("Failed to create placeholder card")
		_ = r.deps.Workspace.UpdateDocumentStatus(ctx, doc.ID, models.DocumentFailed, err.Error())
		r.fail(env, action, "failed to create document card")
		return
	}
	r.deps.Session.Send(protocol.CanvasUpdateMessage(protocol.CanvasCreate, card.ID, card))
	r.reply(withRequest(env, protocol.SystemEvent(protocol.EventUploadReceived, map[string]any{
		"document_id": doc.ID,
		"card_id":     card.ID,
		"filename":    filename,
	})))
	log.Info().
		Str("document", doc.ID).
		Str("filename", filename).
		Int64("bytes", doc.SizeBytes).
		Msg("Upload received")

	r.deps.Tasks.Go("extract:"+doc.ID, func(ctx context.Context) {
		r.extract(ctx, doc, card.ID)
	})
}

// rescopeTools moves the tool scope off an archived stack onto the default one.
func (r *Router) rescopeTools(ctx context.Context) {
	stack, err := r.deps.Workspace.EnsureDefaultStack(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to pick a stack after archiving the active one")
		r.deps.Session.SetActiveStack("")
		return
	}
	r.deps.Session.SetActiveStack(stack.ID)
	log.Debug().Str("stack", stack.ID).Msg("Active stack archived, tools rescoped")
}

func (r *Router) placeholderCard(ctx context.Context, doc *models.Document, stackID string) (*models.Card, error) {
	if stackID == "" {
		stackID = r.deps.Session.ActiveStack()
	}
	if stackID == "" {
		stack, err := r.deps.Workspace.EnsureDefaultStack(ctx)
		if err != nil {
			return nil, err
		}
		stackID = stack.ID
	}
	card := &models.Card{
		ID:      protocol.ShortID("card"),
		StackID: stackID,
		Title:   doc.Filename,
		Size:    models.SizeMedium,
		Blocks: models.Blocks{
			{
				ID:         protocol.ShortID("blk"),
				Type:       models.BlockDocument,
				Filename:   doc.Filename,
				MimeType:   doc.MimeType,
				DocumentID: doc.ID,
			},
			{ID: protocol.ShortID("blk"), Type: models.BlockBadge, Text: "Processing", Variant: "info"},
		},
	}
	if err := r.deps.Workspace.UpsertCard(ctx, card); err != nil {
		return nil, err
	}
	if err := r.deps.Workspace.SetDocumentCard(ctx, doc.ID, card.ID); err != nil {
		return nil, err
	}
	doc.CardID = card.ID
	return card, nil
}

func extractionPrompt(doc *models.Document, cardID string) string {
	return fmt.Sprintf(
		"A document was uploaded: %s (%s) stored at %s.\n"+
			"Read it. If it is an invoice, call extract_invoice with file_path %q, document_id %q and card_id %q. "+
			"Otherwise replace card %s with update_card summarizing the document.",
		doc.Filename, doc.MimeType, doc.StoragePath, doc.StoragePath, doc.ID, cardID, cardID)
}

// extract asks the agent to process an upload. A document still processing
// afterwards produced no extraction and is marked failed.
func (r *Router) extract(ctx context.Context, doc *models.Document, cardID string) {
	if err := r.deps.Lock.Lock(ctx); err != nil {
		log.Warn().Err(err).Str("document", doc.ID).Msg("Extraction abandoned waiting for mission lock")
		return
	}
	turnErr := r.deps.Session.HandleMessage(ctx, extractionPrompt(doc, cardID))
	r.deps.Lock.Unlock()

	reason := ""
	if turnErr != nil {
		reason = turnErr.Error()
	} else {
		current, err := r.deps.Workspace.GetDocument(ctx, doc.ID)
		if err != nil {
			log.Error().Err(err).Str("document", doc.ID).Msg("Failed to read document status")
			return
		}
		if current.Status == models.DocumentProcessing {
			reason = "no extraction produced"
		}
	}
	if reason == "" {
		log.Info().Str("document", doc.ID).Msg("Extraction complete")
		return
	}

	if err := r.deps.Workspace.UpdateDocumentStatus(ctx, doc.ID, models.DocumentFailed, reason); err != nil {
		log.Error().Err(err).Str("document", doc.ID).Msg("Failed to mark document failed")
	}
	if !r.deps.Session.Connected() {
		log.Warn().Str("document", doc.ID).Str("reason", reason).Msg("Extraction failed while disconnected")
		return
	}
	r.deps.Session.Send(protocol.SystemError("Could not extract "+doc.Filename+": "+reason, "file_upload"))
}

// enqueue appends agent-bound work to the connection's queue.
func (r *Router) enqueue(name string, job func(ctx context.Context)) {
	r.mu.Lock()
	if r.closed || r.stopped {
		r.mu.Unlock()
		log.Warn().Str("job", name).Msg("Router closed, dropping agent-bound frame")
		return
	}
	r.pending.Add(1)
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Router) runQueue(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.jobs) == 0 {
			if r.closed || ctx.Err() != nil {
				r.stopped = true
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			select {
			case <-r.wake:
			case <-ctx.Done():
			}
			continue
		}
		job := r.jobs[0]
		r.jobs = r.jobs[1:]
		r.mu.Unlock()

		r.runJob(ctx, job)
	}
}

func (r *Router) runJob(ctx context.Context, job func(ctx context.Context)) {
	defer r.pending.Done()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Agent-bound job panicked")
		}
	}()
	job(ctx)
}

// WaitIdle blocks until every queued agent-bound frame has been handled.
func (r *Router) WaitIdle() {
	r.pending.Wait()
}

// Close stops accepting frames. Queued work still runs to completion.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Router) fail(env *protocol.Envelope, action, message string) {
	r.reply(protocol.Reply(env, protocol.TypeSystem, protocol.SystemPayload{
		Event:   protocol.EventError,
		Message: message,
		Action:  action,
	}))
}

func (r *Router) pong(id string) {
	frame, err := protocol.PongFor(id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode pong")
		return
	}
	if err := r.deps.Reply(frame); err != nil {
		log.Debug().Err(err).Msg("Pong write failed")
	}
}

func (r *Router) reply(env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to encode reply")
		return
	}
	if err := r.deps.Reply(frame); err != nil {
		log.Debug().Err(err).Str("type", string(env.Type)).Msg("Reply write failed")
	}
}

func withRequest(to *protocol.Envelope, env protocol.Envelope) protocol.Envelope {
	env.RequestID = to.ID
	return env
}

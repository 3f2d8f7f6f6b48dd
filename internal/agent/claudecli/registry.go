package claudecli

import (
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/agent"
	"github.com/thebtf/tandem/internal/mcpbridge"
)

// ToolRegistry holds the tool servers of every open handle and serves them
// to the MCP bridge over HTTP.
type ToolRegistry struct {
	mu      sync.RWMutex
	servers map[string][]agent.ToolServer
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{servers: make(map[string][]agent.ToolServer)}
}

// Register exposes servers under a handle id.
func (r *ToolRegistry) Register(id string, servers []agent.ToolServer) {
	r.mu.Lock()
	r.servers[id] = servers
	r.mu.Unlock()
}

// Unregister removes a handle's tools.
func (r *ToolRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.servers, id)
	r.mu.Unlock()
}

// Lookup returns the tool servers registered for id.
func (r *ToolRegistry) Lookup(id string) ([]agent.ToolServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Routes serves GET /{handle} and POST /{handle}/call.
func (r *ToolRegistry) Routes() http.Handler {
	router := chi.NewRouter()
	router.Get("/{handle}", r.handleList)
	router.Post("/{handle}/call", r.handleCall)
	return router
}

func (r *ToolRegistry) handleList(w http.ResponseWriter, req *http.Request) {
	servers, ok := r.Lookup(chi.URLParam(req, "handle"))
	if !ok {
		http.Error(w, "unknown handle", http.StatusNotFound)
		return
	}
	resp := mcpbridge.ListResponse{Tools: []mcpbridge.ToolDescriptor{}}
	for _, s := range servers {
		for _, t := range s.Tools {
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			resp.Tools = append(resp.Tools, mcpbridge.ToolDescriptor{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
	}
	writeJSON(w, resp)
}

func (r *ToolRegistry) handleCall(w http.ResponseWriter, req *http.Request) {
	handle := chi.URLParam(req, "handle")
	servers, ok := r.Lookup(handle)
	if !ok {
		http.Error(w, "unknown handle", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 16<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var call mcpbridge.CallRequest
	if err := json.Unmarshal(body, &call); err != nil || call.Name == "" {
		http.Error(w, "invalid tool call", http.StatusBadRequest)
		return
	}

	// PostToolUse is fired from the turn stream, which sees every tool.
	result := agent.CallTool(req.Context(), servers, agent.Hooks{}, call.Name, call.Arguments)
	log.Debug().
		Str("handle", handle).
		Str("tool", call.Name).
		Bool("is_error", result.IsError).
		Msg("Tool call served")
	writeJSON(w, mcpbridge.CallResponse{Content: result.Content, IsError: result.IsError})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode tool response")
	}
}

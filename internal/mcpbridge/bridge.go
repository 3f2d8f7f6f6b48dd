package mcpbridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ProtocolVersion is the MCP revision the bridge answers initialize with.
const ProtocolVersion = "2024-11-05"

// Bridge is an MCP stdio server whose tools live in the gateway process.
type Bridge struct {
	client  *http.Client
	baseURL string
	handle  string
	token   string
	version string

	writeMu sync.Mutex
}

// Config configures a Bridge.
type Config struct {
	BaseURL string
	Handle  string
	Token   string
	Version string
	Timeout time.Duration
}

// New validates cfg and returns a bridge.
func New(cfg Config) (*Bridge, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("--url is required")
	}
	if strings.TrimSpace(cfg.Handle) == "" {
		return nil, errors.New("--handle is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Bridge{
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
		handle:  cfg.Handle,
		token:   strings.TrimSpace(cfg.Token),
		version: version,
	}, nil
}

// Serve reads newline-delimited JSON-RPC requests from in and writes
// responses to out until in is exhausted or ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			b.write(out, rpcResponse{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		// Notifications carry no id and get no response.
		if len(req.ID) == 0 {
			continue
		}

		result, rerr := b.dispatch(ctx, &req)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if rerr != nil {
			resp.Error = rerr
		} else {
			resp.Result = result
		}
		b.write(out, resp)
	}
	return scanner.Err()
}

func (b *Bridge) dispatch(ctx context.Context, req *rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": ServerName, "version": b.version},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		tools, err := b.listTools(ctx)
		if err != nil {
			log.Error().Err(err).Msg("List tools failed")
			return nil, &rpcError{Code: codeInternal, Message: err.Error()}
		}
		return map[string]any{"tools": tools}, nil
	case "tools/call":
		var params CallRequest
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return nil, &rpcError{Code: codeInvalidParams, Message: "tools/call requires a tool name"}
		}
		resp, err := b.callTool(ctx, params)
		if err != nil {
			log.Error().Err(err).Str("tool", params.Name).Msg("Tool call failed")
			return callResult{Content: []textContent{{Type: "text", Text: err.Error()}}, IsError: true}, nil
		}
		return callResult{Content: []textContent{{Type: "text", Text: resp.Content}}, IsError: resp.IsError}, nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (b *Bridge) endpoint(suffix string) string {
	return b.baseURL + "/api/tools/" + url.PathEscape(b.handle) + suffix
}

func (b *Bridge) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	var out ListResponse
	if err := b.do(ctx, http.MethodGet, b.endpoint(""), nil, &out); err != nil {
		return nil, err
	}
	if out.Tools == nil {
		out.Tools = []ToolDescriptor{}
	}
	return out.Tools, nil
}

func (b *Bridge) callTool(ctx context.Context, call CallRequest) (*CallResponse, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	var out CallResponse
	if err := b.do(ctx, http.MethodPost, b.endpoint("/call"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *Bridge) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

func (b *Bridge) write(out io.Writer, resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Encode MCP response failed")
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	data = append(data, '\n')
	if _, err := out.Write(data); err != nil {
		log.Error().Err(err).Msg("Write MCP response failed")
	}
}

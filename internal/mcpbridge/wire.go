// Package mcpbridge serves a handle's gateway tools to an agent subprocess
// over MCP stdio, forwarding each call to the gateway's HTTP tool endpoint.
package mcpbridge

import "github.com/goccy/go-json"

// ServerName is the MCP server name tools are registered under.
const ServerName = "tandem"

// ToolDescriptor describes one tool on the gateway's tool endpoint.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListResponse is returned by GET {base}/api/tools/{handle}.
type ListResponse struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallRequest is posted to {base}/api/tools/{handle}/call.
type CallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallResponse is the gateway's answer to a tool call.
type CallResponse struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// JSON-RPC 2.0 framing.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Package jsonrpc defines the JSON-RPC 2.0 wire types shared by every
// transport (stdio, HTTP+SSE, WS) and by the upstream session client, plus
// the presented-tool-name sanitization rules the catalog depends on.
package jsonrpc

import (
	"encoding/json"
	"strings"
)

// Request is a JSON-RPC 2.0 request or notification. A notification omits ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC 2.0 response; exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes used throughout the aggregator (spec §6).
const (
	CodeNoUpstreams    = -32000
	CodeUpstreamFailed = -32001
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeParseError     = -32700
)

// NewRequest builds a request with the given id (nil for a notification).
func NewRequest(id json.RawMessage, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = p
	}
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: data}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// --- MCP-specific payload shapes the aggregator reads/writes structurally ---

type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// Tool is a raw upstream tool descriptor. Only "name" and "description" are
// ever read or rewritten structurally (spec's "dynamic shaped JSON" design
// note); everything else in the object round-trips untouched.
type Tool json.RawMessage

// MarshalJSON implements json.Marshaler by emitting the raw descriptor.
func (t Tool) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

// UnmarshalJSON implements json.Unmarshaler by keeping the raw bytes.
func (t *Tool) UnmarshalJSON(data []byte) error {
	*t = append((*t)[:0], data...)
	return nil
}

// Name extracts the descriptor's "name" field.
func (t Tool) Name() string {
	var fields struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(t, &fields)
	return fields.Name
}

// Description extracts the descriptor's "description" field.
func (t Tool) Description() string {
	var fields struct {
		Description string `json:"description"`
	}
	_ = json.Unmarshal(t, &fields)
	return fields.Description
}

// WithNameAndDescription returns a copy of the descriptor with "name" and
// "description" overwritten, preserving every other field untouched.
func (t Tool) WithNameAndDescription(name, description string) (Tool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(t, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	nameJSON, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	fields["name"] = nameJSON
	if description != "" {
		descJSON, err := json.Marshal(description)
		if err != nil {
			return nil, err
		}
		fields["description"] = descJSON
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return Tool(out), nil
}

type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

type ToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Sanitize replaces hyphens with underscores. Idempotent: sanitizing an
// already-sanitized string is a no-op (spec §8 invariant 5).
func Sanitize(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

// PresentedName builds the catalog's presented tool name from an upstream id
// and the tool's original name (spec §3).
func PresentedName(upstreamID, originalName string) string {
	return Sanitize(upstreamID) + "_" + Sanitize(originalName)
}

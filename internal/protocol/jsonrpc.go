// ABOUTME: JSON-RPC 2.0 message types and error codes for the MCP wire protocol.
// ABOUTME: One JSON object per newline-terminated line in both directions.

package protocol

import "encoding/json"

// protocolVersion is the MCP revision advertised in initialize responses.
const protocolVersion = "2024-11-05"

// Request represents a JSON-RPC 2.0 request. A request without an id is a
// notification and must never receive a response. AuthToken rides alongside
// the standard fields; clients may also put it in params.authToken.
type Request struct {
	JSONRPC   string          `json:"jsonrpc"`
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	AuthToken string          `json:"auth_token,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Token returns the credential the client presented, checking the top-level
// field first and then params.authToken.
func (r *Request) Token() string {
	if r.AuthToken != "" {
		return r.AuthToken
	}
	if len(r.Params) == 0 {
		return ""
	}
	var p struct {
		AuthToken string `json:"authToken"`
	}
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return ""
	}
	return p.AuthToken
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes plus the server-defined admission codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeRateLimited = -32000
	CodeAuthFailed  = -32001
)

// CallParams are the params for tools/call.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// resultResponse builds a success response for id.
func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// errorResponse builds an error response for id. A nil id marshals as null,
// which is what parse errors require.
func errorResponse(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

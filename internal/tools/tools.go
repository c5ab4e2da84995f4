// ABOUTME: Tool contract shared by the registry and tool packs.
// ABOUTME: Handlers return structured results; failures are data, not errors.

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcpgate/mcpgate/internal/session"
)

// Definition describes a tool as advertised by tools/list. InputSchema is
// descriptive metadata only; the core never enforces it.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content is one piece of a tool result. Only text content is produced today.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is the tools/call result shape. IsError marks tool-level failures;
// those still travel as JSON-RPC results, never as protocol errors.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Handler executes a tool. Arguments arrive as raw JSON; handlers validate
// their own input and should report failures via an IsError result where
// feasible. A returned error is converted to an IsError result by dispatch.
type Handler func(ctx context.Context, args json.RawMessage, sess *session.Session) (*Result, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition Definition
	Handler    Handler
}

// Pack is a named collection of tools contributed by one provider.
type Pack struct {
	ID    string
	Tools []Tool
}

// Text builds a plain text success result.
func Text(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// Textf builds a formatted text success result.
func Textf(format string, args ...any) *Result {
	return Text(fmt.Sprintf(format, args...))
}

// Error builds a text result flagged as a tool-level failure.
func Error(format string, args ...any) *Result {
	return &Result{
		Content: []Content{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

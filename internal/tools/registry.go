// ABOUTME: Thread-safe tool registry assembled from packs at startup.
// ABOUTME: Dispatch times each call and converts every failure into result data.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/session"
)

// ErrToolCollision indicates a tool name already exists from another pack.
var ErrToolCollision = errors.New("tool name collision")

// registeredTool stores a tool with its owning pack ID.
type registeredTool struct {
	tool   Tool
	packID string
}

// Registry maps tool names to handlers. Packs register at startup; after
// that the table is read-mostly and shared by every connection.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*registeredTool),
		logger: logger,
	}
}

// RegisterPack validates and stores a pack's tools. The whole pack is
// rejected on the first name collision.
func (r *Registry) RegisterPack(pack *Pack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range pack.Tools {
		if existing, exists := r.tools[tool.Definition.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'",
				ErrToolCollision, tool.Definition.Name, existing.packID)
		}
	}

	for _, tool := range pack.Tools {
		r.tools[tool.Definition.Name] = &registeredTool{tool: tool, packID: pack.ID}
	}

	r.logger.Info("tool pack registered",
		"pack_id", pack.ID,
		"tool_count", len(pack.Tools),
		"total_tools", len(r.tools),
	)
	return nil
}

// List returns all tool definitions, sorted by name for stable output.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, rt.tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Dispatch resolves name and runs its handler, returning the result and the
// elapsed execution time. Unknown names, handler errors, and handler panics
// all come back as IsError results; Dispatch itself never returns an error
// because a failing tool must never take down the connection.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage, sess *session.Session) (result *Result, elapsed time.Duration) {
	start := time.Now()

	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return Error("Unknown tool: %s", name), time.Since(start)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "tool", name, "panic", rec)
			result = Error("Internal error: %v", rec)
			elapsed = time.Since(start)
		}
	}()

	res, err := rt.tool.Handler(ctx, args, sess)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return Error("Internal error: %v", err), time.Since(start)
	}
	if res == nil {
		res = Text("")
	}
	return res, time.Since(start)
}

// ABOUTME: Per-connection handler: admission gates, the newline-delimited read
// ABOUTME: loop with idle tolerance, and the JSON-RPC method dispatch.

package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/mcpgate/mcpgate/internal/metrics"
	"github.com/mcpgate/mcpgate/internal/security"
	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/tools"
)

// maxLineBytes caps a single request line (1MB).
const maxLineBytes = 1 << 20

// AuditSink records completed tool calls. Implemented by store.SQLiteStore;
// optional.
type AuditSink interface {
	AppendAudit(ctx context.Context, rec *store.AuditRecord) error
}

// Handler owns everything one connection needs. A single Handler is shared by
// all connections; per-connection state lives on the stack of Handle.
type Handler struct {
	Gate     *security.Gate
	Sessions *session.Manager
	Metrics  *metrics.Collector
	Registry *tools.Registry
	Audit    AuditSink

	ServerName     string
	ServerVersion  string
	MaxConnections int
	IdleTimeout    time.Duration

	Logger *slog.Logger
}

var (
	errIdleTimeout = errors.New("idle timeout")
	errLineTooLong = errors.New("line too long")
)

// lineReader reads newline-delimited frames with an idle deadline per call.
// A deadline firing mid-line keeps the partial bytes for the next call, so
// slow writers survive idle timeouts. Oversized lines are discarded through
// the next newline and reported as errLineTooLong.
type lineReader struct {
	conn        net.Conn
	r           *bufio.Reader
	buf         bytes.Buffer
	dropping    bool
	idleTimeout time.Duration
}

func (lr *lineReader) next() ([]byte, error) {
	if err := lr.conn.SetReadDeadline(time.Now().Add(lr.idleTimeout)); err != nil {
		return nil, err
	}

	for {
		chunk, err := lr.r.ReadBytes('\n')

		if lr.dropping {
			// Discarding the tail of an oversized line.
			if err == nil {
				lr.dropping = false
				return nil, errLineTooLong
			}
		} else {
			lr.buf.Write(chunk)
			switch {
			case lr.buf.Len() > maxLineBytes:
				lr.buf.Reset()
				if err == nil {
					return nil, errLineTooLong
				}
				lr.dropping = true
			case err == nil:
				line := bytes.TrimSpace(lr.buf.Bytes())
				out := append([]byte(nil), line...)
				lr.buf.Reset()
				return out, nil
			}
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, errIdleTimeout
			}
			return nil, err
		}
	}
}

// remoteIP extracts the host part of the connection's remote address.
func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Handle runs one client connection to completion. Admission runs before any
// byte is read; rejected connections are closed silently.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := remoteIP(conn)

	if ok, reason := h.Gate.AdmitConnection(ip); !ok {
		h.Logger.Warn("connection rejected", "ip", ip, "reason", reason)
		return
	}
	if h.MaxConnections > 0 && h.Sessions.Count() >= h.MaxConnections {
		h.Logger.Warn("max connections reached, rejecting", "ip", ip, "max", h.MaxConnections)
		return
	}

	sess := h.Sessions.Create(ip, "")
	h.Metrics.ConnectionOpened()

	h.Logger.Info("client connected", "ip", ip, "client_id", sess.ClientID)
	defer func() {
		h.Sessions.Remove(sess.ClientID)
		h.Metrics.ConnectionClosed()
		h.Logger.Info("client disconnected", "ip", ip, "client_id", sess.ClientID)
	}()

	lr := &lineReader{conn: conn, r: bufio.NewReader(conn), idleTimeout: h.IdleTimeout}
	for {
		line, err := lr.next()
		switch {
		case errors.Is(err, errIdleTimeout):
			// Idle clients stay connected; the deadline just re-arms.
			h.Logger.Debug("client idle", "ip", ip)
			continue
		case errors.Is(err, errLineTooLong):
			if werr := h.write(conn, errorResponse(nil, CodeInvalidRequest, "Request too large")); werr != nil {
				return
			}
			continue
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			h.Logger.Debug("read failed", "ip", ip, "error", err)
			return
		}

		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			h.Logger.Warn("invalid JSON from client", "ip", ip, "error", err)
			if werr := h.write(conn, errorResponse(nil, CodeParseError, "Parse error")); werr != nil {
				return
			}
			continue
		}

		resp := h.dispatch(ctx, &req, sess)
		if resp == nil {
			continue
		}
		if err := h.write(conn, resp); err != nil {
			h.Logger.Debug("write failed", "ip", ip, "error", err)
			return
		}
	}
}

// write sends one newline-terminated JSON frame.
func (h *Handler) write(conn net.Conn, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// dispatch runs the per-request gates and routes the method. It returns nil
// when no response must be sent (notifications).
func (h *Handler) dispatch(ctx context.Context, req *Request, sess *session.Session) *Response {
	notification := req.IsNotification()

	decision := h.Gate.CheckRequest(sess.IPAddress, req.Token(), sess.Authenticated)
	if !decision.Allowed {
		code := CodeAuthFailed
		if decision.RateLimited {
			code = CodeRateLimited
		}
		h.Logger.Warn("request denied", "ip", sess.IPAddress, "method", req.Method, "reason", decision.Reason)
		if notification {
			return nil
		}
		return errorResponse(req.ID, code, decision.Reason)
	}

	if !sess.Authenticated && h.Gate.Auth.Enabled() && req.Token() != "" {
		h.Sessions.SetAuthenticated(sess.ClientID)
	}
	h.Sessions.Touch(sess.ClientID)

	var resp *Response
	switch req.Method {
	case "initialize":
		h.Logger.Info("client initialized", "ip", sess.IPAddress, "client_id", sess.ClientID)
		resp = resultResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    h.ServerName,
				"version": h.ServerVersion,
			},
		})
	case "tools/list":
		resp = resultResponse(req.ID, map[string]any{"tools": h.Registry.List()})
	case "tools/call":
		resp = h.handleToolCall(ctx, req, sess)
	case "resources/list":
		resp = resultResponse(req.ID, map[string]any{"resources": []any{}})
	case "prompts/list":
		resp = resultResponse(req.ID, map[string]any{"prompts": []any{}})
	case "notifications/initialized":
		return nil
	default:
		resp = errorResponse(req.ID, CodeMethodNotFound, "Method not found: "+req.Method)
	}

	if notification {
		return nil
	}
	return resp
}

// handleToolCall parses params, dispatches the tool, and records the outcome
// in metrics and the audit log. Tool failures are IsError results, not
// JSON-RPC errors.
func (h *Handler) handleToolCall(ctx context.Context, req *Request, sess *session.Session) *Response {
	var params CallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid params")
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "tool name is required")
	}

	result, elapsed := h.Registry.Dispatch(ctx, params.Name, params.Arguments, sess)
	h.Metrics.Record(params.Name, elapsed, !result.IsError)

	if h.Audit != nil {
		rec := &store.AuditRecord{
			ClientID:  sess.ClientID,
			IPAddress: sess.IPAddress,
			Tool:      params.Name,
			OK:        !result.IsError,
			Duration:  elapsed,
		}
		if err := h.Audit.AppendAudit(ctx, rec); err != nil {
			h.Logger.Warn("audit append failed", "tool", params.Name, "error", err)
		}
	}

	h.Logger.Debug("tools/call complete",
		"tool", params.Name,
		"client_id", sess.ClientID,
		"duration_ms", elapsed.Milliseconds(),
		"is_error", result.IsError,
	)

	return resultResponse(req.ID, result)
}

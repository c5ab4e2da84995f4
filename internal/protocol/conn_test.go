// ABOUTME: Connection handler tests over an in-memory pipe: the method surface,
// ABOUTME: admission behavior, malformed input resilience, and notification silence.

package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/metrics"
	"github.com/mcpgate/mcpgate/internal/security"
	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/tools"
)

func echoPack() *tools.Pack {
	return &tools.Pack{
		ID: "test",
		Tools: []tools.Tool{{
			Definition: tools.Definition{
				Name:        "echo",
				Description: "Echo the message back",
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
			Handler: func(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
				var in struct {
					Message string `json:"message"`
				}
				if len(args) > 0 {
					if err := json.Unmarshal(args, &in); err != nil {
						return tools.Error("invalid input"), nil
					}
				}
				return tools.Text(in.Message), nil
			},
		}},
	}
}

type handlerOpts struct {
	staticToken string
	maxRequests int
	idleTimeout time.Duration
}

func newTestHandler(t *testing.T, opts handlerOpts) *Handler {
	t.Helper()

	if opts.maxRequests == 0 {
		opts.maxRequests = 100
	}
	if opts.idleTimeout == 0 {
		opts.idleTimeout = 5 * time.Second
	}

	logger := slog.Default()
	registry := tools.NewRegistry(logger)
	require.NoError(t, registry.RegisterPack(echoPack()))

	filter := security.NewIPFilter(nil, 0, logger)
	auth := security.NewAuthenticator(opts.staticToken, "")

	return &Handler{
		Gate:           security.NewGate(opts.maxRequests, time.Minute, filter, auth),
		Sessions:       session.NewManager(),
		Metrics:        metrics.NewCollector(),
		Registry:       registry,
		ServerName:     "mcpgate-test",
		ServerVersion:  "0.0.1",
		MaxConnections: 10,
		IdleTimeout:    opts.idleTimeout,
		Logger:         logger,
	}
}

// testClient drives one pipe connection against a Handler.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	done chan struct{}
}

func startClient(t *testing.T, h *Handler) *testClient {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), server)
		close(done)
	}()
	t.Cleanup(func() { client.Close() })
	return &testClient{t: t, conn: client, r: bufio.NewReader(client), done: done}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) recv() *Response {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)

	var resp Response
	require.NoError(c.t, json.Unmarshal([]byte(line), &resp))
	return &resp
}

// call sends a request and decodes the response result into out.
func (c *testClient) call(line string, out any) *Response {
	c.t.Helper()
	c.send(line)
	resp := c.recv()
	if out != nil && resp.Result != nil {
		data, err := json.Marshal(resp.Result)
		require.NoError(c.t, err)
		require.NoError(c.t, json.Unmarshal(data, out))
	}
	return resp
}

func TestHandleInitialize(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{}))

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Capabilities map[string]any `json:"capabilities"`
	}
	resp := c.call(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`, &result)

	assert.Nil(t, resp.Error)
	assert.Equal(t, "1", string(resp.ID))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, "mcpgate-test", result.ServerInfo.Name)
	assert.Contains(t, result.Capabilities, "tools")
}

func TestHandleToolFlow(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{}))

	var listResult struct {
		Tools []tools.Definition `json:"tools"`
	}
	c.call(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, &listResult)
	require.Len(t, listResult.Tools, 1)
	assert.Equal(t, "echo", listResult.Tools[0].Name)

	var callResult tools.Result
	resp := c.call(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`, &callResult)
	require.Nil(t, resp.Error)
	require.Len(t, callResult.Content, 1)
	assert.Equal(t, "hi", callResult.Content[0].Text)
	assert.False(t, callResult.IsError)

	t.Run("unknown tool is isError not protocol error", func(t *testing.T) {
		var res tools.Result
		resp := c.call(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"bogus"}}`, &res)
		require.Nil(t, resp.Error)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "Unknown tool: bogus")
	})

	t.Run("missing tool name is invalid params", func(t *testing.T) {
		resp := c.call(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
	})
}

func TestHandleStubMethods(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{}))

	var resources struct {
		Resources []any `json:"resources"`
	}
	resp := c.call(`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, &resources)
	require.Nil(t, resp.Error)
	assert.Empty(t, resources.Resources)

	var prompts struct {
		Prompts []any `json:"prompts"`
	}
	resp = c.call(`{"jsonrpc":"2.0","id":2,"method":"prompts/list"}`, &prompts)
	require.Nil(t, resp.Error)
	assert.Empty(t, prompts.Prompts)
}

func TestHandleUnknownMethod(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{}))

	resp := c.call(`{"jsonrpc":"2.0","id":1,"method":"frobnicate"}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "frobnicate")
}

func TestHandleMalformedJSON(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{}))

	c.send(`{this is not json`)
	resp := c.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
	assert.Equal(t, "null", string(resp.ID))

	// The connection survives a parse error.
	resp = c.call(`{"jsonrpc":"2.0","id":9,"method":"initialize"}`, nil)
	assert.Nil(t, resp.Error)
}

func TestHandleNotificationSilence(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{}))

	c.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	// No response for the notification; the next request's reply is the
	// first frame on the wire.
	resp := c.call(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	assert.Equal(t, "1", string(resp.ID))
	assert.Nil(t, resp.Error)
}

func TestHandleRateLimit(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{maxRequests: 2}))

	assert.Nil(t, c.call(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil).Error)
	assert.Nil(t, c.call(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil).Error)

	resp := c.call(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRateLimited, resp.Error.Code)

	// Rate limiting answers with an error but keeps the connection open.
	resp = c.call(`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRateLimited, resp.Error.Code)
}

func TestHandleAuth(t *testing.T) {
	h := newTestHandler(t, handlerOpts{staticToken: "s3cret"})
	c := startClient(t, h)

	t.Run("missing token rejected", func(t *testing.T) {
		resp := c.call(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeAuthFailed, resp.Error.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		resp := c.call(`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{"authToken":"nope"}}`, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeAuthFailed, resp.Error.Code)
	})

	t.Run("valid token in params accepted and sticks", func(t *testing.T) {
		resp := c.call(`{"jsonrpc":"2.0","id":3,"method":"tools/list","params":{"authToken":"s3cret"}}`, nil)
		assert.Nil(t, resp.Error)

		// Session is now authenticated; later requests need no token.
		resp = c.call(`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, nil)
		assert.Nil(t, resp.Error)
	})

	t.Run("top-level auth_token field works too", func(t *testing.T) {
		c2 := startClient(t, h)
		resp := c2.call(`{"jsonrpc":"2.0","id":1,"method":"tools/list","auth_token":"s3cret"}`, nil)
		assert.Nil(t, resp.Error)
	})
}

func TestHandleOversizedLine(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{}))

	big := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"` +
		strings.Repeat("x", maxLineBytes) + `"}}}`

	// Write in the background; the handler discards as it reads.
	go func() {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		c.conn.Write([]byte(big + "\n"))
	}()

	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	// And the connection still works.
	r := c.call(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	assert.Nil(t, r.Error)
}

func TestHandleIdleTimeoutKeepsConnection(t *testing.T) {
	c := startClient(t, newTestHandler(t, handlerOpts{idleTimeout: 50 * time.Millisecond}))

	// Stay idle across several deadline renewals.
	time.Sleep(200 * time.Millisecond)

	resp := c.call(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	assert.Nil(t, resp.Error)
}

func TestHandleBannedIPClosedSilently(t *testing.T) {
	h := newTestHandler(t, handlerOpts{})
	// net.Pipe connections report "pipe" as their address.
	for i := 0; i < 5; i++ {
		h.Gate.Filter.RecordFailure("pipe")
	}

	c := startClient(t, h)
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close the banned connection")
	}

	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err, "nothing is written to a rejected connection")
}

func TestHandleConnectionMetrics(t *testing.T) {
	h := newTestHandler(t, handlerOpts{})
	c := startClient(t, h)

	c.call(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"m"}}}`, nil)

	snap := h.Metrics.Snapshot(0)
	assert.Equal(t, int64(1), snap.ActiveConnections)
	assert.Equal(t, int64(1), snap.RequestCount)
	assert.Equal(t, 1, h.Sessions.Count())

	c.conn.Close()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit on client close")
	}

	snap = h.Metrics.Snapshot(0)
	assert.Equal(t, int64(0), snap.ActiveConnections)
	assert.Equal(t, 0, h.Sessions.Count())
}

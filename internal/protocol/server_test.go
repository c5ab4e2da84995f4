// ABOUTME: Server lifecycle tests over real TCP: listener setup, a full
// ABOUTME: client round trip, and graceful shutdown on cancel.

package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/tools"
)

// freePort grabs an ephemeral port and releases it for the server to claim.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("could not connect to %s", addr)
	return nil
}

func TestServerRoundTrip(t *testing.T) {
	port := freePort(t)
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port

	handler := newTestHandler(t, handlerOpts{})
	srv := NewServer(cfg, handler, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn := dialWithRetry(t, addr)
	defer conn.Close()
	r := bufio.NewReader(conn)

	send := func(line string) *Response {
		t.Helper()
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		raw, err := r.ReadString('\n')
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(raw), &resp))
		return &resp
	}

	resp := send(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Nil(t, resp.Error)

	resp = send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"over tcp"}}}`)
	require.Nil(t, resp.Error)

	var result tools.Result
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "over tcp", result.Content[0].Text)

	// A second concurrent client is served independently.
	conn2 := dialWithRetry(t, addr)
	defer conn2.Close()
	_, err = conn2.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n"))
	require.NoError(t, err)
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(conn2).ReadString('\n')
	require.NoError(t, err)

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerTLSConfigErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.TLSCert = "/nonexistent/cert.pem"
	cfg.Server.TLSKey = "/nonexistent/key.pem"

	srv := NewServer(cfg, newTestHandler(t, handlerOpts{}), slog.Default())
	err := srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS key pair")
}

// ABOUTME: TCP/TLS/tsnet listener lifecycle and the accept loop.
// ABOUTME: Run blocks until context cancellation or a fatal listener error.

package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/mcpgate/mcpgate/internal/config"
)

// sessionSweepInterval is how often idle sessions are pruned from the table.
const sessionSweepInterval = 5 * time.Minute

// Server accepts client connections and hands each to the Handler.
type Server struct {
	cfg     *config.Config
	handler *Handler
	logger  *slog.Logger

	tsnetServer *tsnet.Server
	listener    net.Listener
	wg          sync.WaitGroup
}

// NewServer wires the listener lifecycle around an assembled Handler.
func NewServer(cfg *config.Config, handler *Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "server"),
	}
}

// setupListener creates the network listener per configuration: tsnet when
// Tailscale is enabled, otherwise TCP with optional TLS.
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	if s.cfg.Server.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
		s.logger.Info("TLS enabled", "cert", s.cfg.Server.TLSCert)
	}

	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default under
// the user's home if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mcpgate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on the configured port.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	if _, err := s.tsnetServer.Up(ctx); err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	ln, err := s.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// Run starts the server and blocks until ctx is canceled or the listener
// fails. Connection handlers are drained on the way out.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"tls", s.cfg.Server.TLSCert != "",
		"auth", s.handler.Gate.Auth.Enabled(),
	)

	errCh := make(chan error, 1)
	go s.acceptLoop(ctx, ln, errCh)

	sweep := time.NewTicker(sessionSweepInterval)
	defer sweep.Stop()

	var serverErr error
loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context canceled, initiating shutdown")
			break loop
		case err := <-errCh:
			s.logger.Error("listener error", "error", err)
			serverErr = err
			break loop
		case <-sweep.C:
			if removed := s.handler.Sessions.ExpireIdle(s.handler.IdleTimeout * 2); removed > 0 {
				s.logger.Debug("expired idle sessions", "count", removed)
			}
		}
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// acceptLoop accepts connections until the listener closes.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, errCh chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errCh <- fmt.Errorf("accept: %w", err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.Handle(ctx, conn)
		}()
	}
}

// gracefulShutdown closes the listener and waits briefly for in-flight
// handlers. Uses a fresh timeout since the run context is already canceled.
func (s *Server) gracefulShutdown() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("shutdown timeout, abandoning open connections")
	}

	if s.tsnetServer != nil {
		_ = s.tsnetServer.Close()
	}

	s.logger.Info("server stopped")
	return nil
}

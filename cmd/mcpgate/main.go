// ABOUTME: Entry point for the mcpgate MCP server
// ABOUTME: Commands: serve, init, token management, health probe, version

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/metrics"
	"github.com/mcpgate/mcpgate/internal/protocol"
	"github.com/mcpgate/mcpgate/internal/security"
	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/toolpacks"
	"github.com/mcpgate/mcpgate/internal/tools"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___   ___ _ __   __ _  __ _| |_ ___
| '_ ' _ \ / __| '_ \ / _' |/ _' | __/ _ \
| | | | | | (__| |_) | (_| | (_| | ||  __/
|_| |_| |_|\___| .__/ \__, |\__,_|\__\___|
               |_|    |___/
`

// getConfigPath returns the path to the config file.
// Priority: MCPGATE_CONFIG env var > XDG_CONFIG_HOME/mcpgate/config.yaml > ~/.config/mcpgate/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCPGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcpgate", "config.yaml")
}

// getDataPath returns the path to the mcpgate data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mcpgate")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcpgate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the MCP server")
		fmt.Println("  init                     Create a new config file interactively")
		fmt.Println("  token create --name N    Issue a named access token")
		fmt.Println("  token revoke --name N    Revoke a named access token")
		fmt.Println("  token list               List issued tokens")
		fmt.Println("  health                   Check server health over TCP")
		fmt.Println("  version                  Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:  %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	green.Print("    ▶ ")
	fmt.Printf("Packs:   %s\n", strings.Join(cfg.Tools.Packs, ", "))
	if cfg.Server.TLSCert != "" {
		green.Print("    ▶ ")
		fmt.Printf("TLS:     enabled\n")
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting mcpgate",
		"config", configPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"auth_enabled", cfg.Security.AuthEnabled,
	)

	srv, cleanup, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return srv.Run(ctx)
}

// buildServer assembles the admission services, tool registry, and listener
// from configuration. The returned cleanup closes the store.
func buildServer(cfg *config.Config, logger *slog.Logger) (*protocol.Server, func(), error) {
	cleanup := func() {}

	filter := security.NewIPFilter(cfg.Security.AllowedIPs, cfg.Security.BanDuration, logger.With("component", "security"))

	var staticToken, jwtSecret string
	if cfg.Security.AuthEnabled {
		staticToken = cfg.Security.AuthToken
		jwtSecret = cfg.Security.JWTSecret
	}
	auth := security.NewAuthenticator(staticToken, jwtSecret)

	var st *store.SQLiteStore
	if cfg.Database.Path != "" {
		var err error
		st, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening store: %w", err)
		}
		cleanup = func() { st.Close() }

		if err := filter.SetBanStore(st); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("loading persisted bans: %w", err)
		}
		if cfg.Security.AuthEnabled {
			auth.SetTokenDirectory(st)
		}
	}

	gate := security.NewGate(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, filter, auth)
	sessions := session.NewManager()
	collector := metrics.NewCollector()

	registry := tools.NewRegistry(logger.With("component", "registry"))
	for _, packName := range cfg.Tools.Packs {
		var pack *tools.Pack
		switch packName {
		case "admin":
			pack = toolpacks.Admin(toolpacks.AdminDeps{
				Metrics:        collector,
				Sessions:       sessions,
				MaxConnections: cfg.Limits.MaxConnections,
				Version:        cfg.Server.Version,
			})
		case "files":
			pack = toolpacks.Files(cfg.Tools.FilesRoot, cfg.Limits.MaxFileSize)
		case "database":
			pack = toolpacks.Database(cfg.Tools.ServiceURL, cfg.Tools.ServiceTimeout, logger)
		}
		if err := registry.RegisterPack(pack); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("registering pack %s: %w", packName, err)
		}
	}

	handler := &protocol.Handler{
		Gate:           gate,
		Sessions:       sessions,
		Metrics:        collector,
		Registry:       registry,
		ServerName:     cfg.Server.Name,
		ServerVersion:  cfg.Server.Version,
		MaxConnections: cfg.Limits.MaxConnections,
		IdleTimeout:    cfg.Limits.IdleTimeout,
		Logger:         logger.With("component", "conn"),
	}
	if st != nil {
		handler.Audit = st
	}

	return protocol.NewServer(cfg, handler, logger), cleanup, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runHealth dials the server and performs an initialize round trip.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer conn.Close()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
	}
	if cfg.Security.AuthEnabled && cfg.Security.AuthToken != "" {
		req["auth_token"] = cfg.Security.AuthToken
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sending initialize: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var resp struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("unhealthy: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	fmt.Println("healthy")
	return nil
}

// runToken manages named access tokens in the configured database.
func runToken(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: mcpgate token <create|revoke|list>")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("token management requires database.path in the config")
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	green := color.New(color.FgGreen)

	switch os.Args[2] {
	case "create":
		name, caps, err := parseTokenFlags(os.Args[3:])
		if err != nil {
			return err
		}

		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		plaintext := base64.RawURLEncoding.EncodeToString(raw)

		tok, err := st.CreateToken(ctx, name, security.HashToken(plaintext), caps)
		if err != nil {
			return fmt.Errorf("creating token: %w", err)
		}

		green.Printf("  ✓ Created token %s\n", tok.Name)
		fmt.Println()
		fmt.Printf("  Token: %s\n", plaintext)
		fmt.Println()
		fmt.Println("  Store it now; only its hash is kept on disk.")
		return nil

	case "revoke":
		name, _, err := parseTokenFlags(os.Args[3:])
		if err != nil {
			return err
		}
		if err := st.RevokeToken(ctx, name); err != nil {
			return fmt.Errorf("revoking token: %w", err)
		}
		green.Printf("  ✓ Revoked token %s\n", name)
		return nil

	case "list":
		tokens, err := st.ListTokens(ctx)
		if err != nil {
			return fmt.Errorf("listing tokens: %w", err)
		}
		if len(tokens) == 0 {
			fmt.Println("no tokens issued")
			return nil
		}
		for _, tok := range tokens {
			status := "active"
			if tok.RevokedAt != nil {
				status = "revoked"
			}
			fmt.Printf("%-20s %-8s caps=%s created=%s\n",
				tok.Name, status, strings.Join(tok.Capabilities, ","),
				tok.CreatedAt.Format("2006-01-02"))
		}
		return nil

	default:
		return fmt.Errorf("unknown token command: %s", os.Args[2])
	}
}

// parseTokenFlags handles --name and --caps in both "--flag value" and
// "--flag=value" forms.
func parseTokenFlags(args []string) (name string, caps []string, err error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case arg == "--caps":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--caps requires a value")
			}
			caps = strings.Split(args[i+1], ",")
			i++
		case strings.HasPrefix(arg, "--caps="):
			caps = strings.Split(strings.TrimPrefix(arg, "--caps="), ",")
		default:
			return "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	if strings.TrimSpace(name) == "" {
		return "", nil, fmt.Errorf("--name flag is required")
	}
	return strings.TrimSpace(name), caps, nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mcpgate configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "mcpgate.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	host := prompt(reader, "Listen host", "0.0.0.0")
	port := prompt(reader, "Listen port", "3001")

	fmt.Println("\n--- Security Configuration ---")
	authEnabled := strings.HasPrefix(strings.ToLower(prompt(reader, "Enable authentication?", "yes")), "y")
	var authToken string
	if authEnabled {
		authToken = prompt(reader, "Auth token (empty to generate)", "")
		if authToken == "" {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("generating auth token: %w", err)
			}
			authToken = base64.RawURLEncoding.EncodeToString(raw)
			fmt.Printf("Generated token: %s\n", authToken)
		}
	}

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path (empty to disable)", defaultDbPath)

	fmt.Println("\n--- Tools Configuration ---")
	packs := prompt(reader, "Tool packs (comma-separated: admin,files,database)", "admin,files")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# mcpgate configuration\n")
	cfg.WriteString("# Generated by mcpgate init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", host))
	cfg.WriteString(fmt.Sprintf("  port: %s\n", port))
	cfg.WriteString("\n")

	cfg.WriteString("security:\n")
	cfg.WriteString(fmt.Sprintf("  auth_enabled: %t\n", authEnabled))
	if authEnabled {
		cfg.WriteString(fmt.Sprintf("  auth_token: \"%s\"\n", authToken))
	}
	cfg.WriteString("  allowed_ips: []\n")
	cfg.WriteString("  ban_duration: \"0s\"  # 0 = ban for the process lifetime\n")
	cfg.WriteString("\n")

	cfg.WriteString("rate_limiting:\n")
	cfg.WriteString("  max_requests: 100\n")
	cfg.WriteString("  window: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("limits:\n")
	cfg.WriteString("  max_connections: 50\n")
	cfg.WriteString("  idle_timeout: \"600s\"\n")
	cfg.WriteString("  max_file_size: 1048576\n")
	cfg.WriteString("\n")

	if dbPath != "" {
		cfg.WriteString("database:\n")
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("tools:\n")
	cfg.WriteString("  packs:\n")
	for _, p := range strings.Split(packs, ",") {
		cfg.WriteString(fmt.Sprintf("    - %s\n", strings.TrimSpace(p)))
	}
	cfg.WriteString("  files_root: \".\"\n")
	cfg.WriteString("  service_url: \"http://localhost:8000\"\n")
	cfg.WriteString("  service_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  mcpgate serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// Package config handles configuration loading for mcpgate.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MCPGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mcpgate/config.yaml
//  3. ~/.config/mcpgate/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	security:
//	  auth_token: "${MCP_AUTH_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	rate_limiting:
//	  window: "60s"
//	limits:
//	  idle_timeout: "600s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  host: "0.0.0.0"
//	  port: 3001
//	  tls_cert: ""   # optional; tls_key required when set
//	  tls_key: ""
//
// Security:
//
//	security:
//	  auth_enabled: true
//	  auth_token: "${MCP_AUTH_TOKEN}"
//	  jwt_secret: ""       # optional HS256 secret
//	  allowed_ips: []      # exact IPs or CIDRs; empty allows all
//	  ban_duration: "0s"   # 0 = banned for the process lifetime
//
// Rate limiting and limits:
//
//	rate_limiting:
//	  max_requests: 100
//	  window: "60s"
//	limits:
//	  max_connections: 50
//	  idle_timeout: "600s"
//	  max_file_size: 1048576
//
// Database:
//
//	database:
//	  path: "~/.local/share/mcpgate/mcpgate.db"  # empty disables persistence
//
// Tools:
//
//	tools:
//	  packs: [admin, files, database]
//	  files_root: "."
//	  service_url: "http://localhost:8000"
//	  service_timeout: "30s"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "mcpgate"
//	  auth_key: "${TS_AUTHKEY}"
//	  ephemeral: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Port range
//   - TLS cert/key pairing
//   - Auth credentials present when auth is enabled
//   - Positive rate limit and connection limits
//   - Known tool pack names
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/mcpgate/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides ban/token/audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bans (
			ip         TEXT PRIMARY KEY,
			until_ts   TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tokens (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL UNIQUE,
			token_hash        TEXT NOT NULL UNIQUE,
			capabilities_json TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			revoked_at        TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(token_hash);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			client_id   TEXT NOT NULL,
			ip          TEXT NOT NULL,
			tool        TEXT NOT NULL,
			ok          INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// SaveBan persists an IP ban. A zero until means permanent; it is stored as
// an empty string. Saving an existing IP updates its expiry.
func (s *SQLiteStore) SaveBan(ip string, until time.Time) error {
	var untilStr string
	if !until.IsZero() {
		untilStr = until.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO bans (ip, until_ts, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET until_ts = excluded.until_ts
	`, ip, untilStr, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving ban: %w", err)
	}

	s.logger.Debug("saved ban", "ip", ip, "permanent", untilStr == "")
	return nil
}

// DeleteBan removes a persisted ban. Deleting a nonexistent ban is not an error.
func (s *SQLiteStore) DeleteBan(ip string) error {
	if _, err := s.db.Exec(`DELETE FROM bans WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("deleting ban: %w", err)
	}
	return nil
}

// ListBans returns all persisted bans keyed by IP. A zero time value means
// the ban is permanent.
func (s *SQLiteStore) ListBans() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT ip, until_ts FROM bans`)
	if err != nil {
		return nil, fmt.Errorf("querying bans: %w", err)
	}
	defer rows.Close()

	bans := make(map[string]time.Time)
	for rows.Next() {
		var ip, untilStr string
		if err := rows.Scan(&ip, &untilStr); err != nil {
			return nil, fmt.Errorf("scanning ban row: %w", err)
		}

		var until time.Time
		if untilStr != "" {
			until, err = time.Parse(time.RFC3339, untilStr)
			if err != nil {
				return nil, fmt.Errorf("parsing ban expiry: %w", err)
			}
		}
		bans[ip] = until
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ban rows: %w", err)
	}
	return bans, nil
}

// CreateToken stores a new named token. Only the SHA-256 hex digest of
// plaintext is written; callers hash with security.HashToken before storage
// lookups. Returns ErrDuplicateToken if the name or value already exists.
func (s *SQLiteStore) CreateToken(ctx context.Context, name, hashHex string, capabilities []string) (*Token, error) {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("encoding capabilities: %w", err)
	}

	token := &Token{
		ID:           uuid.New().String(),
		Name:         name,
		Hash:         hashHex,
		Capabilities: capabilities,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (id, name, token_hash, capabilities_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, token.ID, token.Name, token.Hash, string(capsJSON), token.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateToken
		}
		return nil, fmt.Errorf("inserting token: %w", err)
	}

	s.logger.Info("created token", "name", name)
	return token, nil
}

// RevokeToken marks a token as revoked by name.
// Returns ErrNotFound if no active token has that name.
func (s *SQLiteStore) RevokeToken(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET revoked_at = ? WHERE name = ? AND revoked_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339), name)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked token", "name", name)
	return nil
}

// ListTokens returns all tokens, including revoked ones, newest first.
func (s *SQLiteStore) ListTokens(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, token_hash, capabilities_json, created_at, revoked_at
		FROM tokens
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		var t Token
		var capsJSON, createdAtStr string
		var revokedAt sql.NullString

		if err := rows.Scan(&t.ID, &t.Name, &t.Hash, &capsJSON, &createdAtStr, &revokedAt); err != nil {
			return nil, fmt.Errorf("scanning token row: %w", err)
		}

		if err := json.Unmarshal([]byte(capsJSON), &t.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities: %w", err)
		}
		t.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if revokedAt.Valid {
			ts, err := time.Parse(time.RFC3339, revokedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing revoked_at: %w", err)
			}
			t.RevokedAt = &ts
		}

		tokens = append(tokens, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return tokens, nil
}

// LookupToken resolves an active token by its SHA-256 hex digest. Revoked
// tokens do not resolve. Satisfies security.TokenDirectory.
func (s *SQLiteStore) LookupToken(hashHex string) (caps []string, found bool, err error) {
	var capsJSON string
	err = s.db.QueryRow(`
		SELECT capabilities_json FROM tokens
		WHERE token_hash = ? AND revoked_at IS NULL
	`, hashHex).Scan(&capsJSON)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying token: %w", err)
	}

	if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
		return nil, false, fmt.Errorf("decoding capabilities: %w", err)
	}
	return caps, true, nil
}

// AppendAudit records one tool invocation. An empty ID is filled in.
func (s *SQLiteStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, client_id, ip, tool, ok, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ClientID, rec.IPAddress, rec.Tool, boolToInt(rec.OK),
		rec.Duration.Milliseconds(), rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecentAudit returns the most recent audit records, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, ip, tool, ok, duration_ms, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var ok int
		var durationMS int64
		var createdAtStr string

		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.IPAddress, &rec.Tool, &ok, &durationMS, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}

		rec.OK = ok != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing audit created_at: %w", err)
		}

		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return records, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// ABOUTME: Store types and errors for mcpgate persistence
// ABOUTME: Covers IP bans, named access tokens, and the tool-call audit log

package store

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	// ErrNotFound is returned when a requested record doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateToken is returned when creating a token whose name or
	// value already exists
	ErrDuplicateToken = errors.New("token already exists")
)

// Ban is a persisted IP ban. A zero Until means the ban is permanent.
type Ban struct {
	IP        string
	Until     time.Time
	CreatedAt time.Time
}

// Token is a named access token. Only the SHA-256 hex digest of the token
// value is stored; the plaintext exists only at issue time.
type Token struct {
	ID           string
	Name         string
	Hash         string
	Capabilities []string
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// AuditRecord is one tool invocation as seen by the server.
type AuditRecord struct {
	ID        string
	ClientID  string
	IPAddress string
	Tool      string
	OK        bool
	Duration  time.Duration
	CreatedAt time.Time
}

// Store is the persistence interface for the server. Implemented by
// SQLiteStore; every piece is optional at runtime, the server degrades to
// in-memory behavior without one.
type Store interface {
	// Bans
	SaveBan(ip string, until time.Time) error
	DeleteBan(ip string) error
	ListBans() (map[string]time.Time, error)

	// Tokens. CreateToken takes the SHA-256 hex digest of the token value;
	// callers hash with security.HashToken before storing.
	CreateToken(ctx context.Context, name, hashHex string, capabilities []string) (*Token, error)
	RevokeToken(ctx context.Context, name string) error
	ListTokens(ctx context.Context) ([]*Token, error)
	LookupToken(hashHex string) (caps []string, found bool, err error)

	// Audit
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	RecentAudit(ctx context.Context, limit int) ([]*AuditRecord, error)

	Close() error
}

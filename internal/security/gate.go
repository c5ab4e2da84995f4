// ABOUTME: Gate composes the admission checks (IP filter, rate limit, auth)
// ABOUTME: in their fixed order for connection- and request-level decisions.

package security

import (
	"time"

	"github.com/mcpgate/mcpgate/internal/ratelimit"
)

// Decision is the outcome of an access check, with the failing stage flagged
// so callers can pick the right wire behavior (close vs. error response).
type Decision struct {
	Allowed     bool
	Reason      string
	RateLimited bool
	AuthFailed  bool
}

// Gate holds the shared admission services. One Gate per server instance;
// every connection handler uses the same one.
type Gate struct {
	Limiter *ratelimit.Limiter
	Filter  *IPFilter
	Auth    *Authenticator
}

// NewGate wires the three services together.
func NewGate(maxRequests int, window time.Duration, filter *IPFilter, auth *Authenticator) *Gate {
	return &Gate{
		Limiter: ratelimit.New(maxRequests, window),
		Filter:  filter,
		Auth:    auth,
	}
}

// AdmitConnection runs the connection-level gates: allow-list, then the
// lockout block list. Connections failing here are closed with nothing read.
func (g *Gate) AdmitConnection(ip string) (ok bool, reason string) {
	if !g.Filter.Allowed(ip) {
		return false, "IP address not allowed"
	}
	if g.Filter.Blocked(ip) {
		return false, "IP address blocked due to failed attempts"
	}
	return true, ""
}

// CheckRequest runs the per-request gates in order: rate limit, then auth.
// authenticated short-circuits the credential check for sessions that already
// presented a valid token. A failed credential counts toward the lockout.
func (g *Gate) CheckRequest(ip, token string, authenticated bool) Decision {
	if !g.Limiter.Allow(ip) {
		return Decision{Reason: "Rate limit exceeded", RateLimited: true}
	}

	if g.Auth.Enabled() && !authenticated {
		if token == "" {
			g.Filter.RecordFailure(ip)
			return Decision{Reason: "Authentication token required", AuthFailed: true}
		}
		if _, ok := g.Auth.Authenticate(token); !ok {
			g.Filter.RecordFailure(ip)
			return Decision{Reason: "Invalid authentication token", AuthFailed: true}
		}
	}

	return Decision{Allowed: true}
}

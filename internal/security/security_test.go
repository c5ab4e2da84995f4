// ABOUTME: Tests for IP filtering, lockout, token verification, and the gate.
// ABOUTME: Covers the 5-failure ban, ban expiry policy, and constant-time auth paths.

package security

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestIPFilterAllowList(t *testing.T) {
	t.Run("empty allow-list admits everyone", func(t *testing.T) {
		f := NewIPFilter(nil, 0, testLogger())
		assert.True(t, f.Allowed("1.2.3.4"))
		assert.True(t, f.Allowed("192.168.0.1"))
	})

	t.Run("exact and CIDR entries", func(t *testing.T) {
		f := NewIPFilter([]string{"10.1.2.3", "192.168.0.0/24"}, 0, testLogger())

		assert.True(t, f.Allowed("10.1.2.3"))
		assert.True(t, f.Allowed("192.168.0.77"))
		assert.False(t, f.Allowed("192.168.1.1"))
		assert.False(t, f.Allowed("10.1.2.4"))
	})

	t.Run("invalid entries are skipped not fatal", func(t *testing.T) {
		f := NewIPFilter([]string{"not-an-ip", "10.0.0.0/8"}, 0, testLogger())
		assert.True(t, f.Allowed("10.9.9.9"))
		assert.False(t, f.Allowed("11.0.0.1"))
	})
}

func TestIPFilterLockout(t *testing.T) {
	t.Run("five failures ban the ip", func(t *testing.T) {
		f := NewIPFilter(nil, 0, testLogger())

		for i := 0; i < 4; i++ {
			f.RecordFailure("6.6.6.6")
			assert.False(t, f.Blocked("6.6.6.6"), "not yet banned after %d failures", i+1)
		}

		f.RecordFailure("6.6.6.6")
		assert.True(t, f.Blocked("6.6.6.6"))
		assert.False(t, f.Allowed("6.6.6.6"), "banned IPs fail the allow check too")
	})

	t.Run("permanent ban with zero duration", func(t *testing.T) {
		f := NewIPFilter(nil, 0, testLogger())
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		f.now = func() time.Time { return now }

		for i := 0; i < 5; i++ {
			f.RecordFailure("6.6.6.6")
		}

		now = now.Add(1000 * time.Hour)
		assert.True(t, f.Blocked("6.6.6.6"))
	})

	t.Run("timed ban expires lazily", func(t *testing.T) {
		f := NewIPFilter(nil, time.Hour, testLogger())
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		f.now = func() time.Time { return now }

		for i := 0; i < 5; i++ {
			f.RecordFailure("6.6.6.6")
		}
		assert.True(t, f.Blocked("6.6.6.6"))

		now = now.Add(2 * time.Hour)
		assert.False(t, f.Blocked("6.6.6.6"))
		assert.True(t, f.Allowed("6.6.6.6"))
	})

	t.Run("allow-list check is independent of lockout state", func(t *testing.T) {
		f := NewIPFilter([]string{"10.0.0.0/8"}, 0, testLogger())
		assert.True(t, f.Allowed("10.0.0.1"))
		assert.False(t, f.Blocked("10.0.0.1"))
	})
}

func TestAuthenticatorVerifyToken(t *testing.T) {
	t.Run("disabled auth accepts anything", func(t *testing.T) {
		a := NewAuthenticator("", "")
		assert.False(t, a.Enabled())
		assert.True(t, a.VerifyToken(""))
		assert.True(t, a.VerifyToken("whatever"))
	})

	t.Run("static token match", func(t *testing.T) {
		a := NewAuthenticator("s3cret", "")
		assert.True(t, a.Enabled())
		assert.True(t, a.VerifyToken("s3cret"))
		assert.False(t, a.VerifyToken("s3cre"))
		assert.False(t, a.VerifyToken("s3cretx"))
		assert.False(t, a.VerifyToken(""))
		// Tokens of wildly different lengths still take the same code path:
		// both sides are hashed before the constant-time compare.
		assert.False(t, a.VerifyToken("s3cret-but-much-longer-than-the-real-one"))
	})
}

func TestAuthenticatorJWT(t *testing.T) {
	a := NewAuthenticator("", "jwt-secret")
	v := NewJWTVerifier([]byte("jwt-secret"))

	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	principal, ok := a.Authenticate(token)
	assert.True(t, ok)
	assert.Equal(t, "alice", principal)

	t.Run("wrong secret rejected", func(t *testing.T) {
		other := NewJWTVerifier([]byte("different"))
		bad, err := other.Generate("alice", time.Hour)
		require.NoError(t, err)

		_, ok := a.Authenticate(bad)
		assert.False(t, ok)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		expired, err := v.Generate("alice", -time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(expired)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})
}

// fakeDirectory backs Authenticate's token-directory path in tests.
type fakeDirectory struct {
	tokens map[string][]string // hash -> caps
}

func (d *fakeDirectory) LookupToken(hashHex string) ([]string, bool, error) {
	caps, ok := d.tokens[hashHex]
	return caps, ok, nil
}

func TestAuthenticatorDirectory(t *testing.T) {
	a := NewAuthenticator("", "")
	a.SetTokenDirectory(&fakeDirectory{
		tokens: map[string][]string{HashToken("issued-token"): {"admin"}},
	})

	assert.True(t, a.Enabled())

	_, ok := a.Authenticate("issued-token")
	assert.True(t, ok)

	_, ok = a.Authenticate("never-issued")
	assert.False(t, ok)
}

func TestGate(t *testing.T) {
	newGate := func(maxReq int, staticToken string) *Gate {
		filter := NewIPFilter(nil, 0, testLogger())
		auth := NewAuthenticator(staticToken, "")
		return NewGate(maxReq, time.Minute, filter, auth)
	}

	t.Run("admission rejects banned ip", func(t *testing.T) {
		g := newGate(100, "")
		for i := 0; i < 5; i++ {
			g.Filter.RecordFailure("6.6.6.6")
		}

		ok, reason := g.AdmitConnection("6.6.6.6")
		assert.False(t, ok)
		assert.NotEmpty(t, reason)

		ok, _ = g.AdmitConnection("10.0.0.1")
		assert.True(t, ok)
	})

	t.Run("rate limit flags the decision", func(t *testing.T) {
		g := newGate(2, "")

		assert.True(t, g.CheckRequest("ip", "", false).Allowed)
		assert.True(t, g.CheckRequest("ip", "", false).Allowed)

		d := g.CheckRequest("ip", "", false)
		assert.False(t, d.Allowed)
		assert.True(t, d.RateLimited)
		assert.False(t, d.AuthFailed)
	})

	t.Run("auth failure flags and counts toward lockout", func(t *testing.T) {
		g := newGate(100, "s3cret")

		d := g.CheckRequest("9.9.9.9", "wrong", false)
		assert.False(t, d.Allowed)
		assert.True(t, d.AuthFailed)

		for i := 0; i < 4; i++ {
			g.CheckRequest("9.9.9.9", "wrong", false)
		}
		assert.True(t, g.Filter.Blocked("9.9.9.9"))
	})

	t.Run("authenticated session skips the credential check", func(t *testing.T) {
		g := newGate(100, "s3cret")

		d := g.CheckRequest("ip", "", true)
		assert.True(t, d.Allowed)
	})

	t.Run("valid token passes", func(t *testing.T) {
		g := newGate(100, "s3cret")

		d := g.CheckRequest("ip", "s3cret", false)
		assert.True(t, d.Allowed)
	})
}

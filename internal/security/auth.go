// ABOUTME: Token authentication: timing-safe static token compare, optional
// ABOUTME: HS256 JWT verification, and lookup of named tokens hashed at rest.

package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenDirectory resolves named access tokens stored hashed at rest.
// Implemented by store.SQLiteStore; optional.
type TokenDirectory interface {
	// LookupToken returns the capabilities for the token whose SHA-256 hex
	// digest is hashHex, or found=false if no such token exists.
	LookupToken(hashHex string) (caps []string, found bool, err error)
}

// Authenticator verifies client-presented credentials. With no static token,
// no JWT secret, and no directory configured, auth is disabled and every
// token (including the empty one) verifies.
type Authenticator struct {
	// SHA-256 of the configured static token; nil when unset. Hashing both
	// sides first makes the comparison length-independent.
	staticHash []byte

	jwtVerifier *JWTVerifier
	directory   TokenDirectory
}

// NewAuthenticator builds an Authenticator. staticToken and jwtSecret may each
// be empty to disable that mode.
func NewAuthenticator(staticToken, jwtSecret string) *Authenticator {
	a := &Authenticator{}
	if staticToken != "" {
		sum := sha256.Sum256([]byte(staticToken))
		a.staticHash = sum[:]
	}
	if jwtSecret != "" {
		a.jwtVerifier = NewJWTVerifier([]byte(jwtSecret))
	}
	return a
}

// SetTokenDirectory attaches the named-token lookup.
func (a *Authenticator) SetTokenDirectory(d TokenDirectory) {
	a.directory = d
}

// Enabled reports whether any credential check is configured.
func (a *Authenticator) Enabled() bool {
	return a.staticHash != nil || a.jwtVerifier != nil || a.directory != nil
}

// VerifyToken checks token against the static secret. Always true when auth
// is disabled. The comparison is constant-time over SHA-256 digests, so its
// duration does not depend on the length of any matching prefix.
func (a *Authenticator) VerifyToken(token string) bool {
	if !a.Enabled() {
		return true
	}
	if a.staticHash == nil {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], a.staticHash) == 1
}

// Authenticate tries every configured credential mode in order: static token,
// signed JWT, then the token directory. It returns the principal identity
// ("static" for the shared token, the JWT sub claim, or the stored token's
// first capability owner) and whether the token was accepted.
func (a *Authenticator) Authenticate(token string) (principal string, ok bool) {
	if !a.Enabled() {
		return "anonymous", true
	}
	if token == "" {
		return "", false
	}

	if a.staticHash != nil && a.VerifyToken(token) {
		return "static", true
	}

	if a.jwtVerifier != nil {
		if sub, err := a.jwtVerifier.Verify(token); err == nil {
			return sub, true
		}
	}

	if a.directory != nil {
		hash := HashToken(token)
		if _, found, err := a.directory.LookupToken(hash); err == nil && found {
			return "token:" + hash[:8], true
		}
	}

	return "", false
}

// HashToken returns the SHA-256 hex digest used to store and look up tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// JWTVerifier validates HS256-signed JWTs carrying the principal in "sub".
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given HMAC secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the principal ID from the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (principalID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a new JWT for the given principal ID with expiration.
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bryankemp/network-scanner/internal/errors"
)

// TokenKind distinguishes access tokens from refresh tokens so one cannot be
// replayed as the other.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// claims is the payload signed into every issued token. There is no JWT
// library anywhere in the dependency set this package draws from, so tokens
// are a minimal home-grown equivalent: a base64 JSON payload plus an
// HMAC-SHA256 signature over it, in the vein of the teacher's own prefixed,
// hash-validated API key format.
type claims struct {
	Subject   uuid.UUID `json:"sub"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Kind      TokenKind `json:"kind"`
	IssuedAt  int64     `json:"iat"`
	ExpiresAt int64     `json:"exp"`
	JTI       string    `json:"jti"`
}

// TokenIssuer signs and verifies bearer tokens using a shared secret key.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer builds a TokenIssuer from the configured secret key and
// token lifetimes. secret must be non-empty; callers should refuse to start
// the API server otherwise.
func NewTokenIssuer(secretKey string, accessMinutes, refreshDays int) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secretKey),
		accessTTL:  time.Duration(accessMinutes) * time.Minute,
		refreshTTL: time.Duration(refreshDays) * 24 * time.Hour,
	}
}

// Pair is the pair of tokens handed back on login and refresh.
type Pair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Issue creates a fresh access/refresh token pair for a user.
func (i *TokenIssuer) Issue(user *uuid.UUID, username, role string) (Pair, error) {
	now := time.Now()

	accessExpiry := now.Add(i.accessTTL)
	access, err := i.sign(claims{
		Subject:   *user,
		Username:  username,
		Role:      role,
		Kind:      TokenKindAccess,
		IssuedAt:  now.Unix(),
		ExpiresAt: accessExpiry.Unix(),
	})
	if err != nil {
		return Pair{}, err
	}

	refresh, err := i.sign(claims{
		Subject:   *user,
		Username:  username,
		Role:      role,
		Kind:      TokenKindRefresh,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.refreshTTL).Unix(),
	})
	if err != nil {
		return Pair{}, err
	}

	return Pair{AccessToken: access, RefreshToken: refresh, ExpiresAt: accessExpiry}, nil
}

// Verify checks a token's signature, expiry, and kind, and returns its
// claims. Callers compare Kind against the expected TokenKind for the
// endpoint (an access token presented where a refresh token is required is
// rejected, and vice versa).
func (i *TokenIssuer) Verify(token string, want TokenKind) (*claims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, errors.NewAuthError("malformed token")
	}

	payloadB64, sigB64 := parts[0], parts[1]
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, errors.WrapAuthError("malformed token payload", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errors.WrapAuthError("malformed token signature", err)
	}

	expected := i.signature(payload)
	if !hmac.Equal(sig, expected) || subtle.ConstantTimeCompare(sig, expected) != 1 {
		return nil, errors.NewAuthError("invalid token signature")
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, errors.WrapAuthError("invalid token claims", err)
	}

	if c.Kind != want {
		return nil, errors.NewAuthError("unexpected token kind")
	}
	if time.Now().Unix() > c.ExpiresAt {
		return nil, errors.NewAuthError("token expired")
	}

	return &c, nil
}

func (i *TokenIssuer) sign(c claims) (string, error) {
	jti, err := randomToken(12)
	if err != nil {
		return "", err
	}
	c.JTI = jti

	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token claims: %w", err)
	}

	sig := i.signature(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (i *TokenIssuer) signature(payload []byte) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

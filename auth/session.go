// Package auth issues and validates browser sessions and verifies the
// sign-in credentials they are minted from. Sessions are stateless HS256
// tokens in an HttpOnly cookie; the store remains the only stateful system.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"paybridge/faults"
)

const (
	// SessionCookie carries the signed session token.
	SessionCookie = "paybridge_session"

	sessionTTL      = 7 * 24 * time.Hour
	minSecretLength = 32
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// Claims is the session token payload.
type Claims struct {
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and validates session tokens.
type Manager struct {
	secret []byte
	secure bool
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewManager builds a session manager. The secret must be at least 32
// characters; secure controls the cookie Secure flag.
func NewManager(secret string, secure bool) (*Manager, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d characters", minSecretLength)
	}
	return &Manager{
		secret: []byte(secret),
		secure: secure,
		ttl:    sessionTTL,
		nowFn:  time.Now,
	}, nil
}

// Issue signs a session token for the identity and returns it with its
// expiry time.
func (m *Manager) Issue(id Identity) (string, time.Time, error) {
	if strings.TrimSpace(id.Subject) == "" {
		return "", time.Time{}, faults.New(faults.KindUnauthorized, "identity has no subject")
	}
	now := m.nowFn()
	expires := now.Add(m.ttl)
	claims := Claims{
		Email:   id.Email,
		Name:    id.Name,
		Picture: id.Picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    "paybridge",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expires, nil
}

// Parse validates a session token and returns the identity it names.
func (m *Manager) Parse(raw string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.nowFn))
	if err != nil {
		return Identity{}, faults.Wrap(faults.KindUnauthorized, "invalid session", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, faults.New(faults.KindUnauthorized, "session names no subject")
	}
	return Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}

// SetCookie writes the session cookie on the response.
func (m *Manager) SetCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

type identityKey struct{}

// WithIdentity attaches an identity to a request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached by the session middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid session cookie and attaches
// the identity to the context otherwise.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil || strings.TrimSpace(cookie.Value) == "" {
			writeUnauthorized(w)
			return
		}
		id, err := m.Parse(cookie.Value)
		if err != nil {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "UNAUTHORIZED",
			"message": "sign-in required",
		},
	})
}

package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	// CSRFCookie is readable by the frontend so it can echo the value back
	// in the header; it is deliberately not HttpOnly.
	CSRFCookie = "paybridge_csrf"
	// CSRFHeader carries the echoed token on mutating requests.
	CSRFHeader = "X-CSRF-Token"

	csrfTokenBytes = 32
)

// CSRF enforces a double-submit token on mutating requests. Gateway-facing
// paths are exempt: the gateway signs its payloads and sends no cookies.
type CSRF struct {
	secure bool
	exempt map[string]struct{}
}

// NewCSRF builds the guard. Exempt paths are matched exactly.
func NewCSRF(secure bool, exemptPaths ...string) *CSRF {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = struct{}{}
	}
	return &CSRF{secure: secure, exempt: exempt}
}

// Middleware seeds the token cookie on safe methods and validates the echo
// on mutating ones.
func (c *CSRF) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := c.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.ensureCookie(w, r)
			next.ServeHTTP(w, r)
			return
		}
		cookie, err := r.Cookie(CSRFCookie)
		if err != nil || strings.TrimSpace(cookie.Value) == "" {
			writeError(w, http.StatusForbidden, "CSRF_VALIDATION_FAILED", "missing request token")
			return
		}
		header := strings.TrimSpace(r.Header.Get(CSRFHeader))
		if header == "" || !hmac.Equal([]byte(cookie.Value), []byte(header)) {
			writeError(w, http.StatusForbidden, "CSRF_VALIDATION_FAILED", "request token mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CSRF) ensureCookie(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(CSRFCookie); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return
	}
	token, err := newCSRFToken()
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    token,
		Path:     "/",
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func newCSRFToken() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

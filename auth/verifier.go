package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paybridge/faults"
)

const defaultTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// IdentityVerifier validates a sign-in credential from the web client and
// returns the identity it attests.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// GoogleVerifier checks ID tokens against the provider's tokeninfo endpoint
// and enforces the configured OAuth client audience.
type GoogleVerifier struct {
	clientID string
	base     string
	http     *http.Client
}

// NewGoogleVerifier builds a verifier for the given OAuth client. An empty
// base falls back to the public tokeninfo endpoint.
func NewGoogleVerifier(clientID, base string) (*GoogleVerifier, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, fmt.Errorf("oauth client id is required")
	}
	if strings.TrimSpace(base) == "" {
		base = defaultTokenInfoURL
	}
	return &GoogleVerifier{
		clientID: clientID,
		base:     strings.TrimRight(base, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type tokenInfo struct {
	Audience      string `json:"aud"`
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Verify resolves a raw ID token into an identity. Any rejection from the
// provider reads as unauthorized; only transport failures are retryable.
func (g *GoogleVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, faults.New(faults.KindUnauthorized, "credential is required")
	}
	endpoint := g.base + "?id_token=" + url.QueryEscape(credential)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build tokeninfo request: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return Identity{}, faults.Wrap(faults.KindRemote, "tokeninfo unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, faults.Newf(faults.KindUnauthorized, "credential rejected (%d)", resp.StatusCode)
	}
	var info tokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Identity{}, faults.Wrap(faults.KindRemote, "decode tokeninfo response", err)
	}
	if info.Audience != g.clientID {
		return Identity{}, faults.New(faults.KindUnauthorized, "credential was issued for another client")
	}
	if strings.TrimSpace(info.Subject) == "" {
		return Identity{}, faults.New(faults.KindUnauthorized, "credential names no subject")
	}
	if info.EmailVerified != "true" {
		return Identity{}, faults.New(faults.KindUnauthorized, "email is not verified")
	}
	return Identity{
		Subject: info.Subject,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}, nil
}

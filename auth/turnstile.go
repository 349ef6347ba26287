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

const defaultSiteverifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// TokenChecker abstracts the human-verification step so handlers can be
// tested without the remote service.
type TokenChecker interface {
	Check(ctx context.Context, token, remoteIP string) error
}

// Turnstile verifies challenge tokens against the siteverify endpoint.
type Turnstile struct {
	secret string
	base   string
	http   *http.Client
}

// NewTurnstile builds a checker for the given site secret. An empty base
// falls back to the public siteverify endpoint.
func NewTurnstile(secret, base string) (*Turnstile, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("turnstile secret is required")
	}
	if strings.TrimSpace(base) == "" {
		base = defaultSiteverifyURL
	}
	return &Turnstile{
		secret: secret,
		base:   base,
		http:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Check validates a challenge token. A failed challenge is a client error;
// an unreachable verifier is a retryable upstream error.
func (t *Turnstile) Check(ctx context.Context, token, remoteIP string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return faults.New(faults.KindBadRequest, "verification token is required")
	}
	form := url.Values{
		"secret":   {t.secret},
		"response": {token},
	}
	if remoteIP = strings.TrimSpace(remoteIP); remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := t.http.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindRemote, "siteverify unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return faults.Newf(faults.KindRemote, "siteverify returned %d", resp.StatusCode)
	}
	var verdict siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return faults.Wrap(faults.KindRemote, "decode siteverify response", err)
	}
	if !verdict.Success {
		detail := "challenge failed"
		if len(verdict.ErrorCodes) > 0 {
			detail = strings.Join(verdict.ErrorCodes, ",")
		}
		return faults.Newf(faults.KindBadRequest, "verification failed: %s", detail)
	}
	return nil
}

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"paybridge/faults"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var sessionNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testSecret, false)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.nowFn = func() time.Time { return sessionNow }
	return m
}

func TestSessionRoundTrip(t *testing.T) {
	m := newTestManager(t)
	id := Identity{Subject: "sub-123", Email: "buyer@example.com", Name: "Buyer", Picture: "https://img.example/p.png"}

	token, expires, err := m.Issue(id)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if want := sessionNow.Add(7 * 24 * time.Hour); !expires.Equal(want) {
		t.Fatalf("expires = %v, want %v", expires, want)
	}
	got, err := m.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != id {
		t.Fatalf("identity = %+v, want %+v", got, id)
	}
}

func TestSessionRejectsShortSecret(t *testing.T) {
	if _, err := NewManager("tooshort", false); err == nil {
		t.Fatal("short secret accepted")
	}
}

func TestSessionExpires(t *testing.T) {
	m := newTestManager(t)
	token, _, err := m.Issue(Identity{Subject: "sub-123"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	m.nowFn = func() time.Time { return sessionNow.Add(8 * 24 * time.Hour) }
	if _, err := m.Parse(token); faults.KindOf(err) != faults.KindUnauthorized {
		t.Fatalf("expired session parsed: %v", err)
	}
}

func TestSessionRejectsTampering(t *testing.T) {
	m := newTestManager(t)
	token, _, err := m.Issue(Identity{Subject: "sub-123", Email: "buyer@example.com"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// Flip the first signature character; every bit there is signature data.
	sig := []byte(token)
	pos := strings.LastIndex(token, ".") + 1
	if sig[pos] == 'A' {
		sig[pos] = 'B'
	} else {
		sig[pos] = 'A'
	}
	if _, err := m.Parse(string(sig)); faults.KindOf(err) != faults.KindUnauthorized {
		t.Fatalf("tampered session parsed: %v", err)
	}
}

func TestSessionRejectsForeignSignature(t *testing.T) {
	m := newTestManager(t)
	other, err := NewManager("ffffffffffffffffffffffffffffffff", false)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	other.nowFn = m.nowFn
	token, _, err := other.Issue(Identity{Subject: "sub-123"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Parse(token); faults.KindOf(err) != faults.KindUnauthorized {
		t.Fatalf("foreign session parsed: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	m := newTestManager(t)
	var seen Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			t.Fatal("identity missing from context")
		}
		seen = id
		w.WriteHeader(http.StatusNoContent)
	})
	handler := m.Middleware(next)

	// No cookie.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/my-orders", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if payload.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("error code = %q", payload.Error.Code)
	}

	// Garbage cookie.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/my-orders", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "not-a-token"})
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Valid session.
	token, _, err := m.Issue(Identity{Subject: "sub-123", Email: "buyer@example.com"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/my-orders", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if seen.Subject != "sub-123" || seen.Email != "buyer@example.com" {
		t.Fatalf("identity = %+v", seen)
	}
}

func TestGoogleVerifier(t *testing.T) {
	info := map[string]string{
		"aud":            "client-1",
		"sub":            "sub-123",
		"email":          "buyer@example.com",
		"email_verified": "true",
		"name":           "Buyer",
		"picture":        "https://img.example/p.png",
	}
	status := http.StatusOK
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id_token") == "" {
			t.Error("id_token missing from tokeninfo request")
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(info)
	}))
	defer ts.Close()

	v, err := NewGoogleVerifier("client-1", ts.URL)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	id, err := v.Verify(context.Background(), "valid-token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "sub-123" || id.Email != "buyer@example.com" {
		t.Fatalf("identity = %+v", id)
	}

	if _, err := v.Verify(context.Background(), ""); faults.KindOf(err) != faults.KindUnauthorized {
		t.Fatalf("empty credential: %v", err)
	}

	info["aud"] = "someone-else"
	if _, err := v.Verify(context.Background(), "valid-token"); faults.KindOf(err) != faults.KindUnauthorized {
		t.Fatalf("foreign audience accepted: %v", err)
	}
	info["aud"] = "client-1"

	info["email_verified"] = "false"
	if _, err := v.Verify(context.Background(), "valid-token"); faults.KindOf(err) != faults.KindUnauthorized {
		t.Fatalf("unverified email accepted: %v", err)
	}
	info["email_verified"] = "true"

	status = http.StatusBadRequest
	if _, err := v.Verify(context.Background(), "expired-token"); faults.KindOf(err) != faults.KindUnauthorized {
		t.Fatalf("rejected token accepted: %v", err)
	}
}

func TestTurnstile(t *testing.T) {
	var verdict siteverifyResponse
	var gotForm struct{ token, remoteIP string }
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "ts-secret" {
			t.Errorf("secret = %q", r.PostForm.Get("secret"))
		}
		gotForm.token = r.PostForm.Get("response")
		gotForm.remoteIP = r.PostForm.Get("remoteip")
		_ = json.NewEncoder(w).Encode(verdict)
	}))
	defer ts.Close()

	checker, err := NewTurnstile("ts-secret", ts.URL)
	if err != nil {
		t.Fatalf("new turnstile: %v", err)
	}

	verdict = siteverifyResponse{Success: true}
	if err := checker.Check(context.Background(), "cf-token", "203.0.113.7"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if gotForm.token != "cf-token" || gotForm.remoteIP != "203.0.113.7" {
		t.Fatalf("form = %+v", gotForm)
	}

	verdict = siteverifyResponse{Success: false, ErrorCodes: []string{"invalid-input-response"}}
	err = checker.Check(context.Background(), "cf-token", "")
	if faults.KindOf(err) != faults.KindBadRequest {
		t.Fatalf("kind = %v", faults.KindOf(err))
	}
	if !strings.Contains(err.Error(), "invalid-input-response") {
		t.Fatalf("error = %v", err)
	}

	if err := checker.Check(context.Background(), "", ""); faults.KindOf(err) != faults.KindBadRequest {
		t.Fatalf("empty token: %v", err)
	}
}

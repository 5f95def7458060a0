package caddyturnstile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

func newCallbackHandler(t *testing.T, sv *siteverify) *CallbackHandler {
	t.Helper()
	h := &CallbackHandler{Access: testAccess(t, sv)}
	provision(t, h)
	return h
}

func postCallback(t *testing.T, h *CallbackHandler, target, body string) (*httptest.ResponseRecorder, callbackResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	if err := h.ServeHTTP(rec, req, &nextHandler{}); err != nil {
		t.Fatalf("ServeHTTP returned error: %v", err)
	}

	var resp callbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return rec, resp
}

func TestCallbackHandler_Accepted(t *testing.T) {
	sv := newSiteverify(t, http.StatusOK, true)
	h := newCallbackHandler(t, sv)

	rec, resp := postCallback(t, h, "/turnstile/callback", `{"event":"turnstile_callback","token":"real-token"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !resp.Verified || resp.Degraded || resp.Error != "" || resp.Event != "" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if sv.calls.Load() != 1 {
		t.Errorf("Expected 1 siteverify call, got %d", sv.calls.Load())
	}

	cookie := verificationCookie(rec, DefaultCookieName)
	if cookie == nil {
		t.Fatal("verification cookie not set")
	}
	if !cookie.HttpOnly || !cookie.Secure {
		t.Error("verification cookie should be Secure and HttpOnly by default")
	}

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(cookie)
	if !h.granted(context.Background(), req) {
		t.Error("issued cookie is not registered with the session backend")
	}
}

func TestCallbackHandler_TokenWithoutEvent(t *testing.T) {
	h := newCallbackHandler(t, newSiteverify(t, http.StatusOK, true))

	rec, resp := postCallback(t, h, "/turnstile/callback", `{"token":"real-token"}`)

	if rec.Code != http.StatusOK || !resp.Verified {
		t.Errorf("Expected verified 200, got %d %+v", rec.Code, resp)
	}
}

func TestCallbackHandler_RedirectFromSession(t *testing.T) {
	h := newCallbackHandler(t, newSiteverify(t, http.StatusOK, true))

	id, err := h.saveReturn(context.Background(), "/checkout?step=2")
	if err != nil {
		t.Fatalf("saveReturn failed: %v", err)
	}

	_, resp := postCallback(t, h, "/turnstile/callback?session="+id, `{"token":"real-token"}`)
	if resp.Redirect != "/checkout?step=2" {
		t.Errorf("Expected redirect to /checkout?step=2, got %q", resp.Redirect)
	}

	// sessions are single use
	_, resp = postCallback(t, h, "/turnstile/callback?session="+id, `{"token":"real-token"}`)
	if resp.Redirect != "" {
		t.Errorf("Expected no redirect on reused session, got %q", resp.Redirect)
	}
}

func TestCallbackHandler_UnsafeReturnURI(t *testing.T) {
	h := newCallbackHandler(t, newSiteverify(t, http.StatusOK, true))

	id, _ := GenerateSessionID()
	data, _ := json.Marshal(StoredRequest{ReturnURI: "//evil.example.com/"})
	if err := h.sessions.Store(context.Background(), returnKeyPrefix+id, data, time.Minute); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	_, resp := postCallback(t, h, "/turnstile/callback?session="+id, `{"token":"real-token"}`)
	if !resp.Verified {
		t.Fatal("Expected verification to succeed")
	}
	if resp.Redirect != "" {
		t.Errorf("unsafe return URI was used: %q", resp.Redirect)
	}
}

func TestCallbackHandler_UnknownSession(t *testing.T) {
	h := newCallbackHandler(t, newSiteverify(t, http.StatusOK, true))

	for _, id := range []string{"not-hex", strings.Repeat("a", 64), strings.Repeat("A", 64)} {
		_, resp := postCallback(t, h, "/turnstile/callback?session="+id, `{"token":"real-token"}`)
		if !resp.Verified || resp.Redirect != "" {
			t.Errorf("session %q: unexpected response %+v", id, resp)
		}
	}
}

func TestCallbackHandler_Rejected(t *testing.T) {
	h := newCallbackHandler(t, newSiteverify(t, http.StatusOK, false))

	rec, resp := postCallback(t, h, "/turnstile/callback", `{"token":"forged"}`)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
	if resp.Verified {
		t.Error("rejected token must not verify")
	}
	if resp.Event != "reset_turnstile" {
		t.Errorf("Expected reset_turnstile event, got %q", resp.Event)
	}
	if verificationCookie(rec, DefaultCookieName) != nil {
		t.Error("rejected token must not set the verification cookie")
	}
}

func TestCallbackHandler_InvalidInput(t *testing.T) {
	sv := newSiteverify(t, http.StatusOK, true)
	h := newCallbackHandler(t, sv)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"null token", `{"event":"turnstile_callback","token":null}`, "invalid token"},
		{"missing token", `{"event":"turnstile_callback"}`, "invalid token"},
		{"number token", `{"token":42}`, "invalid token"},
		{"object token", `{"token":{"a":1}}`, "invalid token"},
		{"malformed json", `{"token":`, "malformed request"},
		{"unknown event", `{"event":"something_else","token":"t"}`, "unknown event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := postCallback(t, h, "/turnstile/callback", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rec.Code)
			}
			if resp.Error != tt.wantErr {
				t.Errorf("Expected error %q, got %q", tt.wantErr, resp.Error)
			}
			if verificationCookie(rec, DefaultCookieName) != nil {
				t.Error("invalid input must not set the verification cookie")
			}
		})
	}

	if sv.calls.Load() != 0 {
		t.Errorf("invalid input reached siteverify %d times", sv.calls.Load())
	}
}

func TestCallbackHandler_BypassToken(t *testing.T) {
	sv := newSiteverify(t, http.StatusOK, false)
	h := newCallbackHandler(t, sv)

	rec, resp := postCallback(t, h, "/turnstile/callback", `{"token":"bypass-script-timeout"}`)

	if rec.Code != http.StatusOK || !resp.Verified {
		t.Errorf("bypass token should be accepted, got %d %+v", rec.Code, resp)
	}
	if sv.calls.Load() != 0 {
		t.Errorf("bypass token reached siteverify %d times", sv.calls.Load())
	}
	if verificationCookie(rec, DefaultCookieName) == nil {
		t.Error("bypass should set the verification cookie")
	}
}

func TestCallbackHandler_Degraded(t *testing.T) {
	tests := []struct {
		name string
		sv   func(t *testing.T) *siteverify
	}{
		{"service error", func(t *testing.T) *siteverify { return newSiteverify(t, http.StatusInternalServerError, false) }},
		{"unreachable", func(t *testing.T) *siteverify {
			sv := newSiteverify(t, http.StatusOK, true)
			sv.Close()
			return sv
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCallbackHandler(t, tt.sv(t))

			rec, resp := postCallback(t, h, "/turnstile/callback", `{"token":"real-token"}`)

			if rec.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", rec.Code)
			}
			if !resp.Verified || !resp.Degraded || resp.Error == "" {
				t.Errorf("Expected degraded verification, got %+v", resp)
			}
			if verificationCookie(rec, DefaultCookieName) == nil {
				t.Error("degraded verification should set the verification cookie")
			}
		})
	}
}

func TestCallbackHandler_NoSecretKey(t *testing.T) {
	sv := newSiteverify(t, http.StatusOK, false)
	h := &CallbackHandler{Access: testAccess(t, sv)}
	h.SecretKey = ""
	provision(t, h)

	_, resp := postCallback(t, h, "/turnstile/callback", `{"token":"anything"}`)

	if !resp.Verified {
		t.Error("missing secret key should let the token through")
	}
	if sv.calls.Load() != 0 {
		t.Errorf("siteverify called %d times without a secret key", sv.calls.Load())
	}
}

func TestCallbackHandler_SecretFromEnv(t *testing.T) {
	t.Setenv("TEST_TURNSTILE_SECRET", testSecretKey)
	sv := newSiteverify(t, http.StatusOK, false)

	h := &CallbackHandler{Access: testAccess(t, sv)}
	h.SecretKey = "{env.TEST_TURNSTILE_SECRET}"
	provision(t, h)

	postCallback(t, h, "/turnstile/callback", `{"token":"forged"}`)

	if sv.calls.Load() != 1 {
		t.Errorf("secret placeholder not resolved, siteverify calls = %d", sv.calls.Load())
	}
}

func TestCallbackHandler_MethodNotAllowed(t *testing.T) {
	h := newCallbackHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/turnstile/callback", nil)
	rec := httptest.NewRecorder()
	err := h.ServeHTTP(rec, req, &nextHandler{})

	var he caddyhttp.HandlerError
	if !errors.As(err, &he) || he.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 handler error, got %v", err)
	}
}

func TestCallbackHandler_BodyTooLarge(t *testing.T) {
	h := newCallbackHandler(t, newSiteverify(t, http.StatusOK, true))

	body := `{"token":"` + strings.Repeat("a", maxCallbackBody) + `"}`
	rec, resp := postCallback(t, h, "/turnstile/callback", body)

	if rec.Code != http.StatusBadRequest || resp.Error != "malformed request" {
		t.Errorf("Expected 400 malformed request, got %d %+v", rec.Code, resp)
	}
}

func TestCallbackHandler_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(h *CallbackHandler)
		wantErr bool
	}{
		{"defaults", func(h *CallbackHandler) {}, false},
		{"missing keys", func(h *CallbackHandler) { h.SiteKey, h.SecretKey = "", "" }, false},
		{"negative retry_max", func(h *CallbackHandler) { h.RetryMax = -1 }, true},
		{"short session_ttl", func(h *CallbackHandler) { h.SessionTTL = 1 }, true},
		{"short cookie_ttl", func(h *CallbackHandler) { h.Cookie.TTL = 1 }, true},
		{"same_site none without secure", func(h *CallbackHandler) {
			h.Cookie.SameSite = "None"
			h.Cookie.Secure = boolPtr(false)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCallbackHandler(t, nil)
			tt.mutate(h)

			err := h.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCallbackHandler_SharedBackend(t *testing.T) {
	uri := "file://" + t.TempDir()

	first := &CallbackHandler{Access: Access{SessionBackendURI: uri}}
	second := &CallbackHandler{Access: Access{SessionBackendURI: uri}}
	provision(t, first)
	provision(t, second)

	if first.sessions != second.sessions {
		t.Error("handlers with the same session_backend should share it")
	}

	if err := first.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := second.sessions.Get(context.Background(), "k"); err == nil {
		t.Error("Expected missing key")
	}
}

func TestCallbackHandler_UnmarshalCaddyfile(t *testing.T) {
	d := caddyfile.NewTestDispenser(`
	turnstile_callback {
		site_key {env.TURNSTILE_SITE_KEY}
		secret_key {env.TURNSTILE_SECRET_KEY}
		verify_url http://localhost:9999/siteverify
		timeout 2s
		retry_max 1
		session_backend redis://localhost:6379/0
		session_ttl 10m
		cookie_name human
		cookie_ttl 2h
		cookie_same_site Lax
		cookie_secure false
	}`)

	var h CallbackHandler
	if err := h.UnmarshalCaddyfile(d); err != nil {
		t.Fatalf("UnmarshalCaddyfile failed: %v", err)
	}

	if h.SiteKey != "{env.TURNSTILE_SITE_KEY}" || h.SecretKey != "{env.TURNSTILE_SECRET_KEY}" {
		t.Errorf("keys not parsed: %q %q", h.SiteKey, h.SecretKey)
	}
	if h.VerifyURL != "http://localhost:9999/siteverify" {
		t.Errorf("VerifyURL = %q", h.VerifyURL)
	}
	if time.Duration(h.Timeout) != 2*time.Second || h.RetryMax != 1 {
		t.Errorf("Timeout = %v, RetryMax = %d", time.Duration(h.Timeout), h.RetryMax)
	}
	if h.SessionBackendURI != "redis://localhost:6379/0" || time.Duration(h.SessionTTL) != 10*time.Minute {
		t.Errorf("session settings = %q %v", h.SessionBackendURI, time.Duration(h.SessionTTL))
	}
	if h.Cookie.Name != "human" || time.Duration(h.Cookie.TTL) != 2*time.Hour || h.Cookie.SameSite != "Lax" {
		t.Errorf("cookie settings = %+v", h.Cookie)
	}
	if h.Cookie.Secure == nil || *h.Cookie.Secure {
		t.Error("cookie_secure false not parsed")
	}
}

func TestCallbackHandler_UnmarshalCaddyfileErrors(t *testing.T) {
	tests := []string{
		`turnstile_callback extra`,
		`turnstile_callback {
			unknown_option x
		}`,
		`turnstile_callback {
			timeout soon
		}`,
		`turnstile_callback {
			retry_max many
		}`,
		`turnstile_callback {
			cookie_same_site sometimes
		}`,
		`turnstile_callback {
			cookie_bogus x
		}`,
		`turnstile_callback {
			secret_key
		}`,
	}

	for _, input := range tests {
		var h CallbackHandler
		if err := h.UnmarshalCaddyfile(caddyfile.NewTestDispenser(input)); err == nil {
			t.Errorf("Expected error for %q", input)
		}
	}
}

package caddyturnstile

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/stardothosting/caddy-turnstile/component"
)

func newWidgetHandler(t *testing.T, h *WidgetHandler) *WidgetHandler {
	t.Helper()
	if err := h.Provision(caddy.Context{}); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := h.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return h
}

func getWidget(t *testing.T, h *WidgetHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil), &nextHandler{}); err != nil {
		t.Fatalf("ServeHTTP returned error: %v", err)
	}
	return rec
}

func TestWidgetHandler_Provision(t *testing.T) {
	h := newWidgetHandler(t, &WidgetHandler{})

	if h.Serve != ServePage {
		t.Errorf("Serve = %q, want page", h.Serve)
	}
	if h.CallbackURL != component.DefaultCallbackURL || h.HookPath != component.DefaultHookPath {
		t.Errorf("CallbackURL = %q, HookPath = %q", h.CallbackURL, h.HookPath)
	}
}

func TestWidgetHandler_ServePage(t *testing.T) {
	h := newWidgetHandler(t, &WidgetHandler{SiteKey: testSiteKey, Title: "Hold on"})

	rec := getWidget(t, h, "/captcha")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("challenge page should not be cached")
	}

	body := rec.Body.String()
	for _, want := range []string{
		"<title>Hold on</title>",
		`data-sitekey="` + testSiteKey + `"`,
		`data-callback-url="/turnstile/callback"`,
		`<script src="/turnstile/hook.js" defer></script>`,
		"turnstile:result",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page is missing %q", want)
		}
	}
}

func TestWidgetHandler_ServePage_Session(t *testing.T) {
	h := newWidgetHandler(t, &WidgetHandler{SiteKey: testSiteKey})
	id, _ := GenerateSessionID()

	body := getWidget(t, h, "/captcha?session="+id).Body.String()
	if !strings.Contains(body, `data-callback-url="/turnstile/callback?session=`+id+`"`) {
		t.Error("session ID not forwarded to the callback URL")
	}

	body = getWidget(t, h, "/captcha?session=bogus%22%3E%3Cscript%3E").Body.String()
	if strings.Contains(body, "bogus") || strings.Contains(body, "?session=") {
		t.Error("invalid session ID should not reach the page")
	}
}

func TestWidgetHandler_ServePage_NoSiteKey(t *testing.T) {
	h := newWidgetHandler(t, &WidgetHandler{SiteKey: "{env.TEST_TURNSTILE_UNSET_SITE_KEY}"})

	body := getWidget(t, h, "/captcha").Body.String()
	if !strings.Contains(body, `data-sitekey=""`) {
		t.Error("unresolved site key should render empty so the hook bypasses")
	}
}

func TestWidgetHandler_ServePage_SiteKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_TURNSTILE_SITE_KEY", testSiteKey)
	h := newWidgetHandler(t, &WidgetHandler{SiteKey: "{env.TEST_TURNSTILE_SITE_KEY}"})

	body := getWidget(t, h, "/captcha").Body.String()
	if !strings.Contains(body, `data-sitekey="`+testSiteKey+`"`) {
		t.Error("site key placeholder not resolved")
	}
}

func TestWidgetHandler_ServeScript(t *testing.T) {
	h := newWidgetHandler(t, &WidgetHandler{Serve: ServeScript})

	rec := getWidget(t, h, "/turnstile/hook.js")

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/javascript") {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.String() != component.HookJS {
		t.Error("script mode should serve the hook verbatim")
	}
}

func TestWidgetHandler_Head(t *testing.T) {
	h := newWidgetHandler(t, &WidgetHandler{})

	rec := httptest.NewRecorder()
	if err := h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/captcha", nil), &nextHandler{}); err != nil {
		t.Fatalf("ServeHTTP returned error: %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Error("HEAD should not write a body")
	}
}

func TestWidgetHandler_MethodNotAllowed(t *testing.T) {
	h := newWidgetHandler(t, &WidgetHandler{})

	err := h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/captcha", nil), &nextHandler{})

	var he caddyhttp.HandlerError
	if !errors.As(err, &he) || he.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 handler error, got %v", err)
	}
}

func TestWidgetHandler_Validate(t *testing.T) {
	h := &WidgetHandler{Serve: "iframe"}
	if err := h.Provision(caddy.Context{}); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := h.Validate(); err == nil {
		t.Error("Expected error for unknown serve mode")
	}
}

func TestWidgetHandler_UnmarshalCaddyfile(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    WidgetHandler
		wantErr bool
	}{
		{
			name:  "script shorthand",
			input: `turnstile_widget script`,
			want:  WidgetHandler{Serve: ServeScript},
		},
		{
			name: "page with options",
			input: `turnstile_widget {
				site_key {env.TURNSTILE_SITE_KEY}
				callback_url /api/turnstile
				hook_path /static/hook.js
				title "Just a moment"
			}`,
			want: WidgetHandler{
				SiteKey:     "{env.TURNSTILE_SITE_KEY}",
				CallbackURL: "/api/turnstile",
				HookPath:    "/static/hook.js",
				Title:       "Just a moment",
			},
		},
		{
			name:    "too many arguments",
			input:   `turnstile_widget page extra`,
			wantErr: true,
		},
		{
			name: "unknown subdirective",
			input: `turnstile_widget {
				theme dark
			}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h WidgetHandler
			err := h.UnmarshalCaddyfile(caddyfile.NewTestDispenser(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalCaddyfile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if h.Serve != tt.want.Serve || h.SiteKey != tt.want.SiteKey || h.CallbackURL != tt.want.CallbackURL ||
				h.HookPath != tt.want.HookPath || h.Title != tt.want.Title {
				t.Errorf("got %+v, want %+v", h, tt.want)
			}
		})
	}
}

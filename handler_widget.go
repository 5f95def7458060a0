package caddyturnstile

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/stardothosting/caddy-turnstile/component"
)

const (
	// ServePage serves the challenge page
	ServePage = "page"

	// ServeScript serves the hook script
	ServeScript = "script"
)

// WidgetHandler serves the challenge page hosting the Turnstile widget, or
// the hook script that drives it
type WidgetHandler struct {
	// SiteKey is rendered into the widget. Placeholders are resolved at
	// provision time. When it resolves empty the hook bypasses the widget.
	SiteKey string `json:"site_key,omitempty"`

	// Serve is "page" (default) or "script"
	Serve string `json:"serve,omitempty"`

	// CallbackURL is where the hook posts tokens
	CallbackURL string `json:"callback_url,omitempty"`

	// HookPath is where the page loads the hook script from
	HookPath string `json:"hook_path,omitempty"`

	// Title of the challenge page
	Title string `json:"title,omitempty"`

	siteKey string
	log     *zap.Logger
}

// CaddyModule returns the Caddy module information
func (WidgetHandler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.turnstile_widget",
		New: func() caddy.Module { return new(WidgetHandler) },
	}
}

// Provision sets up the widget handler
func (h *WidgetHandler) Provision(ctx caddy.Context) error {
	h.log = ctx.Logger(h)

	if h.Serve == "" {
		h.Serve = ServePage
	}
	if h.CallbackURL == "" {
		h.CallbackURL = component.DefaultCallbackURL
	}
	if h.HookPath == "" {
		h.HookPath = component.DefaultHookPath
	}
	if h.Title == "" {
		h.Title = "Verification Required"
	}

	h.siteKey = caddy.NewReplacer().ReplaceAll(h.SiteKey, "")

	if h.Serve == ServePage && h.siteKey == "" {
		h.log.Warn("turnstile site key missing, widget will bypass with no-key")
	}

	h.log.Info("provisioning Turnstile widget handler",
		zap.String("serve", h.Serve),
		zap.String("callback_url", h.CallbackURL),
		zap.String("hook_path", h.HookPath),
	)

	return nil
}

// Validate ensures the configuration is valid
func (h *WidgetHandler) Validate() error {
	if h.Serve != ServePage && h.Serve != ServeScript {
		return fmt.Errorf("invalid serve mode: %s (must be %s or %s)", h.Serve, ServePage, ServeScript)
	}

	return nil
}

// ServeHTTP serves the challenge page or the hook script
func (h *WidgetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return caddyhttp.Error(http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}

	if h.Serve == ServeScript {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		if r.Method == http.MethodHead {
			return nil
		}
		_, err := w.Write([]byte(component.HookJS))
		return err
	}

	callbackURL := h.CallbackURL
	if id := r.URL.Query().Get("session"); validSessionID(id) {
		callbackURL = appendQuery(callbackURL, "session", id)
	}

	var buf bytes.Buffer
	err := challengePage.Execute(&buf, challengePageData{
		Title: h.Title,
		Widget: component.WidgetOptions{
			SiteKey:     h.siteKey,
			CallbackURL: callbackURL,
		},
		Script: component.ScriptOptions{Src: h.HookPath},
	})
	if err != nil {
		h.log.Error("failed to render challenge page", zap.Error(err))
		return caddyhttp.Error(http.StatusInternalServerError, fmt.Errorf("failed to render challenge page"))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		return nil
	}
	_, err = buf.WriteTo(w)
	return err
}

// appendQuery adds key=value to a URL that may already carry a query
func appendQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// UnmarshalCaddyfile sets up the handler from Caddyfile
//
//	turnstile_widget [page|script] {
//	    site_key <key>
//	    callback_url <path>
//	    hook_path <path>
//	    title <text>
//	}
func (h *WidgetHandler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if d.NextArg() {
			h.Serve = d.Val()
		}
		if d.NextArg() {
			return d.ArgErr()
		}

		for d.NextBlock(0) {
			key := d.Val()
			if !d.NextArg() {
				return d.ArgErr()
			}

			switch key {
			case "site_key":
				h.SiteKey = d.Val()
			case "serve":
				h.Serve = d.Val()
			case "callback_url":
				h.CallbackURL = d.Val()
			case "hook_path":
				h.HookPath = d.Val()
			case "title":
				h.Title = d.Val()
			default:
				return d.Errf("unknown subdirective: %s", key)
			}
		}
	}

	return nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*WidgetHandler)(nil)
	_ caddy.Validator             = (*WidgetHandler)(nil)
	_ caddyhttp.MiddlewareHandler = (*WidgetHandler)(nil)
	_ caddyfile.Unmarshaler       = (*WidgetHandler)(nil)
)

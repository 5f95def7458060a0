// Package caddyturnstile puts Cloudflare Turnstile in front of Caddy
// routes. turnstile_widget serves the challenge page and the hook script,
// turnstile_callback verifies tokens posted by the hook, and
// turnstile_verify gates routes behind a verification cookie.
package caddyturnstile

import (
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

func init() {
	caddy.RegisterModule(WidgetHandler{})
	caddy.RegisterModule(CallbackHandler{})
	caddy.RegisterModule(VerifyHandler{})

	httpcaddyfile.RegisterHandlerDirective("turnstile_widget", parseCaddyfile)
	httpcaddyfile.RegisterHandlerDirective("turnstile_callback", parseCaddyfile)
	httpcaddyfile.RegisterHandlerDirective("turnstile_verify", parseCaddyfile)
}

// parseCaddyfile registers the Caddyfile directives
func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler interface {
		caddyhttp.MiddlewareHandler
		caddyfile.Unmarshaler
	}

	switch h.Val() {
	case "turnstile_widget":
		handler = new(WidgetHandler)
	case "turnstile_callback":
		handler = new(CallbackHandler)
	case "turnstile_verify":
		handler = new(VerifyHandler)
	default:
		return nil, h.Errf("unknown turnstile directive: %s", h.Val())
	}

	if err := handler.UnmarshalCaddyfile(h.Dispenser); err != nil {
		return nil, err
	}
	return handler, nil
}

package caddyturnstile

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/stardothosting/caddy-turnstile/turnstile"
	"github.com/stardothosting/caddy-turnstile/widget"
)

const maxCallbackBody = 16 << 10

// CallbackHandler receives turnstile_callback events posted by the hook,
// verifies the token and grants the verification cookie
type CallbackHandler struct {
	Access
}

// callbackRequest is the turnstile_callback event. Token is left untyped
// so null and non-string values reach the verifier as they were sent.
type callbackRequest struct {
	Event string `json:"event"`
	Token any    `json:"token"`
}

type callbackResponse struct {
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Event    string `json:"event,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

// CaddyModule returns the Caddy module information
func (CallbackHandler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.turnstile_callback",
		New: func() caddy.Module { return new(CallbackHandler) },
	}
}

// Provision sets up the callback handler
func (h *CallbackHandler) Provision(ctx caddy.Context) error {
	if err := h.Access.provision(ctx.Logger(h)); err != nil {
		return err
	}

	h.log.Info("provisioning Turnstile callback handler",
		zap.String("session_backend", h.SessionBackendURI),
		zap.String("cookie_name", h.Cookie.Name),
		zap.Bool("enabled", h.verifier.Enabled()),
	)

	return nil
}

// Validate ensures the configuration is valid
func (h *CallbackHandler) Validate() error {
	return h.Access.validate()
}

// Cleanup releases the session backend
func (h *CallbackHandler) Cleanup() error {
	return h.Access.cleanup()
}

// ServeHTTP verifies the posted token
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return caddyhttp.Error(http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}

	var req callbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&req); err != nil {
		h.log.Debug("failed to decode callback request", zap.Error(err))
		return h.respond(w, http.StatusBadRequest, callbackResponse{Error: "malformed request"})
	}

	if req.Event != "" && req.Event != widget.CallbackEvent {
		return h.respond(w, http.StatusBadRequest, callbackResponse{Error: "unknown event"})
	}

	pass, degraded, err := h.verify(r.Context(), req.Token, r)
	if errors.Is(err, turnstile.ErrInvalidToken) {
		return h.respond(w, http.StatusBadRequest, callbackResponse{Error: err.Error()})
	}

	if !pass {
		h.log.Info("turnstile token rejected, asking widget to reset",
			zap.String("client_ip", clientIP(r)))
		return h.respond(w, http.StatusForbidden, callbackResponse{
			Error: "verification failed",
			Event: widget.ResetEvent,
		})
	}

	if err := h.grant(r.Context(), w); err != nil {
		h.log.Error("failed to grant verification", zap.Error(err))
		return caddyhttp.Error(http.StatusInternalServerError, fmt.Errorf("failed to grant verification"))
	}

	resp := callbackResponse{
		Verified: true,
		Degraded: degraded,
		Redirect: h.takeReturn(r.Context(), r.URL.Query().Get("session")),
	}
	if degraded {
		resp.Error = err.Error()
	}

	if token, ok := req.Token.(string); ok {
		if reason, bypass := turnstile.BypassReason(token); bypass {
			h.log.Warn("visitor passed with widget bypass",
				zap.String("reason", reason),
				zap.String("client_ip", clientIP(r)))
		}
	}

	h.log.Info("Turnstile verification successful",
		zap.String("client_ip", clientIP(r)),
		zap.Bool("degraded", degraded),
		zap.String("redirect", resp.Redirect))

	return h.respond(w, http.StatusOK, resp)
}

func (h *CallbackHandler) respond(w http.ResponseWriter, status int, body callbackResponse) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// UnmarshalCaddyfile sets up the handler from Caddyfile
//
//	turnstile_callback {
//	    site_key <key>
//	    secret_key <key>
//	    verify_url <url>
//	    timeout <duration>
//	    retry_max <n>
//	    session_backend <uri>
//	    session_ttl <duration>
//	    cookie_name|cookie_ttl|cookie_path|cookie_domain <value>
//	    cookie_secure|cookie_http_only <bool>
//	    cookie_same_site Strict|Lax|None
//	}
func (h *CallbackHandler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if d.NextArg() {
			return d.ArgErr()
		}
		for d.NextBlock(0) {
			ok, err := h.Access.unmarshalSubdirective(d)
			if err != nil {
				return err
			}
			if !ok {
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*CallbackHandler)(nil)
	_ caddy.Validator             = (*CallbackHandler)(nil)
	_ caddy.CleanerUpper          = (*CallbackHandler)(nil)
	_ caddyhttp.MiddlewareHandler = (*CallbackHandler)(nil)
	_ caddyfile.Unmarshaler       = (*CallbackHandler)(nil)
)

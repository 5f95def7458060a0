package caddyturnstile

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/stardothosting/caddy-turnstile/turnstile"
)

const (
	// DefaultChallengeRedirect is where unverified visitors are sent
	DefaultChallengeRedirect = "/captcha"

	// TokenHeader carries a token for clients that cannot post a form
	TokenHeader = "X-Turnstile-Token"

	// maxFormBody bounds how much of a POST body is buffered to look for
	// a token. Larger bodies pass through unread.
	maxFormBody = 1 << 20
)

// VerifyHandler lets visitors with a verification cookie through and
// sends everybody else to the challenge page. A request that carries a
// Turnstile token is verified in place.
type VerifyHandler struct {
	Access

	// ChallengeRedirect is the path of the challenge page
	ChallengeRedirect string `json:"challenge_redirect,omitempty"`

	// TokenField is the query or form field holding a token
	TokenField string `json:"token_field,omitempty"`
}

// CaddyModule returns the Caddy module information
func (VerifyHandler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.turnstile_verify",
		New: func() caddy.Module { return new(VerifyHandler) },
	}
}

// Provision sets up the verify handler
func (h *VerifyHandler) Provision(ctx caddy.Context) error {
	if h.ChallengeRedirect == "" {
		h.ChallengeRedirect = DefaultChallengeRedirect
	}
	if h.TokenField == "" {
		h.TokenField = turnstile.TokenField
	}

	if err := h.Access.provision(ctx.Logger(h)); err != nil {
		return err
	}

	h.log.Info("provisioning Turnstile verify handler",
		zap.String("session_backend", h.SessionBackendURI),
		zap.Duration("session_ttl", time.Duration(h.SessionTTL)),
		zap.String("challenge_redirect", h.ChallengeRedirect),
		zap.Bool("enabled", h.verifier.Enabled()),
	)

	return nil
}

// Validate ensures the configuration is valid
func (h *VerifyHandler) Validate() error {
	if err := h.Access.validate(); err != nil {
		return err
	}
	if !isSafeRedirect(h.ChallengeRedirect) {
		return fmt.Errorf("challenge_redirect must be a local path: %s", h.ChallengeRedirect)
	}
	return nil
}

// Cleanup releases the session backend
func (h *VerifyHandler) Cleanup() error {
	return h.Access.cleanup()
}

// ServeHTTP gates the request behind Turnstile verification
func (h *VerifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	// Verification disabled: fail open
	if !h.verifier.Enabled() {
		return next.ServeHTTP(w, r)
	}

	if h.granted(r.Context(), r) {
		h.log.Debug("valid verification cookie found",
			zap.String("path", r.URL.Path))
		return next.ServeHTTP(w, r)
	}

	token := h.extractToken(r)
	if token == "" {
		h.log.Debug("no token found, redirecting to challenge",
			zap.String("path", r.URL.Path))
		return h.redirectToChallenge(w, r)
	}

	if pass, _, _ := h.verify(r.Context(), token, r); !pass {
		h.log.Warn("turnstile token not accepted",
			zap.String("path", r.URL.Path),
			zap.String("client_ip", clientIP(r)))
		return h.redirectToChallenge(w, r)
	}

	if err := h.grant(r.Context(), w); err != nil {
		// the visitor passed; only the cookie is lost
		h.log.Error("failed to grant verification", zap.Error(err))
	}

	h.log.Info("Turnstile verification successful",
		zap.String("path", r.URL.Path),
		zap.String("client_ip", clientIP(r)))

	return next.ServeHTTP(w, r)
}

// extractToken gets the Turnstile token from the request. A POST body is
// read from a buffered copy so the next handler still receives it whole.
func (h *VerifyHandler) extractToken(r *http.Request) string {
	if token := r.URL.Query().Get(h.TokenField); token != "" {
		return token
	}

	if r.Method == http.MethodPost && r.Body != nil {
		if token := h.formToken(r); token != "" {
			return token
		}
	}

	return r.Header.Get(TokenHeader)
}

// formToken reads the token field from a POST form without consuming r.Body
func (h *VerifyHandler) formToken(r *http.Request) string {
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxFormBody+1))
	if err != nil {
		h.log.Debug("failed to read request body", zap.Error(err))
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
		return ""
	}
	if len(buf) > maxFormBody {
		h.log.Debug("request body too large to look for a token",
			zap.String("path", r.URL.Path))
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))

	form := r.Clone(r.Context())
	form.Body = io.NopCloser(bytes.NewReader(buf))
	token := form.PostFormValue(h.TokenField)
	if form.MultipartForm != nil {
		_ = form.MultipartForm.RemoveAll()
	}
	return token
}

// redirectToChallenge stores the requested URI and redirects to the
// challenge page with only the session ID in the URL
func (h *VerifyHandler) redirectToChallenge(w http.ResponseWriter, r *http.Request) error {
	originalURI := r.URL.RequestURI()

	redirectURL := h.ChallengeRedirect
	if sessionID, err := h.saveReturn(r.Context(), originalURI); err != nil {
		h.log.Error("failed to save return URI", zap.Error(err))
	} else {
		redirectURL = appendQuery(redirectURL, "session", sessionID)
		h.log.Debug("redirecting to challenge with session",
			zap.String("session_id", sessionID),
			zap.String("original_uri", originalURI))
	}

	// a cookie that did not pass granted is stale or forged
	if _, err := h.Cookie.GetCookie(r); err == nil {
		h.Cookie.DeleteCookie(w)
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
	return nil
}

// UnmarshalCaddyfile sets up the handler from Caddyfile
//
//	turnstile_verify [<matcher>] {
//	    challenge_redirect <path>
//	    token_field <name>
//	    <turnstile_callback subdirectives>
//	}
func (h *VerifyHandler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if d.NextArg() {
			return d.ArgErr()
		}

		for d.NextBlock(0) {
			ok, err := h.Access.unmarshalSubdirective(d)
			if err != nil {
				return err
			}
			if ok {
				continue
			}

			switch d.Val() {
			case "challenge_redirect":
				if !d.NextArg() {
					return d.ArgErr()
				}
				h.ChallengeRedirect = d.Val()

			case "token_field":
				if !d.NextArg() {
					return d.ArgErr()
				}
				h.TokenField = d.Val()

			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}

	return nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*VerifyHandler)(nil)
	_ caddy.Validator             = (*VerifyHandler)(nil)
	_ caddy.CleanerUpper          = (*VerifyHandler)(nil)
	_ caddyhttp.MiddlewareHandler = (*VerifyHandler)(nil)
	_ caddyfile.Unmarshaler       = (*VerifyHandler)(nil)
)

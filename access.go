package caddyturnstile

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"go.uber.org/zap"

	"github.com/stardothosting/caddy-turnstile/session"
	"github.com/stardothosting/caddy-turnstile/turnstile"
)

const (
	// DefaultSessionBackend is used when session_backend is not set.
	// Handlers configured with the same URI share one backend.
	DefaultSessionBackend = "memory://"

	// DefaultSessionTTL bounds how long a return URI is kept
	DefaultSessionTTL = 5 * time.Minute

	backendTimeout = 5 * time.Second

	grantKeyPrefix  = "grant:"
	returnKeyPrefix = "return:"
)

// backends shares session backends between handlers, keyed by URI
var backends = caddy.NewUsagePool()

type pooledBackend struct {
	session.Backend
}

func (p pooledBackend) Destruct() error {
	return p.Backend.Close()
}

// StoredRequest is what turnstile_verify saves before redirecting a
// visitor to the challenge page
type StoredRequest struct {
	ReturnURI string    `json:"return_uri"`
	CreatedAt time.Time `json:"created_at"`
}

// Access holds what the handlers that grant access have in common: the
// verifier, the session backend and the verification cookie.
type Access struct {
	Credentials

	// SessionBackendURI selects the session storage, see session.NewBackend
	SessionBackendURI string `json:"session_backend,omitempty"`

	// SessionTTL is how long a pending return URI is kept
	SessionTTL caddy.Duration `json:"session_ttl,omitempty"`

	// Cookie configures the verification cookie
	Cookie CookieConfig `json:"cookie,omitempty"`

	log      *zap.Logger
	verifier *turnstile.Verifier
	sessions session.Backend
}

func (a *Access) provision(log *zap.Logger) error {
	a.log = log

	if a.SessionBackendURI == "" {
		a.SessionBackendURI = DefaultSessionBackend
	}
	if a.SessionTTL == 0 {
		a.SessionTTL = caddy.Duration(DefaultSessionTTL)
	}
	a.Cookie.SetDefaults()

	a.verifier = a.Credentials.newVerifier(log)

	val, _, err := backends.LoadOrNew(a.SessionBackendURI, func() (caddy.Destructor, error) {
		b, err := session.NewBackend(a.SessionBackendURI)
		if err != nil {
			return nil, err
		}
		return pooledBackend{b}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session backend: %w", err)
	}
	a.sessions = val.(pooledBackend).Backend

	return nil
}

func (a *Access) validate() error {
	if err := a.Credentials.validate(); err != nil {
		return err
	}
	if time.Duration(a.SessionTTL) < time.Minute {
		return fmt.Errorf("session_ttl must be at least 1 minute")
	}
	if time.Duration(a.Cookie.TTL) < time.Minute {
		return fmt.Errorf("cookie_ttl must be at least 1 minute")
	}
	if strings.EqualFold(a.Cookie.SameSite, "none") && (a.Cookie.Secure == nil || !*a.Cookie.Secure) {
		return fmt.Errorf("cookie_same_site None requires cookie_secure")
	}
	return nil
}

func (a *Access) cleanup() error {
	if a.sessions == nil {
		return nil
	}
	a.sessions = nil
	_, err := backends.Delete(a.SessionBackendURI)
	return err
}

// unmarshalSubdirective consumes the subdirectives shared by the handlers
func (a *Access) unmarshalSubdirective(d *caddyfile.Dispenser) (bool, error) {
	if ok, err := a.Credentials.unmarshalSubdirective(d); ok || err != nil {
		return ok, err
	}
	if ok, err := a.Cookie.unmarshalSubdirective(d); ok || err != nil {
		return ok, err
	}

	switch d.Val() {
	case "session_backend":
		if !d.NextArg() {
			return true, d.ArgErr()
		}
		a.SessionBackendURI = d.Val()

	case "session_ttl":
		if !d.NextArg() {
			return true, d.ArgErr()
		}
		dur, err := caddy.ParseDuration(d.Val())
		if err != nil {
			return true, d.Errf("invalid session_ttl: %v", err)
		}
		a.SessionTTL = caddy.Duration(dur)

	default:
		return false, nil
	}

	return true, nil
}

// verify checks a token value and reports whether the visitor may pass.
// Degraded verification passes: the service could not give an answer.
func (a *Access) verify(ctx context.Context, value any, r *http.Request) (pass bool, degraded bool, err error) {
	ok, err := a.verifier.VerifyValue(ctx, value, turnstile.WithRemoteIP(clientIP(r)))
	switch {
	case err == nil:
		return ok, false, nil
	case turnstile.Degraded(err):
		a.log.Warn("turnstile verification degraded, letting visitor through",
			zap.String("client_ip", clientIP(r)),
			zap.Error(err))
		return true, true, err
	default:
		return false, false, err
	}
}

// grant sets a verification cookie and registers its value with the
// session backend for the cookie's lifetime
func (a *Access) grant(ctx context.Context, w http.ResponseWriter) error {
	value, err := GenerateCookieValue()
	if err != nil {
		return fmt.Errorf("failed to generate cookie value: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	if err := a.sessions.Store(ctx, grantKeyPrefix+value, []byte("1"), time.Duration(a.Cookie.TTL)); err != nil {
		return fmt.Errorf("failed to store verification: %w", err)
	}

	a.Cookie.SetCookie(w, value)
	return nil
}

// granted reports whether r carries a verification cookie the session
// backend knows about
func (a *Access) granted(ctx context.Context, r *http.Request) bool {
	cookie, err := a.Cookie.GetCookie(r)
	if err != nil || cookie.Value == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	if _, err := a.sessions.Get(ctx, grantKeyPrefix+cookie.Value); err != nil {
		if !session.IsMissing(err) {
			a.log.Error("failed to look up verification cookie", zap.Error(err))
		}
		return false
	}
	return true
}

// saveReturn stores the URI to send the visitor back to and returns the
// session ID referencing it
func (a *Access) saveReturn(ctx context.Context, returnURI string) (string, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	data, err := json.Marshal(StoredRequest{
		ReturnURI: returnURI,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	if err := a.sessions.Store(ctx, returnKeyPrefix+id, data, time.Duration(a.SessionTTL)); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return id, nil
}

// takeReturn loads and deletes the return URI saved under id. It returns
// "" when the session is unknown or the URI is not a same-origin path.
func (a *Access) takeReturn(ctx context.Context, id string) string {
	if !validSessionID(id) {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	data, err := a.sessions.Take(ctx, returnKeyPrefix+id)
	if err != nil {
		if !session.IsMissing(err) {
			a.log.Error("failed to retrieve session", zap.Error(err))
		}
		return ""
	}

	var stored StoredRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		a.log.Error("failed to unmarshal session data", zap.Error(err))
		return ""
	}

	if !isSafeRedirect(stored.ReturnURI) {
		a.log.Warn("unsafe return URI rejected from session",
			zap.String("return_uri", stored.ReturnURI))
		return ""
	}
	return stored.ReturnURI
}

// isSafeRedirect validates that a redirect URI is a same-origin path
func isSafeRedirect(uri string) bool {
	if !strings.HasPrefix(uri, "/") {
		return false
	}
	// protocol-relative, and backslash variants browsers normalize to it
	if strings.HasPrefix(uri, "//") || strings.HasPrefix(uri, "/\\") {
		return false
	}
	return !strings.ContainsAny(uri, "\x00\r\n")
}

// clientIP returns the remote address without its port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package caddyturnstile

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
)

// DefaultCookieName names the verification cookie
const DefaultCookieName = "turnstile_verified"

// CookieConfig holds verification cookie configuration
type CookieConfig struct {
	Name     string         `json:"name,omitempty"`
	TTL      caddy.Duration `json:"ttl,omitempty"`
	Path     string         `json:"path,omitempty"`
	Domain   string         `json:"domain,omitempty"`
	Secure   *bool          `json:"secure,omitempty"`
	HTTPOnly *bool          `json:"http_only,omitempty"`
	SameSite string         `json:"same_site,omitempty"`
}

// SetDefaults applies secure defaults. Secure and HTTPOnly are only
// turned off when configured explicitly.
func (c *CookieConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = DefaultCookieName
	}
	if c.TTL == 0 {
		c.TTL = caddy.Duration(time.Hour)
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Secure == nil {
		c.Secure = boolPtr(true)
	}
	if c.HTTPOnly == nil {
		c.HTTPOnly = boolPtr(true)
	}
	if c.SameSite == "" {
		c.SameSite = "Strict"
	}
}

// GetSameSite converts string to http.SameSite
func (c *CookieConfig) GetSameSite() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

func (c *CookieConfig) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Path:     c.Path,
		Domain:   c.Domain,
		MaxAge:   maxAge,
		Secure:   c.Secure != nil && *c.Secure,
		HttpOnly: c.HTTPOnly != nil && *c.HTTPOnly,
		SameSite: c.GetSameSite(),
	}
}

// SetCookie sets the verification cookie
func (c *CookieConfig) SetCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, c.cookie(value, int(time.Duration(c.TTL).Seconds())))
}

// GetCookie retrieves the verification cookie
func (c *CookieConfig) GetCookie(r *http.Request) (*http.Cookie, error) {
	return r.Cookie(c.Name)
}

// DeleteCookie removes the verification cookie
func (c *CookieConfig) DeleteCookie(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie("", -1))
}

// unmarshalSubdirective consumes a cookie_* subdirective if d is on one
func (c *CookieConfig) unmarshalSubdirective(d *caddyfile.Dispenser) (bool, error) {
	key := d.Val()
	if !strings.HasPrefix(key, "cookie_") {
		return false, nil
	}

	if !d.NextArg() {
		return true, d.ArgErr()
	}
	val := d.Val()

	switch key {
	case "cookie_name":
		c.Name = val

	case "cookie_ttl":
		dur, err := caddy.ParseDuration(val)
		if err != nil {
			return true, d.Errf("invalid cookie_ttl: %v", err)
		}
		c.TTL = caddy.Duration(dur)

	case "cookie_path":
		c.Path = val

	case "cookie_domain":
		c.Domain = val

	case "cookie_secure", "cookie_http_only":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return true, d.Errf("invalid %s: %v", key, err)
		}
		if key == "cookie_secure" {
			c.Secure = &b
		} else {
			c.HTTPOnly = &b
		}

	case "cookie_same_site":
		switch strings.ToLower(val) {
		case "strict", "lax", "none":
			c.SameSite = val
		default:
			return true, d.Errf("invalid cookie_same_site: %s (must be Strict, Lax or None)", val)
		}

	default:
		return true, d.Errf("unknown subdirective: %s", key)
	}

	return true, nil
}

// GenerateSessionID creates a 64-character random hex session ID
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateCookieValue creates a random cookie value
func GenerateCookieValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validSessionID reports whether id looks like a GenerateSessionID result
func validSessionID(id string) bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil && strings.ToLower(id) == id
}

func boolPtr(b bool) *bool { return &b }

// Package turnstile verifies Cloudflare Turnstile tokens server-side.
//
// Verification is fail-open: a bypass token, a missing secret key, a
// verification service error and a network failure all produce a result the
// caller can treat as "proceed". The only hard rejection is a token value
// that is not a string at all.
package turnstile

import (
	"errors"
	"strings"
	"time"
)

const (
	// SiteverifyURL is Cloudflare's token verification endpoint
	SiteverifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

	// DefaultTimeout bounds a single siteverify round trip
	DefaultTimeout = 5 * time.Second

	// BypassPrefix marks locally synthesized tokens that never reach Cloudflare
	BypassPrefix = "bypass-"

	// TokenField is the form field the Turnstile widget populates
	TokenField = "cf-turnstile-response"
)

var (
	// ErrInvalidToken is returned when the token is not a string value
	ErrInvalidToken = errors.New("invalid token")

	// ErrVerificationService is returned when siteverify answers with a
	// non-200 status or an unexpected body
	ErrVerificationService = errors.New("verification service error")

	// ErrCouldNotVerify is returned when siteverify could not be reached
	ErrCouldNotVerify = errors.New("could not verify captcha")
)

// Config holds the Turnstile credentials and transport settings
type Config struct {
	// SiteKey is exposed to the browser widget
	SiteKey string `json:"site_key,omitempty"`

	// SecretKey authenticates siteverify calls and never leaves the server
	SecretKey string `json:"secret_key,omitempty"`

	// Endpoint overrides SiteverifyURL
	Endpoint string `json:"endpoint,omitempty"`

	// Timeout overrides DefaultTimeout. It bounds a whole Verify call,
	// retries included.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RetryMax is the number of retries after the first attempt, all
	// within Timeout
	RetryMax int `json:"retry_max,omitempty"`
}

// SetDefaults fills in unset transport settings
func (c *Config) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = SiteverifyURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
}

// Enabled reports whether both keys are configured
func (c Config) Enabled() bool {
	return c.SiteKey != "" && c.SecretKey != ""
}

// HasSecret reports whether server-side verification can run
func (c Config) HasSecret() bool {
	return c.SecretKey != ""
}

// BypassToken builds a bypass token carrying a diagnostic reason
func BypassToken(reason string) string {
	return BypassPrefix + reason
}

// IsBypass reports whether token is a bypass token
func IsBypass(token string) bool {
	return strings.HasPrefix(token, BypassPrefix)
}

// BypassReason returns the reason suffix of a bypass token
func BypassReason(token string) (string, bool) {
	if !IsBypass(token) {
		return "", false
	}
	return strings.TrimPrefix(token, BypassPrefix), true
}

// Degraded reports whether err is a verification failure the caller should
// let through: the service misbehaved or could not be reached.
func Degraded(err error) bool {
	return errors.Is(err, ErrVerificationService) || errors.Is(err, ErrCouldNotVerify)
}

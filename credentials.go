package caddyturnstile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"go.uber.org/zap"

	"github.com/stardothosting/caddy-turnstile/turnstile"
)

// Credentials holds the Turnstile keys and siteverify settings shared by
// the handlers. Values may use placeholders such as {env.TURNSTILE_SECRET_KEY}.
type Credentials struct {
	// SiteKey is rendered into the widget
	SiteKey string `json:"site_key,omitempty"`

	// SecretKey authenticates siteverify calls
	SecretKey string `json:"secret_key,omitempty"`

	// VerifyURL overrides the siteverify endpoint
	VerifyURL string `json:"verify_url,omitempty"`

	// Timeout bounds a siteverify call
	Timeout caddy.Duration `json:"timeout,omitempty"`

	// RetryMax is the number of siteverify retries, 0 by default
	RetryMax int `json:"retry_max,omitempty"`
}

// turnstileConfig resolves placeholders into a verifier configuration
func (c Credentials) turnstileConfig() turnstile.Config {
	repl := caddy.NewReplacer()
	cfg := turnstile.Config{
		SiteKey:   repl.ReplaceAll(c.SiteKey, ""),
		SecretKey: repl.ReplaceAll(c.SecretKey, ""),
		Endpoint:  repl.ReplaceAll(c.VerifyURL, ""),
		Timeout:   time.Duration(c.Timeout),
		RetryMax:  c.RetryMax,
	}
	cfg.SetDefaults()
	return cfg
}

// newVerifier builds a verifier and logs whether verification is active
func (c Credentials) newVerifier(log *zap.Logger) *turnstile.Verifier {
	cfg := c.turnstileConfig()
	v := turnstile.New(cfg, turnstile.WithLogger(log))

	if !v.Enabled() {
		log.Warn("turnstile site key or secret key missing, verification disabled",
			zap.Bool("site_key_set", cfg.SiteKey != ""),
			zap.Bool("secret_key_set", cfg.SecretKey != ""))
	}

	return v
}

// validate checks the settings that are independent of the keys. Missing
// keys disable verification instead of failing the config.
func (c Credentials) validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry_max must not be negative")
	}
	return nil
}

// unmarshalSubdirective consumes a credentials subdirective if d is on one
func (c *Credentials) unmarshalSubdirective(d *caddyfile.Dispenser) (bool, error) {
	switch d.Val() {
	case "site_key":
		if !d.NextArg() {
			return true, d.ArgErr()
		}
		c.SiteKey = d.Val()

	case "secret_key":
		if !d.NextArg() {
			return true, d.ArgErr()
		}
		c.SecretKey = d.Val()

	case "verify_url":
		if !d.NextArg() {
			return true, d.ArgErr()
		}
		c.VerifyURL = d.Val()

	case "timeout":
		if !d.NextArg() {
			return true, d.ArgErr()
		}
		dur, err := caddy.ParseDuration(d.Val())
		if err != nil {
			return true, d.Errf("invalid timeout: %v", err)
		}
		c.Timeout = caddy.Duration(dur)

	case "retry_max":
		if !d.NextArg() {
			return true, d.ArgErr()
		}
		n, err := strconv.Atoi(d.Val())
		if err != nil {
			return true, d.Errf("invalid retry_max: %v", err)
		}
		c.RetryMax = n

	default:
		return false, nil
	}

	return true, nil
}

package turnstile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// maxResponseSize caps how much of a siteverify response is read
const maxResponseSize = 64 << 10

// Response is the siteverify response body
type Response struct {
	Success     *bool    `json:"success"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Action      string   `json:"action,omitempty"`
	CData       string   `json:"cdata,omitempty"`
}

type verifyRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
	RemoteIP string `json:"remoteip,omitempty"`
}

// VerifyOption customizes a single verification call
type VerifyOption func(*verifyRequest)

// WithRemoteIP forwards the visitor's IP address to siteverify
func WithRemoteIP(ip string) VerifyOption {
	return func(r *verifyRequest) {
		r.RemoteIP = ip
	}
}

// Option customizes a Verifier
type Option func(*Verifier)

// WithLogger sets the logger used for warnings and errors
func WithLogger(log *zap.Logger) Option {
	return func(v *Verifier) {
		if log != nil {
			v.log = log
		}
	}
}

// WithHTTPClient sends requests with a copy of c, for a custom transport
// or proxy. The configured timeout is set on the copy, c is not modified.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) {
		if c != nil {
			clone := *c
			v.client.HTTPClient = &clone
		}
	}
}

// Verifier checks tokens against siteverify
type Verifier struct {
	cfg    Config
	client *retryablehttp.Client
	log    *zap.Logger
}

// New creates a Verifier for cfg
func New(cfg Config, opts ...Option) *Verifier {
	cfg.SetDefaults()

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	// Hand non-2xx responses back instead of turning them into errors
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	v := &Verifier{
		cfg:    cfg,
		client: client,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.client.HTTPClient.Timeout = cfg.Timeout
	v.client.Logger = leveledLogger{v.log.Sugar()}

	return v
}

// Enabled reports whether both site key and secret key are configured
func (v *Verifier) Enabled() bool {
	return v.cfg.Enabled()
}

// SiteKey returns the key the browser widget renders with
func (v *Verifier) SiteKey() string {
	return v.cfg.SiteKey
}

// Config returns a copy of the verifier configuration
func (v *Verifier) Config() Config {
	return v.cfg
}

// VerifyValue verifies an untyped token, as decoded from a JSON payload.
// Anything other than a string is rejected with ErrInvalidToken.
func (v *Verifier) VerifyValue(ctx context.Context, value any, opts ...VerifyOption) (bool, error) {
	token, ok := value.(string)
	if !ok {
		v.log.Warn("rejecting non-string turnstile token",
			zap.String("type", fmt.Sprintf("%T", value)))
		return false, ErrInvalidToken
	}
	return v.Verify(ctx, token, opts...)
}

// Verify checks token with siteverify.
//
// It returns (true, nil) for bypass tokens and when no secret key is
// configured. A rejected token yields (false, nil). Service and transport
// failures yield ErrVerificationService and ErrCouldNotVerify respectively;
// see Degraded.
func (v *Verifier) Verify(ctx context.Context, token string, opts ...VerifyOption) (bool, error) {
	if IsBypass(token) {
		v.log.Warn("accepting turnstile bypass token", zap.String("token", token))
		return true, nil
	}

	if !v.cfg.HasSecret() {
		v.log.Warn("turnstile secret key not configured, skipping verification")
		return true, nil
	}

	req := verifyRequest{
		Secret:   v.cfg.SecretKey,
		Response: token,
	}
	for _, opt := range opts {
		opt(&req)
	}

	// one deadline for every attempt, the backoff between them and the body
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	resp, err := v.post(ctx, req)
	if err != nil {
		v.log.Error("turnstile verification request failed",
			zap.String("endpoint", v.cfg.Endpoint),
			zap.Error(err))
		return false, fmt.Errorf("%w: %w", ErrCouldNotVerify, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.log.Error("turnstile verification service returned unexpected status",
			zap.Int("status", resp.StatusCode))
		return false, ErrVerificationService
	}

	var result Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&result); err != nil {
		v.log.Error("failed to decode turnstile verification response", zap.Error(err))
		return false, ErrVerificationService
	}
	if result.Success == nil {
		v.log.Error("turnstile verification response missing success flag")
		return false, ErrVerificationService
	}

	if !*result.Success {
		v.log.Warn("turnstile token rejected",
			zap.Strings("error_codes", result.ErrorCodes))
		return false, nil
	}

	v.log.Debug("turnstile token verified",
		zap.String("hostname", result.Hostname),
		zap.String("challenge_ts", result.ChallengeTS))
	return true, nil
}

func (v *Verifier) post(ctx context.Context, body verifyRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, v.cfg.Endpoint, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return v.client.Do(req)
}

// leveledLogger routes retryablehttp's logging through zap
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

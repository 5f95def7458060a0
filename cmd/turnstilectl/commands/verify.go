package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stardothosting/caddy-turnstile/turnstile"
)

// Verification outcomes.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultDegraded = "degraded"
	ResultInvalid  = "invalid"
)

// VerifyResult is the outcome of a verify run
type VerifyResult struct {
	Token  string `json:"token" yaml:"token"`
	Result string `json:"result" yaml:"result"`
	Bypass string `json:"bypass,omitempty" yaml:"bypass,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewVerifyCommand creates the verify command
func NewVerifyCommand() *cobra.Command {
	var remoteIP string

	cmd := &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Verify a Turnstile token",
		Long: `Verify a Turnstile token against siteverify with the configured secret key.

Degraded results (siteverify failing or unreachable) exit successfully, the
same way the Caddy handlers let such visitors through. A rejected token
exits with an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			if token == "" {
				return ErrTokenRequired
			}

			cfg := loadConfig()
			if !cfg.HasSecret() && !turnstile.IsBypass(token) {
				return ErrSecretRequired
			}

			log := newLogger()
			defer func() { _ = log.Sync() }()

			v := turnstile.New(cfg, turnstile.WithLogger(log))

			var opts []turnstile.VerifyOption
			if remoteIP != "" {
				opts = append(opts, turnstile.WithRemoteIP(remoteIP))
			}

			ok, err := v.Verify(cmd.Context(), token, opts...)
			result := classify(ok, err)
			result.Token = truncate(token, 24)
			if reason, bypass := turnstile.BypassReason(token); bypass {
				result.Bypass = reason
			}

			rows := [][2]string{
				{"Token", result.Token},
				{"Result", result.Result},
			}
			if result.Bypass != "" {
				rows = append(rows, [2]string{"Bypass reason", result.Bypass})
			}
			if result.Error != "" {
				rows = append(rows, [2]string{"Error", result.Error})
			}

			if err := render(cmd.OutOrStdout(), result, rows); err != nil {
				return err
			}

			if result.Result == ResultRejected {
				return ErrTokenRejected
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteIP, "remote-ip", "", "visitor IP address to send with the token")

	return cmd
}

// classify maps a verifier result onto an outcome
func classify(ok bool, err error) VerifyResult {
	switch {
	case err == nil && ok:
		return VerifyResult{Result: ResultAccepted}
	case err == nil:
		return VerifyResult{Result: ResultRejected}
	case turnstile.Degraded(err):
		return VerifyResult{Result: ResultDegraded, Error: err.Error()}
	case errors.Is(err, turnstile.ErrInvalidToken):
		return VerifyResult{Result: ResultInvalid, Error: err.Error()}
	default:
		return VerifyResult{Result: ResultDegraded, Error: fmt.Sprintf("unexpected: %v", err)}
	}
}

package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stardothosting/caddy-turnstile/turnstile"
)

// Output formats.
const (
	OutputFormatJSON  = "json"
	OutputFormatYAML  = "yaml"
	OutputFormatTable = "table"

	Masked = "***"

	defaultJSONIndent = 2
)

// Static errors returned by the commands.
var (
	ErrTokenRejected  = errors.New("token rejected by siteverify")
	ErrUnknownOutput  = errors.New("unknown output format")
	ErrTokenRequired  = errors.New("token is required")
	ErrSecretRequired = errors.New("secret key is required")
)

// loadConfig reads the verifier settings from flags, TURNSTILE_* variables
// and the config file
func loadConfig() turnstile.Config {
	cfg := turnstile.Config{
		SiteKey:   viper.GetString("site_key"),
		SecretKey: viper.GetString("secret_key"),
		Endpoint:  viper.GetString("verify_url"),
		Timeout:   viper.GetDuration("timeout"),
		RetryMax:  viper.GetInt("retry_max"),
	}
	cfg.SetDefaults()
	return cfg
}

// newLogger logs warnings to stderr, everything with --verbose
func newLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if viper.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// render writes v as JSON or YAML, or rows as a property table
func render(out io.Writer, v any, rows [][2]string) error {
	switch format := viper.GetString("output"); format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", fmt.Sprintf("%*s", defaultJSONIndent, ""))
		return encoder.Encode(v)
	case OutputFormatYAML:
		encoder := yaml.NewEncoder(out)
		defer encoder.Close()
		return encoder.Encode(v)
	case OutputFormatTable, "":
		table := tablewriter.NewWriter(out)
		table.Header("Property", "Value")
		for _, row := range rows {
			_ = table.Append(row[0], row[1])
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOutput, format)
	}
}

// mask hides all but the first four characters of a key
func mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return Masked
	}
	return key[:4] + Masked
}

// truncate shortens long tokens for display
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

package commands

import (
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Status describes the effective configuration
type Status struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	SiteKey    string `json:"site_key" yaml:"site_key"`
	SecretSet  bool   `json:"secret_key_set" yaml:"secret_key_set"`
	VerifyURL  string `json:"verify_url" yaml:"verify_url"`
	Timeout    string `json:"timeout" yaml:"timeout"`
	RetryMax   int    `json:"retry_max" yaml:"retry_max"`
	ConfigFile string `json:"config_file,omitempty" yaml:"config_file,omitempty"`
}

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective Turnstile configuration",
		Long: `Show the Turnstile configuration resolved from flags, TURNSTILE_* environment
variables and the config file. Keys are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			status := Status{
				Enabled:    cfg.Enabled(),
				SiteKey:    mask(cfg.SiteKey),
				SecretSet:  cfg.HasSecret(),
				VerifyURL:  cfg.Endpoint,
				Timeout:    cfg.Timeout.String(),
				RetryMax:   cfg.RetryMax,
				ConfigFile: viper.ConfigFileUsed(),
			}

			rows := [][2]string{
				{"Enabled", yesNo(status.Enabled)},
				{"Site key", status.SiteKey},
				{"Secret key set", yesNo(status.SecretSet)},
				{"Verify URL", status.VerifyURL},
				{"Timeout", status.Timeout},
				{"Retry max", strconv.Itoa(status.RetryMax)},
			}
			if status.ConfigFile != "" {
				rows = append(rows, [2]string{"Config file", status.ConfigFile})
			}

			return render(cmd.OutOrStdout(), status, rows)
		},
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stardothosting/caddy-turnstile/cmd/turnstilectl/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "turnstilectl",
	Short: "Cloudflare Turnstile tooling",
	Long: `A command-line tool for checking a Cloudflare Turnstile setup.

It verifies tokens against siteverify with the same client the Caddy
handlers use, shows the effective configuration and prints widget HTML.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.turnstile/config.yml)")
	rootCmd.PersistentFlags().String("site-key", "", "Turnstile site key")
	rootCmd.PersistentFlags().String("secret-key", "", "Turnstile secret key")
	rootCmd.PersistentFlags().String("verify-url", "", "siteverify endpoint")
	rootCmd.PersistentFlags().Duration("timeout", 0, "siteverify timeout")
	rootCmd.PersistentFlags().Int("retry-max", 0, "siteverify retries")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	// Bind flags to viper
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("site_key", rootCmd.PersistentFlags().Lookup("site-key"))
	viper.BindPFlag("secret_key", rootCmd.PersistentFlags().Lookup("secret-key"))
	viper.BindPFlag("verify_url", rootCmd.PersistentFlags().Lookup("verify-url"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("retry_max", rootCmd.PersistentFlags().Lookup("retry-max"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Add commands
	rootCmd.AddCommand(commands.NewVersionCommand(version, commit, date))
	rootCmd.AddCommand(commands.NewVerifyCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewWidgetCommand())
}

func initConfig() {
	cfgFile := viper.GetString("config")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search config in ~/.turnstile/config.yml
		viper.AddConfigPath(filepath.Join(home, ".turnstile"))
		viper.SetConfigType("yml")
		viper.SetConfigName("config")
	}

	// TURNSTILE_SECRET_KEY, TURNSTILE_SITE_KEY, ...
	viper.SetEnvPrefix("TURNSTILE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stardothosting/caddy-turnstile/component"
)

// NewWidgetCommand creates the widget command
func NewWidgetCommand() *cobra.Command {
	var (
		opts   component.WidgetOptions
		script component.ScriptOptions
		hook   bool
	)

	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Print the HTML for a Turnstile widget",
		Long: `Print the hook element and script tag to paste into a page, or with --hook
the hook script itself. The widget renders with the configured site key.`,
		Example: `  turnstilectl widget --id signup-captcha --callback-url /api/turnstile
  turnstilectl widget --hook > public/turnstile/hook.js`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if hook {
				_, err := fmt.Fprint(out, component.HookJS)
				return err
			}

			opts.SiteKey = loadConfig().SiteKey

			html, err := component.Widget(opts)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(out, "%s\n%s\n", html, component.Script(script))
			return err
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "id of the hook element")
	cmd.Flags().StringVar(&opts.ContainerID, "container-id", "", "id of the challenge container")
	cmd.Flags().StringVar(&opts.CallbackURL, "callback-url", "", "URL the hook posts tokens to")
	cmd.Flags().StringVar(&opts.Class, "class", "", "CSS class of the hook element")
	cmd.Flags().StringVar(&script.Src, "hook-src", "", "URL of the hook script")
	cmd.Flags().StringVar(&script.Nonce, "nonce", "", "CSP nonce for the script tag")
	cmd.Flags().BoolVar(&hook, "hook", false, "print the hook script instead of the HTML")

	return cmd
}

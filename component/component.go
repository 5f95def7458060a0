// Package component renders the HTML pieces a page needs to host a
// Turnstile widget: the hook element and the hook script tag.
package component

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"

	"github.com/stardothosting/caddy-turnstile/widget"
)

const (
	// DefaultID is the id of the hook element
	DefaultID = "cf-turnstile-hook"

	// DefaultHookPath is where the hook script is served
	DefaultHookPath = "/turnstile/hook.js"

	// DefaultCallbackURL receives turnstile_callback events
	DefaultCallbackURL = "/turnstile/callback"
)

var (
	// ErrReservedID is returned for element ids that would shadow the
	// Turnstile library's global object
	ErrReservedID = fmt.Errorf("element id %q is reserved by the Turnstile library", widget.GlobalName)

	// ErrDuplicateID is returned when the hook and its container share an id
	ErrDuplicateID = errors.New("hook element and container need distinct ids")
)

// WidgetOptions configures Widget
type WidgetOptions struct {
	// ID of the hook element, DefaultID when empty
	ID string

	// ContainerID of the inner element the challenge renders into,
	// ID + "-container" when empty
	ContainerID string

	// SiteKey may be empty, in which case the hook emits a no-key bypass
	SiteKey string

	// CallbackURL receives the token, DefaultCallbackURL when empty
	CallbackURL string

	Class string
}

func (o *WidgetOptions) setDefaults() {
	if o.ID == "" {
		o.ID = DefaultID
	}
	if o.ContainerID == "" {
		o.ContainerID = o.ID + "-container"
	}
	if o.CallbackURL == "" {
		o.CallbackURL = DefaultCallbackURL
	}
}

// Validate checks the DOM contract the hook relies on
func (o WidgetOptions) Validate() error {
	if o.ID == widget.GlobalName || o.ContainerID == widget.GlobalName {
		return ErrReservedID
	}
	if o.ID == o.ContainerID {
		return ErrDuplicateID
	}
	return nil
}

// ScriptOptions configures Script
type ScriptOptions struct {
	// Src of the hook script, DefaultHookPath when empty
	Src string

	// Nonce for a Content-Security-Policy script-src nonce
	Nonce string
}

var widgetTmpl = template.Must(template.New("widget").Parse(
	`<div id="{{.ID}}"{{with .Class}} class="{{.}}"{{end}} data-turnstile data-sitekey="{{.SiteKey}}" data-container-id="{{.ContainerID}}" data-callback-url="{{.CallbackURL}}"><div id="{{.ContainerID}}"></div></div>`,
))

var scriptTmpl = template.Must(template.New("script").Parse(
	`<script src="{{.Src}}"{{with .Nonce}} nonce="{{.}}"{{end}} defer></script>`,
))

// Widget renders the hook element and its challenge container
func Widget(opts WidgetOptions) (template.HTML, error) {
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := widgetTmpl.Execute(&buf, opts); err != nil {
		return "", fmt.Errorf("failed to render widget: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Script renders the script tag loading the hook
func Script(opts ScriptOptions) template.HTML {
	if opts.Src == "" {
		opts.Src = DefaultHookPath
	}

	var buf bytes.Buffer
	// The template only interpolates strings, so Execute cannot fail here
	_ = scriptTmpl.Execute(&buf, opts)
	return template.HTML(buf.String())
}

// FuncMap exposes the components to html/template as turnstile_widget and
// turnstile_script
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"turnstile_widget": Widget,
		"turnstile_script": Script,
	}
}

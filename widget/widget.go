// Package widget drives the browser side of a Turnstile challenge: loading
// the Turnstile script, rendering the widget into a container and forwarding
// the resulting token to the server.
//
// The controller is written against small interfaces describing the page
// (Element, Document, Container) and the Turnstile library (Renderer,
// Resetter, Remover); this module ships no browser binding for them. It is
// the reference state machine: component.HookJS is the script browsers run,
// and it follows the same transitions, bypass reasons and timings.
// Every failure path ends in a single bypass token tagged with a reason, so
// the host always receives a token.
package widget

import "time"

const (
	// ScriptSrc loads the Turnstile library in explicit render mode
	ScriptSrc = "https://challenges.cloudflare.com/turnstile/v0/api.js?render=explicit"

	// GlobalName is the window property the Turnstile library installs.
	// An element whose id equals GlobalName shadows the library.
	GlobalName = "turnstile"

	// CallbackEvent carries {"token": string|nil} to the server
	CallbackEvent = "turnstile_callback"

	// ResetEvent is the server command that resets the widget
	ResetEvent = "reset_turnstile"

	// ChallengeIDPrefix prefixes ids of elements Turnstile renders
	ChallengeIDPrefix = "cf-chl-widget-"

	PollInterval  = 100 * time.Millisecond
	ScriptTimeout = 5 * time.Second
	SettleDelay   = 10 * time.Millisecond
	RenderTimeout = 6 * time.Second

	ThemeAuto     = "auto"
	SizeInvisible = "invisible"
)

// Bypass reasons
const (
	ReasonNoKey          = "no-key"
	ReasonScriptTimeout  = "script-timeout"
	ReasonScriptError    = "script-error"
	ReasonNoAPI          = "no-api"
	ReasonNoRenderMethod = "no-render-method"
	ReasonNoContainer    = "no-container"
	ReasonTimeout        = "timeout"
	ReasonWidgetError    = "widget-error"
	ReasonWidgetTimeout  = "widget-timeout"
	ReasonRenderError    = "render-error"
	ReasonMountError     = "mount-error"
)

// Element is the DOM node the controller is mounted on
type Element interface {
	// Dataset returns the value of a data-* attribute, e.g. "sitekey"
	Dataset(name string) (string, bool)
}

// Document is the page hosting the widget
type Document interface {
	// Global returns a property of the global object
	Global(name string) (any, bool)

	// ScriptPresent reports whether a script tag with src exists
	ScriptPresent(src string) bool

	// InjectScript appends a script tag. onLoad or onError is called later
	// from the event loop.
	InjectScript(src string, onLoad, onError func()) error

	// Container looks up an element by id
	Container(id string) (Container, bool)
}

// Container receives the rendered challenge
type Container interface {
	// HasChallenge reports whether a challenge is already rendered inside,
	// detected by a child iframe or a ChallengeIDPrefix id.
	HasChallenge() bool

	// Clear removes all children
	Clear()
}

// RenderOptions are passed to the library's render call
type RenderOptions struct {
	SiteKey string
	Theme   string
	Size    string

	Callback        func(token string)
	ErrorCallback   func()
	ExpiredCallback func()
	TimeoutCallback func()
}

// Renderer is the render capability of the Turnstile global
type Renderer interface {
	Render(c Container, opts RenderOptions) (widgetID string, err error)
}

// Resetter is the reset capability of the Turnstile global
type Resetter interface {
	Reset(widgetID string) error
}

// Remover is the remove capability of the Turnstile global
type Remover interface {
	Remove(widgetID string) error
}

// Pusher delivers events to the server
type Pusher interface {
	PushEvent(event string, payload map[string]any)
}

// PusherFunc adapts a function to Pusher
type PusherFunc func(event string, payload map[string]any)

// PushEvent calls f
func (f PusherFunc) PushEvent(event string, payload map[string]any) {
	f(event, payload)
}

// Timer is a pending scheduled call
type Timer interface {
	Stop() bool
}

// Scheduler runs functions after a delay
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// State is a controller lifecycle state
type State int32

const (
	Uninitialized State = iota
	ScriptLoading
	ScriptReady
	Rendering
	Rendered
	Verified
	Expired
	Errored
	Reset
	Bypassed
	Destroyed
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	ScriptLoading: "script_loading",
	ScriptReady:   "script_ready",
	Rendering:     "rendering",
	Rendered:      "rendered",
	Verified:      "verified",
	Expired:       "expired",
	Errored:       "errored",
	Reset:         "reset",
	Bypassed:      "bypassed",
	Destroyed:     "destroyed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

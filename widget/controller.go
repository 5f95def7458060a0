package widget

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stardothosting/caddy-turnstile/turnstile"
)

type eventKind int

const (
	evMount eventKind = iota
	evScriptReady
	evScriptFailed
	evPoll
	evRender
	evSuccess
	evError
	evExpired
	evProviderTimeout
	evLocalTimeout
	evReset
	evDestroy
)

var eventNames = [...]string{
	evMount:           "mount",
	evScriptReady:     "script_ready",
	evScriptFailed:    "script_failed",
	evPoll:            "poll",
	evRender:          "render",
	evSuccess:         "success",
	evError:           "error",
	evExpired:         "expired",
	evProviderTimeout: "provider_timeout",
	evLocalTimeout:    "local_timeout",
	evReset:           "reset",
	evDestroy:         "destroy",
}

func (k eventKind) String() string {
	return eventNames[k]
}

type event struct {
	kind  eventKind
	token string
	gen   uint64
}

// Option customizes a Controller
type Option func(*Controller)

// WithLogger sets the diagnostics logger
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithScheduler replaces the runtime timer, mostly for tests
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) {
		if s != nil {
			c.sched = s
		}
	}
}

// WithScriptSrc overrides ScriptSrc
func WithScriptSrc(src string) Option {
	return func(c *Controller) {
		if src != "" {
			c.scriptSrc = src
		}
	}
}

// Controller owns one Turnstile widget rendered into one container.
//
// Transitions are serialized through an event queue: callbacks that fire
// while a transition is running, including synchronous ones from the
// library, are queued and handled afterwards.
type Controller struct {
	el        Element
	doc       Document
	push      Pusher
	sched     Scheduler
	log       *zap.Logger
	scriptSrc string

	state atomic.Int32

	mu       sync.Mutex
	queue    []event
	running  bool
	widgetID string

	// owned by the dispatch loop
	siteKey     string
	containerID string
	timeout     Timer
	timeoutGen  uint64
	poll        Timer
	polls       int
	settle      Timer
}

// New creates a controller for el. Nothing happens until Mount.
func New(el Element, doc Document, push Pusher, opts ...Option) *Controller {
	c := &Controller{
		el:        el,
		doc:       doc,
		push:      push,
		sched:     RealScheduler{},
		log:       zap.NewNop(),
		scriptSrc: ScriptSrc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mount reads the element's data attributes and starts loading the library
func (c *Controller) Mount() { c.dispatch(event{kind: evMount}) }

// Render renders the widget if the library is ready and no widget exists
func (c *Controller) Render() { c.dispatch(event{kind: evRender}) }

// Reset asks the library to reset the rendered widget
func (c *Controller) Reset() { c.dispatch(event{kind: evReset}) }

// Destroy cancels pending work and removes the widget
func (c *Controller) Destroy() { c.dispatch(event{kind: evDestroy}) }

// HandleEvent handles a server-pushed event
func (c *Controller) HandleEvent(name string) {
	switch name {
	case ResetEvent:
		c.Reset()
	default:
		c.log.Debug("ignoring server event", zap.String("event", name))
	}
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// WidgetID returns the library's handle for the rendered widget
func (c *Controller) WidgetID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.widgetID
}

func (c *Controller) dispatch(ev event) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.handle(next)
		c.mu.Lock()
	}
	c.running = false
	c.mu.Unlock()
}

func (c *Controller) handle(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("turnstile widget transition failed",
				zap.Stringer("event", ev.kind),
				zap.Stringer("state", c.State()),
				zap.Any("panic", r))
			if reason := catchAllReason(ev.kind); reason != "" {
				c.fail(reason)
			}
		}
	}()

	if c.State() == Destroyed {
		c.log.Debug("ignoring event after destroy", zap.Stringer("event", ev.kind))
		return
	}

	switch ev.kind {
	case evMount:
		c.mount()
	case evScriptReady:
		c.scriptReady()
	case evScriptFailed:
		c.scriptFailed()
	case evPoll:
		c.pollLibrary()
	case evRender:
		c.render()
	case evSuccess:
		c.success(ev.token)
	case evError:
		c.widgetError()
	case evExpired:
		c.expired()
	case evProviderTimeout:
		c.providerTimeout()
	case evLocalTimeout:
		c.localTimeout(ev.gen)
	case evReset:
		c.reset()
	case evDestroy:
		c.destroy()
	}
}

func catchAllReason(kind eventKind) string {
	switch kind {
	case evMount:
		return ReasonMountError
	case evScriptFailed:
		return ReasonScriptError
	case evPoll:
		return ReasonScriptTimeout
	case evScriptReady, evRender:
		return ReasonRenderError
	case evSuccess, evError, evExpired, evProviderTimeout:
		return ReasonWidgetError
	case evLocalTimeout:
		return ReasonTimeout
	default:
		return ""
	}
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug("turnstile widget state change",
			zap.Stringer("from", prev),
			zap.Stringer("to", s))
	}
}

func (c *Controller) setWidgetID(id string) {
	c.mu.Lock()
	c.widgetID = id
	c.mu.Unlock()
}

func (c *Controller) mount() {
	if c.State() != Uninitialized {
		c.log.Debug("widget already mounted", zap.Stringer("state", c.State()))
		return
	}

	siteKey, ok := c.el.Dataset("sitekey")
	if !ok || siteKey == "" || siteKey == "undefined" || siteKey == "null" {
		c.log.Warn("turnstile site key missing, bypassing challenge")
		c.fail(ReasonNoKey)
		return
	}
	c.siteKey = siteKey
	c.containerID, _ = c.el.Dataset("container-id")

	c.setState(ScriptLoading)

	if _, ok := c.library(); ok {
		// Let DOM updates from the mount settle before rendering
		c.settle = c.sched.AfterFunc(SettleDelay, func() {
			c.dispatch(event{kind: evScriptReady})
		})
		return
	}

	if c.doc.ScriptPresent(c.scriptSrc) {
		c.schedulePoll()
		return
	}

	err := c.call("inject script", func() error {
		return c.doc.InjectScript(c.scriptSrc,
			func() { c.dispatch(event{kind: evScriptReady}) },
			func() { c.dispatch(event{kind: evScriptFailed}) },
		)
	})
	if err != nil {
		c.log.Error("failed to inject turnstile script", zap.Error(err))
		c.fail(ReasonScriptError)
	}
}

func (c *Controller) schedulePoll() {
	c.poll = c.sched.AfterFunc(PollInterval, func() {
		c.dispatch(event{kind: evPoll})
	})
}

func (c *Controller) pollLibrary() {
	if c.State() != ScriptLoading {
		return
	}
	c.polls++

	if _, ok := c.library(); ok {
		c.scriptReady()
		return
	}

	if PollInterval*time.Duration(c.polls) >= ScriptTimeout {
		c.log.Warn("timed out waiting for turnstile script",
			zap.Int("polls", c.polls))
		c.fail(ReasonScriptTimeout)
		return
	}
	c.schedulePoll()
}

func (c *Controller) scriptReady() {
	if c.State() != ScriptLoading {
		return
	}
	c.stopLoading()
	c.setState(ScriptReady)
	c.render()
}

func (c *Controller) scriptFailed() {
	if c.State() != ScriptLoading {
		return
	}
	c.log.Error("turnstile script failed to load", zap.String("src", c.scriptSrc))
	c.fail(ReasonScriptError)
}

func (c *Controller) render() {
	if c.widgetID != "" {
		c.log.Debug("widget already rendered", zap.String("widget_id", c.widgetID))
		return
	}
	if c.State() != ScriptReady {
		c.log.Debug("render requested before script ready", zap.Stringer("state", c.State()))
		return
	}

	lib, ok := c.library()
	if !ok {
		c.log.Error("turnstile library not available")
		c.fail(ReasonNoAPI)
		return
	}

	renderer, ok := lib.(Renderer)
	if !ok {
		c.log.Error("turnstile global has no render method, is an element id set to \"turnstile\"?",
			zap.String("type", fmt.Sprintf("%T", lib)))
		c.fail(ReasonNoRenderMethod)
		return
	}

	container, ok := c.doc.Container(c.containerID)
	if !ok {
		c.log.Error("turnstile container not found", zap.String("container_id", c.containerID))
		c.fail(ReasonNoContainer)
		return
	}

	if container.HasChallenge() {
		c.log.Debug("turnstile challenge already present in container",
			zap.String("container_id", c.containerID))
		return
	}

	container.Clear()
	c.setState(Rendering)

	var id string
	err := c.call("render", func() error {
		var err error
		id, err = renderer.Render(container, RenderOptions{
			SiteKey:         c.siteKey,
			Theme:           ThemeAuto,
			Size:            SizeInvisible,
			Callback:        func(token string) { c.dispatch(event{kind: evSuccess, token: token}) },
			ErrorCallback:   func() { c.dispatch(event{kind: evError}) },
			ExpiredCallback: func() { c.dispatch(event{kind: evExpired}) },
			TimeoutCallback: func() { c.dispatch(event{kind: evProviderTimeout}) },
		})
		return err
	})
	if err == nil && id == "" {
		err = fmt.Errorf("render returned no widget id")
	}
	if err != nil {
		c.log.Error("failed to render turnstile widget", zap.Error(err))
		c.fail(ReasonRenderError)
		return
	}

	c.setWidgetID(id)
	c.setState(Rendered)
	c.startTimeout()
}

func (c *Controller) success(token string) {
	c.cancelTimeout()
	c.setState(Verified)
	c.emit(token)
}

func (c *Controller) widgetError() {
	if c.failed(evError) {
		return
	}
	c.cancelTimeout()
	c.setState(Errored)
	c.log.Warn("turnstile widget reported an error")
	c.bypass(ReasonWidgetError)
}

// expired leaves the local timeout running. A timeout bypass can still
// follow an expiry.
func (c *Controller) expired() {
	c.setState(Expired)
	c.emitNull()
}

func (c *Controller) providerTimeout() {
	if c.failed(evProviderTimeout) {
		return
	}
	c.cancelTimeout()
	c.setState(Errored)
	c.log.Warn("turnstile widget timed out")
	c.bypass(ReasonWidgetTimeout)
}

// failed reports whether a bypass was already emitted for the current
// render. A real token may still follow one, another bypass may not.
func (c *Controller) failed(kind eventKind) bool {
	switch s := c.State(); s {
	case Bypassed, Errored:
		c.log.Debug("ignoring widget failure after bypass",
			zap.Stringer("event", kind),
			zap.Stringer("state", s))
		return true
	}
	return false
}

func (c *Controller) startTimeout() {
	c.timeoutGen++
	gen := c.timeoutGen
	c.timeout = c.sched.AfterFunc(RenderTimeout, func() {
		c.dispatch(event{kind: evLocalTimeout, gen: gen})
	})
}

func (c *Controller) cancelTimeout() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
}

func (c *Controller) localTimeout(gen uint64) {
	if c.timeout == nil || gen != c.timeoutGen {
		return
	}
	c.timeout = nil
	c.log.Warn("no turnstile token before timeout",
		zap.Duration("timeout", RenderTimeout))
	c.fail(ReasonTimeout)
}

func (c *Controller) reset() {
	if c.widgetID == "" {
		c.log.Debug("reset requested without a rendered widget")
		return
	}

	lib, _ := c.library()
	resetter, ok := lib.(Resetter)
	if !ok {
		c.log.Warn("turnstile library cannot reset widgets")
		return
	}

	if err := c.call("reset", func() error { return resetter.Reset(c.widgetID) }); err != nil {
		c.log.Warn("failed to reset turnstile widget",
			zap.String("widget_id", c.widgetID),
			zap.Error(err))
		return
	}
	c.setState(Reset)
}

func (c *Controller) destroy() {
	c.cancelTimeout()
	c.stopLoading()

	if id := c.widgetID; id != "" {
		lib, _ := c.library()
		if remover, ok := lib.(Remover); ok {
			if err := c.call("remove", func() error { return remover.Remove(id) }); err != nil {
				c.log.Warn("failed to remove turnstile widget",
					zap.String("widget_id", id),
					zap.Error(err))
			}
		}
		c.setWidgetID("")
	}
	c.setState(Destroyed)
}

func (c *Controller) stopLoading() {
	if c.poll != nil {
		c.poll.Stop()
		c.poll = nil
	}
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

func (c *Controller) library() (any, bool) {
	lib, ok := c.doc.Global(GlobalName)
	if !ok || lib == nil {
		return nil, false
	}
	return lib, true
}

// call runs a host or library call, turning a panic into an error
func (c *Controller) call(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", what, r)
		}
	}()
	return fn()
}

// fail emits a bypass token and parks the controller in Bypassed
func (c *Controller) fail(reason string) {
	c.stopLoading()
	c.setState(Bypassed)
	c.bypass(reason)
}

func (c *Controller) bypass(reason string) {
	token := turnstile.BypassToken(reason)
	c.log.Warn("emitting turnstile bypass token", zap.String("reason", reason))
	c.emit(token)
}

func (c *Controller) emit(token string) {
	c.send(map[string]any{"token": token})
}

func (c *Controller) emitNull() {
	c.send(map[string]any{"token": nil})
}

func (c *Controller) send(payload map[string]any) {
	err := c.call("push event", func() error {
		c.push.PushEvent(CallbackEvent, payload)
		return nil
	})
	if err != nil {
		c.log.Error("failed to push turnstile event", zap.Error(err))
	}
}

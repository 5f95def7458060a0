package widget

import (
	"errors"
	"time"
)

// fakeScheduler is a manually advanced clock
type fakeScheduler struct {
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance runs every timer due within d, in order
func (s *fakeScheduler) Advance(d time.Duration) {
	target := s.now + d
	for {
		var next *fakeTimer
		for _, t := range s.timers {
			if t.fired || t.stopped || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			break
		}
		s.now = next.at
		next.fired = true
		next.f()
	}
	s.now = target
}

func (s *fakeScheduler) pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type fakeElement map[string]string

func (e fakeElement) Dataset(name string) (string, bool) {
	v, ok := e[name]
	return v, ok
}

type fakeContainer struct {
	id        string
	challenge bool
	cleared   int
}

func (c *fakeContainer) HasChallenge() bool { return c.challenge }
func (c *fakeContainer) Clear()             { c.cleared++ }

type fakeDocument struct {
	globals    map[string]any
	scripts    map[string]bool
	injected   []string
	injectErr  error
	onLoad     func()
	onError    func()
	containers map[string]*fakeContainer
}

func newFakeDocument() *fakeDocument {
	return &fakeDocument{
		globals:    map[string]any{},
		scripts:    map[string]bool{},
		containers: map[string]*fakeContainer{},
	}
}

func (d *fakeDocument) Global(name string) (any, bool) {
	v, ok := d.globals[name]
	return v, ok
}

func (d *fakeDocument) ScriptPresent(src string) bool {
	return d.scripts[src]
}

func (d *fakeDocument) InjectScript(src string, onLoad, onError func()) error {
	if d.injectErr != nil {
		return d.injectErr
	}
	d.injected = append(d.injected, src)
	d.scripts[src] = true
	d.onLoad = onLoad
	d.onError = onError
	return nil
}

func (d *fakeDocument) Container(id string) (Container, bool) {
	c, ok := d.containers[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// load simulates the injected script finishing
func (d *fakeDocument) load(lib any) {
	d.globals[GlobalName] = lib
	d.onLoad()
}

// fakeTurnstile implements the library global
type fakeTurnstile struct {
	renders   []RenderOptions
	renderErr error
	panicMsg  string
	resetErr  error
	removeErr error
	resets    []string
	removes   []string
	onRender  func(opts RenderOptions)
}

func (f *fakeTurnstile) Render(c Container, opts RenderOptions) (string, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.renderErr != nil {
		return "", f.renderErr
	}
	f.renders = append(f.renders, opts)
	if f.onRender != nil {
		f.onRender(opts)
	}
	return "cf-chl-widget-" + string(rune('a'+len(f.renders)-1)), nil
}

func (f *fakeTurnstile) Reset(id string) error {
	f.resets = append(f.resets, id)
	return f.resetErr
}

func (f *fakeTurnstile) Remove(id string) error {
	f.removes = append(f.removes, id)
	return f.removeErr
}

func (f *fakeTurnstile) last() RenderOptions {
	return f.renders[len(f.renders)-1]
}

// collidingElement stands in for a DOM node that shadows window.turnstile
type collidingElement struct{}

type pushed struct {
	event   string
	payload map[string]any
}

type recorder struct {
	events []pushed
}

func (r *recorder) PushEvent(event string, payload map[string]any) {
	r.events = append(r.events, pushed{event: event, payload: payload})
}

func (r *recorder) tokens() []any {
	var out []any
	for _, e := range r.events {
		out = append(out, e.payload["token"])
	}
	return out
}

var errBoom = errors.New("boom")

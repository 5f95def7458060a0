package caddyturnstile

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

const (
	testSiteKey   = "1x00000000000000000000AA"
	testSecretKey = "1x0000000000000000000000000000000AA"
)

// siteverify is a fake siteverify endpoint
type siteverify struct {
	*httptest.Server
	calls atomic.Int32
}

// newSiteverify answers every call with status and {"success": success}
func newSiteverify(t *testing.T, status int, success bool) *siteverify {
	t.Helper()
	sv := &siteverify{}
	sv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sv.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		resp := map[string]any{"success": success}
		if !success {
			resp["error-codes"] = []string{"invalid-input-response"}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(sv.Close)
	return sv
}

// testAccess returns Access settings against sv with a session backend
// private to the test
func testAccess(t *testing.T, sv *siteverify) Access {
	t.Helper()
	a := Access{
		Credentials: Credentials{
			SiteKey:   testSiteKey,
			SecretKey: testSecretKey,
		},
		SessionBackendURI: "file://" + t.TempDir(),
	}
	if sv != nil {
		a.VerifyURL = sv.URL
	}
	return a
}

type provisioner interface {
	Provision(caddy.Context) error
	Cleanup() error
}

func provision(t *testing.T, h provisioner) {
	t.Helper()
	if err := h.Provision(caddy.Context{}); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	t.Cleanup(func() { h.Cleanup() })
}

// nextHandler records whether it was called and the body it received
type nextHandler struct {
	called bool
	body   string
}

func (n *nextHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	n.called = true
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		n.body = string(b)
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("from next handler"))
	return nil
}

var _ caddyhttp.Handler = (*nextHandler)(nil)

// verificationCookie returns the cookie named name set on rec, or nil
func verificationCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

package endpointcheck

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"
)

// COOKIE_NAME is the session cookie issued by the basic auth login service.
const COOKIE_NAME = "KUBEFLOW-AUTH-KEY"

// DefaultWait bounds a readiness check when the caller passes no window.
const DefaultWait = 15 * time.Minute

const (
	defaultInterval = 10 * time.Second

	loginPath    = "/kflogin"
	apiLoginPath = "/apikflogin"
)

// Checker probes deployed endpoints until they answer authenticated
// requests. The default client skips TLS verification: endpoints present
// self-signed or not-yet-provisioned certificates while they come up.
type Checker struct {
	client   *http.Client
	interval time.Duration
	timer    backoff.Timer
}

// Option adjusts how a Checker is built.
type Option func(*Checker)

// WithHTTPClient replaces the TLS-skipping default client.
func WithHTTPClient(c *http.Client) Option {
	return func(ck *Checker) { ck.client = c }
}

// WithInterval replaces the pause between attempts.
func WithInterval(d time.Duration) Option {
	return func(ck *Checker) { ck.interval = d }
}

// WithTimer replaces the wall clock behind retry pauses. Tests inject timers
// that fire immediately.
func WithTimer(timer backoff.Timer) Option {
	return func(ck *Checker) { ck.timer = timer }
}

// New builds a Checker that polls every 10 seconds without verifying TLS.
func New(opts ...Option) *Checker {
	ck := &Checker{
		client:   defaultHTTPClient(),
		interval: defaultInterval,
	}
	for _, o := range opts {
		o(ck)
	}
	return ck
}

func defaultHTTPClient() *http.Client {
	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Transport: transport}
}

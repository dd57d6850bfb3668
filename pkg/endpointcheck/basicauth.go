package endpointcheck

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BasicAuthReady reports whether the basic auth login flow at rawURL issues
// a usable session before wait elapses. It walks the deployed login service
// the way a browser would: probe <url>/kflogin until it serves 200, POST the
// credentials to <url>/apikflogin expecting 205 and a KUBEFLOW-AUTH-KEY
// cookie, then fetch the base URL presenting that cookie. The three steps
// share a single deadline; a step that starts after the budget ran out still
// gets one attempt. Errors are returned only when the login POST or the
// final fetch cannot be carried out at all; everything else is a readiness
// verdict. A nonpositive wait uses DefaultWait.
func (ck *Checker) BasicAuthReady(ctx context.Context, rawURL, username, password string, wait time.Duration) (bool, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	loginURL := rawURL + loginPath
	log.Infof("Waiting for the login page %s", loginURL)
	resp, err := ck.sendWithRetry(ctx, loginURL, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(parent, http.MethodGet, loginURL, nil)
		if err != nil {
			return nil, err
		}
		return ck.client.Do(req)
	}, http.StatusOK)
	if err != nil {
		log.Warningf("Login page %s is not reachable, trying to log in anyway: %v", loginURL, err)
	} else {
		log.Infof("Login page %s returned status %d", loginURL, resp.StatusCode)
	}

	apiURL := rawURL + apiLoginPath
	log.Infof("Posting credentials to %s", apiURL)
	resp, err = ck.sendWithRetry(ctx, apiURL, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(parent, http.MethodPost, apiURL, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(username, password)
		req.Header.Set("x-from-login", "true")
		return ck.client.Do(req)
	}, 0)
	if err != nil {
		return false, errors.Wrapf(err, "logging in at %s", apiURL)
	}
	log.Infof("%s returned status %d", apiURL, resp.StatusCode)
	if resp.StatusCode != http.StatusResetContent {
		log.Errorf("Login at %s returned status %d, want %d", apiURL, resp.StatusCode, http.StatusResetContent)
		return false, nil
	}

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == COOKIE_NAME {
			session = c
			break
		}
	}
	if session == nil {
		log.Errorf("Login response from %s carries no %s cookie", apiURL, COOKIE_NAME)
		return false, nil
	}
	log.Infof("Got auth key %s", COOKIE_NAME)

	resp, err = ck.sendWithRetry(ctx, rawURL, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(parent, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.AddCookie(session)
		return ck.client.Do(req)
	}, 0)
	if err != nil {
		return false, errors.Wrapf(err, "fetching %s with the session cookie", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		log.Errorf("GET %s with the session cookie returned status %d", rawURL, resp.StatusCode)
		return false, nil
	}
	log.Infof("Endpoint %s accepts the login session", rawURL)
	return true, nil
}

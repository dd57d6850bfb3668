package endpointcheck

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// IAPReady reports whether the IAP protected endpoint at rawURL answers an
// authenticated GET with 200 before wait elapses. Minting the first identity
// token must succeed up front and is the only error this returns; once the
// loop runs, every failed attempt, transport or status or token refresh,
// only means the endpoint is not ready yet. A nonpositive wait uses
// DefaultWait.
func (ck *Checker) IAPReady(ctx context.Context, rawURL string, tokens oauth2.TokenSource, wait time.Duration) (bool, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	if _, err := tokens.Token(); err != nil {
		return false, errors.Wrap(err, "minting an identity token")
	}

	// The budget bounds the loop, not an attempt in flight, so requests are
	// tied to the caller's context rather than the loop deadline.
	parent := ctx
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	var attempt int
	probe := func() error {
		attempt++
		log.Infof("Trying url: %s", rawURL)
		tok, err := tokens.Token()
		if err != nil {
			log.Warningf("Refreshing the identity token for %s failed on attempt %d: %v", rawURL, attempt, err)
			return err
		}
		req, err := http.NewRequestWithContext(parent, http.MethodGet, rawURL, nil)
		if err != nil {
			log.Warningf("Building the request for %s failed on attempt %d: %v", rawURL, attempt, err)
			return err
		}
		tok.SetAuthHeader(req)
		resp, err := ck.client.Do(req)
		if err != nil {
			log.Warningf("GET %s failed on attempt %d: %v", rawURL, attempt, err)
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Infof("GET %s returned status %d on attempt %d, endpoint not ready", rawURL, resp.StatusCode, attempt)
			return errors.Errorf("endpoint returned status %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(ck.interval), ctx)
	if err := backoff.RetryNotifyWithTimer(probe, policy, nil, ck.timer); err != nil {
		log.Errorf("Endpoint %s did not become ready within %s: %v", rawURL, wait, err)
		return false, nil
	}
	log.Infof("Endpoint %s is ready after %d attempt(s)", rawURL, attempt)
	return true, nil
}

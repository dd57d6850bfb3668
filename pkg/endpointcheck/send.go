package endpointcheck

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// requestFunc builds and performs one attempt. Implementations must build a
// fresh *http.Request per call: a body consumed by a failed attempt cannot
// be resent.
type requestFunc func() (*http.Response, error)

// sendWithRetry runs gen until it yields an acceptable response or the
// context deadline expires, pausing the Checker's interval between attempts.
// Transient transport errors are retried; any other error ends the check.
// A nonzero expectStatus also retries responses with a different status;
// zero accepts the first response whatever its status. When the budget runs
// out the last attempt stands: its response is returned without error, its
// error otherwise. rawURL only labels log lines.
func (ck *Checker) sendWithRetry(ctx context.Context, rawURL string, gen requestFunc, expectStatus int) (*http.Response, error) {
	var (
		resp    *http.Response
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		r, err := gen()
		if err != nil {
			resp, lastErr = nil, err
			if !isTransientNetErr(err) {
				log.Errorf("Request to %s failed without a retryable cause: %v", rawURL, err)
				return backoff.Permanent(err)
			}
			log.Warningf("Request to %s failed on attempt %d: %v", rawURL, attempt, err)
			return err
		}
		r, err = drainResponse(r)
		if err != nil {
			resp, lastErr = nil, err
			log.Warningf("Reading the response from %s failed on attempt %d: %v", rawURL, attempt, err)
			return err
		}
		resp, lastErr = r, nil
		if expectStatus != 0 && r.StatusCode != expectStatus {
			log.Warningf("Request to %s returned status %d on attempt %d, waiting for %d", rawURL, r.StatusCode, attempt, expectStatus)
			return errors.Errorf("endpoint returned status %d, want %d", r.StatusCode, expectStatus)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(ck.interval), ctx)
	if err := backoff.RetryNotifyWithTimer(op, policy, nil, ck.timer); err != nil {
		if resp != nil {
			// Budget exhausted; the last response stands as the result.
			return resp, nil
		}
		if lastErr != nil {
			return nil, errors.Wrapf(lastErr, "request to %s did not succeed within the wait budget", rawURL)
		}
		return nil, err
	}
	return resp, nil
}

// drainResponse buffers the body so the connection can be reused and callers
// can still read the payload after the retry loop returns.
func drainResponse(r *http.Response) (*http.Response, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return r, nil
}

// isTransientNetErr reports whether err is a connection-level failure worth
// another attempt: dialing, DNS, resets, TLS handshake trouble, or a
// truncated response. Context cancellation is final. The check looks at
// concrete error types because *url.Error satisfies net.Error, which would
// sweep in protocol-level failures too.
func isTransientNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		opErr   *net.OpError
		dnsErr  *net.DNSError
		recErr  tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return true
	case errors.As(err, &recErr), errors.As(err, &certErr):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}

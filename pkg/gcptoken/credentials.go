package gcptoken

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"gopkg.in/square/go-jose.v2/jwt"
)

// IAM_SCOPE is the OAuth scope requested for the bootstrap credentials.
const IAM_SCOPE = "https://www.googleapis.com/auth/iam"

// TOKEN_URL is Google's OAuth token endpoint. Identity token assertions must
// name it as their audience and be exchanged there, regardless of any
// token_uri the credentials themselves carry.
const TOKEN_URL = "https://www.googleapis.com/oauth2/v4/token"

const tokenLifetime = 1 * time.Hour

// Source mints OpenID Connect identity tokens for one audience. It
// implements oauth2.TokenSource; Token always mints a fresh token, so most
// callers want the caching source returned by TokenSource instead.
type Source struct {
	audience string
	signer   Signer
	client   *http.Client
	tokenURL string
	iamOpts  []option.ClientOption
	ctx      context.Context
}

// Option adjusts how a Source is built.
type Option func(*Source)

// WithHTTPClient replaces the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithTokenEndpoint replaces the token exchange endpoint.
func WithTokenEndpoint(u string) Option {
	return func(s *Source) { s.tokenURL = u }
}

// WithSigner skips credential discovery and signs with the given Signer.
func WithSigner(signer Signer) Option {
	return func(s *Source) { s.signer = signer }
}

// WithIAMClientOptions passes client options through to the IAM credentials
// API client used for metadata-backed credentials.
func WithIAMClientOptions(opts ...option.ClientOption) Option {
	return func(s *Source) { s.iamOpts = opts }
}

// NewSource builds a Source for the audience named by the environment
// variable clientIDEnv, which must hold the OAuth client ID of the protected
// endpoint. The variable is checked before any credential discovery so a
// misconfigured caller fails without network traffic.
func NewSource(ctx context.Context, clientIDEnv string, opts ...Option) (*Source, error) {
	audience := os.Getenv(clientIDEnv)
	if audience == "" {
		return nil, errors.Errorf("environment variable %s is not set; it must hold the OAuth client ID of the protected endpoint", clientIDEnv)
	}
	s := &Source{
		audience: audience,
		client:   http.DefaultClient,
		tokenURL: TOKEN_URL,
		ctx:      ctx,
	}
	for _, o := range opts {
		o(s)
	}
	if s.signer != nil {
		return s, nil
	}
	creds, err := google.FindDefaultCredentials(ctx, IAM_SCOPE)
	if err != nil {
		return nil, errors.Wrap(err, "discovering application default credentials")
	}
	signer, err := signerFromCredentials(ctx, creds, s.iamOpts...)
	if err != nil {
		return nil, err
	}
	s.signer = signer
	log.Debugf("Minting identity tokens for audience %s as %s", s.audience, signer.Email())
	return s, nil
}

// TokenSource builds a Source and wraps it so a minted token is reused until
// it expires.
func TokenSource(ctx context.Context, clientIDEnv string, opts ...Option) (oauth2.TokenSource, error) {
	s, err := NewSource(ctx, clientIDEnv, opts...)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(nil, s), nil
}

// Token signs a fresh assertion and exchanges it for an identity token.
// Exchange failures are returned as is; retrying is the caller's business.
func (s *Source) Token() (*oauth2.Token, error) {
	now := time.Now()
	claims := ClaimSet{
		Issuer:         s.signer.Email(),
		Audience:       s.tokenURL,
		Expiry:         *jwt.NewNumericDate(now.UTC().Add(tokenLifetime)),
		IssuedAt:       *jwt.NewNumericDate(now),
		TargetAudience: s.audience,
	}
	assertion, err := s.signer.SignJWT(s.ctx, claims)
	if err != nil {
		return nil, errors.Wrap(err, "signing the identity token assertion")
	}

	log.Debugf("Requesting identity token for audience %s from %s", s.audience, s.tokenURL)
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrapf(err, "building the token request for %s", s.tokenURL)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "contacting %s for an identity token", s.tokenURL)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading the token response from %s", s.tokenURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("token request to %s returned %d: %s", s.tokenURL, resp.StatusCode, body)
	}

	var tokenResp struct {
		IDToken   string `json:"id_token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling the token response from %s", s.tokenURL)
	}
	if tokenResp.IDToken == "" {
		return nil, errors.Errorf("token response from %s carries no id_token", s.tokenURL)
	}
	tok := &oauth2.Token{AccessToken: tokenResp.IDToken, TokenType: "Bearer"}
	if tokenResp.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	} else {
		tok.Expiry = now.Add(tokenLifetime)
	}
	return tok, nil
}

package gcptoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2/jwt"
)

const testClientIDEnv = "GCPTOKEN_TEST_CLIENT_ID"

// writeServiceAccountFile drops a syntactically complete service account key
// file into a temp dir and returns its path with the generated key.
func writeServiceAccountFile(t *testing.T, email string) (string, *rsa.PrivateKey) {
	t.Helper()
	key := generateRSAKey(t)
	saJSON, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"project_id":   "test-project",
		"private_key":  string(pemPKCS8(t, key)),
		"client_email": email,
		"client_id":    "1234567890",
		"auth_uri":     "https://accounts.google.com/o/oauth2/auth",
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(path, saJSON, 0600))
	return path, key
}

// tokenServer fakes the OAuth token endpoint. Each accepted exchange records
// the raw assertion and returns idToken.
func tokenServer(t *testing.T, idToken string, requests *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))
		assert.NotEmpty(t, r.PostForm.Get("assertion"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id_token":   idToken,
			"expires_in": 3600,
		})
	}))
}

// decodeAssertionClaims pulls the claim set out of a compact JWT without
// verifying the signature.
func decodeAssertionClaims(t *testing.T, assertion string) ClaimSet {
	t.Helper()
	parts := strings.Split(assertion, ".")
	require.Len(t, parts, 3, "assertion should be a compact JWT")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims ClaimSet
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}

func TestNewSourceMissingClientIDEnv(t *testing.T) {
	t.Setenv(testClientIDEnv, "")
	_, err := NewSource(context.Background(), testClientIDEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), testClientIDEnv)
}

func TestNewSourceRejectsEndUserCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adc.json")
	userJSON := `{"type":"authorized_user","client_id":"c","client_secret":"s","refresh_token":"r"}`
	require.NoError(t, os.WriteFile(path, []byte(userJSON), 0600))
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", path)
	t.Setenv(testClientIDEnv, "test-client-id.apps.googleusercontent.com")

	_, err := NewSource(context.Background(), testClientIDEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end-user")
}

func TestNewSourcePicksKeySignerForServiceAccount(t *testing.T) {
	email := "deploy-test@test-project.iam.gserviceaccount.com"
	path, _ := writeServiceAccountFile(t, email)
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", path)
	t.Setenv(testClientIDEnv, "test-client-id.apps.googleusercontent.com")

	s, err := NewSource(context.Background(), testClientIDEnv)
	require.NoError(t, err)
	assert.IsType(t, &keySigner{}, s.signer)
	assert.Equal(t, email, s.signer.Email())
}

func TestTokenExchange(t *testing.T) {
	assert := assert.New(t)
	email := "deploy-test@test-project.iam.gserviceaccount.com"
	path, key := writeServiceAccountFile(t, email)
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", path)
	t.Setenv(testClientIDEnv, "test-client-id.apps.googleusercontent.com")

	var requests int
	var assertion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.NoError(r.ParseForm())
		assertion = r.PostForm.Get("assertion")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id_token": "fake-id-token", "expires_in": 3600})
	}))
	defer srv.Close()

	s, err := NewSource(context.Background(), testClientIDEnv,
		WithTokenEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal("fake-id-token", tok.AccessToken)
	assert.Equal("Bearer", tok.TokenType)
	assert.True(tok.Valid(), "minted token should not be expired")
	assert.WithinDuration(time.Now().Add(1*time.Hour), tok.Expiry, time.Minute)
	assert.Equal(1, requests)

	claims := decodeAssertionClaims(t, assertion)
	assert.Equal(email, claims.Issuer)
	assert.Equal(srv.URL, claims.Audience, "assertion audience should be the exchange endpoint")
	assert.Equal("test-client-id.apps.googleusercontent.com", claims.TargetAudience)

	// The assertion must verify with the service account key.
	var verified ClaimSet
	parsed, err := jwt.ParseSigned(assertion)
	require.NoError(t, err)
	require.NoError(t, parsed.Claims(&key.PublicKey, &verified))
}

func TestTokenEndpointFailure(t *testing.T) {
	email := "deploy-test@test-project.iam.gserviceaccount.com"
	path, _ := writeServiceAccountFile(t, email)
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", path)
	t.Setenv(testClientIDEnv, "test-client-id.apps.googleusercontent.com")

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "upstream busted", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewSource(context.Background(), testClientIDEnv,
		WithTokenEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = s.Token()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, 1, requests, "a failed exchange must not be retried here")
}

func TestTokenMissingIDToken(t *testing.T) {
	email := "deploy-test@test-project.iam.gserviceaccount.com"
	path, _ := writeServiceAccountFile(t, email)
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", path)
	t.Setenv(testClientIDEnv, "test-client-id.apps.googleusercontent.com")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id_token":""}`))
	}))
	defer srv.Close()

	s, err := NewSource(context.Background(), testClientIDEnv,
		WithTokenEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = s.Token()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id_token")
}

func TestTokenSourceReusesUnexpiredToken(t *testing.T) {
	t.Setenv(testClientIDEnv, "test-client-id.apps.googleusercontent.com")

	var requests int
	srv := tokenServer(t, "cached-token", &requests)
	defer srv.Close()

	ts, err := TokenSource(context.Background(), testClientIDEnv,
		WithSigner(staticSigner{email: "deploy-test@test-project.iam.gserviceaccount.com"}),
		WithTokenEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	first, err := ts.Token()
	require.NoError(t, err)
	second, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, 1, requests, "an unexpired token should be reused, not re-minted")
}

// staticSigner stands in for credential discovery wherever a test only cares
// about the exchange.
type staticSigner struct {
	email string
}

func (s staticSigner) Email() string { return s.email }

func (s staticSigner) SignJWT(_ context.Context, _ ClaimSet) (string, error) {
	return "stub.assertion.jwt", nil
}

func TestNewSourceWithSignerSkipsDiscovery(t *testing.T) {
	// No GOOGLE_APPLICATION_CREDENTIALS in sight: an injected signer must be
	// enough to build a source.
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", filepath.Join(t.TempDir(), "does-not-exist.json"))
	t.Setenv(testClientIDEnv, "test-client-id.apps.googleusercontent.com")

	var requests int
	srv := tokenServer(t, "injected-token", &requests)
	defer srv.Close()

	s, err := NewSource(context.Background(), testClientIDEnv,
		WithSigner(staticSigner{email: "deploy-test@test-project.iam.gserviceaccount.com"}),
		WithTokenEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "injected-token", tok.AccessToken)
	assert.Equal(t, 1, requests)
}

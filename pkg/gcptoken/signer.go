package gcptoken

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"

	"cloud.google.com/go/compute/metadata"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	iamcredentials "google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// ClaimSet is the payload of the assertion exchanged for an identity token.
// Audience must be the token endpoint; TargetAudience carries the OAuth
// client ID the minted identity token will assert.
type ClaimSet struct {
	Issuer         string          `json:"iss,omitempty"`
	Audience       string          `json:"aud,omitempty"`
	Expiry         jwt.NumericDate `json:"exp,omitempty"`
	IssuedAt       jwt.NumericDate `json:"iat,omitempty"`
	TargetAudience string          `json:"target_audience,omitempty"`
}

// Signer produces signed JWT assertions on behalf of a service account.
type Signer interface {
	// Email returns the service account the assertions are issued as.
	Email() string
	// SignJWT serializes claims and signs them with the account's key.
	SignJWT(ctx context.Context, claims ClaimSet) (string, error)
}

// serviceAccountKey is the subset of a service account JSON key file needed
// for local signing.
type serviceAccountKey struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
	ClientID    string `json:"client_id"`
}

// signerFromCredentials picks a Signer for the discovered credentials: a JSON
// service account key signs locally, metadata-backed credentials delegate to
// the IAM credentials API. End-user credentials are rejected because Google
// only issues identity tokens with a target audience to service accounts.
func signerFromCredentials(ctx context.Context, creds *google.Credentials, iamOpts ...option.ClientOption) (Signer, error) {
	if len(creds.JSON) > 0 {
		var key serviceAccountKey
		if err := json.Unmarshal(creds.JSON, &key); err != nil {
			return nil, errors.Wrap(err, "unmarshalling application default credentials")
		}
		switch key.Type {
		case "service_account":
			return newKeySigner(key.ClientEmail, []byte(key.PrivateKey))
		case "authorized_user":
			return nil, errors.New("application default credentials are end-user credentials; " +
				"only a service account can mint identity tokens, set GOOGLE_APPLICATION_CREDENTIALS " +
				"to a service account key or run on a service account")
		default:
			return nil, errors.Errorf("application default credentials have unsupported type %q", key.Type)
		}
	}

	// Metadata-backed credentials surface their account identity only after a
	// token round trip, and a failed refresh should be reported here rather
	// than from inside the first signing call.
	if _, err := creds.TokenSource.Token(); err != nil {
		return nil, errors.Wrap(err, "refreshing application default credentials")
	}
	email, err := metadata.EmailWithContext(ctx, "default")
	if err != nil {
		return nil, errors.Wrap(err, "reading the service account email from the metadata server")
	}
	return newIAMSigner(ctx, email, creds.TokenSource, iamOpts...)
}

// keySigner signs assertions locally with the RSA key from a service account
// JSON key file.
type keySigner struct {
	email string
	key   *rsa.PrivateKey
}

func newKeySigner(email string, pemKey []byte) (*keySigner, error) {
	if email == "" {
		return nil, errors.New("service account credentials carry no client_email")
	}
	key, err := parseRSAPrivateKey(pemKey)
	if err != nil {
		return nil, err
	}
	return &keySigner{email: email, key: key}, nil
}

func (s *keySigner) Email() string {
	return s.email
}

func (s *keySigner) SignJWT(_ context.Context, claims ClaimSet) (string, error) {
	sigOpts := (&jose.SignerOptions{}).WithType("JWT")
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: s.key}, sigOpts)
	if err != nil {
		return "", errors.Wrap(err, "creating JWT signer")
	}
	raw, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", errors.Wrap(err, "signing JWT claims")
	}
	return raw, nil
}

// parseRSAPrivateKey decodes the PEM private_key of a service account key
// file, accepting both PKCS8 and PKCS1 encodings.
func parseRSAPrivateKey(pemKey []byte) (*rsa.PrivateKey, error) {
	blk, _ := pem.Decode(pemKey)
	if blk == nil {
		return nil, errors.New("private_key in service account credentials is not PEM encoded")
	}
	// try PKCS8
	key, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
	if err != nil {
		// try PKCS1
		key, err = x509.ParsePKCS1PrivateKey(blk.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "private_key in service account credentials is neither PKCS8 nor PKCS1")
		}
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("private_key in service account credentials is %T, want *rsa.PrivateKey", key)
	}
	return rsaKey, nil
}

// iamSigner signs assertions remotely through the IAM credentials API. The
// bootstrap credentials must be allowed to act as the account, which on GCE
// means the iam.serviceAccountTokenCreator role on itself.
type iamSigner struct {
	email string
	svc   *iamcredentials.Service
}

func newIAMSigner(ctx context.Context, email string, ts oauth2.TokenSource, opts ...option.ClientOption) (*iamSigner, error) {
	if email == "" {
		return nil, errors.New("cannot sign through the IAM credentials API without a service account email")
	}
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}
	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating the IAM credentials client")
	}
	return &iamSigner{email: email, svc: svc}, nil
}

func (s *iamSigner) Email() string {
	return s.email
}

func (s *iamSigner) SignJWT(ctx context.Context, claims ClaimSet) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "marshalling JWT claims")
	}
	name := "projects/-/serviceAccounts/" + s.email
	req := &iamcredentials.SignJwtRequest{Payload: string(payload)}
	resp, err := s.svc.Projects.ServiceAccounts.SignJwt(name, req).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "signing JWT as %s through the IAM credentials API", s.email)
	}
	return resp.SignedJwt, nil
}

package token

import (
	"encoding/json"
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Type names the single operation a capability token is valid for.
type Type string

const (
	TypeRepositoryDownload Type = "repository-download"
	TypeArtifactUpload     Type = "artifact-upload"
	TypeCompleteDeployment Type = "complete-deployment"
)

// Verification failure modes. The HTTP boundary collapses all three to a
// generic unauthorized response; callers inside the process may branch.
var (
	ErrExpired      = errors.New("token: expired")
	ErrMalformed    = errors.New("token: malformed")
	ErrTypeMismatch = errors.New("token: type mismatch")
)

// RepositoryDownload authorizes fetching one repository tarball.
type RepositoryDownload struct {
	InstallationID int64  `json:"installation_id"`
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	Ref            string `json:"ref"`
}

// ArtifactUpload authorizes writes under one deployment's storage prefix.
type ArtifactUpload struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// CompleteDeployment authorizes reporting the build result for one deployment.
type CompleteDeployment struct {
	TenantID     string `json:"tenant_id"`
	ProjectID    string `json:"project_id"`
	DeploymentID string `json:"deployment_id"`
}

type claims struct {
	TokenType  Type            `json:"type"`
	Properties json.RawMessage `json:"properties"`
	jwtlib.RegisteredClaims
}

// Service signs and verifies capability tokens with a symmetric secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService returns a token service. A non-positive ttl falls back to ten
// minutes, the intended lifetime for build-scoped credentials.
func NewService(secret string, ttl time.Duration) Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return Service{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign issues a token of the given type carrying the properties payload.
func (s Service) Sign(tokenType Type, properties any) (string, error) {
	props, err := json.Marshal(properties)
	if err != nil {
		return "", err
	}
	now := s.now()
	c := claims{
		TokenType:  tokenType,
		Properties: props,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "skiff",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.ttl)),
		},
	}
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// Verify checks signature, expiry and declared type, then decodes the typed
// properties into out. The type tag is checked before any property is trusted.
func (s Service) Verify(expected Type, raw string, out any) error {
	parsed, err := jwtlib.ParseWithClaims(raw, &claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return ErrExpired
		}
		return ErrMalformed
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return ErrMalformed
	}
	if c.TokenType != expected {
		return ErrTypeMismatch
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(c.Properties, out); err != nil {
		return ErrMalformed
	}
	return nil
}

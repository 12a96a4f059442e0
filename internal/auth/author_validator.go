package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const (
	bearerPrefix          = "Bearer "
	accessTokenQueryParam = "access_token"
)

var (
	ErrMissingSigningKey  = errors.New("author validator: signing key required")
	ErrMissingIssuer      = errors.New("author validator: issuer required")
	ErrMissingAudience    = errors.New("author validator: audience required")
	ErrMissingToken       = errors.New("author validator: token required")
	ErrInvalidToken       = errors.New("author validator: invalid token")
	ErrExpiredToken       = errors.New("author validator: token expired")
	ErrMissingAuthorClaim = errors.New("author validator: subject required")
)

// AuthorClaims is the JWT payload identifying the author of commits and reviews.
type AuthorClaims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// AuthorID returns the validated subject as an author id.
func (c AuthorClaims) AuthorID() versions.AuthorID {
	return versions.AuthorID(c.Subject)
}

// AuthorValidatorConfig describes how to validate author tokens.
type AuthorValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// AuthorValidator validates HS256 author tokens.
type AuthorValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewAuthorValidator constructs a validator with the provided configuration.
func NewAuthorValidator(cfg AuthorValidatorConfig) (*AuthorValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AuthorValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *AuthorValidator) ValidateToken(tokenString string) (AuthorClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AuthorClaims{}, ErrMissingToken
	}

	claims := &AuthorClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AuthorClaims{}, ErrExpiredToken
		}
		return AuthorClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AuthorClaims{}, ErrInvalidToken
	}
	if _, err := versions.NewAuthorID(claims.Subject); err != nil {
		return AuthorClaims{}, ErrMissingAuthorClaim
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header, or from the
// access_token query parameter for event streams that cannot set headers.
func (v *AuthorValidator) ValidateRequest(r *http.Request) (AuthorClaims, error) {
	if r == nil {
		return AuthorClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if header != "" {
		return AuthorClaims{}, ErrInvalidToken
	}
	return v.ValidateToken(r.URL.Query().Get(accessTokenQueryParam))
}

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const (
	defaultTokenTTL = 60 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the author token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints author tokens for the sync layer and for operators.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenIssuer copies the signing secret and fills in the default lifetime and clock.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := &TokenIssuer{
		secret:   append([]byte(nil), cfg.SigningSecret...),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		lifetime: cfg.TokenTTL,
		now:      cfg.Clock,
	}
	if issuer.lifetime <= 0 {
		issuer.lifetime = defaultTokenTTL
	}
	if issuer.now == nil {
		issuer.now = time.Now
	}
	return issuer, nil
}

// IssueAuthorToken produces a signed JWT and its lifetime in seconds for the author.
func (i *TokenIssuer) IssueAuthorToken(authorID versions.AuthorID, displayName string) (string, int64, error) {
	if _, err := versions.NewAuthorID(authorID.String()); err != nil {
		return "", 0, errMissingSubjectClaim
	}

	issuedAt := i.now().UTC()
	claims := AuthorClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   authorID.String(),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.lifetime)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(i.lifetime / time.Second), nil
}

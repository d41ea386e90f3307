package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// issuerName is the iss claim stamped on every bearer token.
const issuerName = "mirrors-qa-backend"

var (
	ErrTokenExpired = errors.New("token has expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by issued bearer tokens. The worker id travels in a custom
// subject claim rather than the registered sub.
type Claims struct {
	Subject string `json:"subject"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies HS256 bearer tokens for authenticated workers.
type Issuer struct {
	Secret []byte
	TTL    time.Duration
	Clock  clockwork.Clock
}

func (i *Issuer) Validate() error {
	if len(i.Secret) == 0 {
		return errors.New("secret is required")
	}
	if i.TTL <= 0 {
		return errors.New("ttl must be > 0")
	}
	if i.Clock == nil {
		i.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Issue signs a bearer token for workerID and returns it together with its
// lifetime in seconds.
func (i *Issuer) Issue(workerID string) (string, int64, error) {
	now := i.Clock.Now().UTC()
	claims := Claims{
		Subject: workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, int64(i.TTL.Seconds()), nil
}

// VerifyToken checks signature, issuer and expiry of a bearer token and
// returns the worker it was issued to. Expired tokens are reported as
// ErrTokenExpired, every other failure as ErrInvalidToken.
func (i *Issuer) VerifyToken(tokenString string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return i.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.Clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

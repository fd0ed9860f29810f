package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the JWT auth method: a verification key plus the
// claim values the pooler requires, per SPEC_FULL.md §4.3.
type JWTConfig struct {
	PublicKey      *rsa.PublicKey
	HMACSecret     []byte // used instead of PublicKey when non-nil
	ExpectedIssuer string
	ExpectedAudience string
}

// VerifyJWT validates a bearer token presented via the Password response
// and checks issuer/audience/subject==username/expiry, returning an error
// if any check fails.
func VerifyJWT(cfg JWTConfig, tokenString, username string) error {
	keyFunc := func(t *jwt.Token) (any, error) {
		if cfg.HMACSecret != nil {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
			}
			return cfg.HMACSecret, nil
		}
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return cfg.PublicKey, nil
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithIssuer(cfg.ExpectedIssuer),
		jwt.WithAudience(cfg.ExpectedAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("auth: jwt verification failed: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("auth: jwt token invalid")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub != username {
		return fmt.Errorf("auth: jwt subject %q does not match username %q", sub, username)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return fmt.Errorf("auth: jwt token expired")
	}
	return nil
}

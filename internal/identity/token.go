// Package identity issues and verifies the governance bearer tokens the
// admin API accepts. Authorization itself is resolved outside this core: the
// outer platform decides who holds which governance tier and hands it over
// as a signed claim.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims of a governance token.
type Claims struct {
	jwt.RegisteredClaims
	ActorID string `json:"actor_id"`
	Tier    string `json:"governance_tier"`
}

// TokenIssuer issues and verifies HS256 governance tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	secret    is the shared HS256 signing secret.
//	issuerURL is the "iss" claim value; matches the daemon's base URL.
//	ttl       is the token lifetime (default: 24 hours).
func NewTokenIssuer(secret []byte, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuerURL, ttl: ttl}
}

// Issue creates a signed governance token for an actor at a tier.
func (i *TokenIssuer) Issue(actorID, tier string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		ActorID: actorID,
		Tier:    tier,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign governance token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a governance token, returning its claims.
func (i *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify governance token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid governance token claims")
	}
	if claims.ActorID == "" {
		return nil, fmt.Errorf("governance token missing actor_id")
	}
	return claims, nil
}

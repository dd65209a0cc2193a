// Package auth verifies player tokens presented by websocket and HTTP clients.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lockgame/duelcore/src/domain/shared"
)

// Identity is the authenticated caller attached to a connection or request.
type Identity struct {
	PlayerID    shared.PlayerID
	DisplayName string
}

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier validates HS256 tokens minted by the account service. The
// subject claim carries the player id; the optional name claim carries
// the display name shown to opponents.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type playerClaims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", shared.ErrUnauthenticated)
	}
	claims := &playerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", shared.ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", shared.ErrUnauthenticated)
	}
	id := shared.PlayerID(claims.Subject)
	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: bad subject", shared.ErrUnauthenticated)
	}
	return Identity{PlayerID: id, DisplayName: claims.DisplayName}, nil
}

// StaticVerifier maps opaque tokens to identities. Tests and local
// development use it to skip real token minting.
type StaticVerifier map[string]Identity

func (v StaticVerifier) Verify(token string) (Identity, error) {
	identity, ok := v[token]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", shared.ErrUnauthenticated)
	}
	return identity, nil
}

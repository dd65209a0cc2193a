package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lockgame/duelcore/src/domain/shared"
	"github.com/lockgame/duelcore/src/infra/auth"
)

const secret = "test-secret"

func mintToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestJWTVerifier(t *testing.T) {
	verifier := auth.NewJWTVerifier(secret)

	t.Run("valid token", func(t *testing.T) {
		token := mintToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
			"sub":  "player-42",
			"name": "Neo",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		identity, err := verifier.Verify(token)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if identity.PlayerID != "player-42" || identity.DisplayName != "Neo" {
			t.Fatalf("identity = %+v", identity)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		if _, err := verifier.Verify(""); !errors.Is(err, shared.ErrUnauthenticated) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := mintToken(t, jwt.SigningMethodHS256, []byte("other-secret"), jwt.MapClaims{
			"sub": "player-42",
		})
		if _, err := verifier.Verify(token); !errors.Is(err, shared.ErrUnauthenticated) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token := mintToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
			"sub": "player-42",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		if _, err := verifier.Verify(token); !errors.Is(err, shared.ErrUnauthenticated) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("no subject", func(t *testing.T) {
		token := mintToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
			"name": "Neo",
		})
		if _, err := verifier.Verify(token); !errors.Is(err, shared.ErrUnauthenticated) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("algorithm pinned to HS256", func(t *testing.T) {
		// "none" and other algorithms must be rejected even if well formed.
		token := mintToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{
			"sub": "player-42",
		})
		if _, err := verifier.Verify(token); !errors.Is(err, shared.ErrUnauthenticated) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestStaticVerifier(t *testing.T) {
	verifier := auth.StaticVerifier{
		"tok-1": {PlayerID: "p1", DisplayName: "One"},
	}
	identity, err := verifier.Verify("tok-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.PlayerID != "p1" {
		t.Fatalf("identity = %+v", identity)
	}
	if _, err := verifier.Verify("tok-2"); !errors.Is(err, shared.ErrUnauthenticated) {
		t.Fatalf("got %v", err)
	}
}

package security

import (
	"fmt"
	"strings"
	"time"

	"ChatGateway/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options controls credential verification. Verification is purely local
// (HMAC signature check); the handshake never waits on the auth service.
type Options struct {
	Secret []byte // HMAC key, from env/KMS in production
	Alg    string // HS256/HS384/HS512 (default HS256)
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256"}
}

// Identity is the verified principal attached to a connection for its
// whole lifetime. Immutable after the handshake.
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Verify checks the bearer token and extracts the identity claims.
// Returns ErrConfiguration when no secret is configured (server fault,
// logged distinctly) and ErrUnauthenticated for every client-caused
// failure: absent, malformed, bad signature, expired.
func Verify(opts Options, token string) (Identity, error) {
	if len(opts.Secret) == 0 {
		return Identity{}, errs.ErrConfiguration.WrapMsg("verification secret missing")
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return Identity{}, errs.ErrConfiguration.WrapMsg("bad alg", "alg", opts.Alg)
	}
	if strings.TrimSpace(token) == "" {
		return Identity{}, errs.ErrUnauthenticated.WrapMsg("token required")
	}

	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only; reject alg-substitution tokens.
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return Identity{}, errs.ErrUnauthenticated.WrapMsg("parse token", "err", err)
	}
	if !parsed.Valid {
		return Identity{}, errs.ErrUnauthenticated.WrapMsg("invalid token")
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return Identity{}, errs.ErrUnauthenticated.WrapMsg("claims type mismatch")
	}

	id := Identity{
		UserID:   stringClaim(claims, "id"),
		Username: stringClaim(claims, "username"),
		Email:    stringClaim(claims, "email"),
	}
	if id.UserID == "" {
		// Some issuers put the user ID in the standard subject claim.
		id.UserID = stringClaim(claims, "sub")
	}
	if id.UserID == "" {
		return Identity{}, errs.ErrUnauthenticated.WrapMsg("token has no user id")
	}
	return id, nil
}

// Generate signs a token carrying the identity claims. Used by tests and
// local tooling; production tokens come from the auth service.
func Generate(opts Options, id Identity, ttl time.Duration) (string, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"id":       id.UserID,
		"username": id.Username,
		"email":    id.Email,
		"iat":      now.Unix(),
		"nbf":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
}

func stringClaim(claims jwtlib.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}

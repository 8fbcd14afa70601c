package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	usernameClaim = "username"
	defaultTTL    = time.Hour
)

// Options controls the HMAC algorithm and token lifetime.
type Options struct {
	Secret []byte        // HMAC key
	Alg    string        // HS256/HS384/HS512, default HS256
	TTL    time.Duration // issued token lifetime, default 1h
	Leeway time.Duration // clock skew tolerated on exp/nbf
}

// DefaultOptions returns HS256 with a one hour lifetime.
func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: defaultTTL}
}

// JWTVerifier validates HMAC-signed JWTs. The identity is the "username"
// claim, falling back to "sub".
type JWTVerifier struct {
	opts   Options
	parser *jwtlib.Parser
}

// NewJWTVerifier builds a verifier that only accepts the configured algorithm.
func NewJWTVerifier(opts Options) (*JWTVerifier, error) {
	if len(opts.Secret) == 0 {
		return nil, ErrNoSecret
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(opts.Leeway),
	)
	return &JWTVerifier{opts: opts, parser: parser}, nil
}

// Verify parses and validates token. Every failure wraps ErrTokenInvalid.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims := jwtlib.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return "", ErrTokenInvalid
	}

	name := claimString(claims, usernameClaim)
	if name == "" {
		name = claimString(claims, "sub")
	}
	if name == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrTokenInvalid)
	}
	return Identity(name), nil
}

// Issuer signs tokens the JWTVerifier accepts.
type Issuer struct {
	opts   Options
	method jwtlib.SigningMethod
	now    func() time.Time
}

// NewIssuer builds an issuer for opts.
func NewIssuer(opts Options) (*Issuer, error) {
	if len(opts.Secret) == 0 {
		return nil, ErrNoSecret
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Issuer{opts: opts, method: method, now: time.Now}, nil
}

// Issue returns a signed token for username and its expiry.
func (i *Issuer) Issue(username string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.opts.TTL)

	claims := jwtlib.MapClaims{
		usernameClaim: username,
		"sub":         username,
		"iat":         now.Unix(),
		"nbf":         now.Unix(),
		"exp":         exp.Unix(),
	}
	signed, err := jwtlib.NewWithClaims(i.method, claims).SignedString(i.opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
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

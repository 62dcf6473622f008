package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/config"
)

var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("token is invalid")
)

// Verifier turns a bearer credential into a verified subject id. It also
// issues tokens for the seed and simulate tools.
type Verifier struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

func NewVerifier(cfg config.AuthConfig, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.Real()
	}
	return &Verifier{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, clock: clk}
}

func (v *Verifier) Issue(subject uuid.UUID, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    v.issuer,
		Subject:   subject.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (v *Verifier) Verify(token string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrTokenExpired
		}
		return uuid.Nil, ErrTokenInvalid
	}
	subject, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}
	return subject, nil
}

type ctxKey struct{}

func WithSubject(ctx context.Context, subject uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, subject)
}

// SubjectFrom returns the verified subject stored by the middleware.
func SubjectFrom(ctx context.Context) (uuid.UUID, bool) {
	s, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return s, ok
}

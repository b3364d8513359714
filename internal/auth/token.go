package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// KeySource yields the signing secret and algorithm name (e.g. "HS256").
// It is called on every Issue and Validate.
type KeySource func() (secret, alg string)

// StaticKeys returns a KeySource with fixed values.
func StaticKeys(secret, alg string) KeySource {
	return func() (string, string) { return secret, alg }
}

// TokenService issues and validates stateless HMAC-signed access tokens.
type TokenService struct {
	keys KeySource
	now  func() time.Time
	log  *zap.Logger
}

// TokenOption customizes a TokenService.
type TokenOption func(*TokenService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenLogger sets where rejected tokens are reported.
func WithTokenLogger(l *zap.Logger) TokenOption {
	return func(s *TokenService) {
		if l != nil {
			s.log = l
		}
	}
}

func NewTokenService(keys KeySource, opts ...TokenOption) *TokenService {
	s := &TokenService{
		keys: keys,
		now:  time.Now,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenService) method() (jwt.SigningMethod, []byte, error) {
	secret, alg := s.keys()
	if secret == "" {
		return nil, nil, errors.New("signing secret is empty")
	}
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	return method, []byte(secret), nil
}

// Issue signs a token for subject expiring ttl from now.
func (s *TokenService) Issue(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	method, secret, err := s.method()
	if err != nil {
		return "", err
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(method, claims).SignedString(secret)
}

// Validate returns the token's subject. Checks run in order: signature,
// non-empty subject, expiry. A token is still valid at the exact instant
// it expires. Every failure is ErrUnauthorized; the cause is only logged.
func (s *TokenService) Validate(tokenString string) (string, error) {
	subject, err := s.validate(tokenString)
	if err != nil {
		s.log.Debug("token rejected", zap.Error(err))
		return "", ErrUnauthorized
	}
	return subject, nil
}

func (s *TokenService) validate(tokenString string) (string, error) {
	method, secret, err := s.method()
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{method.Alg()}),
		// Time claims are checked below with the service clock.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("missing subject")
	}
	if claims.ExpiresAt == nil {
		return "", errors.New("missing expiry")
	}
	if claims.ExpiresAt.Time.Before(s.now()) {
		return "", errors.New("token expired")
	}
	return claims.Subject, nil
}

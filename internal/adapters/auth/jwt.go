// Package auth validates HS256 bearer credentials into principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var ErrNoSecret = errors.New("auth secret not configured")

type Config struct {
	Secret   string
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Claims is the credential payload; sub carries the user id.
type Claims struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

type JWT struct {
	cfg    Config
	parser *jwt.Parser
}

func NewJWT(cfg Config) (*JWT, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWT{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Authenticate accepts a raw token or an "Bearer <token>" header value.
func (a *JWT) Authenticate(_ context.Context, token string) (domain.Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer"))
	if token == "" {
		return domain.Principal{}, domain.ErrNotAuthenticated
	}
	var claims Claims
	if _, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	}); err != nil {
		log.Debug().Err(err).Str("module", "auth").Msg("rejected credential")
		return domain.Principal{}, fmt.Errorf("invalid credential: %w", domain.ErrNotAuthenticated)
	}

	name := claims.DisplayName
	if name == "" {
		name = strings.Split(claims.Email, "@")[0]
	}
	if name == "" {
		name = claims.Subject
	}
	p, err := domain.NewPrincipal(domain.UserID(claims.Subject), claims.Email, name)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%v: %w", err, domain.ErrNotAuthenticated)
	}
	p.Avatar = claims.Avatar
	return p, nil
}

// Issue signs a credential for p valid for ttl.
func (a *JWT) Issue(p domain.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(p.UserID),
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

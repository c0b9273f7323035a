package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Method is how a user signed in.
type Method string

const (
	MethodWallet Method = "wallet"
	MethodWeb2   Method = "web2"
)

// CookieName carries the session token for browser clients.
const CookieName = "neurogrid_session"

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidMethod = errors.New("auth method must be 'wallet' or 'web2'")
	ErrMissingWallet = errors.New("wallet address is required for wallet sessions")
)

type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

type Claims struct {
	Method Method `json:"auth_method"`
	Wallet string `json:"wallet,omitempty"`
	jwt.RegisteredClaims
}

func NewService(jwtSecret string, ttl time.Duration) *Service {
	return &Service{jwtSecret: []byte(jwtSecret), ttl: ttl, now: time.Now}
}

// ParseMethod validates a client-supplied auth method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodWallet, MethodWeb2:
		return m, nil
	}
	return "", ErrInvalidMethod
}

// Issue signs a session token. Wallet sessions must name the wallet.
func (s *Service) Issue(method Method, wallet string) (string, *Claims, error) {
	if method != MethodWallet && method != MethodWeb2 {
		return "", nil, ErrInvalidMethod
	}
	wallet = strings.TrimSpace(wallet)
	if method == MethodWallet && wallet == "" {
		return "", nil, ErrMissingWallet
	}

	now := s.now()
	claims := &Claims{
		Method: method,
		Wallet: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   wallet,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := ParseMethod(string(claims.Method)); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TTL is the lifetime of issued tokens.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

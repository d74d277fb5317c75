package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

var ErrInvalidToken = errors.New("invalid token")

type Service struct {
	config *config.AuthConfig
	log    *zap.Logger
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(config *config.AuthConfig, log *zap.Logger) *Service {
	return &Service{
		config: config,
		log:    log,
	}
}

// Enabled reports whether a signing secret is configured.
func (s *Service) Enabled() bool {
	return s.config.JWTSecret != ""
}

// GenerateToken signs a token for username with the configured secret. It
// issues credentials for callers of the API; the service itself only
// validates them.
func (s *Service) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.config.TokenExpiration > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.config.TokenExpiration))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.JWTSecret))
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

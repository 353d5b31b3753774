package services

import (
	"context"
	"errors"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnknownUser  = errors.New("token does not name an identity")
)

// AuthService verifies relay credentials. Tokens are issued by the chat
// backend with the shared secret; GenerateToken exists for service callers
// and tests.
type AuthService interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
	ValidateToken(tokenString string) (*Claims, error)
	GenerateToken(identity domain.Identity, ttl time.Duration) (string, error)
}

type Claims struct {
	UserID domain.IdentityID `json:"user_id"`
	Name   string            `json:"name,omitempty"`
	Role   domain.Role       `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	issuer    string
	now       func() time.Time
}

// NewAuthService creates an HMAC-signed JWT service for the given issuer.
func NewAuthService(jwtSecret, issuer string) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		now:       time.Now,
	}
}

// GenerateToken signs a token for identity that expires after ttl.
func (s *authService) GenerateToken(identity domain.Identity, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: identity.ID,
		Name:   identity.DisplayName,
		Role:   identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.ID),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken parses and verifies a token string.
func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = domain.IdentityID(claims.Subject)
	}
	return claims, nil
}

// Verify resolves a token to the identity the connection acts as.
func (s *authService) Verify(ctx context.Context, token string) (domain.Identity, error) {
	claims, err := s.ValidateToken(token)
	if err != nil {
		return domain.Identity{}, err
	}
	if err := validation.ValidateID(string(claims.UserID), "user_id"); err != nil {
		return domain.Identity{}, ErrUnknownUser
	}
	if err := validation.ValidateDisplayName(claims.Name); err != nil {
		return domain.Identity{}, ErrInvalidToken
	}

	role := claims.Role
	switch role {
	case domain.RoleUser, domain.RoleAdmin, domain.RoleService:
	default:
		role = domain.RoleUser
	}
	name := claims.Name
	if name == "" {
		name = string(claims.UserID)
	}
	return domain.Identity{ID: claims.UserID, DisplayName: name, Role: role}, nil
}

// Package auth decodes the admin UI session tokens and verifies signed approval requests.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/liana/backend/internal/domain/identity"
)

// DefaultTokenExpiration is the lifetime of a session token issued by GenerateToken
const DefaultTokenExpiration = 14 * 24 * time.Hour

// Common errors
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
	ErrInvalidClaims      = errors.New("invalid token claims")
	ErrTokenNotYetValid   = errors.New("token is not yet valid")
	ErrMissingUserID      = errors.New("missing id in claims")
	ErrMissingRenderingID = errors.New("missing renderingId in claims")
	ErrInvalidSignature   = errors.New("invalid signed approval request")
)

// Claims are the claims of an admin UI session token
type Claims struct {
	jwt.RegisteredClaims
	UserID          flexibleInt       `json:"id"`
	Email           string            `json:"email"`
	FirstName       string            `json:"firstName"`
	LastName        string            `json:"lastName"`
	Team            string            `json:"team"`
	RenderingID     flexibleInt       `json:"renderingId"`
	RoleID          flexibleInt       `json:"roleId,omitempty"`
	PermissionLevel string            `json:"permissionLevel"`
	Tags            map[string]string `json:"tags,omitempty"`
	Timezone        string            `json:"timezone,omitempty"`
}

// User returns the user the token was issued to
func (c *Claims) User() identity.User {
	return identity.User{
		ID:              int64(c.UserID),
		Email:           c.Email,
		FirstName:       c.FirstName,
		LastName:        c.LastName,
		Team:            c.Team,
		RenderingID:     int64(c.RenderingID),
		RoleID:          int64(c.RoleID),
		PermissionLevel: identity.PermissionLevel(c.PermissionLevel),
		Tags:            c.Tags,
		Timezone:        c.Timezone,
	}
}

// flexibleInt decodes ids sent either as numbers or as numeric strings
type flexibleInt int64

func (n *flexibleInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", s, err)
		}
		*n = flexibleInt(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = flexibleInt(v)
	return nil
}

// TokenService handles session token operations. Tokens are HS256 signed with the auth secret.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService creates a token service
func NewTokenService(authSecret string, expiration time.Duration) *TokenService {
	if expiration <= 0 {
		expiration = DefaultTokenExpiration
	}
	return &TokenService{
		secret:     []byte(authSecret),
		expiration: expiration,
		issuer:     "liana",
	}
}

// GenerateToken issues a session token for user
func (s *TokenService) GenerateToken(user identity.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.expiration)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Subject:   user.IDString(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID:          flexibleInt(user.ID),
		Email:           user.Email,
		FirstName:       user.FirstName,
		LastName:        user.LastName,
		Team:            user.Team,
		RenderingID:     flexibleInt(user.RenderingID),
		RoleID:          flexibleInt(user.RoleID),
		PermissionLevel: string(user.PermissionLevel),
		Tags:            user.Tags,
		Timezone:        user.Timezone,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateToken validates a session token and returns its claims
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenNotYetValid
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}

	if claims.UserID == 0 {
		return nil, ErrMissingUserID
	}
	if claims.RenderingID == 0 {
		return nil, ErrMissingRenderingID
	}

	return claims, nil
}

// GetRemainingTTL returns the remaining time until the token expires
func (c *Claims) GetRemainingTTL() time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	remaining := time.Until(c.ExpiresAt.Time)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SignedRequestVerifier verifies approval requests signed by the control plane with
// the environment secret. The JWT claims are the request body itself.
type SignedRequestVerifier struct {
	secret []byte
}

// NewSignedRequestVerifier creates a verifier for envSecret
func NewSignedRequestVerifier(envSecret string) *SignedRequestVerifier {
	return &SignedRequestVerifier{secret: []byte(envSecret)}
}

// Verify checks the signature and returns the signed body as JSON
func (v *SignedRequestVerifier) Verify(signed string) ([]byte, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return v.secret, nil
	}, jwt.WithJSONNumber())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// registered claims are not part of the request body
	for _, key := range []string{"iat", "exp", "nbf"} {
		delete(claims, key)
	}
	payload, err := json.Marshal(map[string]any(claims))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return payload, nil
}

// Sign signs a request body the way the control plane does
func (v *SignedRequestVerifier) Sign(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return "", fmt.Errorf("signed body must be a JSON object: %w", err)
	}
	claims["iat"] = time.Now().Unix()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

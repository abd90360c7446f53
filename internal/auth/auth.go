package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is an authenticated requester and the role ids it holds.
type Identity struct {
	Subject string
	Roles   []string
}

// Claims is the JWT payload carried by requesters of the command surface.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Signer issues and validates HS256 identity tokens.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. An empty secret is rejected.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign issues a token for subject holding roles, valid for ttl.
func (s *Signer) Sign(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates tokenStr and returns the identity it carries.
func (s *Signer) Parse(tokenStr string) (Identity, error) {
	t, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: c.Subject, Roles: c.Roles}, nil
}

// Authorizer decides whether an identity may create events or change the policy.
type Authorizer struct {
	allowed map[string]string // role id -> role name
}

// NewAuthorizer builds an Authorizer from a role name -> role id map.
func NewAuthorizer(roles map[string]string) *Authorizer {
	allowed := make(map[string]string, len(roles))
	for name, id := range roles {
		allowed[id] = name
	}
	return &Authorizer{allowed: allowed}
}

// Allowed reports whether id holds at least one authorized role.
func (a *Authorizer) Allowed(id Identity) bool {
	for _, r := range id.Roles {
		if _, ok := a.allowed[r]; ok {
			return true
		}
	}
	return false
}

// RoleNames returns the configured role names, for logging.
func (a *Authorizer) RoleNames() string {
	names := make([]string, 0, len(a.allowed))
	for _, n := range a.allowed {
		names = append(names, n)
	}
	return strings.Join(names, ",")
}

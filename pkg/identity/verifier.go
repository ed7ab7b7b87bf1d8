// Package identity verifies bearer tokens issued by the external identity
// provider. Users are never authenticated locally.
package identity

import (
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const RoleAdmin = "admin"

var ErrInvalidToken = errors.New("identity: invalid or expired token")

// Claims are the fields the provider puts in its access tokens
type Claims struct {
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret     []byte
	issuer     string
	adminEmail string
}

func NewVerifier(secret, issuer, adminEmail string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("identity: jwt secret must be provided")
	}
	return &Verifier{
		secret:     []byte(secret),
		issuer:     issuer,
		adminEmail: strings.ToLower(adminEmail),
	}, nil
}

func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, errors.Wrap(ErrInvalidToken, errMessage(err))
	}
	if claims.Subject == "" {
		return nil, errors.Wrap(ErrInvalidToken, "subject missing")
	}
	claims.Email = strings.ToLower(claims.Email)
	return claims, nil
}

// IsAdmin grants admin by role, or by the configured admin email
func (v *Verifier) IsAdmin(c *Claims) bool {
	if c == nil {
		return false
	}
	if slices.Contains(c.Roles, RoleAdmin) {
		return true
	}
	return v.adminEmail != "" && c.Email == v.adminEmail
}

// Issue signs a token with the verifier's secret. The provider does this in
// production; it exists for local tooling and tests.
func (v *Verifier) Issue(subject, email, name string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Name:  name,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func errMessage(err error) string {
	if err == nil {
		return "token not valid"
	}
	return err.Error()
}

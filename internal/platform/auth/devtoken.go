package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v4"
)

// DevTokenVerifier accepts HS256 tokens signed with a shared secret. Local development only.
type DevTokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

var _ TokenVerifier = (*DevTokenVerifier)(nil)

// NewDevTokenVerifier constructs a verifier for the given secret.
func NewDevTokenVerifier(secret string) (*DevTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: dev token secret is required")
	}
	return &DevTokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// VerifyIDToken validates signature and expiry and maps the claims onto a Firebase token.
func (v *DevTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(idToken, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		var validationErr *jwt.ValidationError
		if errors.As(err, &validationErr) && validationErr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	token := &firebaseauth.Token{
		UID:     subject,
		Subject: subject,
		Claims:  map[string]interface{}(claims),
	}
	if issuer, ok := claims["iss"].(string); ok {
		token.Issuer = issuer
	}
	if exp, ok := claims["exp"].(float64); ok {
		token.Expires = int64(exp)
	}
	if iat, ok := claims["iat"].(float64); ok {
		token.IssuedAt = int64(iat)
	}
	return token, nil
}

// SignDevToken issues an HS256 token for uid with the given roles. Used by tests and local tooling.
func SignDevToken(secret, uid, email string, expiresAt int64, roles ...string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  uid,
		"exp":  expiresAt,
		"role": roles,
	}
	if email != "" {
		claims["email"] = email
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

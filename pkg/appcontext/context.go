// Package appcontext carries the signed-in teacher's access token through
// request contexts.

package appcontext

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// String returns the string representation of the context key.
func (c contextKey) String() string {
	return string(c)
}

// ContextJWTToken represents the context key for JWT token.
var (
	ContextJWTToken = contextKey("jwtToken")
)

var ErrNoSubject = errors.New("appcontext: token has no subject")

// WithJWTToken returns a new context with the provided JWT token.
func WithJWTToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ContextJWTToken, token)
}

// GetJWTToken retrieves the JWT token from the context.
func GetJWTToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(ContextJWTToken).(string)
	return token, ok && token != ""
}

// TeacherIDFromToken returns the "sub" claim of an access token. The
// signature is not checked: the token was issued to us by the remote service,
// which verifies it on every call.
func TeacherIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read subject: %w", err)
	}
	if sub == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}

// TeacherID extracts the teacher id from the token carried by ctx.
func TeacherID(ctx context.Context) (string, error) {
	token, ok := GetJWTToken(ctx)
	if !ok {
		return "", ErrNoSubject
	}
	return TeacherIDFromToken(token)
}

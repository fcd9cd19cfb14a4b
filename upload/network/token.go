package network

import (
	"context"
)

// TokenSource hands out the bearer credential of the current session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token ...
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", &AuthorizationError{Op: "get token", Message: "access token is empty"}
	}
	return string(t), nil
}

package filestore

import (
	"context"

	"github.com/pkg/errors"
)

// TokenSource issues upstream access credentials.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same bearer token.
type StaticToken string

func (t StaticToken) Token(_ context.Context) (string, error) {
	if t == "" {
		return "", errors.New("file store token is not configured")
	}
	return string(t), nil
}

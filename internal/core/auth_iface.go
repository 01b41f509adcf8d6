package core

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
)

// Authenticator validates a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Principal, error)
}

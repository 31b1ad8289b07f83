// Package identity abstracts the external identity provider. Two
// implementations exist: an HTTP client for a hosted GoTrue-compatible
// provider, and a local Postgres-backed provider for development and
// self-hosted installs.
package identity

import (
	"context"
	"errors"
	"time"
)

// User is the provider's view of an authenticated account.
type User struct {
	ID          string
	Email       string
	IsAnonymous bool
}

// Session is the token material the provider hands out on sign-in,
// sign-up, and code exchange.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// ErrNoIdentity means the provider answered and reported that the given
// token carries no authenticated identity. Transport and provider-side
// failures are returned as ordinary errors and must not be confused
// with this.
var ErrNoIdentity = errors.New("identity: no authenticated identity")

// ErrUnsupported is returned by operations a provider implementation
// cannot perform (the local provider has no OAuth flow).
var ErrUnsupported = errors.New("identity: operation not supported by provider")

type Provider interface {
	// GetUser resolves an access token to the identity it belongs to.
	// Returns ErrNoIdentity when the token is absent, invalid, or expired.
	GetUser(ctx context.Context, accessToken string) (User, error)

	SignUp(ctx context.Context, email, password string) (Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context, accessToken string) error

	// AuthorizeURL builds the OAuth redirect URL for the named upstream
	// provider; redirectTo is where the provider sends the browser back.
	AuthorizeURL(oauthProvider, redirectTo string) (string, error)
	ExchangeCode(ctx context.Context, code string) (Session, error)

	SendPasswordReset(ctx context.Context, email, redirectTo string) error
}

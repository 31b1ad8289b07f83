package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"oychat/api/internal/auth"
	"oychat/api/internal/store"
	"oychat/api/internal/util"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// UserStore is the storage the local provider needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, tokenHash string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, tokenHash string) error
}

// Mailer sends the reset mail; nil or unconfigured falls back to
// logging the token (dev installs without SMTP).
type Mailer interface {
	IsConfigured() bool
	SendPasswordReset(to, link string) error
}

// LocalProvider keeps accounts in Postgres and signs its own access
// tokens. It deliberately produces the same duplicate-registration and
// bad-credentials wordings as the hosted provider so the one mapping in
// errors.go covers both.
type LocalProvider struct {
	store     UserStore
	mailer    Mailer
	secret    []byte
	accessTTL time.Duration
	siteURL   string
}

func NewLocalProvider(userStore UserStore, mailer Mailer, secret string, accessTTL time.Duration, siteURL string) *LocalProvider {
	return &LocalProvider{
		store:     userStore,
		mailer:    mailer,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		siteURL:   siteURL,
	}
}

func (p *LocalProvider) GetUser(ctx context.Context, accessToken string) (User, error) {
	if accessToken == "" {
		return User{}, ErrNoIdentity
	}
	claims, err := auth.ParseToken(p.secret, accessToken)
	if err != nil {
		return User{}, ErrNoIdentity
	}
	user, err := p.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if ctx.Err() != nil {
			return User{}, ctx.Err()
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	return User{ID: user.ID, Email: user.Email, IsAnonymous: user.IsAnonymous}, nil
}

func (p *LocalProvider) SignUp(ctx context.Context, email, password string) (Session, error) {
	if _, err := p.store.GetUserByEmail(ctx, email); err == nil {
		return Session{}, &Error{Status: 422, Message: "User already registered"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := p.store.CreateUser(ctx, user); err != nil {
		return Session{}, fmt.Errorf("create user: %w", err)
	}

	return p.issueSession(user)
}

func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) (Session, error) {
	user, err := p.store.GetUserByEmail(ctx, email)
	if err != nil {
		return Session{}, &Error{Status: 400, Message: "Invalid login credentials"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, &Error{Status: 400, Message: "Invalid login credentials"}
	}
	return p.issueSession(user)
}

// SignOut is a no-op for the local provider: its access tokens are
// short-lived and stateless, there is no server-side session to revoke.
func (p *LocalProvider) SignOut(ctx context.Context, accessToken string) error {
	return nil
}

func (p *LocalProvider) AuthorizeURL(oauthProvider, redirectTo string) (string, error) {
	return "", ErrUnsupported
}

func (p *LocalProvider) ExchangeCode(ctx context.Context, code string) (Session, error) {
	return Session{}, ErrUnsupported
}

func (p *LocalProvider) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	user, err := p.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Unknown email is not an error: the caller always reports
		// acceptance so account existence never leaks.
		return nil
	}

	token := util.NewToken()
	expiresAt := time.Now().Add(1 * time.Hour)
	if err := p.store.CreatePasswordReset(ctx, user.ID, auth.HashToken(token), expiresAt); err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}

	link := p.siteURL + "/reset-password?token=" + token
	if redirectTo != "" {
		link = redirectTo + "?token=" + token
	}
	if p.mailer != nil && p.mailer.IsConfigured() {
		if err := p.mailer.SendPasswordReset(user.Email, link); err != nil {
			return fmt.Errorf("send reset mail: %w", err)
		}
		return nil
	}
	log.Printf("identity: SMTP not configured, reset token for %s: %s", user.Email, token)
	return nil
}

// ResetPassword completes a local reset. The hosted provider runs this
// flow on its own pages, so it is not part of the Provider interface.
func (p *LocalProvider) ResetPassword(ctx context.Context, token, newPassword string) error {
	userID, err := p.store.GetPasswordReset(ctx, auth.HashToken(token))
	if err != nil {
		return errors.New("invalid or expired reset token")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := p.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := p.store.MarkPasswordResetUsed(ctx, auth.HashToken(token)); err != nil {
		log.Printf("identity: mark reset used: %v", err)
	}
	return nil
}

func (p *LocalProvider) issueSession(user store.User) (Session, error) {
	expiresAt := time.Now().Add(p.accessTTL)
	token, err := auth.IssueToken(p.secret, auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		JTI:   util.NewID("jti"),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		User:        User{ID: user.ID, Email: user.Email, IsAnonymous: user.IsAnonymous},
	}, nil
}

// PasswordResetter is the optional completion half of the reset flow.
type PasswordResetter interface {
	ResetPassword(ctx context.Context, token, newPassword string) error
}

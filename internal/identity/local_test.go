package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"oychat/api/internal/store"
)

// mockUserStore is an in-memory UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
	resets     map[string]string // token hash -> userID
	resetsUsed map[string]bool
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
		resets:     make(map[string]string),
		resetsUsed: make(map[string]bool),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
		return nil
	}
	return errors.New("user not found")
}

func (m *mockUserStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	m.resets[tokenHash] = userID
	return nil
}

func (m *mockUserStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	if m.resetsUsed[tokenHash] {
		return "", errors.New("reset used")
	}
	if userID, ok := m.resets[tokenHash]; ok {
		return userID, nil
	}
	return "", errors.New("reset not found")
}

func (m *mockUserStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	m.resetsUsed[tokenHash] = true
	return nil
}

func newTestProvider(userStore UserStore) *LocalProvider {
	return NewLocalProvider(userStore, nil, "test-secret", time.Hour, "http://localhost:3000")
}

func TestLocalSignUpAndSignIn(t *testing.T) {
	mock := newMockUserStore()
	provider := newTestProvider(mock)
	ctx := context.Background()

	session, err := provider.SignUp(ctx, "avery@example.com", "hunter2222")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if session.AccessToken == "" {
		t.Fatal("expected access token")
	}
	if session.User.Email != "avery@example.com" {
		t.Fatalf("unexpected user: %+v", session.User)
	}

	signIn, err := provider.SignInWithPassword(ctx, "avery@example.com", "hunter2222")
	if err != nil {
		t.Fatalf("SignInWithPassword failed: %v", err)
	}
	if signIn.User.ID != session.User.ID {
		t.Fatalf("expected same user, got %s and %s", signIn.User.ID, session.User.ID)
	}
}

func TestLocalSignUpDuplicateMatchesAccountExistsMapping(t *testing.T) {
	mock := newMockUserStore()
	provider := newTestProvider(mock)
	ctx := context.Background()

	if _, err := provider.SignUp(ctx, "avery@example.com", "hunter2222"); err != nil {
		t.Fatalf("first SignUp failed: %v", err)
	}
	_, err := provider.SignUp(ctx, "avery@example.com", "other-password")
	if err == nil {
		t.Fatal("expected duplicate sign-up to fail")
	}
	if !IsAccountExists(err) {
		t.Fatalf("expected account-exists classification, got: %v", err)
	}
}

func TestLocalSignInWrongPassword(t *testing.T) {
	mock := newMockUserStore()
	provider := newTestProvider(mock)
	ctx := context.Background()

	if _, err := provider.SignUp(ctx, "avery@example.com", "hunter2222"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	_, err := provider.SignInWithPassword(ctx, "avery@example.com", "wrong")
	if err == nil {
		t.Fatal("expected sign-in to fail")
	}
	if !IsInvalidCredentials(err) {
		t.Fatalf("expected invalid-credentials classification, got: %v", err)
	}
}

func TestLocalGetUserRoundTrip(t *testing.T) {
	mock := newMockUserStore()
	provider := newTestProvider(mock)
	ctx := context.Background()

	session, err := provider.SignUp(ctx, "avery@example.com", "hunter2222")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	user, err := provider.GetUser(ctx, session.AccessToken)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ID != session.User.ID || user.Email != "avery@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestLocalGetUserBadToken(t *testing.T) {
	provider := newTestProvider(newMockUserStore())
	_, err := provider.GetUser(context.Background(), "garbage")
	if !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got: %v", err)
	}
}

func TestLocalPasswordResetFlowNeverLeaksExistence(t *testing.T) {
	mock := newMockUserStore()
	provider := newTestProvider(mock)
	ctx := context.Background()

	// Unknown email must not error.
	if err := provider.SendPasswordReset(ctx, "nobody@example.com", ""); err != nil {
		t.Fatalf("SendPasswordReset for unknown email failed: %v", err)
	}
	if len(mock.resets) != 0 {
		t.Fatal("expected no reset token for unknown email")
	}

	if _, err := provider.SignUp(ctx, "avery@example.com", "hunter2222"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if err := provider.SendPasswordReset(ctx, "avery@example.com", ""); err != nil {
		t.Fatalf("SendPasswordReset failed: %v", err)
	}
	if len(mock.resets) != 1 {
		t.Fatalf("expected one reset token, got %d", len(mock.resets))
	}
}

func TestLocalOAuthUnsupported(t *testing.T) {
	provider := newTestProvider(newMockUserStore())
	if _, err := provider.AuthorizeURL("github", ""); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got: %v", err)
	}
	if _, err := provider.ExchangeCode(context.Background(), "code"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got: %v", err)
	}
}

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoTrueGetUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/user", r.URL.Path)
		require.Equal(t, "anon-key", r.Header.Get("apikey"))
		require.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "user-1",
			"email":        "avery@example.com",
			"is_anonymous": false,
		})
	}))
	defer server.Close()

	client := NewGoTrueClient(server.URL, "anon-key")
	user, err := client.GetUser(context.Background(), "user-token")
	require.NoError(t, err)
	require.Equal(t, "user-1", user.ID)
	require.Equal(t, "avery@example.com", user.Email)
	require.False(t, user.IsAnonymous)
}

func TestGoTrueGetUserUnauthorizedIsNoIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "invalid JWT"})
	}))
	defer server.Close()

	client := NewGoTrueClient(server.URL, "anon-key")
	_, err := client.GetUser(context.Background(), "stale-token")
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestGoTrueGetUserEmptyTokenSkipsNetwork(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewGoTrueClient(server.URL, "anon-key")
	_, err := client.GetUser(context.Background(), "")
	require.ErrorIs(t, err, ErrNoIdentity)
	require.False(t, called)
}

func TestGoTrueSignInWithPassword(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		require.Equal(t, "password", r.URL.Query().Get("grant_type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "avery@example.com", body["email"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"user":          map[string]any{"id": "user-1", "email": "avery@example.com"},
		})
	}))
	defer server.Close()

	client := NewGoTrueClient(server.URL, "anon-key")
	session, err := client.SignInWithPassword(context.Background(), "avery@example.com", "hunter22")
	require.NoError(t, err)
	require.Equal(t, "at-1", session.AccessToken)
	require.Equal(t, "rt-1", session.RefreshToken)
	require.Equal(t, "user-1", session.User.ID)
}

func TestGoTrueSignUpDuplicateSurfacesProviderMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "User already registered"})
	}))
	defer server.Close()

	client := NewGoTrueClient(server.URL, "anon-key")
	_, err := client.SignUp(context.Background(), "avery@example.com", "hunter22")
	require.Error(t, err)
	var providerErr *Error
	require.True(t, errors.As(err, &providerErr))
	require.Equal(t, http.StatusUnprocessableEntity, providerErr.Status)
	require.True(t, IsAccountExists(err))
}

func TestGoTrueAuthorizeURL(t *testing.T) {
	client := NewGoTrueClient("https://auth.example.com/auth/v1", "anon-key")
	redirect, err := client.AuthorizeURL("github", "https://app.example.com/auth/callback")
	require.NoError(t, err)
	require.Contains(t, redirect, "https://auth.example.com/auth/v1/authorize?")
	require.Contains(t, redirect, "provider=github")
	require.Contains(t, redirect, "redirect_to=https%3A%2F%2Fapp.example.com%2Fauth%2Fcallback")
}

func TestGoTrueExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "pkce", r.URL.Query().Get("grant_type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "code-123", body["auth_code"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-2",
			"expires_in":   3600,
			"user":         map[string]any{"id": "user-2", "email": "sam@example.com"},
		})
	}))
	defer server.Close()

	client := NewGoTrueClient(server.URL, "anon-key")
	session, err := client.ExchangeCode(context.Background(), "code-123")
	require.NoError(t, err)
	require.Equal(t, "at-2", session.AccessToken)
	require.Equal(t, "user-2", session.User.ID)
}

func TestGoTrueCancelledContextPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewGoTrueClient(server.URL, "anon-key")
	_, err := client.GetUser(ctx, "user-token")
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GoTrueClient talks to a GoTrue-compatible identity endpoint (the auth
// service Supabase and friends expose). The public API key goes in the
// apikey header on every call; user access tokens ride in Authorization.
type GoTrueClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewGoTrueClient(baseURL, apiKey string) *GoTrueClient {
	return &GoTrueClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type gotrueUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	IsAnonymous bool   `json:"is_anonymous"`
}

type gotrueSession struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresIn    int64      `json:"expires_in"`
	User         gotrueUser `json:"user"`
}

// gotrueError covers the error body shapes GoTrue has used across
// versions; only one field is populated per response.
type gotrueError struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
	Code             string `json:"error_code"`
}

func (e gotrueError) text() string {
	for _, candidate := range []string{e.Msg, e.Message, e.ErrorDescription, e.Code} {
		if candidate != "" {
			return candidate
		}
	}
	return "unknown provider error"
}

func (c *GoTrueClient) GetUser(ctx context.Context, accessToken string) (User, error) {
	if accessToken == "" {
		return User{}, ErrNoIdentity
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user", nil)
	if err != nil {
		return User{}, fmt.Errorf("build user request: %w", err)
	}
	c.setHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("fetch user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return User{}, ErrNoIdentity
	}
	if resp.StatusCode != http.StatusOK {
		return User{}, c.statusError(resp)
	}

	var user gotrueUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return User{}, ErrNoIdentity
	}
	return User{ID: user.ID, Email: user.Email, IsAnonymous: user.IsAnonymous}, nil
}

func (c *GoTrueClient) SignUp(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{"email": email, "password": password}
	var session gotrueSession
	if err := c.post(ctx, "/signup", "", body, &session); err != nil {
		return Session{}, err
	}
	return c.toSession(session), nil
}

func (c *GoTrueClient) SignInWithPassword(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{"email": email, "password": password}
	var session gotrueSession
	if err := c.post(ctx, "/token?grant_type=password", "", body, &session); err != nil {
		return Session{}, err
	}
	return c.toSession(session), nil
}

func (c *GoTrueClient) SignOut(ctx context.Context, accessToken string) error {
	return c.post(ctx, "/logout", accessToken, map[string]string{}, nil)
}

func (c *GoTrueClient) AuthorizeURL(oauthProvider, redirectTo string) (string, error) {
	if oauthProvider == "" {
		return "", fmt.Errorf("identity: oauth provider name required")
	}
	query := url.Values{}
	query.Set("provider", oauthProvider)
	if redirectTo != "" {
		query.Set("redirect_to", redirectTo)
	}
	return c.baseURL + "/authorize?" + query.Encode(), nil
}

func (c *GoTrueClient) ExchangeCode(ctx context.Context, code string) (Session, error) {
	body := map[string]string{"auth_code": code}
	var session gotrueSession
	if err := c.post(ctx, "/token?grant_type=pkce", "", body, &session); err != nil {
		return Session{}, err
	}
	return c.toSession(session), nil
}

func (c *GoTrueClient) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	body := map[string]string{"email": email}
	path := "/recover"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return c.post(ctx, path, "", body, nil)
}

func (c *GoTrueClient) post(ctx context.Context, path, accessToken string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *GoTrueClient) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("apikey", c.apiKey)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *GoTrueClient) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var decoded gotrueError
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &decoded); err == nil {
		message = decoded.text()
	}
	return &Error{Status: resp.StatusCode, Message: message}
}

func (c *GoTrueClient) toSession(s gotrueSession) Session {
	return Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(s.ExpiresIn) * time.Second),
		User:         User{ID: s.User.ID, Email: s.User.Email, IsAnonymous: s.User.IsAnonymous},
	}
}

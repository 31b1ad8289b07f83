package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"oychat/api/internal/identity"
	"oychat/api/internal/store"
)

func TestChatRouteGuestQuotaExceeded(t *testing.T) {
	fu := &fakeUsage{
		currentFn: func(context.Context, string) (int, error) { return 20, nil },
	}
	svc := newTestService(&fakeStore{}, &fakeProvider{}, fu)
	server := NewHTTPServer(svc, "*")

	rr := postJSON(t, server, "/api/chat", `{"message":"hello"}`)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "quota_exceeded" {
		t.Errorf("error code = %v, want quota_exceeded", payload["code"])
	}
}

func TestChatRouteGuestAllowed(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeProvider{}, &fakeUsage{})
	server := NewHTTPServer(svc, "*")

	rr := postJSON(t, server, "/api/chat", `{"message":"hello"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["persisted"] != false {
		t.Errorf("guest turn persisted = %v", payload["persisted"])
	}
}

func TestChatRouteUsesGuestCookieForQuota(t *testing.T) {
	var seenKey string
	fu := &fakeUsage{
		currentFn: func(_ context.Context, key string) (int, error) {
			seenKey = key
			return 0, nil
		},
	}
	svc := newTestService(&fakeStore{}, &fakeProvider{}, fu)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`))
	req.AddCookie(&http.Cookie{Name: "guest_session", Value: "sess-42"})
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if seenKey != "guest:sess-42" {
		t.Errorf("usage key = %q, want guest:sess-42", seenKey)
	}
}

func TestChatRouteAnonymousProviderUserIsGuest(t *testing.T) {
	fp := &fakeProvider{
		getUserFn: func(context.Context, string) (identity.User, error) {
			return identity.User{ID: "anon-7", IsAnonymous: true}, nil
		},
	}
	inserted := false
	fs := &fakeStore{
		insertChatFn: func(context.Context, store.Chat) error {
			inserted = true
			return nil
		},
	}
	svc := newTestService(fs, fp, &fakeUsage{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer anon-token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if inserted {
		t.Error("anonymous users must be treated as guests, nothing persisted")
	}
}

func TestChatGetForeignChatIsNotFound(t *testing.T) {
	fs := &fakeStore{
		getChatFn: func(_ context.Context, chatID string) (store.Chat, error) {
			return store.Chat{ID: chatID, UserID: "someone-else", Title: "secret"}, nil
		},
	}
	svc := newTestService(fs, registeredProvider(), &fakeUsage{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/chat/chat-9", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "secret") {
		t.Error("foreign chat content must not leak")
	}
}

func TestChatGetOwnChat(t *testing.T) {
	fs := &fakeStore{
		getChatFn: func(_ context.Context, chatID string) (store.Chat, error) {
			return store.Chat{ID: chatID, UserID: "user-1", Title: "pagination notes"}, nil
		},
		listMessagesFn: func(context.Context, string) ([]store.Message, error) {
			return []store.Message{
				{ID: "m1", Role: "user", Content: "hi"},
				{ID: "m2", Role: "assistant", Content: "hello"},
			}, nil
		},
	}
	svc := newTestService(fs, registeredProvider(), &fakeUsage{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/chat/chat-1", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Title    string           `json:"title"`
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload.Title != "pagination notes" {
		t.Errorf("title = %q", payload.Title)
	}
	if len(payload.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(payload.Messages))
	}
}

func TestChatDeleteGuestUnauthorized(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeProvider{}, &fakeUsage{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodDelete, "/api/chat/chat-1", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestChatDeleteOwnerScoped(t *testing.T) {
	var gotChatID, gotUserID string
	fs := &fakeStore{
		deleteChatFn: func(_ context.Context, chatID, userID string) (bool, error) {
			gotChatID, gotUserID = chatID, userID
			return true, nil
		},
	}
	svc := newTestService(fs, registeredProvider(), &fakeUsage{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodDelete, "/api/chat/chat-5", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotChatID != "chat-5" || gotUserID != "user-1" {
		t.Errorf("delete scoped to chat=%q user=%q", gotChatID, gotUserID)
	}
}

func TestSearchRouteRequiresRegistered(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeProvider{}, &fakeUsage{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=pagination", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUploadRequiresRegistered(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeProvider{}, &fakeUsage{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", strings.NewReader("not-multipart"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

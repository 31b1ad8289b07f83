package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"oychat/api/internal/blob"
	"oychat/api/internal/config"
	"oychat/api/internal/entitlement"
	"oychat/api/internal/history"
	"oychat/api/internal/identity"
	"oychat/api/internal/llm"
	"oychat/api/internal/principal"
	"oychat/api/internal/search"
	"oychat/api/internal/store"
)

const minPasswordLength = 8

type dataStore interface {
	Ping(context.Context) error
	InsertChat(context.Context, store.Chat) error
	GetChat(context.Context, string) (store.Chat, error)
	ListChatsByUser(ctx context.Context, userID string, limit int, startingAfter, endingBefore string) (store.ChatListing, error)
	DeleteChatsByUser(context.Context, string) (int64, error)
	DeleteChat(ctx context.Context, chatID, userID string) (bool, error)
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string) ([]store.Message, error)
}

type usageCounter interface {
	Current(ctx context.Context, usageKey string) (int, error)
	Consume(ctx context.Context, usageKey string, costUnits int) (int, error)
	Ping(ctx context.Context) error
}

type llmChat interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

type Service struct {
	cfg          config.Config
	store        dataStore
	provider     identity.Provider
	resolver     *principal.Resolver
	entitlements *entitlement.Table
	usage        usageCounter
	history      *history.Service
	search       *search.Service
	blob         *blob.Store
	llm          llmChat
	resetter     identity.PasswordResetter
}

func New(cfg config.Config, st dataStore, provider identity.Provider, usage usageCounter, searchService *search.Service) *Service {
	return &Service{
		cfg:          cfg,
		store:        st,
		provider:     provider,
		resolver:     principal.NewResolver(provider),
		entitlements: entitlement.New(cfg.GuestQuota, cfg.RegisteredQuota),
		usage:        usage,
		history:      history.NewService(st),
		search:       searchService,
	}
}

// SetBlobStore enables attachment uploads.
func (s *Service) SetBlobStore(b *blob.Store) {
	s.blob = b
}

// SetLLM enables assistant replies.
func (s *Service) SetLLM(c llmChat) {
	s.llm = c
}

// SetPasswordResetter enables the reset-completion endpoint. Only the
// local provider exposes one; a hosted provider finishes resets on its
// own site.
func (s *Service) SetPasswordResetter(r identity.PasswordResetter) {
	s.resetter = r
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingUsage(ctx context.Context) error {
	return s.usage.Ping(ctx)
}

// Principal resolves the caller of the current request.
func (s *Service) Principal(ctx context.Context, accessToken, guestSessionID string, policy principal.Policy) (principal.Principal, error) {
	return s.resolver.Resolve(ctx, accessToken, guestSessionID, policy)
}

// ── History ──

func (s *Service) History(ctx context.Context, p principal.Principal, limit int, startingAfter, endingBefore string) (history.Page, error) {
	return s.history.Page(ctx, p, limit, startingAfter, endingBefore)
}

// DeleteHistory removes all of the principal's chats. Guests are
// unauthorized and backend failures surface; a delete is never reported
// successful unless it happened.
func (s *Service) DeleteHistory(ctx context.Context, p principal.Principal) (int64, error) {
	deleted, err := s.history.DeleteAll(ctx, p)
	if err != nil {
		if errors.Is(err, principal.ErrUnauthorized) {
			return 0, err
		}
		return 0, domainError(502, "provider_transient", "Could not delete history", nil)
	}
	return deleted, nil
}

// ── Chat ──

type ChatTurnInput struct {
	ChatID      string             `json:"chatId"`
	Message     string             `json:"message"`
	Attachments []store.Attachment `json:"attachments"`
}

type ChatTurnResult struct {
	ChatID    string `json:"chatId,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Remaining int    `json:"remaining"`
	Persisted bool   `json:"persisted"`
}

// ChatTurn runs one usage-gated message exchange. Guests chat within
// their quota but nothing is persisted for them; registered users get
// their chat auto-created on the first message.
func (s *Service) ChatTurn(ctx context.Context, p principal.Principal, input ChatTurnInput) (ChatTurnResult, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return ChatTurnResult{}, domainError(422, "invalid_input", "message is required", nil)
	}

	current, err := s.usage.Current(ctx, p.UsageKey())
	if err != nil {
		return ChatTurnResult{}, domainError(502, "provider_transient", "Usage tracking unavailable", nil)
	}
	decision := entitlement.Check(s.entitlements.ForClass(p.Class), current, 1)
	if !decision.Allowed {
		return ChatTurnResult{}, domainError(429, "quota_exceeded", "Daily message limit reached", map[string]any{"remaining": 0})
	}
	if _, err := s.usage.Consume(ctx, p.UsageKey(), 1); err != nil {
		return ChatTurnResult{}, domainError(502, "provider_transient", "Usage tracking unavailable", nil)
	}

	result := ChatTurnResult{Remaining: decision.Remaining}

	var chat store.Chat
	if p.Registered() {
		chat, err = s.resolveChat(ctx, p, input.ChatID, message)
		if err != nil {
			return ChatTurnResult{}, err
		}
		userMessage := store.Message{
			ID:          uuid.NewString(),
			ChatID:      chat.ID,
			Role:        "user",
			Content:     message,
			Attachments: input.Attachments,
		}
		if err := s.store.InsertMessage(ctx, userMessage); err != nil {
			return ChatTurnResult{}, fmt.Errorf("persist message: %w", err)
		}
		if s.search != nil {
			s.search.IndexMessage(search.MessageRecord{
				ID:      userMessage.ID,
				ChatID:  chat.ID,
				UserID:  *p.ID,
				Role:    "user",
				Content: message,
			})
		}
		result.ChatID = chat.ID
		result.Persisted = true
	}

	if s.llm != nil {
		reply, err := s.assistantReply(ctx, p, chat, message)
		if err != nil {
			return ChatTurnResult{}, domainError(502, "upstream_error", "Assistant is unavailable", nil)
		}
		result.Reply = reply

		if result.Persisted {
			assistantMessage := store.Message{
				ID:      uuid.NewString(),
				ChatID:  chat.ID,
				Role:    "assistant",
				Content: reply,
			}
			if err := s.store.InsertMessage(ctx, assistantMessage); err != nil {
				return ChatTurnResult{}, fmt.Errorf("persist reply: %w", err)
			}
			if s.search != nil {
				s.search.IndexMessage(search.MessageRecord{
					ID:      assistantMessage.ID,
					ChatID:  chat.ID,
					UserID:  *p.ID,
					Role:    "assistant",
					Content: reply,
				})
			}
		}
	}

	return result, nil
}

// resolveChat loads an existing chat after an ownership check, or
// creates one titled from the first message.
func (s *Service) resolveChat(ctx context.Context, p principal.Principal, chatID, firstMessage string) (store.Chat, error) {
	if chatID != "" {
		chat, err := s.store.GetChat(ctx, chatID)
		if err != nil || chat.UserID != *p.ID {
			return store.Chat{}, domainError(404, "not_found", "Chat not found", nil)
		}
		return chat, nil
	}

	chat := store.Chat{
		ID:         uuid.NewString(),
		UserID:     *p.ID,
		Title:      chatTitle(firstMessage),
		Visibility: "private",
	}
	if err := s.store.InsertChat(ctx, chat); err != nil {
		return store.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	if s.search != nil {
		s.search.IndexChat(search.ChatRecord{
			ID:         chat.ID,
			Title:      chat.Title,
			Visibility: chat.Visibility,
			UserID:     chat.UserID,
		})
	}
	return chat, nil
}

func chatTitle(message string) string {
	const maxTitle = 80
	title := strings.TrimSpace(message)
	if utf8.RuneCountInString(title) <= maxTitle {
		return title
	}
	runes := []rune(title)
	return string(runes[:maxTitle])
}

// assistantReply builds the conversation for the model. Registered
// users get their persisted chat as context; guests get the single
// turn.
func (s *Service) assistantReply(ctx context.Context, p principal.Principal, chat store.Chat, message string) (string, error) {
	conversation := []llm.Message{
		{Role: "system", Content: "You are a helpful assistant. Keep responses concise."},
	}
	if p.Registered() && chat.ID != "" {
		messages, err := s.store.ListMessages(ctx, chat.ID)
		if err == nil {
			for _, m := range messages {
				conversation = append(conversation, llm.Message{Role: m.Role, Content: m.Content})
			}
		}
	}
	conversation = append(conversation, llm.Message{Role: "user", Content: message})
	return s.llm.Chat(ctx, conversation)
}

// GetChat returns a chat with its messages. Anything the principal does
// not own reads as not found.
func (s *Service) GetChat(ctx context.Context, p principal.Principal, chatID string) (map[string]any, error) {
	if !p.Registered() {
		return nil, domainError(404, "not_found", "Chat not found", nil)
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil || chat.UserID != *p.ID {
		return nil, domainError(404, "not_found", "Chat not found", nil)
	}
	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if messages == nil {
		messages = []store.Message{}
	}

	payload := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		payload = append(payload, map[string]any{
			"id":          m.ID,
			"role":        m.Role,
			"content":     m.Content,
			"attachments": m.Attachments,
			"createdAt":   m.CreatedAt,
		})
	}
	return map[string]any{
		"id":         chat.ID,
		"title":      chat.Title,
		"visibility": chat.Visibility,
		"createdAt":  chat.CreatedAt,
		"messages":   payload,
	}, nil
}

// DeleteChat removes one owned chat. Fail-closed like DeleteHistory.
func (s *Service) DeleteChat(ctx context.Context, p principal.Principal, chatID string) error {
	if !p.Registered() {
		return principal.ErrUnauthorized
	}
	deleted, err := s.store.DeleteChat(ctx, chatID, *p.ID)
	if err != nil {
		return domainError(502, "provider_transient", "Could not delete chat", nil)
	}
	if !deleted {
		return domainError(404, "not_found", "Chat not found", nil)
	}
	if s.search != nil {
		s.search.DeleteChat(chatID)
	}
	return nil
}

// ── Session-mutating operations ──

type AuthOutcome string

const (
	OutcomeSuccess            AuthOutcome = "success"
	OutcomeAccountExists      AuthOutcome = "account_exists"
	OutcomeInvalidInput       AuthOutcome = "invalid_input"
	OutcomeInvalidCredentials AuthOutcome = "invalid_credentials"
	OutcomeProviderFailure    AuthOutcome = "provider_failure"
	OutcomeFailure            AuthOutcome = "failure"
)

type AuthResult struct {
	Outcome AuthOutcome
	Session identity.Session
	Message string
}

// SignUp registers an account. Provider error text never reaches the
// caller; it is folded into the closed outcome set, with duplicate
// registration recognized by mapping in the identity package.
func (s *Service) SignUp(ctx context.Context, email, password string) (AuthResult, error) {
	if msg := validateCredentials(email, password); msg != "" {
		return AuthResult{Outcome: OutcomeInvalidInput, Message: msg}, nil
	}

	session, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		if ctx.Err() != nil {
			return AuthResult{}, ctx.Err()
		}
		if identity.IsAccountExists(err) {
			return AuthResult{Outcome: OutcomeAccountExists, Message: "Account already exists"}, nil
		}
		var idErr *identity.Error
		if errors.As(err, &idErr) && !idErr.Transient() {
			return AuthResult{Outcome: OutcomeInvalidInput, Message: "Sign up was rejected"}, nil
		}
		log.Printf("auth: signup provider failure: %v", err)
		return AuthResult{Outcome: OutcomeProviderFailure, Message: "Could not create account"}, nil
	}
	return AuthResult{Outcome: OutcomeSuccess, Session: session}, nil
}

// SignIn authenticates with email and password.
func (s *Service) SignIn(ctx context.Context, email, password string) (AuthResult, error) {
	if msg := validateCredentials(email, password); msg != "" {
		return AuthResult{Outcome: OutcomeInvalidInput, Message: msg}, nil
	}

	session, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		if ctx.Err() != nil {
			return AuthResult{}, ctx.Err()
		}
		if identity.IsInvalidCredentials(err) {
			return AuthResult{Outcome: OutcomeInvalidCredentials, Message: "Invalid email or password"}, nil
		}
		var idErr *identity.Error
		if errors.As(err, &idErr) && !idErr.Transient() {
			return AuthResult{Outcome: OutcomeInvalidCredentials, Message: "Invalid email or password"}, nil
		}
		return AuthResult{}, fmt.Errorf("sign in: %w", err)
	}
	return AuthResult{Outcome: OutcomeSuccess, Session: session}, nil
}

// SignOut revokes the provider session.
func (s *Service) SignOut(ctx context.Context, accessToken string) AuthResult {
	if err := s.provider.SignOut(ctx, accessToken); err != nil {
		log.Printf("auth: signout failed: %v", err)
		return AuthResult{Outcome: OutcomeFailure, Message: "Sign out failed"}
	}
	return AuthResult{Outcome: OutcomeSuccess}
}

// BeginOAuth builds the provider redirect for the named upstream.
func (s *Service) BeginOAuth(oauthProvider string) (string, error) {
	if strings.TrimSpace(oauthProvider) == "" {
		return "", domainError(422, "invalid_input", "provider is required", nil)
	}
	redirectTo := strings.TrimRight(s.cfg.SiteURL, "/") + "/api/auth/callback"
	url, err := s.provider.AuthorizeURL(oauthProvider, redirectTo)
	if err != nil {
		return "", domainError(502, "provider_transient", "Could not start OAuth flow", nil)
	}
	return url, nil
}

// ExchangeCode completes the OAuth flow.
func (s *Service) ExchangeCode(ctx context.Context, code string) (identity.Session, error) {
	if strings.TrimSpace(code) == "" {
		return identity.Session{}, domainError(422, "invalid_input", "code is required", nil)
	}
	session, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		if ctx.Err() != nil {
			return identity.Session{}, ctx.Err()
		}
		return identity.Session{}, domainError(502, "provider_transient", "Code exchange failed", nil)
	}
	return session, nil
}

// RequestPasswordReset always reports acceptance so callers cannot
// probe which emails have accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) {
	if _, err := mail.ParseAddress(email); err != nil {
		return
	}
	redirectTo := strings.TrimRight(s.cfg.SiteURL, "/") + "/reset-password"
	if err := s.provider.SendPasswordReset(ctx, email, redirectTo); err != nil {
		log.Printf("auth: password reset request failed: %v", err)
	}
}

// ResetPassword completes a reset using the emailed token. Only
// available in local provider mode.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if s.resetter == nil {
		return domainError(503, "unsupported", "Password reset is handled by the identity provider", nil)
	}
	if len(newPassword) < minPasswordLength {
		return domainError(422, "invalid_input", fmt.Sprintf("password must be at least %d characters", minPasswordLength), nil)
	}
	if err := s.resetter.ResetPassword(ctx, token, newPassword); err != nil {
		return domainError(400, "invalid_input", "Reset token is invalid or expired", nil)
	}
	return nil
}

func validateCredentials(email, password string) string {
	if _, err := mail.ParseAddress(email); err != nil {
		return "a valid email address is required"
	}
	if len(password) < minPasswordLength {
		return fmt.Sprintf("password must be at least %d characters", minPasswordLength)
	}
	return ""
}

// ── Search ──

func (s *Service) Search(ctx context.Context, p principal.Principal, text, filterType string, limit, offset int) (search.Response, error) {
	if !p.Registered() {
		return search.Response{}, principal.ErrUnauthorized
	}
	if s.search == nil || strings.TrimSpace(text) == "" {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		FilterType: search.ResultType(filterType),
		UserID:     *p.ID,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// ── Attachments ──

type UploadResult struct {
	URL         string `json:"url"`
	Pathname    string `json:"pathname"`
	ContentType string `json:"contentType"`
}

func (s *Service) Upload(ctx context.Context, p principal.Principal, filename, contentType string, r io.Reader, size int64) (UploadResult, error) {
	if !p.Registered() {
		return UploadResult{}, principal.ErrUnauthorized
	}
	if s.blob == nil {
		return UploadResult{}, domainError(503, "unsupported", "File uploads are not configured", nil)
	}

	key := *p.ID + "/" + uuid.NewString() + "-" + sanitizeFilename(filename)
	url, err := s.blob.Put(ctx, key, r, size, contentType)
	if err != nil {
		return UploadResult{}, domainError(502, "provider_transient", "Upload failed", nil)
	}
	return UploadResult{URL: url, Pathname: key, ContentType: contentType}, nil
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return replacer.Replace(name)
}

package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"oychat/api/internal/history"
	"oychat/api/internal/identity"
	"oychat/api/internal/principal"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"redis":    map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingUsage(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no principal required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		s.handleSignOut(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/oauth" {
		s.handleBeginOAuth(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/callback" {
		s.handleOAuthCallback(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request" {
		s.handleRequestReset(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password" {
		s.handleResetPassword(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		p, err := s.resolve(r, principal.FailOpen)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		payload := map[string]any{
			"authenticated": p.Registered(),
			"class":         string(p.Class),
		}
		if p.ID != nil {
			payload["userId"] = *p.ID
		}
		if p.Email != "" {
			payload["email"] = p.Email
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/history" {
		s.handleHistoryList(w, r)
		return
	}

	if r.Method == http.MethodDelete && r.URL.Path == "/api/history" {
		s.handleHistoryDelete(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat" {
		s.handleChatTurn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/files/upload" {
		s.handleUpload(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "chat" {
		chatID := parts[2]
		switch r.Method {
		case http.MethodGet:
			s.handleChatGet(w, r, chatID)
		case http.MethodDelete:
			s.handleChatDelete(w, r, chatID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
}

// resolve builds the request principal. The policy is declared by each
// endpoint: reads fail open to a guest, writes and destructive actions
// fail closed.
func (s *HTTPServer) resolve(r *http.Request, policy principal.Policy) (principal.Principal, error) {
	return s.service.Principal(r.Context(), bearerToken(r), s.guestSessionID(r), policy)
}

func (s *HTTPServer) guestSessionID(r *http.Request) string {
	name := s.service.cfg.GuestUsageCookie
	if name == "" {
		return ""
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *HTTPServer) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolve(r, principal.FailOpen)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	limit := history.DefaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	startingAfter := strings.TrimSpace(r.URL.Query().Get("starting_after"))
	endingBefore := strings.TrimSpace(r.URL.Query().Get("ending_before"))

	page, err := s.service.History(r.Context(), p, limit, startingAfter, endingBefore)
	if err != nil {
		if errors.Is(err, history.ErrConflictingCursors) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
		s.writeMappedError(w, err)
		return
	}
	if page.Degraded {
		w.Header().Set("X-History-Fallback", "1")
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolve(r, principal.FailClosed)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	deleted, err := s.service.DeleteHistory(r.Context(), p)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})
}

func (s *HTTPServer) handleChatTurn(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolve(r, principal.FailOpen)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	var body ChatTurnInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}

	result, err := s.service.ChatTurn(r.Context(), p, body)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleChatGet(w http.ResponseWriter, r *http.Request, chatID string) {
	p, err := s.resolve(r, principal.FailOpen)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	payload, err := s.service.GetChat(r.Context(), p, chatID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleChatDelete(w http.ResponseWriter, r *http.Request, chatID string) {
	p, err := s.resolve(r, principal.FailClosed)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := s.service.DeleteChat(r.Context(), p, chatID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolve(r, principal.FailClosed)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	filterType := strings.TrimSpace(r.URL.Query().Get("type"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}

	payload, err := s.service.Search(r.Context(), p, q, filterType, limit, offset)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolve(r, principal.FailClosed)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	const maxUpload = 32 << 20
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "file field is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := s.service.Upload(r.Context(), p, header.Filename, contentType, file, header.Size)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Auth handlers

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}

	result, err := s.service.SignUp(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	switch result.Outcome {
	case OutcomeSuccess:
		writeJSON(w, http.StatusCreated, sessionPayload(result.Session))
	case OutcomeAccountExists:
		writeError(w, http.StatusConflict, "account_exists", result.Message, nil)
	case OutcomeInvalidInput:
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", result.Message, nil)
	default:
		writeError(w, http.StatusBadGateway, "provider_transient", result.Message, nil)
	}
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}

	result, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	switch result.Outcome {
	case OutcomeSuccess:
		writeJSON(w, http.StatusOK, sessionPayload(result.Session))
	case OutcomeInvalidCredentials:
		writeError(w, http.StatusUnauthorized, "invalid_credentials", result.Message, nil)
	case OutcomeInvalidInput:
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", result.Message, nil)
	default:
		writeError(w, http.StatusBadGateway, "provider_transient", result.Message, nil)
	}
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return
	}
	result := s.service.SignOut(r.Context(), token)
	if result.Outcome != OutcomeSuccess {
		writeError(w, http.StatusBadGateway, "provider_transient", result.Message, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleBeginOAuth(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	url, err := s.service.BeginOAuth(provider)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *HTTPServer) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	session, err := s.service.ExchangeCode(r.Context(), code)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	s.service.RequestPasswordReset(r.Context(), body.Email)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "If an account exists, a reset email has been sent",
	})
}

func (s *HTTPServer) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}

func sessionPayload(session identity.Session) map[string]any {
	payload := map[string]any{
		"accessToken":  session.AccessToken,
		"refreshToken": session.RefreshToken,
		"user": map[string]any{
			"id":    session.User.ID,
			"email": session.User.Email,
		},
	}
	if !session.ExpiresAt.IsZero() {
		payload["expiresAt"] = session.ExpiresAt.Unix()
	}
	return payload
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, principal.ErrUnauthorized) {
		return http.StatusUnauthorized, "unauthorized", "Unauthorized", nil
	}
	if errors.Is(err, history.ErrConflictingCursors) {
		return http.StatusBadRequest, "bad_request", err.Error(), nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "not_found", "Not found", nil
	}
	var idErr *identity.Error
	if errors.As(err, &idErr) && idErr.Transient() {
		return http.StatusBadGateway, "provider_transient", "Identity provider unavailable", nil
	}
	return http.StatusInternalServerError, "server_error", "Server error", nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

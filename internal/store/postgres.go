package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCursorNotFound is returned when a pagination cursor references a
// chat that does not exist (or belongs to another user).
var ErrCursorNotFound = errors.New("cursor chat not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users (local provider mode) ──

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `SELECT id, email, password_hash, is_anonymous, created_at FROM users WHERE lower(email) = lower($1)`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.IsAnonymous, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, email, password_hash, is_anonymous, created_at FROM users WHERE id = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.IsAnonymous, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_anonymous)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.PasswordHash, user.IsAnonymous)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, used_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	const query = `
		SELECT user_id FROM password_resets
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > NOW()
	`
	var userID string
	if err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&userID); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// ── Chats ──

func (s *PostgresStore) InsertChat(ctx context.Context, chat Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, visibility)
		VALUES ($1, $2, $3, $4)
	`, chat.ID, chat.UserID, chat.Title, chat.Visibility)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	const query = `SELECT id, user_id, title, visibility, created_at FROM chats WHERE id = $1`
	var chat Chat
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Visibility, &chat.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

// ListChatsByUser returns up to limit+1 chats most-recent-first so the
// caller can tell whether another page exists. Cursor ids resolve to the
// referenced row's (created_at, id) position; starting-after continues
// past it, ending-before returns the rows above it.
func (s *PostgresStore) ListChatsByUser(ctx context.Context, userID string, limit int, startingAfter, endingBefore string) (ChatListing, error) {
	query := `
		SELECT id, user_id, title, visibility, created_at FROM chats
		WHERE user_id = $1
	`
	args := []any{userID}

	cursorID := startingAfter
	if cursorID == "" {
		cursorID = endingBefore
	}
	if cursorID != "" {
		var createdAt time.Time
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM chats WHERE id = $1 AND user_id = $2`,
			cursorID, userID,
		).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ChatListing{}, fmt.Errorf("%w: %s", ErrCursorNotFound, cursorID)
		}
		if err != nil {
			return ChatListing{}, fmt.Errorf("resolve cursor: %w", err)
		}
		if startingAfter != "" {
			query += ` AND (created_at, id) < ($2, $3)`
		} else {
			query += ` AND (created_at, id) > ($2, $3)`
		}
		args = append(args, createdAt, cursorID)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ChatListing{}, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var items []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Visibility, &chat.CreatedAt); err != nil {
			return ChatListing{}, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, chat)
	}
	if err := rows.Err(); err != nil {
		return ChatListing{}, fmt.Errorf("list chats: %w", err)
	}
	return ChatListing{Items: items}, nil
}

func (s *PostgresStore) DeleteChatsByUser(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete chats: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete chats: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) DeleteChat(ctx context.Context, chatID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("delete chat: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete chat: %w", err)
	}
	return deleted > 0, nil
}

// ── Messages ──

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	attachments, err := json.Marshal(message.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, attachments)
		VALUES ($1, $2, $3, $4, $5)
	`, message.ID, message.ChatID, message.Role, message.Content, attachments)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	const query = `
		SELECT id, chat_id, role, content, attachments, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		var attachments []byte
		if err := rows.Scan(&message.ID, &message.ChatID, &message.Role, &message.Content, &attachments, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &message.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshal attachments: %w", err)
			}
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

package store

import "time"

// User rows exist only in local-provider mode; the hosted identity
// provider owns accounts otherwise.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsAnonymous  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Chat struct {
	ID         string
	UserID     string
	Title      string
	Visibility string
	CreatedAt  time.Time
}

type Message struct {
	ID          string
	ChatID      string
	Role        string
	Content     string
	Attachments []Attachment
	CreatedAt   time.Time
}

type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

// ChatListing is what a chat lister hands back: always the ordered rows,
// optionally an explicit envelope when the backend computed one. The
// history service normalizes both shapes; nothing else consumes this type.
type ChatListing struct {
	Items []Chat
	// Envelope fields, nil when the backend returned a bare sequence.
	HasMore    *bool
	NextCursor *string
}

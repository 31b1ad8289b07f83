// Package history serves paginated chat listings with graceful
// degradation: a broken backend yields an empty page instead of an
// error, while caller mistakes and cancellations still fail loudly.
package history

import (
	"context"
	"errors"
	"log"
	"time"

	"oychat/api/internal/principal"
	"oychat/api/internal/store"
)

const (
	// DefaultLimit applies when the caller gives no usable page size.
	DefaultLimit = 10
	// MaxLimit caps a single page.
	MaxLimit = 100
)

// ErrConflictingCursors means both pagination directions were given at
// once. This is a caller bug, never degraded away.
var ErrConflictingCursors = errors.New("only one of starting_after or ending_before can be provided")

// ChatSummary is one row of a history page.
type ChatSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Page is a normalized history listing. Degraded marks pages fabricated
// after a backend failure so transports can flag them to clients.
type Page struct {
	Items      []ChatSummary `json:"items"`
	HasMore    bool          `json:"hasMore"`
	NextCursor *string       `json:"nextCursor,omitempty"`
	Degraded   bool          `json:"degraded"`
}

// Backend lists and deletes a user's chats. *store.PostgresStore
// satisfies it.
type Backend interface {
	ListChatsByUser(ctx context.Context, userID string, limit int, startingAfter, endingBefore string) (store.ChatListing, error)
	DeleteChatsByUser(ctx context.Context, userID string) (int64, error)
}

type Service struct {
	backend Backend
}

func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// Page returns one page of the principal's chats, newest first.
//
// Guests get an empty page without touching the backend; they have no
// persisted history. A backend failure also yields an empty page,
// marked Degraded, unless the request context itself was cancelled, in
// which case the cancellation propagates. Conflicting cursors are
// rejected before the backend is consulted.
func (s *Service) Page(ctx context.Context, p principal.Principal, limit int, startingAfter, endingBefore string) (Page, error) {
	if startingAfter != "" && endingBefore != "" {
		return Page{}, ErrConflictingCursors
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if !p.Registered() {
		return Page{Items: []ChatSummary{}}, nil
	}

	listing, err := s.backend.ListChatsByUser(ctx, *p.ID, limit, startingAfter, endingBefore)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		log.Printf("history: listing degraded for %s: %v", p.UsageKey(), err)
		return Page{Items: []ChatSummary{}, Degraded: true}, nil
	}

	return normalize(listing, limit), nil
}

// normalize folds both listing shapes into one Page. When the backend
// supplied an envelope its verdict wins; otherwise the extra row beyond
// limit signals another page.
func normalize(listing store.ChatListing, limit int) Page {
	items := listing.Items

	var hasMore bool
	var nextCursor *string
	switch {
	case listing.HasMore != nil:
		hasMore = *listing.HasMore
		nextCursor = listing.NextCursor
		if len(items) > limit {
			items = items[:limit]
		}
	case len(items) > limit:
		hasMore = true
		items = items[:limit]
	}

	page := Page{Items: make([]ChatSummary, 0, len(items)), HasMore: hasMore, NextCursor: nextCursor}
	for _, chat := range items {
		page.Items = append(page.Items, ChatSummary{
			ID:         chat.ID,
			Title:      chat.Title,
			Visibility: chat.Visibility,
			CreatedAt:  chat.CreatedAt,
		})
	}
	if hasMore && page.NextCursor == nil && len(page.Items) > 0 {
		last := page.Items[len(page.Items)-1].ID
		page.NextCursor = &last
	}
	// hasMore and nextCursor must agree.
	if page.NextCursor == nil {
		page.HasMore = false
	}
	return page
}

// DeleteAll removes every chat the principal owns and reports how many
// went. Destructive, so it never degrades: guests are rejected and any
// backend failure surfaces as-is.
func (s *Service) DeleteAll(ctx context.Context, p principal.Principal) (int64, error) {
	if !p.Registered() {
		return 0, principal.ErrUnauthorized
	}
	return s.backend.DeleteChatsByUser(ctx, *p.ID)
}

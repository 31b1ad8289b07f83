// Package principal turns a raw request credential into a classified
// principal. Every request gets a Principal; "not signed in" is a guest
// principal, never a missing one.
package principal

import "errors"

// Class is the principal's tier. Exactly these two values flow
// downstream; anything else is a bug upstream and is treated as guest
// by consumers.
type Class string

const (
	ClassGuest      Class = "guest"
	ClassRegistered Class = "registered"
)

// ErrUnauthorized is returned by fail-closed resolution when no
// authenticated identity backs the request.
var ErrUnauthorized = errors.New("principal: unauthorized")

// Principal is the resolved identity for one request. Constructed fresh
// per request, never cached, never mutated.
type Principal struct {
	// ID is nil for anonymous guests. Registered principals always
	// carry the provider's identifier; guests carry one only when
	// per-guest tracking is configured or the provider soft-provisioned
	// the account.
	ID    *string
	Email string
	Class Class
}

// Registered reports whether the principal holds a registered-tier
// identity.
func (p Principal) Registered() bool {
	return p.Class == ClassRegistered
}

// UsageKey is the bucket this principal's consumption counts against.
// Anonymous guests without a session identifier share one bucket.
func (p Principal) UsageKey() string {
	switch {
	case p.Class == ClassRegistered && p.ID != nil:
		return "user:" + *p.ID
	case p.ID != nil:
		return "guest:" + *p.ID
	default:
		return "guest:anon"
	}
}

// Guest builds a guest principal. sessionID may be empty; it becomes a
// nil ID, not a sentinel value.
func Guest(sessionID string) Principal {
	p := Principal{Class: ClassGuest}
	if sessionID != "" {
		id := sessionID
		p.ID = &id
	}
	return p
}

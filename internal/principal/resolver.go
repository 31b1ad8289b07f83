package principal

import (
	"context"
	"errors"
	"fmt"
	"log"

	"oychat/api/internal/identity"
)

// Policy declares, per endpoint, what resolution does when the provider
// cannot produce an identity. Read paths fail open (guest fallback);
// write and destructive paths fail closed (explicit rejection), because
// a silently downgraded delete would report success for work that never
// ran as the caller.
type Policy int

const (
	FailOpen Policy = iota
	FailClosed
)

// Resolver classifies one request's credential into a Principal using
// the identity provider as ground truth.
type Resolver struct {
	provider identity.Provider
}

func NewResolver(provider identity.Provider) *Resolver {
	return &Resolver{provider: provider}
}

// Resolve calls the provider exactly once. guestSessionID seeds the
// guest principal's identifier when per-guest tracking is configured;
// empty means anonymous.
//
// Context cancellation always propagates: the guest fallback is
// reserved for provider failure, not for a caller that has gone away.
func (r *Resolver) Resolve(ctx context.Context, accessToken, guestSessionID string, policy Policy) (Principal, error) {
	user, err := r.provider.GetUser(ctx, accessToken)
	if err != nil {
		if ctx.Err() != nil {
			return Principal{}, ctx.Err()
		}
		if errors.Is(err, identity.ErrNoIdentity) {
			if policy == FailClosed {
				return Principal{}, ErrUnauthorized
			}
			return Guest(guestSessionID), nil
		}
		// Provider unreachable or erroring.
		if policy == FailClosed {
			return Principal{}, fmt.Errorf("resolve principal: %w", err)
		}
		log.Printf("principal: provider error, falling back to guest: %v", err)
		return Guest(guestSessionID), nil
	}

	// Soft-provisioned anonymous accounts are guests regardless of the
	// provider holding an identity record for them.
	if user.IsAnonymous {
		p := Guest(guestSessionID)
		if user.ID != "" {
			id := user.ID
			p.ID = &id
		}
		return p, nil
	}

	id := user.ID
	return Principal{ID: &id, Email: user.Email, Class: ClassRegistered}, nil
}

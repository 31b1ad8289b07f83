// Package entitlement maps principal classes to usage quotas and holds
// the pure gate decision. The table is built once at startup and only
// read afterwards, so concurrent lookups need no locking.
package entitlement

import "oychat/api/internal/principal"

// Entitlement is the static quota bound to a principal class.
type Entitlement struct {
	MaxMessagesPerDay int
}

// Table is the class→quota mapping. Immutable after New.
type Table struct {
	byClass map[principal.Class]Entitlement
}

// New builds the table. Quotas below zero clamp to zero.
func New(guestQuota, registeredQuota int) *Table {
	if guestQuota < 0 {
		guestQuota = 0
	}
	if registeredQuota < 0 {
		registeredQuota = 0
	}
	return &Table{byClass: map[principal.Class]Entitlement{
		principal.ClassGuest:      {MaxMessagesPerDay: guestQuota},
		principal.ClassRegistered: {MaxMessagesPerDay: registeredQuota},
	}}
}

// ForClass is total: a class the table does not know gets the guest
// entitlement, never an unlimited one.
func (t *Table) ForClass(class principal.Class) Entitlement {
	if ent, ok := t.byClass[class]; ok {
		return ent
	}
	return t.byClass[principal.ClassGuest]
}

// Decision is the gate's verdict for one unit of work.
type Decision struct {
	Allowed   bool
	Remaining int
}

// Check decides whether consuming costUnits on top of currentUsage
// stays within the entitlement. Landing exactly on the quota is
// allowed; only strictly exceeding it is denied. Pure: the caller owns
// the counter.
func Check(ent Entitlement, currentUsage, costUnits int) Decision {
	if currentUsage < 0 {
		currentUsage = 0
	}
	allowed := currentUsage+costUnits <= ent.MaxMessagesPerDay
	remaining := ent.MaxMessagesPerDay - currentUsage
	if allowed {
		remaining -= costUnits
	}
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Remaining: remaining}
}

// Package status defines the canonical transaction status model.
//
// Five historically independent status vocabularies (generic transactions,
// cashouts, escrows, exchange orders, wallet holds) are collapsed onto a
// single closed set of five states. Everything that reads or writes a
// transaction status goes through this package; nothing else in the
// codebase compares raw status strings.
package status

import "strings"

// Status is a canonical transaction state.
type Status string

const (
	// Pending is the initial state of every transaction.
	Pending Status = "pending"
	// Processing means a provider call is in flight or confirmed-in-progress.
	Processing Status = "processing"
	// Awaiting means the transaction is blocked on an external actor
	// (OTP step-up, bank transfer, operator review).
	Awaiting Status = "awaiting"
	// Success is terminal. No transition ever leaves it.
	Success Status = "success"
	// Failed can only be re-opened to Pending by an operator retry.
	Failed Status = "failed"
)

// All lists every canonical status.
var All = []Status{Pending, Processing, Awaiting, Success, Failed}

// transitions is the single source of truth for transition legality.
// Same-state transitions are not listed; they are always legal and
// treated as idempotent no-ops by callers.
var transitions = map[Status][]Status{
	Pending:    {Processing, Awaiting, Success, Failed},
	Processing: {Awaiting, Success, Failed},
	Awaiting:   {Processing, Success, Failed},
	Success:    {},
	Failed:     {Pending}, // operator-triggered retry
}

// IsValid reports whether s is one of the five canonical states.
func IsValid(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s accepts no outgoing transitions.
func IsTerminal(s Status) bool {
	return s == Success
}

// IsValidTransition reports whether from → to is legal.
// A same-state transition is always legal.
func IsValidTransition(from, to Status) bool {
	if from == to {
		return IsValid(from)
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the set of states reachable from the given state,
// excluding the same-state no-op.
func ValidTransitions(from Status) []Status {
	out := transitions[from]
	cp := make([]Status, len(out))
	copy(cp, out)
	return cp
}

// legacyMap translates historical status strings onto the canonical set.
// New legacy sources are onboarded by adding rows here, never by adding
// conditionals at call sites. Keys are lowercase.
var legacyMap = map[string]Status{
	// generic transaction vocabulary
	"new":         Pending,
	"created":     Pending,
	"pending":     Pending,
	"in_progress": Processing,
	"processing":  Processing,
	"awaiting":    Awaiting,
	"completed":   Success,
	"done":        Success,
	"success":     Success,
	"error":       Failed,
	"failed":      Failed,

	// cashout vocabulary
	"requested":         Pending,
	"queued":            Pending,
	"sent":              Processing,
	"awaiting_approval": Awaiting,
	"approved":          Processing,
	"paid":              Success,
	"rejected":          Failed,
	"cancelled":         Failed,

	// escrow vocabulary
	"waiting_payment":  Awaiting,
	"payment_received": Processing,
	"released":         Success,
	"refunded":         Success,
	"dispute":          Awaiting,

	// exchange vocabulary
	"order_placed":     Processing,
	"partially_filled": Processing,
	"filled":           Success,
	"expired":          Failed,

	// wallet-hold vocabulary
	"held":          Awaiting,
	"hold_released": Success,
	"hold_failed":   Failed,
}

// MapLegacy translates a historical status string to its canonical state.
// Unknown or empty input maps to Pending: an unrecognized status from a
// migrated subsystem must never crash a money-movement path.
//
// Note this default can mask genuinely-unknown states during migrations;
// callers that care should log inputs MapLegacy did not recognize.
func MapLegacy(legacy string) Status {
	if s, ok := legacyMap[normalize(legacy)]; ok {
		return s
	}
	return Pending
}

// KnownLegacy reports whether the legacy string has an explicit mapping row.
func KnownLegacy(legacy string) bool {
	_, ok := legacyMap[normalize(legacy)]
	return ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

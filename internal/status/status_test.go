package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapLegacy_AllRowsResolveToCanonical(t *testing.T) {
	canonical := map[Status]bool{
		Pending: true, Processing: true, Awaiting: true, Success: true, Failed: true,
	}
	for legacy := range legacyMap {
		got := MapLegacy(legacy)
		assert.True(t, canonical[got], "legacy %q mapped to non-canonical %q", legacy, got)
	}
}

func TestMapLegacy_UnknownDefaultsToPending(t *testing.T) {
	assert.Equal(t, Pending, MapLegacy(""))
	assert.Equal(t, Pending, MapLegacy("definitely_not_a_status"))
	assert.Equal(t, Pending, MapLegacy("   "))
	assert.False(t, KnownLegacy("definitely_not_a_status"))
}

func TestMapLegacy_CaseAndWhitespaceInsensitive(t *testing.T) {
	assert.Equal(t, Success, MapLegacy("COMPLETED"))
	assert.Equal(t, Success, MapLegacy("  Paid "))
	assert.Equal(t, Awaiting, MapLegacy("Awaiting_Approval"))
}

func TestIsValidTransition_SameStateAlwaysValid(t *testing.T) {
	for _, s := range All {
		assert.True(t, IsValidTransition(s, s), "same-state %q should be valid", s)
	}
}

func TestIsValidTransition_NothingLeavesSuccess(t *testing.T) {
	for _, to := range []Status{Pending, Processing, Awaiting, Failed} {
		assert.False(t, IsValidTransition(Success, to), "success → %q should be invalid", to)
	}
	assert.Empty(t, ValidTransitions(Success))
	assert.True(t, IsTerminal(Success))
}

func TestIsValidTransition_FailedOnlyReopensToPending(t *testing.T) {
	assert.True(t, IsValidTransition(Failed, Pending))
	assert.False(t, IsValidTransition(Failed, Processing))
	assert.False(t, IsValidTransition(Failed, Awaiting))
	assert.False(t, IsValidTransition(Failed, Success))
}

func TestIsValidTransition_AgreesWithTable(t *testing.T) {
	for from, targets := range transitions {
		allowed := map[Status]bool{from: true} // same-state rule
		for _, to := range targets {
			allowed[to] = true
		}
		for _, to := range All {
			assert.Equal(t, allowed[to], IsValidTransition(from, to),
				"transition %q → %q", from, to)
		}
	}
}

func TestIsValidTransition_UnknownStates(t *testing.T) {
	assert.False(t, IsValidTransition(Status("bogus"), Pending))
	assert.False(t, IsValidTransition(Status("bogus"), Status("bogus")))
	assert.False(t, IsValid(Status("bogus")))
}

func TestValidTransitions_ReturnsCopy(t *testing.T) {
	got := ValidTransitions(Pending)
	got[0] = Status("mutated")
	assert.NotContains(t, ValidTransitions(Pending), Status("mutated"))
}

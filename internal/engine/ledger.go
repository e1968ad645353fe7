package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/LucasSaviolo/creche-allocator/internal/models"
)

// Ledger is the per-run live view of remaining facility capacity. It is
// seeded from the snapshot taken at the start of a run and is the only
// mutable shared state while the run executes. Every capacity check during
// assignment reads through the ledger, never the persisted value, so two
// entries in the same run cannot both claim the last seat.
type Ledger struct {
	mu        sync.Mutex
	remaining map[uuid.UUID]int
}

// NewLedger seeds a ledger from the facility snapshot.
func NewLedger(facilities []models.Facility) *Ledger {
	remaining := make(map[uuid.UUID]int, len(facilities))
	for _, f := range facilities {
		remaining[f.ID] = f.RemainingCapacity
	}
	return &Ledger{remaining: remaining}
}

// Remaining returns the live remaining capacity for a facility. Unknown
// facilities report zero.
func (l *Ledger) Remaining(facilityID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining[facilityID]
}

// Reserve consumes one capacity unit. It returns false when no capacity
// remains; the count never goes below zero.
func (l *Ledger) Reserve(facilityID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining[facilityID] <= 0 {
		return false
	}
	l.remaining[facilityID]--
	return true
}

// Release returns one capacity unit. Used only when unwinding a failed run.
func (l *Ledger) Release(facilityID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining[facilityID]++
}

package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/LucasSaviolo/creche-allocator/internal/models"
)

// Eligible reports whether the child may occupy the facility right now:
// the facility is active, has capacity left in the ledger's live view, and
// admits the child's age at the reference date. Pure, no side effects.
func Eligible(child models.Child, facility models.Facility, ledger *Ledger, ref time.Time) bool {
	if !facility.Active {
		return false
	}
	if ledger.Remaining(facility.ID) <= 0 {
		return false
	}
	return facility.AcceptsAge(child.AgeYears(ref))
}

// resolution is the outcome of walking an entry's preference list.
type resolution struct {
	facility models.Facility
	rank     int // 1-based preference rank
	reason   string
}

// resolvePreference walks the entry's preferences in stored order and returns
// the first facility the child is eligible for. The walk is greedy and
// non-backtracking: preferences are evaluated strictly in order, once per
// run, so an entry never takes a lower-ranked seat while a higher-ranked one
// is still open at the moment it is processed.
//
// When nothing can be granted the reason code distinguishes an empty
// preference list, a list made up entirely of unknown facility references,
// and the plain no-seat case.
func resolvePreference(entry models.WaitlistEntry, facilities map[uuid.UUID]models.Facility, ledger *Ledger, ref time.Time) resolution {
	if len(entry.Preferences) == 0 {
		return resolution{reason: models.ReasonNoPreferences}
	}
	known := 0
	for i, facilityID := range entry.Preferences {
		facility, ok := facilities[facilityID]
		if !ok {
			continue
		}
		known++
		if Eligible(entry.Child, facility, ledger, ref) {
			return resolution{facility: facility, rank: i + 1}
		}
	}
	if known == 0 {
		return resolution{reason: models.ReasonUnknownFacility}
	}
	return resolution{reason: models.ReasonNoEligibleFacility}
}

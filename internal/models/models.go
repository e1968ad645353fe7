package models

import (
	"time"

	"github.com/google/uuid"
)

// Waitlist entry status values.
const (
	EntryStatusWaiting   = "waiting"
	EntryStatusAllocated = "allocated"
	EntryStatusWithdrawn = "withdrawn"
)

// Allocation status values.
const (
	AllocationStatusActive    = "active"
	AllocationStatusEnded     = "ended"
	AllocationStatusCancelled = "cancelled"
)

// Child is the subject of a waitlist entry. Priority attributes are captured
// at registration time so that scoring stays a pure function of the record.
type Child struct {
	ID              uuid.UUID `json:"id"`
	FullName        string    `json:"fullName"`
	BirthDate       time.Time `json:"birthDate"`
	SpecialNeeds    bool      `json:"specialNeeds"`
	LowIncome       bool      `json:"lowIncome"`
	SingleGuardian  bool      `json:"singleGuardian"`
	SiblingEnrolled bool      `json:"siblingEnrolled"`
}

// AgeYears returns the child's age in whole years at the reference date.
func (c Child) AgeYears(ref time.Time) int {
	years := ref.Year() - c.BirthDate.Year()
	anniversary := c.BirthDate.AddDate(years, 0, 0)
	if anniversary.After(ref) {
		years--
	}
	return years
}

// Facility is a daycare unit with finite capacity and an accepted age range.
type Facility struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Active            bool      `json:"active"`
	TotalCapacity     int       `json:"totalCapacity"`
	RemainingCapacity int       `json:"remainingCapacity"`
	AcceptedAges      []int     `json:"acceptedAges"`
}

// AcceptsAge reports whether the facility admits children of the given age.
func (f Facility) AcceptsAge(age int) bool {
	for _, a := range f.AcceptedAges {
		if a == age {
			return true
		}
	}
	return false
}

// Criterion is a named, weighted scoring rule. The rule body is looked up by
// Name in the criteria registry; the record itself is plain data.
type Criterion struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Weight float64   `json:"weight"`
	Active bool      `json:"active"`
}

// ScoreComponent is one line of a score breakdown.
type ScoreComponent struct {
	Criterion string  `json:"criterion"`
	Points    float64 `json:"points"`
}

// WaitlistEntry tracks a child awaiting placement. Exactly one non-withdrawn
// entry exists per child at a time.
type WaitlistEntry struct {
	ID           uuid.UUID        `json:"id"`
	Child        Child            `json:"child"`
	Preferences  []uuid.UUID      `json:"preferences"`
	TotalScore   float64          `json:"totalScore"`
	Breakdown    []ScoreComponent `json:"breakdown,omitempty"`
	RegisteredAt time.Time        `json:"registeredAt"`
	Status       string           `json:"status"`
}

// Allocation is the committed assignment of a child to a facility. Creating
// one consumes a unit of facility capacity; cancelling or ending one returns
// that unit.
type Allocation struct {
	ID         uuid.UUID `json:"id"`
	ChildID    uuid.UUID `json:"childId"`
	FacilityID uuid.UUID `json:"facilityId"`
	StartDate  time.Time `json:"startDate"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ScoreResult is the outcome of an on-demand score recalculation.
type ScoreResult struct {
	EntryID    uuid.UUID        `json:"entryId"`
	TotalScore float64          `json:"totalScore"`
	Breakdown  []ScoreComponent `json:"breakdown"`
}

// Unplaced reason codes reported per entry in a RunDetail.
const (
	ReasonNoEligibleFacility = "no_eligible_facility"
	ReasonUnknownFacility    = "unknown_facility"
	ReasonNoPreferences      = "no_preferences"
)

// RunDetail is the per-entry outcome of an allocation run. FacilityID is nil
// and Reason set when the entry stayed unplaced; PreferenceRank is the
// 1-based rank of the granted preference.
type RunDetail struct {
	EntryID        uuid.UUID  `json:"entryId"`
	ChildID        uuid.UUID  `json:"childId"`
	FacilityID     *uuid.UUID `json:"facilityId,omitempty"`
	Score          float64    `json:"score"`
	PreferenceRank int        `json:"preferenceRank,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// RunReport summarizes one allocation run.
type RunReport struct {
	RunID          uuid.UUID   `json:"runId"`
	StartedAt      time.Time   `json:"startedAt"`
	FinishedAt     time.Time   `json:"finishedAt"`
	AllocatedCount int         `json:"allocatedCount"`
	UnplacedCount  int         `json:"unplacedCount"`
	Details        []RunDetail `json:"details"`
	Failed         bool        `json:"failed"`
	ErrorKind      string      `json:"errorKind,omitempty"`
}

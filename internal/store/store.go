package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/LucasSaviolo/creche-allocator/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrRunInProgress is returned by BeginRun when another allocation run
	// holds the run lock. Callers must fail fast, never block on it.
	ErrRunInProgress = errors.New("allocation run already in progress")
)

// Store is the persistence boundary of the allocator. Read paths outside a
// run go straight through; everything a run reads and writes goes through a
// RunTx so the whole batch commits or rolls back as one unit.
type Store interface {
	BeginRun(ctx context.Context) (RunTx, error)

	WaitingEntries(ctx context.Context) ([]models.WaitlistEntry, error)
	EntryByID(ctx context.Context, id uuid.UUID) (models.WaitlistEntry, error)
	ActiveFacilities(ctx context.Context) ([]models.Facility, error)
	ActiveCriteria(ctx context.Context) ([]models.Criterion, error)
	UpdateEntryScore(ctx context.Context, in ScoreUpdate) error
	RunReportByID(ctx context.Context, id uuid.UUID) (models.RunReport, error)
	CancelAllocation(ctx context.Context, id uuid.UUID) (models.Allocation, error)
	Ping(ctx context.Context) error
}

// RunTx is the transactional view owned by a single allocation run. BeginRun
// acquires the exclusive run lock; Commit or Rollback releases it. All staged
// writes become visible only on Commit.
//
// Facilities returns every facility, inactive ones included: the engine's
// eligibility check owns the active flag, and an inactive facility must stay
// distinguishable from a dangling reference.
type RunTx interface {
	WaitingEntries(ctx context.Context) ([]models.WaitlistEntry, error)
	Facilities(ctx context.Context) ([]models.Facility, error)
	ActiveCriteria(ctx context.Context) ([]models.Criterion, error)

	UpdateEntryScore(ctx context.Context, in ScoreUpdate) error
	CreateAllocation(ctx context.Context, in AllocationInput) (models.Allocation, error)
	MarkEntryAllocated(ctx context.Context, entryID uuid.UUID) error
	DecrementCapacity(ctx context.Context, facilityID uuid.UUID) error
	SaveRunReport(ctx context.Context, report models.RunReport) error

	Commit() error
	Rollback() error
}

// ScoreUpdate persists a recomputed score onto a waitlist entry.
type ScoreUpdate struct {
	EntryID    uuid.UUID
	TotalScore float64
	Breakdown  []models.ScoreComponent
}

// AllocationInput stages a new active allocation.
type AllocationInput struct {
	ID         uuid.UUID
	ChildID    uuid.UUID
	FacilityID uuid.UUID
	StartDate  time.Time
}

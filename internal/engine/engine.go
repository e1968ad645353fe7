package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/LucasSaviolo/creche-allocator/internal/models"
	"github.com/LucasSaviolo/creche-allocator/internal/scoring"
	"github.com/LucasSaviolo/creche-allocator/internal/store"
)

// ErrCapacityRace means the ledger refused a reservation that eligibility had
// just approved. The run lock should make this impossible; if it happens the
// run is treated as an integrity failure and rolled back.
var ErrCapacityRace = errors.New("capacity reservation race detected")

// Error kinds surfaced in a failed RunReport.
const (
	ErrorKindConcurrentRun = "concurrent_run"
	ErrorKindCapacityRace  = "capacity_race"
	ErrorKindPersistence   = "persistence"
)

// Config tunes engine behavior.
type Config struct {
	// RefreshScores recomputes every entry's score from the active criteria
	// before ordering, persisting the refreshed values with the run. When
	// false the engine orders by the scores already stored on the entries.
	RefreshScores bool

	// Now supplies the run date. Defaults to time.Now.
	Now func() time.Time
}

// Engine executes allocation runs. A run is a single batch: snapshot the
// waiting entries and active facilities inside an exclusive transaction,
// order entries, assign each to its best eligible preference through the
// ledger, and commit everything atomically.
type Engine struct {
	store  store.Store
	scorer *scoring.Scorer
	cfg    Config
}

func New(st store.Store, scorer *scoring.Scorer, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{store: st, scorer: scorer, cfg: cfg}
}

// ExecuteRun performs one full allocation run. Per-entry resolution failures
// land the entry in the unplaced bucket and the run continues; lock and
// persistence failures are fatal, roll the whole run back and surface the
// error. The returned report is valid in both cases (Failed marks the
// latter).
func (e *Engine) ExecuteRun(ctx context.Context) (models.RunReport, error) {
	runDate := e.cfg.Now().UTC()
	report := models.RunReport{
		RunID:     uuid.New(),
		StartedAt: runDate,
	}

	tx, err := e.store.BeginRun(ctx)
	if err != nil {
		report.Failed = true
		if errors.Is(err, store.ErrRunInProgress) {
			report.ErrorKind = ErrorKindConcurrentRun
			return report, err
		}
		report.ErrorKind = ErrorKindPersistence
		return report, fmt.Errorf("begin run: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Collecting: snapshot entries, facilities and criteria inside the
	// locked transaction.
	entries, err := tx.WaitingEntries(ctx)
	if err != nil {
		return failedReport(report, ErrorKindPersistence), fmt.Errorf("collect waitlist: %w", err)
	}
	// Inactive facilities stay in the snapshot so the eligibility check can
	// tell "exists but closed" apart from a dangling reference.
	facilities, err := tx.Facilities(ctx)
	if err != nil {
		return failedReport(report, ErrorKindPersistence), fmt.Errorf("collect facilities: %w", err)
	}
	crits, err := tx.ActiveCriteria(ctx)
	if err != nil {
		return failedReport(report, ErrorKindPersistence), fmt.Errorf("collect criteria: %w", err)
	}

	if e.cfg.RefreshScores {
		for i := range entries {
			total, breakdown := e.scorer.Score(entries[i].Child, crits)
			entries[i].TotalScore = total
			entries[i].Breakdown = breakdown
			err := tx.UpdateEntryScore(ctx, store.ScoreUpdate{
				EntryID:    entries[i].ID,
				TotalScore: total,
				Breakdown:  breakdown,
			})
			if err != nil {
				return failedReport(report, ErrorKindPersistence), fmt.Errorf("refresh score for entry %s: %w", entries[i].ID, err)
			}
		}
	}

	// Ordering: score descending, earlier registration wins ties, entry ID
	// breaks the rest. Total and deterministic.
	OrderEntries(entries)

	facilityByID := make(map[uuid.UUID]models.Facility, len(facilities))
	for _, f := range facilities {
		facilityByID[f.ID] = f
	}
	ledger := NewLedger(facilities)

	// Assigning.
	for _, entry := range entries {
		detail := models.RunDetail{
			EntryID: entry.ID,
			ChildID: entry.Child.ID,
			Score:   entry.TotalScore,
		}
		res := resolvePreference(entry, facilityByID, ledger, runDate)
		if res.reason != "" {
			detail.Reason = res.reason
			report.UnplacedCount++
			report.Details = append(report.Details, detail)
			continue
		}
		if !ledger.Reserve(res.facility.ID) {
			return failedReport(report, ErrorKindCapacityRace), fmt.Errorf("facility %s: %w", res.facility.ID, ErrCapacityRace)
		}
		alloc, err := tx.CreateAllocation(ctx, store.AllocationInput{
			ChildID:    entry.Child.ID,
			FacilityID: res.facility.ID,
			StartDate:  runDate,
		})
		if err != nil {
			return failedReport(report, ErrorKindPersistence), fmt.Errorf("stage allocation: %w", err)
		}
		if err := tx.MarkEntryAllocated(ctx, entry.ID); err != nil {
			return failedReport(report, ErrorKindPersistence), fmt.Errorf("mark entry allocated: %w", err)
		}
		if err := tx.DecrementCapacity(ctx, res.facility.ID); err != nil {
			return failedReport(report, ErrorKindPersistence), fmt.Errorf("decrement capacity: %w", err)
		}
		facilityID := alloc.FacilityID
		detail.FacilityID = &facilityID
		detail.PreferenceRank = res.rank
		report.AllocatedCount++
		report.Details = append(report.Details, detail)
	}

	// Committing: the report is persisted with the batch it describes.
	report.FinishedAt = e.cfg.Now().UTC()
	if err := tx.SaveRunReport(ctx, report); err != nil {
		return failedReport(report, ErrorKindPersistence), fmt.Errorf("save run report: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return failedReport(report, ErrorKindPersistence), fmt.Errorf("commit run: %w", err)
	}
	committed = true
	return report, nil
}

// ComputeScore recalculates and persists one entry's score outside a run,
// e.g. to refresh a displayed ranking without allocating.
func (e *Engine) ComputeScore(ctx context.Context, entryID uuid.UUID) (models.ScoreResult, error) {
	entry, err := e.store.EntryByID(ctx, entryID)
	if err != nil {
		return models.ScoreResult{}, fmt.Errorf("load entry: %w", err)
	}
	crits, err := e.store.ActiveCriteria(ctx)
	if err != nil {
		return models.ScoreResult{}, fmt.Errorf("load criteria: %w", err)
	}
	total, breakdown := e.scorer.Score(entry.Child, crits)
	err = e.store.UpdateEntryScore(ctx, store.ScoreUpdate{
		EntryID:    entryID,
		TotalScore: total,
		Breakdown:  breakdown,
	})
	if err != nil {
		return models.ScoreResult{}, fmt.Errorf("persist score: %w", err)
	}
	return models.ScoreResult{EntryID: entryID, TotalScore: total, Breakdown: breakdown}, nil
}

// OrderEntries sorts waitlist entries into processing order: total score
// descending, registration timestamp ascending, entry ID ascending. The
// ordering is total, so runs over identical inputs process entries
// identically.
func OrderEntries(entries []models.WaitlistEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func failedReport(report models.RunReport, kind string) models.RunReport {
	report.Failed = true
	report.ErrorKind = kind
	return report
}

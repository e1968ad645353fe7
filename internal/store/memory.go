package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LucasSaviolo/creche-allocator/internal/models"
)

// Op names accepted by MemoryStore.FailOn.
const (
	OpCreateAllocation   = "CreateAllocation"
	OpMarkEntryAllocated = "MarkEntryAllocated"
	OpDecrementCapacity  = "DecrementCapacity"
	OpSaveRunReport      = "SaveRunReport"
	OpCommit             = "Commit"
)

// MemoryStore is an in-memory Store used by tests and local development. Run
// transactions stage their writes and apply them to a cloned state on commit,
// so a failed commit leaves nothing behind. FailOn injects a deterministic
// error into a named operation to exercise rollback paths.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState

	runMu sync.Mutex

	failOp  string
	failErr error
}

type memState struct {
	entries     map[uuid.UUID]models.WaitlistEntry
	facilities  map[uuid.UUID]models.Facility
	criteria    []models.Criterion
	allocations map[uuid.UUID]models.Allocation
	reports     map[uuid.UUID]models.RunReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		entries:     map[uuid.UUID]models.WaitlistEntry{},
		facilities:  map[uuid.UUID]models.Facility{},
		allocations: map[uuid.UUID]models.Allocation{},
		reports:     map[uuid.UUID]models.RunReport{},
	}}
}

func (s *memState) clone() *memState {
	next := &memState{
		entries:     make(map[uuid.UUID]models.WaitlistEntry, len(s.entries)),
		facilities:  make(map[uuid.UUID]models.Facility, len(s.facilities)),
		criteria:    append([]models.Criterion(nil), s.criteria...),
		allocations: make(map[uuid.UUID]models.Allocation, len(s.allocations)),
		reports:     make(map[uuid.UUID]models.RunReport, len(s.reports)),
	}
	for k, v := range s.entries {
		next.entries[k] = v
	}
	for k, v := range s.facilities {
		next.facilities[k] = v
	}
	for k, v := range s.allocations {
		next.allocations[k] = v
	}
	for k, v := range s.reports {
		next.reports[k] = v
	}
	return next
}

// Seeding and inspection helpers for tests.

func (m *MemoryStore) AddEntry(entry models.WaitlistEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.entries[entry.ID] = entry
}

func (m *MemoryStore) AddFacility(f models.Facility) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.facilities[f.ID] = f
}

func (m *MemoryStore) SetCriteria(crits []models.Criterion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.criteria = append([]models.Criterion(nil), crits...)
}

func (m *MemoryStore) Entry(id uuid.UUID) (models.WaitlistEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.state.entries[id]
	return e, ok
}

func (m *MemoryStore) Facility(id uuid.UUID) (models.Facility, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.state.facilities[id]
	return f, ok
}

func (m *MemoryStore) Allocations() []models.Allocation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allocs := make([]models.Allocation, 0, len(m.state.allocations))
	for _, a := range m.state.allocations {
		allocs = append(allocs, a)
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].ID.String() < allocs[j].ID.String() })
	return allocs
}

// FailOn makes the named operation return err. Pass an empty op to clear.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOp = op
	m.failErr = err
}

func (m *MemoryStore) injectedErr(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failOp == op {
		return m.failErr
	}
	return nil
}

// BeginRun takes the run lock without blocking, mirroring the advisory lock
// behavior of the Postgres store.
func (m *MemoryStore) BeginRun(ctx context.Context) (RunTx, error) {
	if !m.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	return &memRunTx{store: m}, nil
}

func (m *MemoryStore) WaitingEntries(ctx context.Context) ([]models.WaitlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.waitingEntries(), nil
}

func (m *MemoryStore) EntryByID(ctx context.Context, id uuid.UUID) (models.WaitlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.state.entries[id]
	if !ok {
		return models.WaitlistEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemoryStore) ActiveFacilities(ctx context.Context) ([]models.Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.activeFacilities(), nil
}

func (m *MemoryStore) ActiveCriteria(ctx context.Context) ([]models.Criterion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.activeCriteria(), nil
}

func (m *MemoryStore) UpdateEntryScore(ctx context.Context, in ScoreUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateEntryScore(in)
}

func (m *MemoryStore) RunReportByID(ctx context.Context, id uuid.UUID) (models.RunReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	report, ok := m.state.reports[id]
	if !ok {
		return models.RunReport{}, ErrNotFound
	}
	return report, nil
}

func (m *MemoryStore) CancelAllocation(ctx context.Context, id uuid.UUID) (models.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.state.allocations[id]
	if !ok || alloc.Status != models.AllocationStatusActive {
		return models.Allocation{}, ErrNotFound
	}
	alloc.Status = models.AllocationStatusCancelled
	m.state.allocations[id] = alloc
	if f, ok := m.state.facilities[alloc.FacilityID]; ok && f.RemainingCapacity < f.TotalCapacity {
		f.RemainingCapacity++
		m.state.facilities[alloc.FacilityID] = f
	}
	return alloc, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *memState) waitingEntries() []models.WaitlistEntry {
	var entries []models.WaitlistEntry
	for _, e := range s.entries {
		if e.Status == models.EntryStatusWaiting {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].RegisteredAt.Equal(entries[j].RegisteredAt) {
			return entries[i].RegisteredAt.Before(entries[j].RegisteredAt)
		}
		return entries[i].ID.String() < entries[j].ID.String()
	})
	return entries
}

func (s *memState) activeFacilities() []models.Facility {
	var facilities []models.Facility
	for _, f := range s.facilities {
		if f.Active {
			facilities = append(facilities, f)
		}
	}
	sort.Slice(facilities, func(i, j int) bool { return facilities[i].ID.String() < facilities[j].ID.String() })
	return facilities
}

func (s *memState) allFacilities() []models.Facility {
	facilities := make([]models.Facility, 0, len(s.facilities))
	for _, f := range s.facilities {
		facilities = append(facilities, f)
	}
	sort.Slice(facilities, func(i, j int) bool { return facilities[i].ID.String() < facilities[j].ID.String() })
	return facilities
}

func (s *memState) activeCriteria() []models.Criterion {
	var crits []models.Criterion
	for _, c := range s.criteria {
		if c.Active {
			crits = append(crits, c)
		}
	}
	sort.Slice(crits, func(i, j int) bool { return crits[i].Name < crits[j].Name })
	return crits
}

func (s *memState) updateEntryScore(in ScoreUpdate) error {
	entry, ok := s.entries[in.EntryID]
	if !ok {
		return ErrNotFound
	}
	entry.TotalScore = in.TotalScore
	entry.Breakdown = append([]models.ScoreComponent(nil), in.Breakdown...)
	s.entries[in.EntryID] = entry
	return nil
}

// memRunTx stages mutations and applies them to a cloned state on commit.
type memRunTx struct {
	store  *MemoryStore
	staged []func(*memState) error
	done   bool
}

func (t *memRunTx) WaitingEntries(ctx context.Context) ([]models.WaitlistEntry, error) {
	return t.store.WaitingEntries(ctx)
}

func (t *memRunTx) Facilities(ctx context.Context) ([]models.Facility, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.state.allFacilities(), nil
}

func (t *memRunTx) ActiveCriteria(ctx context.Context) ([]models.Criterion, error) {
	return t.store.ActiveCriteria(ctx)
}

func (t *memRunTx) UpdateEntryScore(ctx context.Context, in ScoreUpdate) error {
	t.staged = append(t.staged, func(s *memState) error {
		return s.updateEntryScore(in)
	})
	return nil
}

func (t *memRunTx) CreateAllocation(ctx context.Context, in AllocationInput) (models.Allocation, error) {
	if err := t.store.injectedErr(OpCreateAllocation); err != nil {
		return models.Allocation{}, err
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	alloc := models.Allocation{
		ID:         in.ID,
		ChildID:    in.ChildID,
		FacilityID: in.FacilityID,
		StartDate:  in.StartDate,
		Status:     models.AllocationStatusActive,
		CreatedAt:  time.Now().UTC(),
	}
	t.staged = append(t.staged, func(s *memState) error {
		s.allocations[alloc.ID] = alloc
		return nil
	})
	return alloc, nil
}

func (t *memRunTx) MarkEntryAllocated(ctx context.Context, entryID uuid.UUID) error {
	if err := t.store.injectedErr(OpMarkEntryAllocated); err != nil {
		return err
	}
	t.staged = append(t.staged, func(s *memState) error {
		entry, ok := s.entries[entryID]
		if !ok || entry.Status != models.EntryStatusWaiting {
			return ErrNotFound
		}
		entry.Status = models.EntryStatusAllocated
		s.entries[entryID] = entry
		return nil
	})
	return nil
}

func (t *memRunTx) DecrementCapacity(ctx context.Context, facilityID uuid.UUID) error {
	if err := t.store.injectedErr(OpDecrementCapacity); err != nil {
		return err
	}
	t.staged = append(t.staged, func(s *memState) error {
		f, ok := s.facilities[facilityID]
		if !ok {
			return ErrNotFound
		}
		if f.RemainingCapacity <= 0 {
			return fmt.Errorf("facility %s has no remaining capacity", facilityID)
		}
		f.RemainingCapacity--
		s.facilities[facilityID] = f
		return nil
	})
	return nil
}

func (t *memRunTx) SaveRunReport(ctx context.Context, report models.RunReport) error {
	if err := t.store.injectedErr(OpSaveRunReport); err != nil {
		return err
	}
	t.staged = append(t.staged, func(s *memState) error {
		s.reports[report.RunID] = report
		return nil
	})
	return nil
}

func (t *memRunTx) Commit() error {
	if t.done {
		return fmt.Errorf("run tx already finished")
	}
	t.done = true
	defer t.store.runMu.Unlock()

	if err := t.store.injectedErr(OpCommit); err != nil {
		return err
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	next := t.store.state.clone()
	for _, apply := range t.staged {
		if err := apply(next); err != nil {
			return fmt.Errorf("apply staged write: %w", err)
		}
	}
	t.store.state = next
	return nil
}

func (t *memRunTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.staged = nil
	t.store.runMu.Unlock()
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/LucasSaviolo/creche-allocator/internal/models"
)

// runLockKey is the advisory lock key that serializes allocation runs.
const runLockKey = int64(7_420_011)

// PGStore persists allocator state into Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx so the read queries can be
// shared between the plain store and a run transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// BeginRun opens the run transaction and takes the advisory run lock without
// blocking. A second caller gets ErrRunInProgress immediately; the lock is
// released automatically on commit or rollback.
func (s *PGStore) BeginRun(ctx context.Context) (RunTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	var acquired bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, runLockKey).Scan(&acquired); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		_ = tx.Rollback()
		return nil, ErrRunInProgress
	}
	return &pgRunTx{tx: tx}, nil
}

func (s *PGStore) WaitingEntries(ctx context.Context) ([]models.WaitlistEntry, error) {
	return waitingEntries(ctx, s.db)
}

func (s *PGStore) EntryByID(ctx context.Context, id uuid.UUID) (models.WaitlistEntry, error) {
	const query = `
		SELECT e.id, e.preferences, e.total_score, e.breakdown, e.registered_at, e.status,
		       c.id, c.full_name, c.birth_date, c.special_needs, c.low_income, c.single_guardian, c.sibling_enrolled
		FROM waitlist_entries e
		JOIN children c ON c.id = e.child_id
		WHERE e.id = $1
	`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WaitlistEntry{}, ErrNotFound
		}
		return models.WaitlistEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

func (s *PGStore) ActiveFacilities(ctx context.Context) ([]models.Facility, error) {
	return activeFacilities(ctx, s.db)
}

func (s *PGStore) ActiveCriteria(ctx context.Context) ([]models.Criterion, error) {
	return activeCriteria(ctx, s.db)
}

func (s *PGStore) UpdateEntryScore(ctx context.Context, in ScoreUpdate) error {
	return updateEntryScore(ctx, s.db, in)
}

func (s *PGStore) RunReportByID(ctx context.Context, id uuid.UUID) (models.RunReport, error) {
	const query = `
		SELECT started_at, finished_at, allocated_count, unplaced_count, details, failed, error_kind
		FROM run_reports
		WHERE id = $1
	`
	var (
		report  models.RunReport
		details []byte
		kind    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&report.StartedAt,
		&report.FinishedAt,
		&report.AllocatedCount,
		&report.UnplacedCount,
		&details,
		&report.Failed,
		&kind,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunReport{}, ErrNotFound
		}
		return models.RunReport{}, fmt.Errorf("get run report: %w", err)
	}
	report.RunID = id
	if kind.Valid {
		report.ErrorKind = kind.String
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &report.Details); err != nil {
			return models.RunReport{}, fmt.Errorf("decode run details: %w", err)
		}
	}
	return report, nil
}

// CancelAllocation flips an active allocation to cancelled and returns its
// capacity unit to the facility, atomically.
func (s *PGStore) CancelAllocation(ctx context.Context, id uuid.UUID) (models.Allocation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Allocation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const cancel = `
		UPDATE allocations
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'active'
		RETURNING child_id, facility_id, start_date, created_at
	`
	alloc := models.Allocation{ID: id, Status: models.AllocationStatusCancelled}
	err = tx.QueryRowContext(ctx, cancel, id).Scan(&alloc.ChildID, &alloc.FacilityID, &alloc.StartDate, &alloc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Allocation{}, ErrNotFound
		}
		return models.Allocation{}, fmt.Errorf("cancel allocation: %w", err)
	}

	const release = `
		UPDATE facilities
		SET remaining_capacity = LEAST(remaining_capacity + 1, total_capacity)
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, release, alloc.FacilityID); err != nil {
		return models.Allocation{}, fmt.Errorf("release capacity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Allocation{}, fmt.Errorf("commit cancel: %w", err)
	}
	return alloc, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

// pgRunTx is the transactional view used by one allocation run.
type pgRunTx struct {
	tx *sql.Tx
}

func (t *pgRunTx) WaitingEntries(ctx context.Context) ([]models.WaitlistEntry, error) {
	return waitingEntries(ctx, t.tx)
}

func (t *pgRunTx) Facilities(ctx context.Context) ([]models.Facility, error) {
	return allFacilities(ctx, t.tx)
}

func (t *pgRunTx) ActiveCriteria(ctx context.Context) ([]models.Criterion, error) {
	return activeCriteria(ctx, t.tx)
}

func (t *pgRunTx) UpdateEntryScore(ctx context.Context, in ScoreUpdate) error {
	return updateEntryScore(ctx, t.tx, in)
}

func (t *pgRunTx) CreateAllocation(ctx context.Context, in AllocationInput) (models.Allocation, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO allocations (id, child_id, facility_id, start_date, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING created_at
	`
	var created time.Time
	if err := t.tx.QueryRowContext(ctx, query, in.ID, in.ChildID, in.FacilityID, in.StartDate).Scan(&created); err != nil {
		return models.Allocation{}, fmt.Errorf("insert allocation: %w", err)
	}
	return models.Allocation{
		ID:         in.ID,
		ChildID:    in.ChildID,
		FacilityID: in.FacilityID,
		StartDate:  in.StartDate,
		Status:     models.AllocationStatusActive,
		CreatedAt:  created,
	}, nil
}

func (t *pgRunTx) MarkEntryAllocated(ctx context.Context, entryID uuid.UUID) error {
	const query = `
		UPDATE waitlist_entries
		SET status = 'allocated'
		WHERE id = $1 AND status = 'waiting'
	`
	res, err := t.tx.ExecContext(ctx, query, entryID)
	if err != nil {
		return fmt.Errorf("mark entry allocated: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgRunTx) DecrementCapacity(ctx context.Context, facilityID uuid.UUID) error {
	const query = `
		UPDATE facilities
		SET remaining_capacity = remaining_capacity - 1
		WHERE id = $1 AND remaining_capacity > 0
	`
	res, err := t.tx.ExecContext(ctx, query, facilityID)
	if err != nil {
		return fmt.Errorf("decrement capacity: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("decrement capacity: facility %s has no remaining capacity", facilityID)
	}
	return nil
}

func (t *pgRunTx) SaveRunReport(ctx context.Context, report models.RunReport) error {
	details, err := json.Marshal(report.Details)
	if err != nil {
		return fmt.Errorf("encode run details: %w", err)
	}
	const query = `
		INSERT INTO run_reports (id, started_at, finished_at, allocated_count, unplaced_count, details, failed, error_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = t.tx.ExecContext(ctx, query,
		report.RunID,
		report.StartedAt,
		report.FinishedAt,
		report.AllocatedCount,
		report.UnplacedCount,
		details,
		report.Failed,
		nullString(report.ErrorKind),
	)
	if err != nil {
		return fmt.Errorf("insert run report: %w", err)
	}
	return nil
}

func (t *pgRunTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit run tx: %w", err)
	}
	return nil
}

func (t *pgRunTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback run tx: %w", err)
	}
	return nil
}

func waitingEntries(ctx context.Context, q querier) ([]models.WaitlistEntry, error) {
	const query = `
		SELECT e.id, e.preferences, e.total_score, e.breakdown, e.registered_at, e.status,
		       c.id, c.full_name, c.birth_date, c.special_needs, c.low_income, c.single_guardian, c.sibling_enrolled
		FROM waitlist_entries e
		JOIN children c ON c.id = e.child_id
		WHERE e.status = 'waiting'
		ORDER BY e.registered_at, e.id
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query waiting entries: %w", err)
	}
	defer rows.Close()

	var entries []models.WaitlistEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.WaitlistEntry, error) {
	var (
		entry     models.WaitlistEntry
		prefs     pq.StringArray
		breakdown []byte
	)
	err := row.Scan(
		&entry.ID,
		&prefs,
		&entry.TotalScore,
		&breakdown,
		&entry.RegisteredAt,
		&entry.Status,
		&entry.Child.ID,
		&entry.Child.FullName,
		&entry.Child.BirthDate,
		&entry.Child.SpecialNeeds,
		&entry.Child.LowIncome,
		&entry.Child.SingleGuardian,
		&entry.Child.SiblingEnrolled,
	)
	if err != nil {
		return models.WaitlistEntry{}, err
	}
	entry.Preferences = make([]uuid.UUID, 0, len(prefs))
	for _, raw := range prefs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return models.WaitlistEntry{}, fmt.Errorf("parse preference %q: %w", raw, err)
		}
		entry.Preferences = append(entry.Preferences, id)
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &entry.Breakdown); err != nil {
			return models.WaitlistEntry{}, fmt.Errorf("decode breakdown: %w", err)
		}
	}
	return entry, nil
}

func activeFacilities(ctx context.Context, q querier) ([]models.Facility, error) {
	const query = `
		SELECT id, name, active, total_capacity, remaining_capacity, accepted_ages
		FROM facilities
		WHERE active = TRUE
		ORDER BY id
	`
	return queryFacilities(ctx, q, query)
}

func allFacilities(ctx context.Context, q querier) ([]models.Facility, error) {
	const query = `
		SELECT id, name, active, total_capacity, remaining_capacity, accepted_ages
		FROM facilities
		ORDER BY id
	`
	return queryFacilities(ctx, q, query)
}

func queryFacilities(ctx context.Context, q querier, query string) ([]models.Facility, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query facilities: %w", err)
	}
	defer rows.Close()

	var facilities []models.Facility
	for rows.Next() {
		var (
			f    models.Facility
			ages pq.Int64Array
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Active, &f.TotalCapacity, &f.RemainingCapacity, &ages); err != nil {
			return nil, fmt.Errorf("scan facility: %w", err)
		}
		f.AcceptedAges = make([]int, 0, len(ages))
		for _, a := range ages {
			f.AcceptedAges = append(f.AcceptedAges, int(a))
		}
		facilities = append(facilities, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facilities: %w", err)
	}
	return facilities, nil
}

func activeCriteria(ctx context.Context, q querier) ([]models.Criterion, error) {
	const query = `
		SELECT id, name, weight, active
		FROM criteria
		WHERE active = TRUE
		ORDER BY name
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query criteria: %w", err)
	}
	defer rows.Close()

	var crits []models.Criterion
	for rows.Next() {
		var c models.Criterion
		if err := rows.Scan(&c.ID, &c.Name, &c.Weight, &c.Active); err != nil {
			return nil, fmt.Errorf("scan criterion: %w", err)
		}
		crits = append(crits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate criteria: %w", err)
	}
	return crits, nil
}

func updateEntryScore(ctx context.Context, q querier, in ScoreUpdate) error {
	breakdown, err := json.Marshal(in.Breakdown)
	if err != nil {
		return fmt.Errorf("encode breakdown: %w", err)
	}
	const query = `
		UPDATE waitlist_entries
		SET total_score = $2, breakdown = $3
		WHERE id = $1
	`
	res, err := q.ExecContext(ctx, query, in.EntryID, in.TotalScore, breakdown)
	if err != nil {
		return fmt.Errorf("update entry score: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

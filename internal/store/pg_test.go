package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucasSaviolo/creche-allocator/internal/criteria"
	"github.com/LucasSaviolo/creche-allocator/internal/engine"
	"github.com/LucasSaviolo/creche-allocator/internal/scoring"
	"github.com/LucasSaviolo/creche-allocator/internal/store"
)

var runDate = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newPGEngine(st store.Store) *engine.Engine {
	scorer := scoring.New(criteria.NewRegistry())
	return engine.New(st, scorer, engine.Config{
		Now: func() time.Time { return runDate },
	})
}

func entryColumns() []string {
	return []string{
		"id", "preferences", "total_score", "breakdown", "registered_at", "status",
		"child_id", "full_name", "birth_date", "special_needs", "low_income", "single_guardian", "sibling_enrolled",
	}
}

func facilityColumns() []string {
	return []string{"id", "name", "active", "total_capacity", "remaining_capacity", "accepted_ages"}
}

func TestBeginRunLockDenied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	st := store.NewPGStore(db)
	_, err = st.BeginRun(context.Background())
	require.ErrorIs(t, err, store.ErrRunInProgress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRunCommitsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	entryID := uuid.New()
	childID := uuid.New()
	facilityID := uuid.New()
	registered := runDate.AddDate(0, -2, 0)
	birth := runDate.AddDate(-2, -1, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectQuery("FROM waitlist_entries e").
		WillReturnRows(sqlmock.NewRows(entryColumns()).AddRow(
			entryID.String(), fmt.Sprintf("{%s}", facilityID), 10.0, []byte(`[]`), registered, "waiting",
			childID.String(), "Test Child", birth, false, false, false, false,
		))
	mock.ExpectQuery("FROM facilities").
		WillReturnRows(sqlmock.NewRows(facilityColumns()).AddRow(
			facilityID.String(), "Unit A", true, 1, 1, "{1,2,3}",
		))
	mock.ExpectQuery("FROM criteria").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "weight", "active"}))
	mock.ExpectQuery("INSERT INTO allocations").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(runDate))
	mock.ExpectExec("UPDATE waitlist_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE facilities").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_reports").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := store.NewPGStore(db)
	report, err := newPGEngine(st).ExecuteRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.AllocatedCount)
	assert.Equal(t, 0, report.UnplacedCount)
	assert.False(t, report.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRunRollsBackOnStagedWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	entryID := uuid.New()
	childID := uuid.New()
	facilityID := uuid.New()
	registered := runDate.AddDate(0, -2, 0)
	birth := runDate.AddDate(-2, -1, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectQuery("FROM waitlist_entries e").
		WillReturnRows(sqlmock.NewRows(entryColumns()).AddRow(
			entryID.String(), fmt.Sprintf("{%s}", facilityID), 10.0, []byte(`[]`), registered, "waiting",
			childID.String(), "Test Child", birth, false, false, false, false,
		))
	mock.ExpectQuery("FROM facilities").
		WillReturnRows(sqlmock.NewRows(facilityColumns()).AddRow(
			facilityID.String(), "Unit A", true, 1, 1, "{1,2,3}",
		))
	mock.ExpectQuery("FROM criteria").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "weight", "active"}))
	mock.ExpectQuery("INSERT INTO allocations").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	st := store.NewPGStore(db)
	report, err := newPGEngine(st).ExecuteRun(context.Background())
	require.Error(t, err)
	assert.True(t, report.Failed)
	assert.Equal(t, engine.ErrorKindPersistence, report.ErrorKind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelAllocationReleasesCapacity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	allocID := uuid.New()
	childID := uuid.New()
	facilityID := uuid.New()
	start := runDate.AddDate(0, -1, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE allocations").
		WithArgs(allocID).
		WillReturnRows(sqlmock.NewRows([]string{"child_id", "facility_id", "start_date", "created_at"}).
			AddRow(childID.String(), facilityID.String(), start, start))
	mock.ExpectExec("UPDATE facilities").
		WithArgs(facilityID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := store.NewPGStore(db)
	alloc, err := st.CancelAllocation(context.Background(), allocID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", alloc.Status)
	assert.Equal(t, facilityID, alloc.FacilityID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelAllocationNotActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	allocID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE allocations").
		WithArgs(allocID).
		WillReturnRows(sqlmock.NewRows([]string{"child_id", "facility_id", "start_date", "created_at"}))
	mock.ExpectRollback()

	st := store.NewPGStore(db)
	_, err = st.CancelAllocation(context.Background(), allocID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEntryScoreNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE waitlist_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	st := store.NewPGStore(db)
	err = st.UpdateEntryScore(context.Background(), store.ScoreUpdate{EntryID: uuid.New(), TotalScore: 5})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

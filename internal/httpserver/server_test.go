package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucasSaviolo/creche-allocator/internal/auth"
	"github.com/LucasSaviolo/creche-allocator/internal/criteria"
	"github.com/LucasSaviolo/creche-allocator/internal/engine"
	"github.com/LucasSaviolo/creche-allocator/internal/httpserver"
	"github.com/LucasSaviolo/creche-allocator/internal/models"
	"github.com/LucasSaviolo/creche-allocator/internal/scoring"
	"github.com/LucasSaviolo/creche-allocator/internal/store"
)

var runDate = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type capturingPublisher struct {
	reports []models.RunReport
}

func (c *capturingPublisher) PublishRunReport(ctx context.Context, report models.RunReport) error {
	c.reports = append(c.reports, report)
	return nil
}

func (c *capturingPublisher) Close() error { return nil }

func seedStore() (*store.MemoryStore, models.Facility, models.WaitlistEntry) {
	st := store.NewMemoryStore()
	fac := models.Facility{
		ID:                uuid.New(),
		Name:              "Unit A",
		Active:            true,
		TotalCapacity:     1,
		RemainingCapacity: 1,
		AcceptedAges:      []int{1, 2, 3},
	}
	st.AddFacility(fac)
	entry := models.WaitlistEntry{
		ID: uuid.New(),
		Child: models.Child{
			ID:        uuid.New(),
			FullName:  "Test Child",
			BirthDate: runDate.AddDate(-2, -1, 0),
			LowIncome: true,
		},
		Preferences:  []uuid.UUID{fac.ID},
		TotalScore:   5,
		RegisteredAt: runDate.AddDate(0, -1, 0),
		Status:       models.EntryStatusWaiting,
	}
	st.AddEntry(entry)
	st.SetCriteria([]models.Criterion{
		{ID: uuid.New(), Name: "low_income", Weight: 2, Active: true},
	})
	return st, fac, entry
}

func newTestServer(st *store.MemoryStore, verifier *auth.Verifier, publisher *capturingPublisher) *httptest.Server {
	scorer := scoring.New(criteria.NewRegistry())
	eng := engine.New(st, scorer, engine.Config{Now: func() time.Time { return runDate }})
	srv := httpserver.New(eng, st, verifier, publisher, nil)
	return httptest.NewServer(srv.Router())
}

func TestExecuteRunEndpoint(t *testing.T) {
	st, fac, entry := seedStore()
	publisher := &capturingPublisher{}
	ts := newTestServer(st, auth.NewVerifier(""), publisher)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report models.RunReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 1, report.AllocatedCount)
	assert.Equal(t, 0, report.UnplacedCount)

	// Committed report was fanned out and is retrievable.
	require.Len(t, publisher.reports, 1)
	assert.Equal(t, report.RunID, publisher.reports[0].RunID)

	getResp, err := http.Get(ts.URL + "/runs/" + report.RunID.String())
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	gotFac, _ := st.Facility(fac.ID)
	assert.Equal(t, 0, gotFac.RemainingCapacity)
	gotEntry, _ := st.Entry(entry.ID)
	assert.Equal(t, models.EntryStatusAllocated, gotEntry.Status)
}

func TestExecuteRunConflict(t *testing.T) {
	st, _, _ := seedStore()
	ts := newTestServer(st, auth.NewVerifier(""), &capturingPublisher{})
	defer ts.Close()

	tx, err := st.BeginRun(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	resp, err := http.Post(ts.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var report models.RunReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.Failed)
	assert.Equal(t, engine.ErrorKindConcurrentRun, report.ErrorKind)
}

func TestComputeScoreEndpoint(t *testing.T) {
	st, _, entry := seedStore()
	ts := newTestServer(st, auth.NewVerifier(""), &capturingPublisher{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/waitlist/"+entry.ID.String()+"/score", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result models.ScoreResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2.0, result.TotalScore)

	resp2, err := http.Post(ts.URL+"/waitlist/"+uuid.NewString()+"/score", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestWaitlistEndpointOrdersEntries(t *testing.T) {
	st, fac, _ := seedStore()
	low := models.WaitlistEntry{
		ID:           uuid.New(),
		Child:        models.Child{ID: uuid.New(), BirthDate: runDate.AddDate(-2, -1, 0)},
		Preferences:  []uuid.UUID{fac.ID},
		TotalScore:   1,
		RegisteredAt: runDate.AddDate(0, -2, 0),
		Status:       models.EntryStatusWaiting,
	}
	st.AddEntry(low)
	ts := newTestServer(st, auth.NewVerifier(""), &capturingPublisher{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/waitlist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []models.WaitlistEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, 5.0, body.Entries[0].TotalScore)
	assert.Equal(t, 1.0, body.Entries[1].TotalScore)
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	st, _, _ := seedStore()
	verifier := auth.NewVerifier("test-secret")
	ts := newTestServer(st, verifier, &capturingPublisher{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Read routes stay open.
	getResp, err := http.Get(ts.URL + "/waitlist")
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	token, err := verifier.IssueToken("operator", time.Minute)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authResp.Body.Close()
	assert.Equal(t, http.StatusOK, authResp.StatusCode)
}

func TestCancelAllocationEndpoint(t *testing.T) {
	st, fac, _ := seedStore()
	ts := newTestServer(st, auth.NewVerifier(""), &capturingPublisher{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	allocs := st.Allocations()
	require.Len(t, allocs, 1)

	cancelResp, err := http.Post(ts.URL+"/allocations/"+allocs[0].ID.String()+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer cancelResp.Body.Close()
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)

	gotFac, _ := st.Facility(fac.ID)
	assert.Equal(t, 1, gotFac.RemainingCapacity)

	// Cancelling twice is a 404: the allocation is no longer active.
	again, err := http.Post(ts.URL+"/allocations/"+allocs[0].ID.String()+"/cancel", "application/json", nil)
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

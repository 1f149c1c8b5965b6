package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/sfscan/pkg/audit"
)

const (
	testYear         = 2026
	testMonth        = 3
	testDurationMS   = 4200
	testFilterLimit  = 10
	testFilterOffset = 5
	testSessionID    = "7c2e0b9d-5b8c-4f0e-9f3a-1d2c3b4a5e6f"
)

func newTestEvent() audit.Event {
	return audit.Event{
		ID:           "evt-123",
		Timestamp:    time.Date(testYear, testMonth, 15, 10, 30, 0, 0, time.UTC),
		DurationMS:   testDurationMS,
		SessionID:    testSessionID,
		Type:         audit.EventTypeRetrieve,
		Strategy:     "metadata",
		Success:      false,
		ErrorKind:    "artifact_missing",
		ErrorMessage: "retrieved content is empty or too small",
		Details:      map[string]any{"content_bytes": float64(0)},
	}
}

func eventRow(event audit.Event) []driver.Value {
	details, _ := json.Marshal(event.Details)
	return []driver.Value{
		event.ID, event.Timestamp, event.DurationMS, event.SessionID,
		string(event.Type), event.Method, event.Strategy, event.Success,
		event.ErrorKind, event.ErrorMessage, details,
	}
}

func TestNew(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	t.Run("custom retention", func(t *testing.T) {
		store := New(db, Config{RetentionDays: 7})
		assert.Equal(t, 7, store.retentionDays)
	})

	t.Run("default retention when zero", func(t *testing.T) {
		store := New(db, Config{})
		assert.Equal(t, defaultRetentionDays, store.retentionDays)
	})
}

func TestLog_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	event := newTestEvent()
	details, err := json.Marshal(event.Details)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO pipeline_events").WithArgs(
		event.ID,
		event.Timestamp,
		event.DurationMS,
		event.SessionID,
		"retrieve",
		event.Method,
		event.Strategy,
		event.Success,
		event.ErrorKind,
		event.ErrorMessage,
		details,
		"2026-03-15",
	).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Log(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLog_NilDetails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	event := newTestEvent()
	event.Details = nil

	mock.ExpectExec("INSERT INTO pipeline_events").WithArgs(
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg(), []byte("{}"), sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Log(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLog_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	mock.ExpectExec("INSERT INTO pipeline_events").WillReturnError(errors.New("connection refused"))

	err = store.Log(context.Background(), newTestEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting pipeline event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_NoFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	event := newTestEvent()
	mock.ExpectQuery("SELECT .+ FROM pipeline_events ORDER BY timestamp DESC").
		WillReturnRows(sqlmock.NewRows(eventColumns).AddRow(eventRow(event)...))

	results, err := store.Query(context.Background(), audit.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, event, results[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_AllFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	start := time.Date(testYear, testMonth, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(testYear, testMonth, 31, 0, 0, 0, 0, time.UTC)
	success := false

	mock.ExpectQuery("SELECT .+ FROM pipeline_events WHERE").WithArgs(
		start, end, testSessionID, "retrieve", false, testFilterLimit, testFilterOffset,
	).WillReturnRows(sqlmock.NewRows(eventColumns))

	results, err := store.Query(context.Background(), audit.QueryFilter{
		StartTime: &start,
		EndTime:   &end,
		SessionID: testSessionID,
		Type:      audit.EventTypeRetrieve,
		Success:   &success,
		Limit:     testFilterLimit,
		Offset:    testFilterOffset,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	mock.ExpectQuery("SELECT .+ FROM pipeline_events").WillReturnError(errors.New("db unavailable"))

	results, err := store.Query(context.Background(), audit.QueryFilter{})
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Contains(t, err.Error(), "querying pipeline events")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_ScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	rows := sqlmock.NewRows([]string{"id", "timestamp"}).AddRow("evt-1", "not-a-timestamp")
	mock.ExpectQuery("SELECT .+ FROM pipeline_events").WillReturnRows(rows)

	_, err = store.Query(context.Background(), audit.QueryFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanning pipeline event row")
}

func TestCleanup(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		store := New(db, Config{RetentionDays: 7})
		mock.ExpectExec("DELETE FROM pipeline_events WHERE timestamp").
			WillReturnResult(sqlmock.NewResult(0, 3))

		require.NoError(t, store.Cleanup(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		store := New(db, Config{RetentionDays: 7})
		mock.ExpectExec("DELETE FROM pipeline_events WHERE timestamp").
			WillReturnError(errors.New("cleanup failed"))

		err = store.Cleanup(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cleaning up pipeline events")
	})
}

func TestCleanupRoutine_StartAndClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.MatchExpectationsInOrder(false)
	for range 100 {
		mock.ExpectExec("DELETE FROM pipeline_events").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	store := New(db, Config{})
	store.StartCleanupRoutine(10 * time.Millisecond)
	time.Sleep(35 * time.Millisecond)
	require.NoError(t, store.Close())
}

func TestClose_WithoutRoutine(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.NoError(t, New(db, Config{}).Close())
}

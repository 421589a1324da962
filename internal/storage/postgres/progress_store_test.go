package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func newProgressMock(t *testing.T) (*ProgressStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := NewProgressStore(mock,
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return "11111111-1111-1111-1111-111111111111" }),
	)
	return s, mock
}

func TestShouldScrape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rows  *pgxmock.Rows
		noRow bool
		want  bool
	}{
		{name: "no record", noRow: true, want: true},
		{name: "idle", rows: pgxmock.NewRows([]string{"status", "exhausted"}).AddRow("idle", false), want: true},
		{name: "failed", rows: pgxmock.NewRows([]string{"status", "exhausted"}).AddRow("failed", false), want: true},
		{name: "in progress", rows: pgxmock.NewRows([]string{"status", "exhausted"}).AddRow("in_progress", false), want: false},
		{name: "exhausted", rows: pgxmock.NewRows([]string{"status", "exhausted"}).AddRow("completed", true), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, mock := newProgressMock(t)
			exp := mock.ExpectQuery("SELECT status, exhausted").WithArgs("myntra", "Q1")
			if tt.noRow {
				exp.WillReturnError(pgx.ErrNoRows)
			} else {
				exp.WillReturnRows(tt.rows)
			}
			got, err := s.ShouldScrape(context.Background(), "myntra", "Q1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClaimNextPageReturnsNextPage(t *testing.T) {
	t.Parallel()

	s, mock := newProgressMock(t)
	mock.ExpectExec("INSERT INTO crawl_progress").
		WithArgs("11111111-1111-1111-1111-111111111111", "myntra", "Q1", "red shoes", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE crawl_progress").
		WithArgs("myntra", "Q1", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id", "last_page", "coalesce"}).AddRow("prog-1", 2, 0))

	claim, err := s.ClaimNextPage(context.Background(), "myntra", "Q1", "red shoes")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, store.Claim{ProgressID: "prog-1", PageNumber: 3}, *claim)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPageContended(t *testing.T) {
	t.Parallel()

	s, mock := newProgressMock(t)
	mock.ExpectExec("INSERT INTO crawl_progress").
		WithArgs(pgxmock.AnyArg(), "myntra", "Q1", "red shoes", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("UPDATE crawl_progress").
		WithArgs("myntra", "Q1", testNow).
		WillReturnError(pgx.ErrNoRows)

	claim, err := s.ClaimNextPage(context.Background(), "myntra", "Q1", "red shoes")
	require.NoError(t, err)
	assert.Nil(t, claim)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPageSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	s, mock := newProgressMock(t)
	mock.ExpectExec("INSERT INTO crawl_progress").
		WillReturnError(errors.New("connection reset"))

	_, err := s.ClaimNextPage(context.Background(), "myntra", "Q1", "red shoes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPageComplete(t *testing.T) {
	t.Parallel()

	s, mock := newProgressMock(t)
	mock.ExpectExec("SET last_page = last_page \\+ 1").
		WithArgs("prog-1", 20, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkPageComplete(context.Background(), "prog-1", 20))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionsOnMissingRow(t *testing.T) {
	t.Parallel()

	s, mock := newProgressMock(t)
	mock.ExpectExec("SET exhausted = true").
		WithArgs("missing", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkExhausted(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedAndScrollOffset(t *testing.T) {
	t.Parallel()

	s, mock := newProgressMock(t)
	mock.ExpectExec("SET status = 'failed'").
		WithArgs("prog-1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET scroll_offset = \\$2").
		WithArgs("prog-1", 48, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkFailed(context.Background(), "prog-1"))
	require.NoError(t, s.UpdateScrollOffset(context.Background(), "prog-1", 48))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	s, mock := newProgressMock(t)
	crawled := testNow.Add(-time.Hour)
	mock.ExpectQuery("SELECT id::text, retailer").
		WithArgs("myntra", "Q1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "retailer", "query_hash", "query", "status", "last_page", "total_products",
			"exhausted", "scroll_offset", "last_crawled_at", "updated_at",
		}).AddRow("prog-1", "myntra", "Q1", "red shoes", "idle", 2, 40, false, 0, &crawled, testNow))

	p, err := s.Get(context.Background(), "myntra", "Q1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, p.Status)
	assert.Equal(t, 2, p.LastPage)
	assert.Equal(t, 40, p.TotalProducts)
	require.NotNil(t, p.LastCrawledAt)
	assert.True(t, p.LastCrawledAt.Equal(crawled))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProgressNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newProgressMock(t)
	mock.ExpectQuery("SELECT id::text, retailer").WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "myntra", "Q1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_progress").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

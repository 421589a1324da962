package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

func TestUpsertProducts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := NewProductStore(mock)

	products := []store.Product{
		{ID: "myntra:1", Retailer: "myntra", ExternalID: "1", Title: "Shoe", URL: "https://myntra.com/1", PriceMinor: 99900, Currency: "INR", ScrapedAt: testNow},
		{ID: "myntra:2", Retailer: "myntra", ExternalID: "2", Title: "Boot", URL: "https://myntra.com/2", Attributes: map[string]string{"size": "9"}, ScrapedAt: testNow},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO products").
		WithArgs("myntra:1", "myntra", "1", "Shoe", "https://myntra.com/1", "", int64(99900), "INR", 0.0, []byte(`{}`), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO products").
		WithArgs("myntra:2", "myntra", "2", "Boot", "https://myntra.com/2", "", int64(0), "", 0.0, []byte(`{"size":"9"}`), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertProducts(context.Background(), products))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkProductsCountsNewRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := NewProductStore(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO product_query_links").
		WithArgs("myntra:1", "Q1", "myntra", 1, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO product_query_links").
		WithArgs("myntra:2", "Q1", "myntra", 1, 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := s.LinkProducts(context.Background(), []store.ProductLink{
		{ProductID: "myntra:1", QueryHash: "Q1", Retailer: "myntra", PageNumber: 1, Rank: 1},
		{ProductID: "myntra:2", QueryHash: "Q1", Retailer: "myntra", PageNumber: 1, Rank: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkProductsRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := NewProductStore(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO product_query_links").WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	_, err = s.LinkProducts(context.Background(), []store.ProductLink{{ProductID: "x", QueryHash: "Q1", Retailer: "r", PageNumber: 1, Rank: 1}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProduct(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := NewProductStore(mock)

	mock.ExpectQuery("SELECT id, retailer, external_id").
		WithArgs("myntra:1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "retailer", "external_id", "title", "url", "image_url", "price_minor",
			"currency", "rating", "attributes", "scraped_at",
		}).AddRow("myntra:1", "myntra", "1", "Shoe", "https://myntra.com/1", "", int64(99900), "INR", 4.2, []byte(`{"color":"red"}`), testNow))

	p, err := s.GetProduct(context.Background(), "myntra:1")
	require.NoError(t, err)
	assert.Equal(t, "Shoe", p.Title)
	assert.Equal(t, int64(99900), p.PriceMinor)
	assert.Equal(t, map[string]string{"color": "red"}, p.Attributes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingLinks(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := NewProductStore(mock)

	mock.ExpectQuery("FROM product_query_links").
		WithArgs("myntra", "Q1", []string{"myntra:1", "myntra:9"}).
		WillReturnRows(pgxmock.NewRows([]string{"product_id", "query_hash", "retailer", "page_number", "rank"}).
			AddRow("myntra:1", "Q1", "myntra", 2, 3))

	links, err := s.ExistingLinks(context.Background(), "myntra", "Q1", []string{"myntra:1", "myntra:9"})
	require.NoError(t, err)
	assert.Equal(t, []store.ProductLink{{ProductID: "myntra:1", QueryHash: "Q1", Retailer: "myntra", PageNumber: 2, Rank: 3}}, links)
	require.NoError(t, mock.ExpectationsWereMet())

	empty, err := s.ExistingLinks(context.Background(), "myntra", "Q1", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

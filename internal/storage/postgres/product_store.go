package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

// ProductStore implements store.ProductRepository.
type ProductStore struct {
	db DB
}

// NewProductStore wraps db.
func NewProductStore(db DB) *ProductStore {
	return &ProductStore{db: db}
}

// UpsertProducts implements store.ProductRepository in one transaction.
func (s *ProductStore) UpsertProducts(ctx context.Context, products []store.Product) error {
	if len(products) == 0 {
		return nil
	}
	const query = `
		INSERT INTO products (id, retailer, external_id, title, url, image_url, price_minor, currency, rating, attributes, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    url = EXCLUDED.url,
		    image_url = EXCLUDED.image_url,
		    price_minor = EXCLUDED.price_minor,
		    currency = EXCLUDED.currency,
		    rating = EXCLUDED.rating,
		    attributes = EXCLUDED.attributes,
		    scraped_at = EXCLUDED.scraped_at;
	`
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin product upsert: %w", err)
	}
	for _, p := range products {
		attrs, err := marshalAttributes(p.Attributes)
		if err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if _, err := tx.Exec(ctx, query,
			p.ID, p.Retailer, p.ExternalID, p.Title, p.URL, p.ImageURL,
			p.PriceMinor, p.Currency, p.Rating, attrs, p.ScrapedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit product upsert: %w", err)
	}
	return nil
}

// LinkProducts implements store.ProductRepository.
func (s *ProductStore) LinkProducts(ctx context.Context, links []store.ProductLink) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}
	const query = `
		INSERT INTO product_query_links (product_id, query_hash, retailer, page_number, rank)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, query_hash, retailer) DO NOTHING;
	`
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin product links: %w", err)
	}
	inserted := 0
	for _, l := range links {
		tag, err := tx.Exec(ctx, query, l.ProductID, l.QueryHash, l.Retailer, l.PageNumber, l.Rank)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("failed to link product %s: %w", l.ProductID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit product links: %w", err)
	}
	return inserted, nil
}

// ExistingLinks implements store.ProductRepository.
func (s *ProductStore) ExistingLinks(ctx context.Context, retailer, queryHash string, productIDs []string) ([]store.ProductLink, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT product_id, query_hash, retailer, page_number, rank
		FROM product_query_links
		WHERE retailer = $1 AND query_hash = $2 AND product_id = ANY($3);
	`
	rows, err := s.db.Query(ctx, query, retailer, queryHash, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing links: %w", err)
	}
	defer rows.Close()
	var out []store.ProductLink
	for rows.Next() {
		var l store.ProductLink
		if err := rows.Scan(&l.ProductID, &l.QueryHash, &l.Retailer, &l.PageNumber, &l.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan product link: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate product links: %w", err)
	}
	return out, nil
}

// GetProduct implements store.ProductRepository.
func (s *ProductStore) GetProduct(ctx context.Context, id string) (store.Product, error) {
	const query = `
		SELECT id, retailer, external_id, title, url, COALESCE(image_url, ''), price_minor,
		       COALESCE(currency, ''), rating, attributes, scraped_at
		FROM products
		WHERE id = $1;
	`
	var (
		p     store.Product
		attrs []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Retailer, &p.ExternalID, &p.Title, &p.URL, &p.ImageURL,
		&p.PriceMinor, &p.Currency, &p.Rating, &attrs, &p.ScrapedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Product{}, store.ErrNotFound
	}
	if err != nil {
		return store.Product{}, fmt.Errorf("failed to get product: %w", err)
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return store.Product{}, fmt.Errorf("decode product attributes: %w", err)
		}
	}
	return p, nil
}

func marshalAttributes(attrs map[string]string) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal product attributes: %w", err)
	}
	return b, nil
}

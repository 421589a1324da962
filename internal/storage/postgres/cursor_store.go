package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// CursorStore implements store.ChatCursor over product_query_links.
type CursorStore struct {
	db DB
	options
}

// NewCursorStore wraps db.
func NewCursorStore(db DB, opts ...Option) *CursorStore {
	return &CursorStore{db: db, options: buildOptions(opts)}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetUnseenProducts implements store.ChatCursor.
func (s *CursorStore) GetUnseenProducts(
	ctx context.Context,
	chatID, queryHash string,
	retailers []string,
	limit int,
) (store.UnseenPage, error) {
	limit = clampLimit(limit)
	if retailers == nil {
		retailers = []string{}
	}

	const offsetQuery = `
		SELECT COALESCE(SUM(seen_offset), 0)
		FROM chat_cursors
		WHERE chat_id = $1 AND query_hash = $2
		  AND (cardinality($3::text[]) = 0 OR retailer = ANY($3));
	`
	var offset int64
	if err := s.db.QueryRow(ctx, offsetQuery, chatID, queryHash, retailers).Scan(&offset); err != nil {
		return store.UnseenPage{}, fmt.Errorf("failed to sum cursor offsets: %w", err)
	}

	const pageQuery = `
		SELECT p.id, p.retailer, p.external_id, p.title, p.url, COALESCE(p.image_url, ''),
		       p.price_minor, COALESCE(p.currency, ''), p.rating, p.scraped_at,
		       l.page_number, l.rank
		FROM product_query_links l
		JOIN products p ON p.id = l.product_id
		WHERE l.query_hash = $1
		  AND (cardinality($2::text[]) = 0 OR l.retailer = ANY($2))
		ORDER BY l.page_number ASC, l.rank ASC, l.product_id ASC
		LIMIT $3 OFFSET $4;
	`
	rows, err := s.db.Query(ctx, pageQuery, queryHash, retailers, limit, offset)
	if err != nil {
		return store.UnseenPage{}, fmt.Errorf("failed to query unseen products: %w", err)
	}
	defer rows.Close()

	page := store.UnseenPage{Products: []store.RankedProduct{}}
	for rows.Next() {
		var rp store.RankedProduct
		if err := rows.Scan(
			&rp.ID, &rp.Retailer, &rp.ExternalID, &rp.Title, &rp.URL, &rp.ImageURL,
			&rp.PriceMinor, &rp.Currency, &rp.Rating, &rp.ScrapedAt,
			&rp.PageNumber, &rp.Rank,
		); err != nil {
			return store.UnseenPage{}, fmt.Errorf("failed to scan unseen product: %w", err)
		}
		page.Products = append(page.Products, rp)
	}
	if err := rows.Err(); err != nil {
		return store.UnseenPage{}, fmt.Errorf("failed to iterate unseen products: %w", err)
	}

	const countQuery = `
		SELECT COUNT(*)
		FROM product_query_links
		WHERE query_hash = $1
		  AND (cardinality($2::text[]) = 0 OR retailer = ANY($2));
	`
	var total int64
	if err := s.db.QueryRow(ctx, countQuery, queryHash, retailers).Scan(&total); err != nil {
		return store.UnseenPage{}, fmt.Errorf("failed to count products: %w", err)
	}
	page.TotalAvailable = int(total)
	return page, nil
}

// advanceQuery creates or increments a cursor, never past the link count for
// the retailer and query and never backwards.
const advanceQuery = `
	INSERT INTO chat_cursors (chat_id, query_hash, retailer, seen_offset, updated_at)
	VALUES ($1, $2, $3,
	        LEAST($4, (SELECT COUNT(*) FROM product_query_links WHERE query_hash = $2 AND retailer = $3)),
	        $5)
	ON CONFLICT (chat_id, query_hash, retailer) DO UPDATE
	SET seen_offset = GREATEST(chat_cursors.seen_offset, LEAST(
	        chat_cursors.seen_offset + $4,
	        (SELECT COUNT(*) FROM product_query_links WHERE query_hash = $2 AND retailer = $3))),
	    updated_at = $5;
`

// AdvanceCursor implements store.ChatCursor.
func (s *CursorStore) AdvanceCursor(ctx context.Context, chatID, queryHash, retailer string, delta int) error {
	if delta < 0 {
		return store.ErrNegativeDelta
	}
	if delta == 0 {
		return nil
	}
	return s.advance(ctx, s.db, chatID, queryHash, retailer, delta)
}

// AdvanceCursorsForProducts implements store.ChatCursor in one transaction.
func (s *CursorStore) AdvanceCursorsForProducts(
	ctx context.Context,
	chatID, queryHash string,
	products []store.RankedProduct,
) error {
	counts := store.CountByRetailer(products)
	if len(counts) == 0 {
		return nil
	}
	retailers := make([]string, 0, len(counts))
	for r := range counts {
		retailers = append(retailers, r)
	}
	sort.Strings(retailers)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin cursor advance: %w", err)
	}
	for _, r := range retailers {
		if err := s.advance(ctx, tx, chatID, queryHash, r, counts[r]); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cursor advance: %w", err)
	}
	return nil
}

func (s *CursorStore) advance(ctx context.Context, q execer, chatID, queryHash, retailer string, delta int) error {
	if _, err := q.Exec(ctx, advanceQuery, chatID, queryHash, retailer, delta, s.now()); err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", retailer, err)
	}
	return nil
}

// ResetCursors implements store.ChatCursor.
func (s *CursorStore) ResetCursors(ctx context.Context, chatID, queryHash string) error {
	const query = `DELETE FROM chat_cursors WHERE chat_id = $1 AND query_hash = $2;`
	if _, err := s.db.Exec(ctx, query, chatID, queryHash); err != nil {
		return fmt.Errorf("failed to reset cursors: %w", err)
	}
	return nil
}

// Offsets implements store.ChatCursor.
func (s *CursorStore) Offsets(ctx context.Context, chatID, queryHash string) (map[string]int, error) {
	const query = `
		SELECT retailer, seen_offset
		FROM chat_cursors
		WHERE chat_id = $1 AND query_hash = $2;
	`
	rows, err := s.db.Query(ctx, query, chatID, queryHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			retailer string
			offset   int
		)
		if err := rows.Scan(&retailer, &offset); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		out[retailer] = offset
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cursors: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageLimit
	case limit > maxPageLimit:
		return maxPageLimit
	default:
		return limit
	}
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"prodintel/internal/model"
)

const productColumns = `id, name, category, price, url, source, image_url, description, external_id,
	rating, review_count, stock_state, first_seen, last_updated`

const upsertProductSQL = `
	INSERT INTO products
	(id, name, category, price, url, source, image_url, description, external_id,
	 rating, review_count, stock_state, first_seen, last_updated)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (url) DO UPDATE SET
		price        = EXCLUDED.price,
		last_updated = EXCLUDED.last_updated,
		name         = EXCLUDED.name,
		category     = COALESCE(NULLIF(EXCLUDED.category, ''), products.category),
		image_url    = COALESCE(NULLIF(EXCLUDED.image_url, ''), products.image_url),
		description  = COALESCE(NULLIF(EXCLUDED.description, ''), products.description),
		external_id  = COALESCE(NULLIF(EXCLUDED.external_id, ''), products.external_id),
		rating       = CASE WHEN EXCLUDED.rating > 0 THEN EXCLUDED.rating ELSE products.rating END,
		review_count = CASE WHEN EXCLUDED.review_count > 0 THEN EXCLUDED.review_count ELSE products.review_count END,
		stock_state  = CASE WHEN EXCLUDED.stock_state <> 'unknown' THEN EXCLUDED.stock_state ELSE products.stock_state END
	RETURNING id, (xmax = 0) AS inserted`

// ProductRepository stores products and their time series in Postgres.
type ProductRepository struct {
	DB *pgxpool.Pool
}

func (r *ProductRepository) UpsertProducts(ctx context.Context, products []model.CanonicalProduct) (UpsertResult, error) {
	if len(products) == 0 {
		return UpsertResult{}, nil
	}
	ordered := lockOrder(products)
	res, err := r.upsert(ctx, ordered)
	if isRetryable(err) {
		res, err = r.upsert(ctx, ordered)
	}
	return res, err
}

func (r *ProductRepository) upsert(ctx context.Context, products []model.CanonicalProduct) (UpsertResult, error) {
	var res UpsertResult
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range products {
		batch.Queue(upsertProductSQL,
			p.ID, p.Name, p.Category, toNumeric(p.Price), p.URL, p.Source, p.ImageURL, p.Description,
			p.ExternalID, p.Rating, p.ReviewCount, string(p.Stock), p.FirstSeen, p.LastUpdated)
	}
	br := tx.SendBatch(ctx, batch)
	for _, p := range products {
		var (
			id       uuid.UUID
			inserted bool
		)
		if err := br.QueryRow().Scan(&id, &inserted); err != nil {
			br.Close()
			return UpsertResult{}, fmt.Errorf("upsert %s: %w", p.URL, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := br.Close(); err != nil {
		return UpsertResult{}, fmt.Errorf("close upsert batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// lockOrder sorts a batch by URL so concurrent upserts take unique-index
// locks in the same order.
func lockOrder(products []model.CanonicalProduct) []model.CanonicalProduct {
	out := slices.Clone(products)
	slices.SortStableFunc(out, func(a, b model.CanonicalProduct) int { return strings.Compare(a.URL, b.URL) })
	return out
}

// isRetryable reports a deadlock or serialization failure.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40P01" || pgErr.Code == "40001")
}

func (r *ProductRepository) ListProducts(ctx context.Context) ([]model.CanonicalProduct, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY last_updated DESC, url`)
}

func (r *ProductRepository) RecentProducts(ctx context.Context, limit int) ([]model.CanonicalProduct, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY last_updated DESC, url LIMIT $1`, limit)
}

func (r *ProductRepository) GetProduct(ctx context.Context, id uuid.UUID) (*model.CanonicalProduct, error) {
	list, err := r.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return &list[0], nil
}

func (r *ProductRepository) DeleteProduct(ctx context.Context, id uuid.UUID) error {
	tag, err := r.DB.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return nil
}

// FilterProducts builds its WHERE clause from whichever filter fields are set.
func (r *ProductRepository) FilterProducts(ctx context.Context, f ProductFilter) ([]model.CanonicalProduct, error) {
	var (
		where  []string
		params []any
	)
	add := func(clause string, v any) {
		params = append(params, v)
		where = append(where, fmt.Sprintf(clause, len(params)))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.MinPrice != nil {
		add("price >= $%d", toNumeric(*f.MinPrice))
	}
	if f.MaxPrice != nil {
		add("price <= $%d", toNumeric(*f.MaxPrice))
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_updated DESC, url"
	if f.Limit > 0 {
		params = append(params, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(params))
	}
	return r.queryProducts(ctx, query, params...)
}

func (r *ProductRepository) queryProducts(ctx context.Context, query string, args ...any) ([]model.CanonicalProduct, error) {
	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var list []model.CanonicalProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func scanProduct(row pgx.Row, extra ...any) (model.CanonicalProduct, error) {
	var (
		p                                      model.CanonicalProduct
		price                                  pgtype.Numeric
		category, image, description, external pgtype.Text
		stock                                  string
	)
	dest := []any{&p.ID, &p.Name, &category, &price, &p.URL, &p.Source, &image, &description, &external,
		&p.Rating, &p.ReviewCount, &stock, &p.FirstSeen, &p.LastUpdated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return p, fmt.Errorf("scan product: %w", err)
	}
	p.Price = fromNumeric(price)
	p.Category, p.ImageURL, p.Description, p.ExternalID = category.String, image.String, description.String, external.String
	p.Stock = model.StockState(stock)
	return p, nil
}

func (r *ProductRepository) AppendSnapshots(ctx context.Context, snaps []model.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	_, err := r.DB.CopyFrom(ctx,
		pgx.Identifier{"price_history"},
		[]string{"id", "product_id", "price", "source", "taken_at"},
		pgx.CopyFromSlice(len(snaps), func(i int) ([]any, error) {
			s := snaps[i]
			return []any{s.ID, s.ProductID, toNumeric(s.Price), s.Source, s.TakenAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy %d snapshots: %w", len(snaps), err)
	}
	return nil
}

func (r *ProductRepository) CountSnapshotsSince(ctx context.Context, productID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx,
		`SELECT count(*) FROM price_history WHERE product_id = $1 AND taken_at >= $2`,
		productID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots of %s: %w", productID, err)
	}
	return n, nil
}

func (r *ProductRepository) SnapshotsSince(ctx context.Context, productID uuid.UUID, since time.Time) ([]model.PriceSnapshot, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, product_id, price, source, taken_at
		FROM price_history
		WHERE product_id = $1 AND taken_at >= $2
		ORDER BY taken_at ASC`, productID, since)
	if err != nil {
		return nil, fmt.Errorf("query snapshots of %s: %w", productID, err)
	}
	defer rows.Close()

	var out []model.PriceSnapshot
	for rows.Next() {
		var (
			s     model.PriceSnapshot
			price pgtype.Numeric
		)
		if err := rows.Scan(&s.ID, &s.ProductID, &price, &s.Source, &s.TakenAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.Price = fromNumeric(price)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ProductRepository) ReplaceCompetitors(ctx context.Context, productID uuid.UUID, recs []model.CompetitorRecord) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin competitors: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM competitors WHERE product_id = $1`, productID); err != nil {
		return fmt.Errorf("clear competitors of %s: %w", productID, err)
	}
	if len(recs) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"competitors"},
			[]string{"id", "product_id", "vendor", "price", "url", "stock_state", "rating", "scraped_at"},
			pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
				c := recs[i]
				return []any{c.ID, productID, c.Vendor, toNumeric(c.Price), c.URL, string(c.Stock), toNumeric(decimal.NewFromFloat(model.ClampRating(c.Rating)).Round(2)), c.ScrapedAt}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy competitors of %s: %w", productID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *ProductRepository) CompetitorCounts(ctx context.Context) (map[uuid.UUID]int, error) {
	rows, err := r.DB.Query(ctx, `SELECT product_id, count(*) FROM competitors GROUP BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("count competitors: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			id uuid.UUID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan competitor count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (r *ProductRepository) InsertTrendScores(ctx context.Context, scores []model.TrendScore) error {
	if len(scores) == 0 {
		return nil
	}
	_, err := r.DB.CopyFrom(ctx,
		pgx.Identifier{"trend_scores"},
		[]string{"id", "product_id", "score", "sales_volume", "saturation", "margin_estimate", "computed_at"},
		pgx.CopyFromSlice(len(scores), func(i int) ([]any, error) {
			s := scores[i]
			margin := pgtype.Numeric{}
			if s.MarginEstimate != nil {
				margin = toNumeric(*s.MarginEstimate)
			}
			return []any{s.ID, s.ProductID, toNumeric(decimal.NewFromFloat(s.Score).Round(2)), s.SalesVolume,
				toNumeric(decimal.NewFromFloat(s.Saturation).Round(2)), margin, s.ComputedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy %d trend scores: %w", len(scores), err)
	}
	return nil
}

const trendScoreColumns = `ts.id, ts.product_id, ts.score, ts.sales_volume, ts.saturation, ts.margin_estimate, ts.computed_at`

func (r *ProductRepository) TrendScoresSince(ctx context.Context, productID uuid.UUID, since time.Time) ([]model.TrendScore, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+trendScoreColumns+`
		FROM trend_scores ts
		WHERE ts.product_id = $1 AND ts.computed_at >= $2
		ORDER BY ts.computed_at ASC`, productID, since)
	if err != nil {
		return nil, fmt.Errorf("query trend scores of %s: %w", productID, err)
	}
	defer rows.Close()

	var out []model.TrendScore
	for rows.Next() {
		var (
			s                         model.TrendScore
			score, saturation, margin pgtype.Numeric
		)
		if err := rows.Scan(&s.ID, &s.ProductID, &score, &s.SalesVolume, &saturation, &margin, &s.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan trend score: %w", err)
		}
		fillScore(&s, score, saturation, margin)
		out = append(out, s)
	}
	return out, rows.Err()
}

// TopTrending ranks products by their most recent trend score.
func (r *ProductRepository) TopTrending(ctx context.Context, limit int) ([]ScoredProduct, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT p.id, p.name, p.category, p.price, p.url, p.source, p.image_url, p.description, p.external_id,
		       p.rating, p.review_count, p.stock_state, p.first_seen, p.last_updated,
		       `+trendScoreColumns+`
		FROM products p
		JOIN (
			SELECT DISTINCT ON (product_id) *
			FROM trend_scores
			ORDER BY product_id, computed_at DESC
		) ts ON ts.product_id = p.id
		ORDER BY ts.score DESC, p.url
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top trending: %w", err)
	}
	defer rows.Close()

	var out []ScoredProduct
	for rows.Next() {
		var (
			sp                        ScoredProduct
			score, saturation, margin pgtype.Numeric
		)
		p, err := scanProduct(rows, &sp.Score.ID, &sp.Score.ProductID, &score, &sp.Score.SalesVolume,
			&saturation, &margin, &sp.Score.ComputedAt)
		if err != nil {
			return nil, err
		}
		sp.Product = p
		fillScore(&sp.Score, score, saturation, margin)
		out = append(out, sp)
	}
	return out, rows.Err()
}

func fillScore(s *model.TrendScore, score, saturation, margin pgtype.Numeric) {
	s.Score = fromNumeric(score).InexactFloat64()
	s.Saturation = fromNumeric(saturation).InexactFloat64()
	if margin.Valid {
		m := fromNumeric(margin)
		s.MarginEstimate = &m
	}
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(new(big.Int).Set(n.Int), n.Exp)
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"prodintel/internal/model"
)

var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// UpsertResult reports what one UpsertProducts call did.
type UpsertResult struct {
	Inserted int
	Updated  int
}

type ScoredProduct struct {
	Product model.CanonicalProduct
	Score   model.TrendScore
}

type ProductFilter struct {
	Category string
	Source   string
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Limit    int
}

// ProductStore is everything the pipeline reads and writes about products.
type ProductStore interface {
	// UpsertProducts writes the batch atomically, keyed by URL. Existing rows
	// keep their id and first-seen time.
	UpsertProducts(ctx context.Context, products []model.CanonicalProduct) (UpsertResult, error)
	ListProducts(ctx context.Context) ([]model.CanonicalProduct, error)
	RecentProducts(ctx context.Context, limit int) ([]model.CanonicalProduct, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*model.CanonicalProduct, error)
	DeleteProduct(ctx context.Context, id uuid.UUID) error
	FilterProducts(ctx context.Context, f ProductFilter) ([]model.CanonicalProduct, error)

	AppendSnapshots(ctx context.Context, snaps []model.PriceSnapshot) error
	CountSnapshotsSince(ctx context.Context, productID uuid.UUID, since time.Time) (int, error)
	SnapshotsSince(ctx context.Context, productID uuid.UUID, since time.Time) ([]model.PriceSnapshot, error)

	ReplaceCompetitors(ctx context.Context, productID uuid.UUID, recs []model.CompetitorRecord) error
	CompetitorCounts(ctx context.Context) (map[uuid.UUID]int, error)

	InsertTrendScores(ctx context.Context, scores []model.TrendScore) error
	TrendScoresSince(ctx context.Context, productID uuid.UUID, since time.Time) ([]model.TrendScore, error)
	TopTrending(ctx context.Context, limit int) ([]ScoredProduct, error)
}

type AlertStore interface {
	CreateRule(ctx context.Context, rule model.AlertRule) error
	GetRule(ctx context.Context, id uuid.UUID) (*model.AlertRule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]model.AlertRule, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SetThreshold(ctx context.Context, id uuid.UUID, threshold *decimal.Decimal) error
	DeleteRule(ctx context.Context, id uuid.UUID) error
}

// Package ingest reconciles scraped records with the product store.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prodintel/internal/model"
	"prodintel/internal/observability"
	"prodintel/internal/repository"
)

const DefaultRefreshLimit = 100

type Result struct {
	Received   int
	Skipped    int
	Duplicates int
	Inserted   int
	Updated    int
}

// Written is the number of products inserted or updated.
func (r Result) Written() int { return r.Inserted + r.Updated }

type Engine struct {
	store repository.ProductStore
	log   *zap.Logger
	now   func() time.Time
}

func NewEngine(store repository.ProductStore, log *zap.Logger) *Engine {
	return &Engine{
		store: store,
		log:   observability.OrNop(log).Named("ingest"),
		now:   time.Now,
	}
}

// Ingest upserts a batch of raw records keyed by URL. The whole batch is
// written in one transaction: either every valid record lands or none does.
func (e *Engine) Ingest(ctx context.Context, raws []model.RawProductRecord) (Result, error) {
	res := Result{Received: len(raws)}
	now := e.now().UTC()

	index := make(map[string]int, len(raws))
	batch := make([]model.CanonicalProduct, 0, len(raws))
	for i, raw := range raws {
		url := strings.TrimSpace(raw.URL)
		if url == "" {
			res.Skipped++
			e.log.Warn("skipping record without url",
				zap.Int("index", i), zap.String("source", raw.Source), zap.String("name", raw.Name))
			continue
		}
		p, err := canonicalize(raw, url, now)
		if err != nil {
			res.Skipped++
			e.log.Warn("skipping record",
				zap.Int("index", i), zap.String("url", url), zap.Error(err))
			continue
		}
		if j, dup := index[url]; dup {
			res.Duplicates++
			batch[j] = p
			continue
		}
		index[url] = len(batch)
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return res, nil
	}

	up, err := e.store.UpsertProducts(ctx, batch)
	if err != nil {
		return res, fmt.Errorf("ingest %d products: %w", len(batch), err)
	}
	res.Inserted, res.Updated = up.Inserted, up.Updated
	observability.IngestedProductsTotal.WithLabelValues("insert").Add(float64(up.Inserted))
	observability.IngestedProductsTotal.WithLabelValues("update").Add(float64(up.Updated))

	e.log.Info("ingested batch",
		zap.Int("received", res.Received),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("duplicates", res.Duplicates))
	return res, nil
}

func canonicalize(raw model.RawProductRecord, url string, now time.Time) (model.CanonicalProduct, error) {
	if raw.Price.GreaterThan(model.MaxPrice) {
		return model.CanonicalProduct{}, fmt.Errorf("price %s out of range", raw.Price)
	}
	p := model.CanonicalProduct{
		ID:          uuid.New(),
		Name:        model.Truncate(strings.TrimSpace(raw.Name), model.MaxNameLen),
		Category:    model.Truncate(strings.TrimSpace(raw.Category), model.MaxCategoryLen),
		Price:       raw.Price.Round(2),
		URL:         url,
		Source:      model.Truncate(strings.TrimSpace(raw.Source), model.MaxSourceLen),
		ImageURL:    raw.ImageURL,
		Description: raw.Description,
		ExternalID:  model.Truncate(raw.ExternalID, model.MaxExternalLen),
		Rating:      model.ClampRating(raw.Rating),
		ReviewCount: min(max(raw.ReviewCount, 0), model.MaxReviewCount),
		Stock:       raw.Stock,
		FirstSeen:   now,
		LastUpdated: now,
	}
	if p.Name == "" {
		p.Name = "Unknown"
	}
	if p.Source == "" {
		p.Source = "unknown"
	}
	if p.Stock == "" {
		p.Stock = model.StockUnknown
	}
	if p.Price.IsNegative() {
		p.Price = decimal.Zero
	}
	return p, nil
}

// RefreshPrices records the current price of the most recently updated
// products as one snapshot each.
func (e *Engine) RefreshPrices(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultRefreshLimit
	}
	products, err := e.store.RecentProducts(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load products for refresh: %w", err)
	}
	now := e.now().UTC()
	snaps := make([]model.PriceSnapshot, 0, len(products))
	for _, p := range products {
		snaps = append(snaps, model.PriceSnapshot{
			ID:        uuid.New(),
			ProductID: p.ID,
			Price:     p.Price,
			Source:    p.Source,
			TakenAt:   now,
		})
	}
	if err := e.store.AppendSnapshots(ctx, snaps); err != nil {
		return 0, fmt.Errorf("append %d snapshots: %w", len(snaps), err)
	}
	e.log.Info("price snapshots recorded", zap.Int("count", len(snaps)))
	return len(snaps), nil
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodintel/internal/model"
)

func product(url string, price string, at time.Time) model.CanonicalProduct {
	return model.CanonicalProduct{
		ID:          uuid.New(),
		Name:        "Item " + url,
		Category:    "home",
		Price:       decimal.RequireFromString(price),
		URL:         url,
		Source:      "amazon",
		Stock:       model.StockInStock,
		FirstSeen:   at,
		LastUpdated: at,
	}
}

func TestMemoryStore_UpsertKeepsIdentityAndFirstSeen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := product("https://a/1", "10.00", t0)
	res, err := s.UpsertProducts(ctx, []model.CanonicalProduct{first})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	again := product("https://a/1", "8.50", t0.Add(time.Hour))
	again.Category = ""
	again.Stock = model.StockUnknown
	res, err = s.UpsertProducts(ctx, []model.CanonicalProduct{again})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	got, err := s.GetProduct(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "8.5", got.Price.String())
	assert.Equal(t, t0, got.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour), got.LastUpdated)
	assert.Equal(t, "home", got.Category)
	assert.Equal(t, model.StockInStock, got.Stock)
}

func TestMemoryStore_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	p := product("https://a/1", "1", now)
	_, err := s.UpsertProducts(ctx, []model.CanonicalProduct{p})
	require.NoError(t, err)

	require.NoError(t, s.AppendSnapshots(ctx, []model.PriceSnapshot{{ID: uuid.New(), ProductID: p.ID, TakenAt: now}}))
	require.NoError(t, s.InsertTrendScores(ctx, []model.TrendScore{{ID: uuid.New(), ProductID: p.ID, ComputedAt: now}}))
	require.NoError(t, s.ReplaceCompetitors(ctx, p.ID, []model.CompetitorRecord{{ID: uuid.New()}}))
	require.NoError(t, s.CreateRule(ctx, model.AlertRule{ID: uuid.New(), ProductID: p.ID, Kind: model.AlertNewViral, Active: true}))

	require.NoError(t, s.DeleteProduct(ctx, p.ID))

	n, _ := s.CountSnapshotsSince(ctx, p.ID, time.Time{})
	assert.Zero(t, n)
	counts, _ := s.CompetitorCounts(ctx)
	assert.Empty(t, counts)
	rules, _ := s.ListRules(ctx, false)
	assert.Empty(t, rules)
	assert.ErrorIs(t, s.DeleteProduct(ctx, p.ID), ErrNotFound)
}

func TestMemoryStore_SnapshotWindowAndTopTrending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	a, b := product("https://a", "1", now), product("https://b", "1", now)
	_, err := s.UpsertProducts(ctx, []model.CanonicalProduct{a, b})
	require.NoError(t, err)

	require.NoError(t, s.AppendSnapshots(ctx, []model.PriceSnapshot{
		{ID: uuid.New(), ProductID: a.ID, TakenAt: now.Add(-10 * 24 * time.Hour)},
		{ID: uuid.New(), ProductID: a.ID, TakenAt: now.Add(-time.Hour)},
	}))
	n, err := s.CountSnapshotsSince(ctx, a.ID, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.InsertTrendScores(ctx, []model.TrendScore{
		{ProductID: a.ID, Score: 90, ComputedAt: now.Add(-time.Hour)},
		{ProductID: a.ID, Score: 10, ComputedAt: now},
		{ProductID: b.ID, Score: 50, ComputedAt: now},
	}))
	top, err := s.TopTrending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, b.ID, top[0].Product.ID)
	assert.Equal(t, 10.0, top[1].Score.Score)
}

func TestMemoryStore_FilterProducts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	cheap := product("https://a", "5", now)
	pricey := product("https://b", "50", now)
	pricey.Source = "ebay"
	_, err := s.UpsertProducts(ctx, []model.CanonicalProduct{cheap, pricey})
	require.NoError(t, err)

	floor := decimal.NewFromInt(10)
	got, err := s.FilterProducts(ctx, ProductFilter{MinPrice: &floor})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://b", got[0].URL)

	got, err = s.FilterProducts(ctx, ProductFilter{Source: "amazon", Category: "home"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://a", got[0].URL)
}

func TestMemoryStore_RuleUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := product("https://a", "1", time.Now())
	_, err := s.UpsertProducts(ctx, []model.CanonicalProduct{p})
	require.NoError(t, err)

	assert.ErrorIs(t, s.CreateRule(ctx, model.AlertRule{ID: uuid.New(), ProductID: uuid.New()}), ErrNotFound)

	id := uuid.New()
	require.NoError(t, s.CreateRule(ctx, model.AlertRule{ID: id, ProductID: p.ID, Kind: model.AlertPriceDrop, Active: true}))
	require.NoError(t, s.SetActive(ctx, id, false))
	active, _ := s.ListRules(ctx, true)
	assert.Empty(t, active)

	th := decimal.NewFromInt(3)
	require.NoError(t, s.SetThreshold(ctx, id, &th))
	r, err := s.GetRule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "3", r.Threshold.String())
	assert.ErrorIs(t, s.SetActive(ctx, uuid.New(), true), ErrNotFound)
}

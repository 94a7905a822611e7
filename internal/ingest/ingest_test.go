package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodintel/internal/model"
	"prodintel/internal/repository"
)

func raw(url, name, price string) model.RawProductRecord {
	return model.RawProductRecord{
		Source: "amazon",
		Name:   name,
		Price:  decimal.RequireFromString(price),
		URL:    url,
		Stock:  model.StockInStock,
	}
}

func newEngine(store repository.ProductStore, now time.Time) *Engine {
	e := NewEngine(store, nil)
	e.now = func() time.Time { return now }
	return e
}

func TestIngest_IsIdempotentOnURL(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := newEngine(store, t0).Ingest(ctx, []model.RawProductRecord{raw("https://a/1", "Lamp", "10.00")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	later := t0.Add(2 * time.Hour)
	res, err = newEngine(store, later).Ingest(ctx, []model.RawProductRecord{raw("https://a/1", "Lamp", "7.99")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	all, err := store.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "7.99", all[0].Price.String())
	assert.Equal(t, t0, all[0].FirstSeen)
	assert.Equal(t, later, all[0].LastUpdated)

	// ingestion never writes price history
	n, err := store.CountSnapshotsSince(ctx, all[0].ID, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngest_ValidationAndDefaults(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	records := []model.RawProductRecord{
		{Name: "No URL", Price: decimal.NewFromInt(3)},
		{URL: "  https://b/1  ", Price: decimal.NewFromInt(-4)},
		raw("https://c/1", "First", "1"),
		raw("https://c/1", "Second", "2"),
	}
	res, err := newEngine(store, time.Now()).Ingest(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, Result{Received: 4, Skipped: 1, Duplicates: 1, Inserted: 2}, res)
	assert.Equal(t, 2, res.Written())

	all, err := store.FilterProducts(ctx, repository.ProductFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	byURL := map[string]model.CanonicalProduct{}
	for _, p := range all {
		byURL[p.URL] = p
	}
	blank := byURL["https://b/1"]
	assert.Equal(t, "Unknown", blank.Name)
	assert.Equal(t, "unknown", blank.Source)
	assert.Equal(t, model.StockUnknown, blank.Stock)
	assert.True(t, blank.Price.IsZero())

	assert.Equal(t, "Second", byURL["https://c/1"].Name)
}

func TestIngest_OutOfRangeFieldsDoNotSinkTheBatch(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	overRated := raw("https://s/1", "Glow Lamp", "20")
	overRated.Rating = 48
	underRated := raw("https://s/2", "Mug", "5")
	underRated.Rating = -1
	longName := raw("https://s/3", strings.Repeat("é", 600), "3")
	garbagePrice := raw("https://s/4", "Scanner noise", "12345678901")
	ceiling := raw("https://s/5", "Ceiling", "99999999.99")

	res, err := newEngine(store, time.Now()).Ingest(ctx,
		[]model.RawProductRecord{overRated, underRated, longName, garbagePrice, ceiling})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 4, res.Inserted)

	all, err := store.ListProducts(ctx)
	require.NoError(t, err)
	byURL := map[string]model.CanonicalProduct{}
	for _, p := range all {
		byURL[p.URL] = p
	}
	assert.Equal(t, 5.0, byURL["https://s/1"].Rating)
	assert.Zero(t, byURL["https://s/2"].Rating)
	assert.Equal(t, 500, utf8.RuneCountInString(byURL["https://s/3"].Name))
	assert.NotContains(t, byURL, "https://s/4")
	assert.Equal(t, "99999999.99", byURL["https://s/5"].Price.StringFixed(2))
}

func TestIngest_StoreFailureWritesNothing(t *testing.T) {
	store := repository.NewMemoryStore()
	store.FailUpserts = errors.New("deadlock detected")

	_, err := NewEngine(store, nil).Ingest(context.Background(), []model.RawProductRecord{raw("https://a", "x", "1")})
	assert.ErrorIs(t, err, store.FailUpserts)

	all, _ := store.ListProducts(context.Background())
	assert.Empty(t, all)
}

func TestIngest_EmptyBatch(t *testing.T) {
	res, err := NewEngine(repository.NewMemoryStore(), nil).Ingest(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestRefreshPrices(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	e := newEngine(store, t0)
	_, err := e.Ingest(ctx, []model.RawProductRecord{
		raw("https://a", "A", "1.50"),
		raw("https://b", "B", "2.50"),
		raw("https://c", "C", "3.50"),
	})
	require.NoError(t, err)

	e.now = func() time.Time { return t0.Add(6 * time.Hour) }
	n, err := e.RefreshPrices(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total := 0
	all, _ := store.ListProducts(ctx)
	for _, p := range all {
		snaps, err := store.SnapshotsSince(ctx, p.ID, t0)
		require.NoError(t, err)
		for _, s := range snaps {
			assert.True(t, s.Price.Equal(p.Price))
			assert.Equal(t, "amazon", s.Source)
			assert.Equal(t, t0.Add(6*time.Hour), s.TakenAt)
		}
		total += len(snaps)
	}
	assert.Equal(t, 2, total)
}
